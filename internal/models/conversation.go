package models

import "time"

// Conversation groups an ordered sequence of messages. It is never mutated after creation.
type Conversation struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
