package models

import "time"

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAI
}

// Message is one entry of a conversation's append-only log.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Sender         Sender    `json:"sender" db:"sender"`
	Text           string    `json:"text" db:"text"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	Seq            int64     `json:"seq" db:"seq"`
}

// Turn is the transcript projection of a message.
type Turn struct {
	Sender Sender `json:"sender" db:"sender"`
	Text   string `json:"text" db:"text"`
}
