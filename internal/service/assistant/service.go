package assistant

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// Service persists conversations and their messages.
type Service struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewService builds a new assistant service.
func NewService(db *sqlx.DB) *Service {
	return &Service{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying pool for health checks.
func (s *Service) DB() *sqlx.DB {
	return s.db
}
