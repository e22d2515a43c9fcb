package assistant

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"supportchat/internal/models"
	"supportchat/internal/storage"
)

// ResolveOrCreate maps a client supplied conversation id to the id used for this turn.
// A non-blank id is returned unchanged and trusted: possession of an id grants access,
// and the messages foreign key rejects ids that do not exist. A blank id creates a new
// conversation.
func (s *Service) ResolveOrCreate(ctx context.Context, clientID string) (string, error) {
	if strings.TrimSpace(clientID) != "" {
		return clientID, nil
	}
	conv, err := s.CreateConversation(ctx)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// CreateConversation inserts a new conversation with a fresh uuid.
func (s *Service) CreateConversation(ctx context.Context) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO conversations (id, created_at) VALUES (?, ?)`),
		conv.ID, conv.CreatedAt,
	)
	if err != nil {
		return nil, storageErr("create conversation", err)
	}
	return conv, nil
}

// ConversationExists reports whether id names a stored conversation.
func (s *Service) ConversationExists(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		s.db.Rebind(`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`),
		id,
	)
	if err != nil {
		if storage.IsInvalidIdentifier(err) {
			return false, nil
		}
		return false, storageErr("verify conversation", err)
	}
	return exists, nil
}

// GetConversation loads one conversation record.
func (s *Service) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.GetContext(ctx, &conv,
		s.db.Rebind(`SELECT id, created_at FROM conversations WHERE id = ?`),
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || storage.IsInvalidIdentifier(err) {
			return nil, &ReferentialError{ConversationID: id, Err: err}
		}
		return nil, storageErr("get conversation", err)
	}
	return &conv, nil
}
