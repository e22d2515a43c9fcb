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

// AppendMessage durably adds one message to the end of a conversation's log.
// The sequence number and timestamp are assigned inside one transaction so that
// created_at never goes backwards within a conversation.
func (s *Service) AppendMessage(ctx context.Context, conversationID string, sender models.Sender, text string) (*models.Message, error) {
	if !sender.Valid() {
		return nil, errors.Wrapf(ErrInvalidMessage, "unknown sender %q", sender)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.Wrap(ErrInvalidMessage, "text cannot be empty")
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, &ReferentialError{ConversationID: conversationID, Err: errors.New("empty conversation id")}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin append", err)
	}
	defer tx.Rollback()

	var last struct {
		Seq       int64        `db:"seq"`
		CreatedAt sql.NullTime `db:"created_at"`
	}
	err = tx.GetContext(ctx, &last,
		tx.Rebind(`SELECT seq, created_at FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`),
		conversationID,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, s.classify("read last message", conversationID, err)
	}

	now := s.now()
	if last.CreatedAt.Valid && now.Before(last.CreatedAt.Time) {
		now = last.CreatedAt.Time
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Text:           text,
		CreatedAt:      now,
		Seq:            last.Seq + 1,
	}
	_, err = tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO messages (id, conversation_id, sender, text, created_at, seq) VALUES (?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, string(msg.Sender), msg.Text, msg.CreatedAt, msg.Seq,
	)
	if err != nil {
		return nil, s.classify("insert message", conversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.classify("commit message", conversationID, err)
	}
	return msg, nil
}

// ReadOrdered returns the transcript of a conversation, oldest first. A conversation
// without messages yields an empty slice.
func (s *Service) ReadOrdered(ctx context.Context, conversationID string) ([]models.Turn, error) {
	turns := make([]models.Turn, 0)
	err := s.db.SelectContext(ctx, &turns,
		s.db.Rebind(`SELECT sender, text FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, seq ASC`),
		conversationID,
	)
	if err != nil {
		if storage.IsInvalidIdentifier(err) {
			return make([]models.Turn, 0), nil
		}
		return nil, storageErr("list transcript", err)
	}
	return turns, nil
}

// ListMessages returns the full message rows of a conversation in transcript order.
func (s *Service) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	messages := make([]*models.Message, 0)
	err := s.db.SelectContext(ctx, &messages,
		s.db.Rebind(`SELECT id, conversation_id, sender, text, created_at, seq FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, seq ASC`),
		conversationID,
	)
	if err != nil {
		if storage.IsInvalidIdentifier(err) {
			return make([]*models.Message, 0), nil
		}
		return nil, storageErr("list messages", err)
	}
	return messages, nil
}

func (s *Service) classify(op, conversationID string, err error) error {
	if storage.IsForeignKeyViolation(err) || storage.IsInvalidIdentifier(err) {
		return &ReferentialError{ConversationID: conversationID, Err: err}
	}
	return storageErr(op, err)
}
