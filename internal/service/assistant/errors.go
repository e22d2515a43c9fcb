package assistant

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConversationNotFound is matched by ReferentialError.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrStorage is matched by StorageError.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidMessage rejects an unknown sender or blank text.
	ErrInvalidMessage = errors.New("invalid message")
)

// ReferentialError reports a write against a conversation that does not exist.
type ReferentialError struct {
	ConversationID string
	Err            error
}

func (e *ReferentialError) Error() string {
	return fmt.Sprintf("conversation %s does not exist", e.ConversationID)
}

func (e *ReferentialError) Unwrap() error {
	return e.Err
}

func (e *ReferentialError) Is(target error) bool {
	return target == ErrConversationNotFound
}

// StorageError wraps any persistence failure. Op names the failed operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
