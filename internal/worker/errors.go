package worker

import "github.com/pkg/errors"

var (
	// ErrInvalidInput rejects a turn before any side effect, e.g. blank message text.
	ErrInvalidInput = errors.New("message text is required")
	// ErrManagerClosed is returned for turns submitted after Close.
	ErrManagerClosed = errors.New("conversation manager closed")
	// ErrConversationBusy means another instance held the conversation lock for too long.
	ErrConversationBusy = errors.New("conversation is busy")
)
