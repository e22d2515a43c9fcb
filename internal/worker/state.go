package worker

import (
	"context"

	"supportchat/internal/models"
)

const queueLen = 16

// TurnRequest is one user message submitted to a conversation.
// An empty ConversationID starts a new conversation.
type TurnRequest struct {
	ConversationID string
	Text           string
}

// TurnResult carries the reply and the full transcript after the turn.
type TurnResult struct {
	Reply          string
	ConversationID string
	Transcript     []models.Turn
}

type turnTask struct {
	ctx      context.Context
	text     string
	resultCh chan turnOutcome
}

type turnOutcome struct {
	result *TurnResult
	err    error
}

// conversationWorker serializes every turn of one conversation.
type conversationWorker struct {
	id     string
	taskCh chan turnTask
	stopCh chan struct{}
	done   chan struct{}
	// pending counts turns accepted but not yet answered; guarded by Manager.mu.
	pending int
}

func newConversationWorker(id string) *conversationWorker {
	return &conversationWorker{
		id:     id,
		taskCh: make(chan turnTask, queueLen),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}
