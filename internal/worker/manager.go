package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"supportchat/internal/logging"
	"supportchat/internal/models"
	"supportchat/internal/redis"
	"supportchat/internal/service/ai"
)

const (
	defaultGenerationTimeout = 30 * time.Second
	defaultIdleTimeout       = time.Minute
)

// TranscriptStore is the persistence the manager needs.
type TranscriptStore interface {
	ResolveOrCreate(ctx context.Context, clientID string) (string, error)
	ReadOrdered(ctx context.Context, conversationID string) ([]models.Turn, error)
	AppendMessage(ctx context.Context, conversationID string, sender models.Sender, text string) (*models.Message, error)
}

// ReplyGenerator produces reply text for a prompt.
type ReplyGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	SystemPrompt      string
	GenerationTimeout time.Duration
	IdleTimeout       time.Duration
	LockTTL           time.Duration
	CacheTTL          time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRedis enables the cross-instance conversation lock and the transcript cache.
func WithRedis(client *redis.Client) Option {
	return func(m *Manager) {
		if client == nil {
			return
		}
		m.lock = newConversationLock(client, m.cfg.LockTTL)
		m.cache = newTranscriptCache(client, m.cfg.CacheTTL)
	}
}

// Manager runs the reply sequence for every turn. Turns of one conversation are
// handled one at a time, in arrival order, by that conversation's worker goroutine;
// different conversations proceed in parallel.
type Manager struct {
	store     TranscriptStore
	generator ReplyGenerator
	cfg       Config

	lock  *conversationLock
	cache *transcriptCache

	mu      sync.Mutex
	workers map[string]*conversationWorker
	closed  bool
	wg      sync.WaitGroup
}

func NewManager(store TranscriptStore, generator ReplyGenerator, cfg Config, opts ...Option) *Manager {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = ai.DefaultSystemPrompt
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	m := &Manager{
		store:     store,
		generator: generator,
		cfg:       cfg,
		workers:   make(map[string]*conversationWorker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleTurn stores the user's message, generates and stores a reply, and returns the
// updated transcript. Once the turn is queued it runs to completion even if ctx is
// cancelled; the caller then just stops waiting.
func (m *Manager) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrInvalidInput
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	conversationID, err := m.store.ResolveOrCreate(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	w, err := m.acquireWorker(conversationID)
	if err != nil {
		return nil, err
	}
	task := turnTask{
		ctx:      context.WithoutCancel(ctx),
		text:     req.Text,
		resultCh: make(chan turnOutcome, 1),
	}
	select {
	case w.taskCh <- task:
	case <-w.stopCh:
		m.releaseWorker(w)
		return nil, ErrManagerClosed
	case <-ctx.Done():
		m.releaseWorker(w)
		return nil, ctx.Err()
	}

	select {
	case out := <-task.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		select {
		case out := <-task.resultCh:
			return out.result, out.err
		default:
			return nil, ErrManagerClosed
		}
	}
}

// CachedTranscript returns the transcript cached by the last completed turn, if any.
func (m *Manager) CachedTranscript(ctx context.Context, conversationID string) ([]models.Turn, bool) {
	if m.cache == nil {
		return nil, false
	}
	return m.cache.load(ctx, conversationID)
}

// Close stops every worker after its current turn and rejects further turns.
// Queued but unstarted turns fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, w := range m.workers {
		close(w.stopCh)
		delete(m.workers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// acquireWorker returns the conversation's worker, starting one if needed, and
// counts the caller as pending so the worker cannot retire underneath it.
func (m *Manager) acquireWorker(conversationID string) (*conversationWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	w, ok := m.workers[conversationID]
	if !ok {
		w = newConversationWorker(conversationID)
		m.workers[conversationID] = w
		m.wg.Add(1)
		go m.runWorker(w)
	}
	w.pending++
	return w, nil
}

func (m *Manager) releaseWorker(w *conversationWorker) {
	m.mu.Lock()
	w.pending--
	m.mu.Unlock()
}

func (m *Manager) runWorker(w *conversationWorker) {
	defer m.wg.Done()
	defer close(w.done)

	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-w.stopCh:
			m.drainClosed(w)
			log := logging.FromContext(context.Background())
			log.Debug().Str("conversation_id", w.id).Msg("conversation worker stopped")
			return
		case task := <-w.taskCh:
			// select picks randomly once stopCh is closed; never start a turn after Close
			select {
			case <-w.stopCh:
				task.resultCh <- turnOutcome{err: ErrManagerClosed}
				m.releaseWorker(w)
				m.drainClosed(w)
				return
			default:
			}
			result, err := m.processTurn(task.ctx, w.id, task.text)
			task.resultCh <- turnOutcome{result: result, err: err}
			m.releaseWorker(w)
			idle.Reset(m.cfg.IdleTimeout)
		case <-idle.C:
			m.mu.Lock()
			if w.pending == 0 {
				if m.workers[w.id] == w {
					delete(m.workers, w.id)
				}
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			idle.Reset(m.cfg.IdleTimeout)
		}
	}
}

func (m *Manager) drainClosed(w *conversationWorker) {
	for {
		select {
		case task := <-w.taskCh:
			task.resultCh <- turnOutcome{err: ErrManagerClosed}
			m.releaseWorker(w)
		default:
			return
		}
	}
}

// processTurn is the reply sequence. A user message that was stored always gets an
// ai message after it, either the generated reply or the fallback.
func (m *Manager) processTurn(ctx context.Context, conversationID, text string) (*TurnResult, error) {
	logger := logging.FromContext(ctx).With().Str("conversation_id", conversationID).Logger()
	ctx = logger.WithContext(ctx)

	if m.lock != nil {
		lockCtx, cancel := context.WithTimeout(ctx, m.lock.ttl)
		release, err := m.lock.acquire(lockCtx, conversationID)
		cancel()
		if err != nil {
			return nil, err
		}
		defer release()
		m.cache.drop(ctx, conversationID)
	}

	history, err := m.store.ReadOrdered(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.AppendMessage(ctx, conversationID, models.SenderUser, text); err != nil {
		return nil, err
	}

	prompt := ai.BuildPrompt(m.cfg.SystemPrompt, history, text)
	reply := m.generate(ctx, &logger, prompt)

	if _, err := m.store.AppendMessage(ctx, conversationID, models.SenderAI, reply); err != nil {
		logger.Error().Err(err).Msg("store reply failed")
		return nil, err
	}

	transcript, err := m.store.ReadOrdered(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.store(ctx, conversationID, transcript)
	}
	return &TurnResult{
		Reply:          reply,
		ConversationID: conversationID,
		Transcript:     transcript,
	}, nil
}

// generate never fails: errors, timeouts and blank output become the fallback reply.
func (m *Manager) generate(ctx context.Context, logger *zerolog.Logger, prompt string) string {
	genCtx, cancel := context.WithTimeout(ctx, m.cfg.GenerationTimeout)
	defer cancel()

	type generated struct {
		reply string
		err   error
	}
	start := time.Now()
	ch := make(chan generated, 1)
	go func() {
		reply, err := m.generator.Generate(genCtx, prompt)
		ch <- generated{reply: reply, err: err}
	}()

	var (
		reply string
		err   error
	)
	select {
	case out := <-ch:
		reply, err = out.reply, out.err
	case <-genCtx.Done():
		err = genCtx.Err()
	}
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("generation failed, using fallback reply")
		return ai.FallbackReply
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		logger.Warn().Msg("generation returned empty text, using fallback reply")
		return ai.FallbackReply
	}
	logger.Debug().Dur("elapsed", time.Since(start)).Msg("reply generated")
	return reply
}
