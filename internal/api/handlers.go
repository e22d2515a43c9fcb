package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"supportchat/internal/logging"
	"supportchat/internal/models"
	"supportchat/internal/service/assistant"
	"supportchat/internal/storage"
	"supportchat/internal/worker"
)

const dbHealthTimeout = 3 * time.Second

// TurnManager runs chat turns. *worker.Manager satisfies it.
type TurnManager interface {
	HandleTurn(ctx context.Context, req worker.TurnRequest) (*worker.TurnResult, error)
	CachedTranscript(ctx context.Context, conversationID string) ([]models.Turn, bool)
}

// Handler wires HTTP routes to the conversation store and the turn manager.
type Handler struct {
	assistant *assistant.Service
	workers   TurnManager
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, workers TurnManager) *Handler {
	return &Handler{
		assistant: service,
		workers:   workers,
	}
}

// NewRouter builds the gin engine with middleware and every route attached.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), AccessLog(), CORS())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/db-health", h.dbHealth)

	chat := router.Group("/chat")
	chat.POST("/message", h.postMessage)
	chat.GET("/history/:sessionId", h.getHistory)
}

type messageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type messageResponse struct {
	Reply     string        `json:"reply"`
	SessionID string        `json:"sessionId"`
	History   []models.Turn `json:"history"`
}

type historyResponse struct {
	SessionID string        `json:"sessionId"`
	History   []models.Turn `json:"history"`
}

func (h *Handler) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.workers.HandleTurn(c.Request.Context(), worker.TurnRequest{
		ConversationID: req.SessionID,
		Text:           req.Message,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{
		Reply:     res.Reply,
		SessionID: res.ConversationID,
		History:   res.Transcript,
	})
}

func (h *Handler) getHistory(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("sessionId")

	if turns, ok := h.workers.CachedTranscript(ctx, id); ok {
		c.JSON(http.StatusOK, historyResponse{SessionID: id, History: turns})
		return
	}
	exists, err := h.assistant.ConversationExists(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	turns, err := h.assistant.ReadOrdered(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, historyResponse{SessionID: id, History: turns})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) dbHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), dbHealthTimeout)
	defer cancel()
	now, err := storage.ServerTime(ctx, h.assistant.DB())
	if err != nil {
		logging.FromContext(c.Request.Context()).Error().Err(err).Msg("database health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"db": "disconnected", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"db": "connected", "time": now})
}

// writeError maps domain errors onto status codes. Internal details are logged, not returned.
func (h *Handler) writeError(c *gin.Context, err error) {
	logger := logging.FromContext(c.Request.Context())
	switch {
	case errors.Is(err, worker.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
	case errors.Is(err, worker.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
	case errors.Is(err, worker.ErrConversationBusy):
		logger.Warn().Err(err).Msg("conversation lock not acquired")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "conversation is busy, please retry"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn().Err(err).Msg("request ended before the turn completed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	case errors.Is(err, assistant.ErrConversationNotFound):
		logger.Error().Err(err).Msg("message for unknown conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process message"})
	default:
		logger.Error().Err(err).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process message"})
	}
}
