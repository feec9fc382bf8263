// Package handler provides the HTTP handlers for the policy QA
// service.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/policyqa/internal/policyqa/biz"
	"github.com/kart-io/policyqa/internal/policyqa/identity"
	"github.com/kart-io/policyqa/internal/policyqa/metrics"
	"github.com/kart-io/policyqa/pkg/llm"
	"github.com/kart-io/policyqa/pkg/resilience"
)

// queryTimeout bounds one query end to end.
const queryTimeout = 60 * time.Second

// SuccessResponse is a standard success response.
type SuccessResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ChatMessage is one prior conversation turn supplied by the client.
type ChatMessage struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content" binding:"required"`
}

// QueryRequest is a chat query.
type QueryRequest struct {
	Question string        `json:"question" binding:"required"`
	History  []ChatMessage `json:"history,omitempty" binding:"dive"`
	Stream   bool          `json:"stream,omitempty"`
}

// StatsProvider reports document store statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (int64, error)
}

// Breakers exposes the circuit breakers surfaced in the stats
// endpoint.
type Breakers struct {
	Embedding  *resilience.CircuitBreaker
	Generation *resilience.CircuitBreaker
	Retrieval  *resilience.CircuitBreaker
}

// ChatHandler handles chat queries.
type ChatHandler struct {
	service     *biz.Service
	identityCfg *identity.Config
	stats       StatsProvider
	breakers    *Breakers
}

// NewChatHandler creates the chat handler.
func NewChatHandler(service *biz.Service, identityCfg *identity.Config, stats StatsProvider, breakers *Breakers) *ChatHandler {
	return &ChatHandler{
		service:     service,
		identityCfg: identityCfg,
		stats:       stats,
		breakers:    breakers,
	}
}

// Query answers one question, optionally streaming the answer as
// server-sent events.
func (h *ChatHandler) Query(c *gin.Context) {
	user, err := identity.FromHeaders(c.Request.Header, h.identityCfg)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Code: 401, Message: err.Error()})
		return
	}

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	query := &biz.QueryRequest{
		Question: req.Question,
		History:  toMessages(req.History),
		User:     user,
	}

	if req.Stream {
		h.streamQuery(c, ctx, query)
		return
	}

	result, err := h.service.Query(ctx, query)
	if err != nil {
		h.writeQueryError(c, ctx, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: result})
}

// streamQuery forwards answer deltas as SSE events, then a final
// "result" event carrying the verified outcome.
func (h *ChatHandler) streamQuery(c *gin.Context, ctx context.Context, query *biz.QueryRequest) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	result, err := h.service.QueryStream(ctx, query, func(delta string) {
		c.SSEvent("delta", delta)
		c.Writer.Flush()
	})
	if err != nil {
		c.SSEvent("error", err.Error())
		c.Writer.Flush()
		return
	}

	c.SSEvent("result", result)
	c.Writer.Flush()
}

func (h *ChatHandler) writeQueryError(c *gin.Context, ctx context.Context, err error) {
	if errors.Is(err, identity.ErrInvalidIdentity) {
		c.JSON(http.StatusForbidden, ErrorResponse{Code: 403, Message: err.Error()})
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.JSON(http.StatusRequestTimeout, ErrorResponse{
			Code:    408,
			Message: "Query timeout: the request took too long to process. Please try again or simplify your question.",
		})
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		c.Status(499)
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
}

// Stats returns pipeline counters, breaker states and the document
// count.
func (h *ChatHandler) Stats(c *gin.Context) {
	data := map[string]interface{}{
		"pipeline": metrics.Get().Stats(),
	}

	if h.breakers != nil {
		breakers := map[string]interface{}{}
		for _, cb := range []*resilience.CircuitBreaker{h.breakers.Embedding, h.breakers.Generation, h.breakers.Retrieval} {
			if cb != nil {
				breakers[cb.Name()] = cb.Stats()
			}
		}
		data["circuit_breakers"] = breakers
	}

	if h.stats != nil {
		count, err := h.stats.Stats(c.Request.Context())
		if err == nil {
			data["documents"] = map[string]interface{}{"chunks": count}
		} else {
			data["documents"] = map[string]interface{}{"error": err.Error()}
		}
	}

	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: data})
}

// Metrics serves the counters in Prometheus text format.
func (h *ChatHandler) Metrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(metrics.Get().Export("policyqa", "pipeline")))
}

// Healthz reports liveness.
func (h *ChatHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func toMessages(history []ChatMessage) []llm.Message {
	if len(history) == 0 {
		return nil
	}

	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, llm.Message{
			Role:    llm.Role(m.Role),
			Content: m.Content,
		})
	}
	return messages
}
