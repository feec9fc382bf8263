// Package audit emits one audit record per query describing who asked
// what and which documents informed the answer.
package audit

import (
	"context"
	"time"

	"github.com/kart-io/logger"
)

// Outcome classifies how a query ended.
type Outcome string

const (
	OutcomeAnswered      Outcome = "answered"
	OutcomeNoAnswer      Outcome = "no_answer"
	OutcomeRefused       Outcome = "refused"
	OutcomeRetrievalOnly Outcome = "retrieval_only"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeError         Outcome = "error"
)

// StageLatencies carries per-stage wall clock durations in
// milliseconds.
type StageLatencies struct {
	RetrievalMs  int64 `json:"retrieval_ms"`
	RerankMs     int64 `json:"rerank_ms"`
	AssemblyMs   int64 `json:"assembly_ms"`
	GenerationMs int64 `json:"generation_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// Record is the immutable audit entry for one query. The question
// itself is stored only as a digest.
type Record struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id"`
	Groups       []string  `json:"groups"`
	QuestionHash string    `json:"question_hash"`
	FilterHash   string    `json:"filter_hash"`

	Outcome          Outcome  `json:"outcome"`
	RetrievedIDs     []string `json:"retrieved_ids,omitempty"`
	CitedDocs        []string `json:"cited_docs,omitempty"`
	Reranked         bool     `json:"reranked"`
	Truncated        bool     `json:"truncated"`
	GuardrailTripped bool     `json:"guardrail_tripped"`
	FromCache        bool     `json:"from_cache"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`

	Latencies StageLatencies `json:"latencies"`

	Error string `json:"error,omitempty"`
}

// Sink persists audit records.
type Sink interface {
	Write(ctx context.Context, record *Record) error
}

// LogSink writes audit records to the structured log.
type LogSink struct{}

// NewLogSink creates a log-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Write emits the record as one structured log line.
func (s *LogSink) Write(_ context.Context, record *Record) error {
	logger.Infow("audit",
		"request_id", record.RequestID,
		"timestamp", record.Timestamp.Format(time.RFC3339Nano),
		"user_id", record.UserID,
		"groups", record.Groups,
		"question_hash", record.QuestionHash,
		"filter_hash", record.FilterHash,
		"outcome", string(record.Outcome),
		"retrieved_ids", record.RetrievedIDs,
		"cited_docs", record.CitedDocs,
		"reranked", record.Reranked,
		"truncated", record.Truncated,
		"guardrail_tripped", record.GuardrailTripped,
		"from_cache", record.FromCache,
		"prompt_tokens", record.PromptTokens,
		"completion_tokens", record.CompletionTokens,
		"retrieval_ms", record.Latencies.RetrievalMs,
		"generation_ms", record.Latencies.GenerationMs,
		"total_ms", record.Latencies.TotalMs,
		"error", record.Error,
	)
	return nil
}

var _ Sink = (*LogSink)(nil)
