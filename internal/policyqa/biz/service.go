package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kart-io/policyqa/internal/pkg/textutil"
	"github.com/kart-io/policyqa/internal/policyqa/audit"
	"github.com/kart-io/policyqa/internal/policyqa/filter"
	"github.com/kart-io/policyqa/internal/policyqa/identity"
	"github.com/kart-io/policyqa/internal/policyqa/metrics"
	"github.com/kart-io/policyqa/pkg/id"
	"github.com/kart-io/policyqa/pkg/llm"
)

// RetrievalUnavailableMessage is returned when the search path is down
// and the question cannot be served at all.
const RetrievalUnavailableMessage = "I am temporarily unable to search the security policies. Please try again in a few minutes."

// retrievalOnlyPreamble introduces the degraded answer assembled from
// sources alone when generation is down.
const retrievalOnlyPreamble = "I am temporarily unable to compose an answer, but these policy documents appear relevant to your question:"

// Pipeline stages, in order. Each query walks them front to back
// unless a short circuit applies.
type stage string

const (
	stageStarted          stage = "started"
	stageFilterBuilt      stage = "filter_built"
	stageRetrieved        stage = "retrieved"
	stageContextAssembled stage = "context_assembled"
	stageGenerated        stage = "generated"
	stageVerified         stage = "verified"
	stageCompleted        stage = "completed"
)

// QueryRequest is one question from an authenticated caller.
type QueryRequest struct {
	Question string
	History  []llm.Message
	User     *identity.UserContext
}

// QueryResult is the pipeline output for one question.
type QueryResult struct {
	RequestID string   `json:"request_id"`
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources,omitempty"`
	Citations []string `json:"citations,omitempty"`

	Outcome          string `json:"outcome"`
	Reranked         bool   `json:"reranked"`
	Truncated        bool   `json:"truncated"`
	GuardrailTripped bool   `json:"guardrail_tripped"`
	FromCache        bool   `json:"from_cache"`

	TokenUsage *llm.TokenUsage      `json:"token_usage,omitempty"`
	Latencies  audit.StageLatencies `json:"latencies"`
}

// Service orchestrates the query pipeline and guarantees exactly one
// audit record per request.
type Service struct {
	retriever   *Retriever
	assembler   *ContextAssembler
	generator   *Generator
	answerCache *AnswerCache

	auditor   *audit.Dispatcher
	filterCfg *filter.Config
	idgen     *id.Generator
	metrics   *metrics.PipelineMetrics
	tracer    trace.Tracer
}

// NewService wires the orchestrator. answerCache may be nil.
func NewService(
	retriever *Retriever,
	assembler *ContextAssembler,
	generator *Generator,
	answerCache *AnswerCache,
	auditor *audit.Dispatcher,
	filterCfg *filter.Config,
) *Service {
	return &Service{
		retriever:   retriever,
		assembler:   assembler,
		generator:   generator,
		answerCache: answerCache,
		auditor:     auditor,
		filterCfg:   filterCfg,
		idgen:       id.NewGenerator(),
		metrics:     metrics.Get(),
		tracer:      otel.Tracer("policyqa/pipeline"),
	}
}

// Query answers one question under the caller's security filter.
func (s *Service) Query(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	return s.run(ctx, req, nil)
}

// QueryStream answers one question while forwarding answer deltas to
// onDelta. The generation stream is drained and verified first; deltas
// are only released afterwards, so a guardrail trip delivers the
// refusal and the unverified text never reaches the caller.
func (s *Service) QueryStream(ctx context.Context, req *QueryRequest, onDelta func(string)) (*QueryResult, error) {
	return s.run(ctx, req, onDelta)
}

func (s *Service) run(ctx context.Context, req *QueryRequest, onDelta func(string)) (result *QueryResult, err error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.query")
	defer span.End()

	start := time.Now()
	current := stageStarted

	record := &audit.Record{
		RequestID:    s.idgen.Generate(),
		Timestamp:    start,
		UserID:       req.User.UserID,
		Groups:       req.User.Groups,
		QuestionHash: textutil.HashString(textutil.NormalizeQuestion(req.Question)),
	}
	span.SetAttributes(attribute.String("request_id", record.RequestID))

	// Exactly one audit record per request, whatever path the query
	// takes out of this function.
	defer func() {
		record.Latencies.TotalMs = time.Since(start).Milliseconds()
		if err != nil {
			record.Error = err.Error()
			if record.Outcome == "" {
				record.Outcome = audit.OutcomeError
			}
		}
		s.auditor.Dispatch(record)
		s.metrics.RecordQuery(string(record.Outcome), err)
	}()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		record.Outcome = audit.OutcomeError
		return nil, errors.New("question must not be empty")
	}
	normalized := textutil.NormalizeQuestion(question)

	f, err := filter.Build(req.User.Groups, req.User.Ceiling, s.filterCfg)
	if err != nil {
		record.Outcome = audit.OutcomeError
		return nil, fmt.Errorf("%w: %v", identity.ErrInvalidIdentity, err)
	}
	record.FilterHash = f.Hash()
	current = stageFilterBuilt

	// Full-answer cache: only populated with accepted answers, and
	// keyed by the filter hash so trimming still applies.
	if cached := s.answerCache.Get(ctx, normalized, f.Hash()); cached != nil {
		s.metrics.RecordAnswerCacheHit()
		cached.RequestID = record.RequestID
		cached.FromCache = true
		cached.Latencies = audit.StageLatencies{TotalMs: time.Since(start).Milliseconds()}
		s.fillRecordFromResult(record, cached)
		record.FromCache = true
		if onDelta != nil {
			onDelta(cached.Answer)
		}
		return cached, nil
	}

	result = &QueryResult{RequestID: record.RequestID, Outcome: string(audit.OutcomeAnswered)}

	retrievalStart := time.Now()
	retrieval, err := s.retriever.Retrieve(ctx, question, f)
	if retrieval != nil {
		record.Latencies.RerankMs = retrieval.RerankDuration.Milliseconds()
	}
	record.Latencies.RetrievalMs = time.Since(retrievalStart).Milliseconds() - record.Latencies.RerankMs
	if err != nil {
		if cancelled(ctx, err) {
			record.Outcome = audit.OutcomeCancelled
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrRetrievalUnavailable) {
			logger.Errorw("retrieval unavailable", "request_id", record.RequestID, "error", err.Error())
			record.Outcome = audit.OutcomeError
			record.Error = err.Error()
			err = nil
			result.Answer = RetrievalUnavailableMessage
			result.Outcome = string(audit.OutcomeError)
			if onDelta != nil {
				onDelta(result.Answer)
			}
			return result, nil
		}
		record.Outcome = audit.OutcomeError
		return nil, err
	}
	current = stageRetrieved
	result.Reranked = retrieval.Reranked
	record.Reranked = retrieval.Reranked
	for _, c := range retrieval.Chunks {
		record.RetrievedIDs = append(record.RetrievedIDs, c.ID)
	}

	// Nothing visible to this caller answers the question; refuse
	// without spending a generation call.
	if len(retrieval.Chunks) == 0 {
		record.Outcome = audit.OutcomeNoAnswer
		result.Answer = RefusalMessage
		result.Outcome = string(audit.OutcomeNoAnswer)
		if onDelta != nil {
			onDelta(result.Answer)
		}
		return result, nil
	}

	assemblyStart := time.Now()
	assembled := s.assembler.Assemble(retrieval.Chunks)
	record.Latencies.AssemblyMs = time.Since(assemblyStart).Milliseconds()
	current = stageContextAssembled
	result.Sources = assembled.Sources
	result.Truncated = assembled.Truncated
	record.Truncated = assembled.Truncated

	generationStart := time.Now()
	answer, deltas, usage, err := s.generate(ctx, question, assembled.Text, req.History, onDelta != nil)
	record.Latencies.GenerationMs = time.Since(generationStart).Milliseconds()
	if err != nil {
		if cancelled(ctx, err) {
			record.Outcome = audit.OutcomeCancelled
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrGenerationUnavailable) {
			logger.Warnw("generation unavailable, falling back to retrieval-only answer",
				"request_id", record.RequestID,
				"error", err.Error(),
			)
			record.Outcome = audit.OutcomeRetrievalOnly
			record.Error = err.Error()
			err = nil
			result.Answer = retrievalOnlyAnswer(assembled.Sources)
			result.Outcome = string(audit.OutcomeRetrievalOnly)
			if onDelta != nil {
				onDelta(result.Answer)
			}
			return result, nil
		}
		record.Outcome = audit.OutcomeError
		return nil, err
	}
	current = stageGenerated
	result.TokenUsage = usage
	if usage != nil {
		record.PromptTokens = usage.PromptTokens
		record.CompletionTokens = usage.CompletionTokens
	}

	tags := make([]string, len(assembled.Sources))
	for i, src := range assembled.Sources {
		tags[i] = src.Tag
	}
	verdict := VerifyAnswer(answer, tags)
	current = stageVerified

	switch verdict.Status {
	case VerdictRefused:
		record.Outcome = audit.OutcomeRefused
		result.Answer = answer
		result.Outcome = string(audit.OutcomeRefused)
		emitVerified(onDelta, deltas, result.Answer)

	case VerdictUngrounded:
		logger.Warnw("ungrounded answer replaced by guardrail",
			"request_id", record.RequestID,
		)
		s.metrics.RecordGuardrailTrip()
		record.Outcome = audit.OutcomeRefused
		record.GuardrailTripped = true
		result.Answer = RefusalMessage
		result.Outcome = string(audit.OutcomeRefused)
		result.GuardrailTripped = true
		// The generated text failed verification; only the refusal is
		// delivered.
		emitVerified(onDelta, nil, result.Answer)

	default:
		record.Outcome = audit.OutcomeAnswered
		record.CitedDocs = verdict.Citations
		result.Answer = answer
		result.Citations = verdict.Citations
		s.answerCache.Set(ctx, normalized, f.Hash(), result)
		emitVerified(onDelta, deltas, result.Answer)
	}

	current = stageCompleted
	result.Latencies = record.Latencies
	result.Latencies.TotalMs = time.Since(start).Milliseconds()

	logger.Infow("query completed",
		"request_id", record.RequestID,
		"stage", string(current),
		"outcome", result.Outcome,
		"chunks", len(retrieval.Chunks),
		"reranked", result.Reranked,
		"total_ms", result.Latencies.TotalMs,
	)

	return result, nil
}

// generate runs the generation stage in buffered or streaming mode.
// In streaming mode the stream is drained fully and the deltas are
// buffered; nothing is forwarded until the full text has been
// verified.
func (s *Service) generate(ctx context.Context, question, contextText string, history []llm.Message, streaming bool) (string, []string, *llm.TokenUsage, error) {
	in := &GenerationInput{
		Question: question,
		Context:  contextText,
		History:  history,
	}

	if !streaming {
		resp, err := s.generator.Generate(ctx, in)
		if err != nil {
			return "", nil, nil, err
		}
		return resp.Content, nil, resp.TokenUsage, nil
	}

	stream, err := s.generator.GenerateStream(ctx, in)
	if err != nil {
		return "", nil, nil, err
	}

	var sb strings.Builder
	var deltas []string
	for delta := range stream {
		if delta.Err != nil {
			return "", nil, nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, delta.Err)
		}
		sb.WriteString(delta.Content)
		deltas = append(deltas, delta.Content)
	}

	return sb.String(), deltas, nil, nil
}

// emitVerified forwards a verified answer to a streaming caller,
// replaying the original deltas when the generated text survived
// verification unchanged.
func emitVerified(onDelta func(string), deltas []string, answer string) {
	if onDelta == nil {
		return
	}
	if len(deltas) == 0 {
		onDelta(answer)
		return
	}
	for _, d := range deltas {
		onDelta(d)
	}
}

func (s *Service) fillRecordFromResult(record *audit.Record, result *QueryResult) {
	record.Outcome = audit.Outcome(result.Outcome)
	record.CitedDocs = result.Citations
	record.Reranked = result.Reranked
	record.Truncated = result.Truncated
	record.GuardrailTripped = result.GuardrailTripped
}

// retrievalOnlyAnswer lists the relevant sources when generation is
// down.
func retrievalOnlyAnswer(sources []Source) string {
	var sb strings.Builder
	sb.WriteString(retrievalOnlyPreamble)
	for _, src := range sources {
		sb.WriteString("\n- ")
		sb.WriteString(src.Title)
		if src.SourceRef != "" {
			sb.WriteString(" (")
			sb.WriteString(src.SourceRef)
			sb.WriteString(")")
		}
	}
	return sb.String()
}

func cancelled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
