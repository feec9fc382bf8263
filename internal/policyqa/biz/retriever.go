package biz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/policyqa/internal/pkg/textutil"
	"github.com/kart-io/policyqa/internal/policyqa/filter"
	"github.com/kart-io/policyqa/internal/policyqa/metrics"
	"github.com/kart-io/policyqa/internal/policyqa/store"
	"github.com/kart-io/policyqa/pkg/llm"
	"github.com/kart-io/policyqa/pkg/resilience"
)

// ErrRetrievalUnavailable signals that neither cache nor search engine
// could serve the query.
var ErrRetrievalUnavailable = errors.New("retrieval is temporarily unavailable")

const (
	// DefaultTopKCandidates is the candidate pool fetched from the
	// engine before fusion and reranking.
	DefaultTopKCandidates = 50
	// DefaultTopKResults is the number of chunks handed to assembly.
	DefaultTopKResults = 5
	// DefaultRerankDepth bounds how many fused candidates are scored
	// by the reranker. Each candidate costs one model call.
	DefaultRerankDepth = 10
)

// RetrieverConfig configures the retrieval stage.
type RetrieverConfig struct {
	TopKCandidates int `json:"top-k-candidates" mapstructure:"top-k-candidates"`
	TopKResults    int `json:"top-k-results" mapstructure:"top-k-results"`
	RerankDepth    int `json:"rerank-depth" mapstructure:"rerank-depth"`
}

// DefaultRetrieverConfig returns the retrieval defaults.
func DefaultRetrieverConfig() *RetrieverConfig {
	return &RetrieverConfig{
		TopKCandidates: DefaultTopKCandidates,
		TopKResults:    DefaultTopKResults,
		RerankDepth:    DefaultRerankDepth,
	}
}

// RetrievalResult is the output of the retrieval stage.
type RetrievalResult struct {
	Chunks    []*store.RetrievedChunk
	Reranked  bool
	FromCache bool
	// RerankDuration is how long the rerank stage took; zero when it
	// was skipped or the result came from cache.
	RerankDuration time.Duration
}

// Retriever runs security-trimmed hybrid retrieval: expand the
// question into a search intent, embed it, search under the caller's
// filter, fuse the vector and keyword orderings, then rerank when the
// reranker is healthy.
type Retriever struct {
	embedder llm.EmbeddingProvider
	searcher store.Searcher
	expander llm.ChatProvider
	reranker llm.Reranker

	// chatCB gates the chat-dependent stages (intent expansion,
	// reranking); both are skipped whenever the generation dependency
	// is not closed.
	chatCB      *resilience.CircuitBreaker
	searchCB    *resilience.CircuitBreaker
	searchRetry *resilience.RetryConfig

	caches  *PipelineCaches
	config  *RetrieverConfig
	metrics *metrics.PipelineMetrics
}

// NewRetriever wires the retrieval stage. expander and reranker are
// optional; a nil value disables that stage.
func NewRetriever(
	embedder llm.EmbeddingProvider,
	searcher store.Searcher,
	expander llm.ChatProvider,
	reranker llm.Reranker,
	chatCB *resilience.CircuitBreaker,
	caches *PipelineCaches,
	cfg *RetrieverConfig,
) *Retriever {
	if cfg == nil {
		cfg = DefaultRetrieverConfig()
	}

	return &Retriever{
		embedder:    embedder,
		searcher:    searcher,
		expander:    expander,
		reranker:    reranker,
		chatCB:      chatCB,
		searchCB:    resilience.NewCircuitBreaker("retrieval", nil),
		searchRetry: resilience.RetrievalRetryConfig(),
		caches:      caches,
		config:      cfg,
		metrics:     metrics.Get(),
	}
}

// SearchBreaker exposes the retrieval breaker for monitoring.
func (r *Retriever) SearchBreaker() *resilience.CircuitBreaker {
	return r.searchCB
}

// Retrieve returns the top chunks for the question visible under the
// caller's security filter.
func (r *Retriever) Retrieve(ctx context.Context, question string, f *filter.SecurityFilter) (*RetrievalResult, error) {
	normalized := textutil.NormalizeQuestion(question)

	if cached, reranked, ok := r.caches.GetResults(normalized, f.Hash()); ok {
		r.metrics.RecordRetrievalCache(true)
		return &RetrievalResult{Chunks: cached, Reranked: reranked, FromCache: true}, nil
	}
	r.metrics.RecordRetrievalCache(false)

	intent := r.searchIntent(ctx, question, normalized)

	vector, err := r.embedQuestion(ctx, intent)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	candidates, err := r.search(ctx, intent, vector, f)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			r.metrics.RecordBreakerFastFail()
		}
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	// Defense in depth: the engine already applied the filter, but a
	// chunk that slips past it must never reach the model.
	visible := candidates[:0]
	for _, c := range candidates {
		if f.Matches(c.Meta()) {
			visible = append(visible, c)
			continue
		}
		logger.Warnw("dropping chunk that failed the trimming re-check",
			"chunk_id", c.ID,
			"classification", c.Classification.String(),
		)
	}

	fused := FuseRRF(visible)

	rerankStart := time.Now()
	reranked := r.rerank(ctx, question, fused)
	rerankDuration := time.Since(rerankStart)

	if len(fused) > r.config.TopKResults {
		fused = fused[:r.config.TopKResults]
	}

	r.caches.SetResults(normalized, f.Hash(), fused, reranked)

	return &RetrievalResult{Chunks: fused, Reranked: reranked, RerankDuration: rerankDuration}, nil
}

const intentPrompt = `Rewrite the following question as a concise search query for a security policy document index. Keep the original intent, expand key terms with synonyms, and output only the rewritten query.

Question: %s

Search query:`

// searchIntent expands the question into a search-intent string. Any
// failure falls back to the normalized question; this step never fails
// the request.
func (r *Retriever) searchIntent(ctx context.Context, question, normalized string) string {
	if r.expander == nil {
		return normalized
	}
	if r.chatCB != nil && r.chatCB.State() != resilience.StateClosed {
		return normalized
	}

	resp, err := r.expander.Generate(ctx, fmt.Sprintf(intentPrompt, question), "")
	if err != nil {
		logger.Warnw("intent expansion failed, using the raw question", "error", err.Error())
		return normalized
	}

	intent := textutil.NormalizeQuestion(resp.Content)
	if intent == "" {
		return normalized
	}

	logger.Debugw("question expanded for retrieval", "original", normalized, "intent", intent)
	return intent
}

func (r *Retriever) embedQuestion(ctx context.Context, normalized string) ([]float32, error) {
	if vector, ok := r.caches.GetEmbedding(normalized); ok {
		r.metrics.RecordEmbedCache(true)
		return vector, nil
	}
	r.metrics.RecordEmbedCache(false)

	vector, err := r.embedder.EmbedSingle(ctx, normalized)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			r.metrics.RecordBreakerFastFail()
		}
		return nil, err
	}

	r.caches.SetEmbedding(normalized, vector)
	return vector, nil
}

func (r *Retriever) search(ctx context.Context, normalized string, vector []float32, f *filter.SecurityFilter) ([]*store.RetrievedChunk, error) {
	var chunks []*store.RetrievedChunk

	start := time.Now()
	err := resilience.RetryWithCircuitBreaker(ctx, r.searchRetry, r.searchCB, func() error {
		var callErr error
		chunks, callErr = r.searcher.Search(ctx, &store.SearchQuery{
			Text:   normalized,
			Vector: vector,
			Filter: f,
			TopK:   r.config.TopKCandidates,
		})
		return callErr
	})
	r.metrics.RecordRetrieval(time.Since(start), err)

	return chunks, err
}

// rerank reorders the candidates by semantic relevance. It is skipped,
// not failed, whenever the reranker is missing, its breaker is not
// closed, or scoring errors out; the fused ordering then stands.
func (r *Retriever) rerank(ctx context.Context, question string, chunks []*store.RetrievedChunk) bool {
	if r.reranker == nil || len(chunks) == 0 {
		return false
	}

	if r.chatCB != nil && r.chatCB.State() != resilience.StateClosed {
		logger.Infow("skipping rerank while generation dependency is degraded",
			"breaker_state", r.chatCB.State().String(),
		)
		r.metrics.RecordRerankSkipped()
		return false
	}

	depth := r.config.RerankDepth
	if depth <= 0 || depth > len(chunks) {
		depth = len(chunks)
	}
	head := chunks[:depth]

	candidates := make([]llm.RerankCandidate, len(head))
	for i, c := range head {
		candidates[i] = llm.RerankCandidate{ID: c.ID, Content: c.Content, Score: c.FusedScore}
	}

	results, err := r.reranker.Rerank(ctx, question, candidates)
	if err != nil {
		logger.Warnw("rerank failed, keeping fused ordering", "error", err.Error())
		r.metrics.RecordRerankSkipped()
		return false
	}

	scores := make(map[string]float64, len(results))
	for _, res := range results {
		scores[res.ID] = res.Score
	}
	for _, c := range head {
		c.RerankScore = scores[c.ID]
	}

	// Only the scored head is reordered; the tail keeps its fused order.
	sortChunksByRerankScore(head)
	return true
}

func sortChunksByRerankScore(chunks []*store.RetrievedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].RerankScore != chunks[j].RerankScore {
			return chunks[i].RerankScore > chunks[j].RerankScore
		}
		return chunks[i].ID < chunks[j].ID
	})
}
