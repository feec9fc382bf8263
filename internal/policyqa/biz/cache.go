package biz

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kart-io/logger"
	"github.com/redis/go-redis/v9"

	"github.com/kart-io/policyqa/internal/pkg/textutil"
	"github.com/kart-io/policyqa/internal/policyqa/store"
	"github.com/kart-io/policyqa/pkg/cache"
)

// CacheConfig configures the in-process pipeline caches.
type CacheConfig struct {
	Capacity int           `json:"capacity" mapstructure:"capacity"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

// DefaultCacheConfig returns the cache defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Capacity: cache.DefaultCapacity,
		TTL:      cache.DefaultTTL,
	}
}

// cachedRetrieval is one result-cache entry: the trimmed chunks plus
// whether reranking produced their ordering.
type cachedRetrieval struct {
	chunks   []*store.RetrievedChunk
	reranked bool
}

// PipelineCaches holds the in-process caches shared by the retrieval
// stage: question embeddings and trimmed retrieval results. Retrieval
// results are keyed by question and filter hash together so callers
// with different clearances never share entries.
type PipelineCaches struct {
	embeddings *cache.LRU[string, []float32]
	results    *cache.LRU[string, cachedRetrieval]
}

// NewPipelineCaches creates the pipeline caches.
func NewPipelineCaches(cfg *CacheConfig) *PipelineCaches {
	if cfg == nil {
		cfg = DefaultCacheConfig()
	}

	return &PipelineCaches{
		embeddings: cache.NewLRU[string, []float32](cfg.Capacity, cfg.TTL),
		results:    cache.NewLRU[string, cachedRetrieval](cfg.Capacity, cfg.TTL),
	}
}

// GetEmbedding looks up the embedding of a normalized question.
func (p *PipelineCaches) GetEmbedding(normalized string) ([]float32, bool) {
	return p.embeddings.Get(normalized)
}

// SetEmbedding stores the embedding of a normalized question.
func (p *PipelineCaches) SetEmbedding(normalized string, vector []float32) {
	p.embeddings.Set(normalized, vector)
}

func resultCacheKey(normalized, filterHash string) string {
	return normalized + "|" + filterHash
}

// GetResults looks up the cached retrieval result for a question under
// a specific security filter. The second return reports whether the
// cached ordering was produced by reranking.
func (p *PipelineCaches) GetResults(normalized, filterHash string) ([]*store.RetrievedChunk, bool, bool) {
	entry, ok := p.results.Get(resultCacheKey(normalized, filterHash))
	if !ok {
		return nil, false, false
	}
	return entry.chunks, entry.reranked, true
}

// SetResults stores a retrieval result under the question and filter.
func (p *PipelineCaches) SetResults(normalized, filterHash string, chunks []*store.RetrievedChunk, reranked bool) {
	p.results.Set(resultCacheKey(normalized, filterHash), cachedRetrieval{chunks: chunks, reranked: reranked})
}

// Stats returns the counters of both caches.
func (p *PipelineCaches) Stats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"embeddings": p.embeddings.Stats(),
		"results":    p.results.Stats(),
	}
}

// AnswerCache stores completed answers in Redis so identical questions
// from identically-trimmed callers skip the whole pipeline. It is
// optional; a nil AnswerCache disables the layer.
type AnswerCache struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

// NewAnswerCache creates a Redis-backed answer cache.
func NewAnswerCache(rdb redis.UniversalClient, ttl time.Duration) *AnswerCache {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}

	return &AnswerCache{
		rdb:       rdb,
		ttl:       ttl,
		keyPrefix: "policyqa:answer:",
	}
}

func (c *AnswerCache) key(normalized, filterHash string) string {
	return c.keyPrefix + textutil.HashString(resultCacheKey(normalized, filterHash))
}

// Get returns a cached answer, or nil when absent. Redis failures are
// treated as misses.
func (c *AnswerCache) Get(ctx context.Context, normalized, filterHash string) *QueryResult {
	if c == nil || c.rdb == nil {
		return nil
	}

	data, err := c.rdb.Get(ctx, c.key(normalized, filterHash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Warnw("answer cache read failed", "error", err.Error())
		}
		return nil
	}

	var result QueryResult
	if err := json.Unmarshal(data, &result); err != nil {
		logger.Warnw("answer cache entry corrupt", "error", err.Error())
		return nil
	}

	return &result
}

// Set stores an answer. Failures are logged and ignored; the cache is
// an optimization, not a dependency.
func (c *AnswerCache) Set(ctx context.Context, normalized, filterHash string, result *QueryResult) {
	if c == nil || c.rdb == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		logger.Warnw("answer cache marshal failed", "error", err.Error())
		return
	}

	if err := c.rdb.Set(ctx, c.key(normalized, filterHash), data, c.ttl).Err(); err != nil {
		logger.Warnw("answer cache write failed", "error", err.Error())
	}
}
