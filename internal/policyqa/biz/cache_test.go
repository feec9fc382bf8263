package biz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kart-io/policyqa/internal/policyqa/store"
)

func TestPipelineCachesEmbeddings(t *testing.T) {
	caches := NewPipelineCaches(nil)

	_, ok := caches.GetEmbedding("how do i reset mfa")
	assert.False(t, ok)

	caches.SetEmbedding("how do i reset mfa", []float32{0.1, 0.2})

	vec, ok := caches.GetEmbedding("how do i reset mfa")
	assert.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestPipelineCachesResultsKeyedByFilter(t *testing.T) {
	caches := NewPipelineCaches(nil)
	chunks := []*store.RetrievedChunk{{ID: "a"}}

	caches.SetResults("question", "filter-hash-1", chunks, false)

	got, _, ok := caches.GetResults("question", "filter-hash-1")
	assert.True(t, ok)
	assert.Equal(t, chunks, got)

	// A caller with a different clearance never sees another caller's
	// entries.
	_, _, ok = caches.GetResults("question", "filter-hash-2")
	assert.False(t, ok)
}

func TestPipelineCachesResultsKeepRerankedFlag(t *testing.T) {
	caches := NewPipelineCaches(nil)

	caches.SetResults("q1", "h", []*store.RetrievedChunk{{ID: "a"}}, true)
	caches.SetResults("q2", "h", []*store.RetrievedChunk{{ID: "b"}}, false)

	_, reranked, ok := caches.GetResults("q1", "h")
	assert.True(t, ok)
	assert.True(t, reranked)

	_, reranked, ok = caches.GetResults("q2", "h")
	assert.True(t, ok)
	assert.False(t, reranked)
}

func TestPipelineCachesStats(t *testing.T) {
	caches := NewPipelineCaches(&CacheConfig{Capacity: 8})

	caches.SetEmbedding("q", []float32{1})
	caches.GetEmbedding("q")
	caches.GetEmbedding("missing")

	stats := caches.Stats()
	assert.Equal(t, uint64(1), stats["embeddings"].Hits)
	assert.Equal(t, uint64(1), stats["embeddings"].Misses)
}

func TestAnswerCacheNilSafe(t *testing.T) {
	var c *AnswerCache

	assert.Nil(t, c.Get(context.Background(), "q", "h"))
	// Set on a nil cache must not panic.
	c.Set(context.Background(), "q", "h", &QueryResult{Answer: "a"})

	disabled := NewAnswerCache(nil, 0)
	assert.Nil(t, disabled.Get(context.Background(), "q", "h"))
	disabled.Set(context.Background(), "q", "h", &QueryResult{Answer: "a"})
}
