// Package store persists policy document chunks and serves
// security-trimmed similarity search over them.
package store

import (
	"context"

	"github.com/kart-io/policyqa/internal/policyqa/filter"
)

// Collection schema field names.
const (
	FieldID                 = "id"
	FieldEmbedding          = "embedding"
	FieldChunkID            = "chunk_id"
	FieldTitle              = "title"
	FieldSourceRef          = "source_ref"
	FieldContent            = "content"
	FieldClassification     = "classification"
	FieldClassificationRank = "classification_rank"
	FieldAllowedGroups      = "allowed_groups"
)

// Chunk is one stored policy document fragment.
type Chunk struct {
	ChunkID        string
	Title          string
	SourceRef      string
	Content        string
	Classification filter.Level
	AllowedGroups  []string
	Embedding      []float32
}

// RetrievedChunk is a chunk returned by search, carrying the scores
// accumulated along the retrieval pipeline.
type RetrievedChunk struct {
	ID             string       `json:"id"`
	Content        string       `json:"content"`
	Title          string       `json:"title"`
	SourceRef      string       `json:"source_ref"`
	Classification filter.Level `json:"classification"`
	AllowedGroups  []string     `json:"-"`

	// VectorScore is the ANN similarity reported by the engine.
	VectorScore float64 `json:"vector_score"`
	// KeywordScore is the lexical overlap between query and content.
	KeywordScore float64 `json:"keyword_score"`
	// FusedScore is set by reciprocal rank fusion.
	FusedScore float64 `json:"fused_score"`
	// RerankScore is set when the reranking stage ran.
	RerankScore float64 `json:"rerank_score,omitempty"`
}

// Meta returns the trimming metadata for filter re-checks.
func (c *RetrievedChunk) Meta() filter.ChunkMeta {
	return filter.ChunkMeta{
		Classification: c.Classification,
		AllowedGroups:  c.AllowedGroups,
	}
}

// SearchQuery is one trimmed retrieval request.
type SearchQuery struct {
	// Text is the normalized question, used for lexical scoring.
	Text string
	// Vector is the question embedding.
	Vector []float32
	// Filter is the mandatory security trimming predicate.
	Filter *filter.SecurityFilter
	// TopK bounds the candidate count.
	TopK int
}

// Searcher retrieves candidate chunks for a trimmed query.
type Searcher interface {
	Search(ctx context.Context, query *SearchQuery) ([]*RetrievedChunk, error)
}

// Writer ingests chunks into the collection.
type Writer interface {
	Insert(ctx context.Context, chunks []*Chunk) error
}

// Store is the full chunk store surface.
type Store interface {
	Searcher
	Writer

	Stats(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
