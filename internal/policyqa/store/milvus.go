package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/kart-io/policyqa/internal/pkg/textutil"
	"github.com/kart-io/policyqa/internal/policyqa/filter"
)

// MilvusConfig configures the Milvus-backed chunk store.
type MilvusConfig struct {
	Address    string        `json:"address" mapstructure:"address"`
	Database   string        `json:"database" mapstructure:"database"`
	Username   string        `json:"username" mapstructure:"username"`
	Password   string        `json:"password" mapstructure:"password"`
	Collection string        `json:"collection" mapstructure:"collection"`
	Dimension  int           `json:"dimension" mapstructure:"dimension"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultMilvusConfig returns the connection defaults.
func DefaultMilvusConfig() *MilvusConfig {
	return &MilvusConfig{
		Address:    "localhost:19530",
		Database:   "default",
		Collection: "policy_chunks",
		Dimension:  1536,
		Timeout:    30 * time.Second,
	}
}

// MilvusStore implements Store on a Milvus collection.
type MilvusStore struct {
	client     *milvusclient.Client
	collection string
	dimension  int
}

// NewMilvusStore connects to Milvus and ensures the policy chunk
// collection exists.
func NewMilvusStore(cfg *MilvusConfig) (*MilvusStore, error) {
	if cfg == nil {
		cfg = DefaultMilvusConfig()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}

	s := &MilvusStore{
		client:     c,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}

	if err := s.ensureCollection(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	return s, nil
}

func (s *MilvusStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(s.collection))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	schema := entity.NewSchema().
		WithName(s.collection).
		WithDescription("security-trimmed policy document chunks").
		WithAutoID(true)

	schema.WithField(
		entity.NewField().
			WithName(FieldID).
			WithDataType(entity.FieldTypeInt64).
			WithIsPrimaryKey(true).
			WithIsAutoID(true),
	)
	schema.WithField(
		entity.NewField().
			WithName(FieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(s.dimension)),
	)

	varcharFields := []struct {
		name   string
		maxLen int64
	}{
		{FieldChunkID, 64},
		{FieldTitle, 255},
		{FieldSourceRef, 512},
		{FieldContent, 65535},
		{FieldClassification, 32},
		{FieldAllowedGroups, 2048},
	}
	for _, f := range varcharFields {
		schema.WithField(
			entity.NewField().
				WithName(f.name).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(f.maxLen),
		)
	}
	schema.WithField(
		entity.NewField().
			WithName(FieldClassificationRank).
			WithDataType(entity.FieldTypeInt64),
	)

	if err := s.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(s.collection, schema)); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx := index.NewIvfFlatIndex(entity.L2, 128)
	createIdxTask, err := s.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(s.collection, FieldEmbedding, idx))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := createIdxTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for index creation: %w", err)
	}

	loadTask, err := s.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(s.collection))
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for collection loading: %w", err)
	}

	return nil
}

// Insert ingests chunks. Allowed groups are stored pipe-delimited so
// the trimming filter can match them with an infix expression.
func (s *MilvusStore) Insert(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	embeddings := make([][]float32, len(chunks))
	chunkIDs := make([]string, len(chunks))
	titles := make([]string, len(chunks))
	sourceRefs := make([]string, len(chunks))
	contents := make([]string, len(chunks))
	classifications := make([]string, len(chunks))
	ranks := make([]int64, len(chunks))
	groups := make([]string, len(chunks))

	for i, chunk := range chunks {
		embeddings[i] = chunk.Embedding
		chunkIDs[i] = chunk.ChunkID
		titles[i] = chunk.Title
		sourceRefs[i] = chunk.SourceRef
		contents[i] = chunk.Content
		classifications[i] = chunk.Classification.String()
		ranks[i] = int64(chunk.Classification)
		groups[i] = filter.JoinGroups(chunk.AllowedGroups)
	}

	columns := []column.Column{
		column.NewColumnFloatVector(FieldEmbedding, s.dimension, embeddings),
		column.NewColumnVarChar(FieldChunkID, chunkIDs),
		column.NewColumnVarChar(FieldTitle, titles),
		column.NewColumnVarChar(FieldSourceRef, sourceRefs),
		column.NewColumnVarChar(FieldContent, contents),
		column.NewColumnVarChar(FieldClassification, classifications),
		column.NewColumnInt64(FieldClassificationRank, ranks),
		column.NewColumnVarChar(FieldAllowedGroups, groups),
	}

	if _, err := s.client.Insert(ctx, milvusclient.NewColumnBasedInsertOption(s.collection, columns...)); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	flushTask, err := s.client.Flush(ctx, milvusclient.NewFlushOption(s.collection))
	if err != nil {
		return fmt.Errorf("failed to flush collection: %w", err)
	}
	if err := flushTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for flush: %w", err)
	}

	return nil
}

// Search runs an ANN search constrained by the security filter and
// scores each candidate lexically against the query text. The filter
// expression is applied engine-side; callers re-check the returned
// metadata before use.
func (s *MilvusStore) Search(ctx context.Context, query *SearchQuery) ([]*RetrievedChunk, error) {
	loadTask, err := s.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(s.collection))
	if err != nil {
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for collection loading: %w", err)
	}

	searchVectors := []entity.Vector{entity.FloatVector(query.Vector)}
	outputFields := []string{
		FieldChunkID, FieldTitle, FieldSourceRef, FieldContent,
		FieldClassification, FieldAllowedGroups,
	}

	results, err := s.client.Search(ctx, milvusclient.NewSearchOption(
		s.collection,
		query.TopK,
		searchVectors,
	).WithANNSField(FieldEmbedding).
		WithSearchParam("ef", "64").
		WithFilter(query.Filter.Milvus()).
		WithOutputFields(outputFields...))
	if err != nil {
		return nil, fmt.Errorf("failed to search with filter: %w", err)
	}

	if len(results) == 0 {
		return []*RetrievedChunk{}, nil
	}

	queryTerms := textutil.Tokenize(query.Text)

	chunks := make([]*RetrievedChunk, 0, results[0].ResultCount)
	for i := 0; i < results[0].ResultCount; i++ {
		chunk := &RetrievedChunk{
			VectorScore: float64(results[0].Scores[i]),
		}

		for _, field := range results[0].Fields {
			col, ok := field.(*column.ColumnVarChar)
			if !ok {
				continue
			}
			switch col.Name() {
			case FieldChunkID:
				chunk.ID = col.Data()[i]
			case FieldTitle:
				chunk.Title = col.Data()[i]
			case FieldSourceRef:
				chunk.SourceRef = col.Data()[i]
			case FieldContent:
				chunk.Content = col.Data()[i]
			case FieldClassification:
				level, _ := filter.ParseLevel(col.Data()[i])
				chunk.Classification = level
			case FieldAllowedGroups:
				chunk.AllowedGroups = filter.SplitGroups(col.Data()[i])
			}
		}

		chunk.KeywordScore = textutil.TermOverlap(queryTerms, chunk.Content)
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// Stats returns the collection row count.
func (s *MilvusStore) Stats(ctx context.Context) (int64, error) {
	stats, err := s.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(s.collection))
	if err != nil {
		return 0, fmt.Errorf("failed to get collection stats: %w", err)
	}

	if val, ok := stats["row_count"]; ok {
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, nil
}

// Close releases the Milvus connection.
func (s *MilvusStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

var _ Store = (*MilvusStore)(nil)
