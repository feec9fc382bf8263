package llm

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kart-io/logger"
)

// RerankCandidate is one retrieval candidate submitted for reranking.
type RerankCandidate struct {
	ID      string
	Content string
	Score   float64
}

// RerankResult carries the semantic relevance score for a candidate.
type RerankResult struct {
	ID    string
	Score float64
}

// Reranker scores candidates by semantic relevance to a question.
// Results are returned for every input candidate, highest score first.
type Reranker interface {
	Rerank(ctx context.Context, question string, candidates []RerankCandidate) ([]RerankResult, error)

	// Name returns the reranker name.
	Name() string
}

const rerankPromptTemplate = `Rate the relevance of the document to the question on a scale of 0 to 10.
Respond with only the number.

Question: %s

Document:
%s

Relevance score (0-10):`

var scorePattern = regexp.MustCompile(`\d+(\.\d+)?`)

// ChatReranker scores candidates one by one through a chat provider.
type ChatReranker struct {
	provider ChatProvider
	// maxContentLen truncates candidate content in the scoring prompt.
	maxContentLen int
}

// NewChatReranker creates a reranker backed by the given chat provider.
func NewChatReranker(provider ChatProvider) *ChatReranker {
	return &ChatReranker{
		provider:      provider,
		maxContentLen: 2000,
	}
}

// Name returns the reranker name.
func (r *ChatReranker) Name() string {
	return r.provider.Name() + "-reranker"
}

// Rerank scores every candidate against the question. A failed scoring
// call fails the whole rerank so the caller can fall back to the
// original ordering.
func (r *ChatReranker) Rerank(ctx context.Context, question string, candidates []RerankCandidate) ([]RerankResult, error) {
	results := make([]RerankResult, 0, len(candidates))

	for _, cand := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		score, err := r.scoreRelevance(ctx, question, cand.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to score candidate %s: %w", cand.ID, err)
		}

		results = append(results, RerankResult{ID: cand.ID, Score: score})
	}

	sortResultsByScore(results)
	return results, nil
}

// scoreRelevance asks the chat provider for a 0-10 relevance score and
// normalizes it to [0, 1].
func (r *ChatReranker) scoreRelevance(ctx context.Context, question, content string) (float64, error) {
	if len(content) > r.maxContentLen {
		content = content[:r.maxContentLen]
	}

	prompt := fmt.Sprintf(rerankPromptTemplate, question, content)

	resp, err := r.provider.Generate(ctx, prompt, "")
	if err != nil {
		return 0, err
	}

	score, err := parseScore(resp.Content)
	if err != nil {
		logger.Warnw("unparseable rerank score, using neutral",
			"raw", resp.Content,
		)
		return 0.5, nil
	}

	return score / 10.0, nil
}

// parseScore extracts the first number from a model response and
// clamps it to [0, 10].
func parseScore(s string) (float64, error) {
	match := scorePattern.FindString(strings.TrimSpace(s))
	if match == "" {
		return 0, fmt.Errorf("no numeric score in %q", s)
	}

	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, err
	}

	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score, nil
}

func sortResultsByScore(results []RerankResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

// Ensure ChatReranker satisfies the Reranker interface.
var _ Reranker = (*ChatReranker)(nil)
