package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChatProvider struct {
	responses map[string]string
	err       error
}

func (p *scriptedChatProvider) Chat(_ context.Context, _ []Message) (*GenerateResponse, error) {
	return nil, errors.New("not used")
}

func (p *scriptedChatProvider) Generate(_ context.Context, prompt, _ string) (*GenerateResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	for needle, resp := range p.responses {
		if needle != "" && strings.Contains(prompt, needle) {
			return &GenerateResponse{Content: resp}, nil
		}
	}
	return &GenerateResponse{Content: "5"}, nil
}

func (p *scriptedChatProvider) Name() string { return "scripted" }

func TestChatRerankerOrdersByScore(t *testing.T) {
	// Each needle appears in exactly one candidate's content and not in
	// the question, so the scripted score is unambiguous per call.
	provider := &scriptedChatProvider{responses: map[string]string{
		"procedure":    "9",
		"office hours": "2",
		"backup":       "6",
	}}
	reranker := NewChatReranker(provider)

	results, err := reranker.Rerank(context.Background(), "how do I get vpn access?", []RerankCandidate{
		{ID: "c1", Content: "office hours policy"},
		{ID: "c2", Content: "vpn access procedure"},
		{ID: "c3", Content: "data backup schedule"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "c2", results[0].ID)
	assert.InDelta(t, 0.9, results[0].Score, 0.001)
	assert.Equal(t, "c3", results[1].ID)
	assert.Equal(t, "c1", results[2].ID)
}

func TestChatRerankerProviderFailure(t *testing.T) {
	reranker := NewChatReranker(&scriptedChatProvider{err: errors.New("model unavailable")})

	_, err := reranker.Rerank(context.Background(), "q", []RerankCandidate{{ID: "c1", Content: "text"}})
	assert.Error(t, err)
}

func TestChatRerankerUnparseableScore(t *testing.T) {
	provider := &scriptedChatProvider{responses: map[string]string{
		"garbled": "I cannot rate this",
	}}
	reranker := NewChatReranker(provider)

	results, err := reranker.Rerank(context.Background(), "q", []RerankCandidate{
		{ID: "c1", Content: "garbled content"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, results[0].Score, 0.001)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		input   string
		want    float64
		wantErr bool
	}{
		{"7", 7, false},
		{" 8.5 ", 8.5, false},
		{"Score: 9", 9, false},
		{"42", 10, false},
		{"no digits here", 0, true},
	}

	for _, tt := range tests {
		got, err := parseScore(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}
