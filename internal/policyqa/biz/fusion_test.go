package biz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/policyqa/internal/policyqa/store"
)

func TestFuseRRFEmpty(t *testing.T) {
	assert.Empty(t, FuseRRF(nil))
}

func TestFuseRRFAgreementWins(t *testing.T) {
	// "a" leads both orderings; it must come out on top.
	chunks := []*store.RetrievedChunk{
		{ID: "a", KeywordScore: 0.9},
		{ID: "b", KeywordScore: 0.1},
		{ID: "c", KeywordScore: 0.5},
	}

	fused := FuseRRF(chunks)

	require.Len(t, fused, 3)
	assert.Equal(t, "a", fused[0].ID)
	assert.Greater(t, fused[0].FusedScore, fused[1].FusedScore)
}

func TestFuseRRFKeywordListPromotesLexicalMatch(t *testing.T) {
	// "c" is last by vector order but dominates lexically, which must
	// lift it above "b".
	chunks := []*store.RetrievedChunk{
		{ID: "a", KeywordScore: 0.8},
		{ID: "b", KeywordScore: 0},
		{ID: "c", KeywordScore: 1.0},
	}

	fused := FuseRRF(chunks)

	posB, posC := -1, -1
	for i, c := range fused {
		switch c.ID {
		case "b":
			posB = i
		case "c":
			posC = i
		}
	}
	assert.Less(t, posC, posB)
}

func TestFuseRRFZeroKeywordScoreExcludedFromKeywordList(t *testing.T) {
	chunks := []*store.RetrievedChunk{
		{ID: "a", KeywordScore: 0},
		{ID: "b", KeywordScore: 0},
	}

	fused := FuseRRF(chunks)

	// Only the vector list contributes.
	assert.InDelta(t, 1.0/float64(rrfK+1), fused[0].FusedScore, 1e-12)
	assert.InDelta(t, 1.0/float64(rrfK+2), fused[1].FusedScore, 1e-12)
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	build := func() []*store.RetrievedChunk {
		return []*store.RetrievedChunk{
			{ID: "b", KeywordScore: 0.5},
			{ID: "a", KeywordScore: 0.5},
		}
	}

	first := FuseRRF(build())
	second := FuseRRF(build())

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}
