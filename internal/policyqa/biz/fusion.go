package biz

import (
	"sort"

	"github.com/kart-io/policyqa/internal/policyqa/store"
)

// rrfK is the reciprocal rank fusion constant. It dampens the score
// gap between neighboring ranks.
const rrfK = 60

// FuseRRF combines the vector and keyword orderings of the candidates
// with reciprocal rank fusion and fills in FusedScore. The vector rank
// list is the engine's return order; the keyword rank list orders
// candidates with a nonzero lexical score. Candidates absent from a
// list contribute nothing for that list.
//
// The returned slice is sorted by fused score, ties broken by ID so
// equal inputs always fuse identically.
func FuseRRF(chunks []*store.RetrievedChunk) []*store.RetrievedChunk {
	if len(chunks) == 0 {
		return chunks
	}

	for _, c := range chunks {
		c.FusedScore = 0
	}

	// Vector list: engine order, best first.
	for rank, c := range chunks {
		c.FusedScore += 1.0 / float64(rrfK+rank+1)
	}

	// Keyword list: lexical overlap order, zero-score candidates excluded.
	keyword := make([]*store.RetrievedChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.KeywordScore > 0 {
			keyword = append(keyword, c)
		}
	}
	sort.SliceStable(keyword, func(i, j int) bool {
		if keyword[i].KeywordScore != keyword[j].KeywordScore {
			return keyword[i].KeywordScore > keyword[j].KeywordScore
		}
		return keyword[i].ID < keyword[j].ID
	})
	for rank, c := range keyword {
		c.FusedScore += 1.0 / float64(rrfK+rank+1)
	}

	fused := make([]*store.RetrievedChunk, len(chunks))
	copy(fused, chunks)
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].FusedScore != fused[j].FusedScore {
			return fused[i].FusedScore > fused[j].FusedScore
		}
		return fused[i].ID < fused[j].ID
	})

	return fused
}
