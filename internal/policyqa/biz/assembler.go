package biz

import (
	"fmt"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/policyqa/internal/pkg/textutil"
	"github.com/kart-io/policyqa/internal/policyqa/store"
)

// DefaultContextTokenBudget bounds the assembled excerpt block.
const DefaultContextTokenBudget = 3000

// Source maps a context tag back to the chunk behind it, for citation
// resolution and the retrieval-only fallback.
type Source struct {
	Tag       string `json:"tag"`
	ChunkID   string `json:"chunk_id"`
	Title     string `json:"title"`
	SourceRef string `json:"source_ref"`
}

// AssembledContext is the excerpt block handed to generation.
type AssembledContext struct {
	Text       string
	Sources    []Source
	TokenCount int
	// Truncated is set when the budget forced dropping or cutting
	// chunk content.
	Truncated bool
}

// ContextAssembler formats retrieved chunks into the tagged excerpt
// block the system prompt refers to.
type ContextAssembler struct {
	tokenBudget int
}

// NewContextAssembler creates an assembler with the given token
// budget. Non-positive budgets use the default.
func NewContextAssembler(tokenBudget int) *ContextAssembler {
	if tokenBudget <= 0 {
		tokenBudget = DefaultContextTokenBudget
	}
	return &ContextAssembler{tokenBudget: tokenBudget}
}

// Assemble renders chunks as "[docN] (Source: title): content" entries
// under the token budget. Chunks are consumed in ranked order; a chunk
// that does not fit is dropped rather than reordered. When even the
// first chunk exceeds the budget its content is cut so the answer is
// grounded in at least one excerpt.
func (a *ContextAssembler) Assemble(chunks []*store.RetrievedChunk) *AssembledContext {
	assembled := &AssembledContext{}
	if len(chunks) == 0 {
		return assembled
	}

	var entries []string
	used := 0

	for i, chunk := range chunks {
		tag := fmt.Sprintf("doc%d", len(assembled.Sources)+1)
		entry := formatEntry(tag, chunk)
		cost := textutil.EstimateTokens(entry)

		if used+cost > a.tokenBudget {
			if i == 0 {
				entry = a.shrinkEntry(tag, chunk)
				cost = textutil.EstimateTokens(entry)
				assembled.Truncated = true
			} else {
				assembled.Truncated = true
				logger.Debugw("context budget exhausted, dropping chunk",
					"chunk_id", chunk.ID,
					"used_tokens", used,
				)
				continue
			}
		}

		entries = append(entries, entry)
		used += cost
		assembled.Sources = append(assembled.Sources, Source{
			Tag:       tag,
			ChunkID:   chunk.ID,
			Title:     chunk.Title,
			SourceRef: chunk.SourceRef,
		})
	}

	assembled.Text = strings.Join(entries, "\n\n")
	assembled.TokenCount = used
	return assembled
}

func formatEntry(tag string, chunk *store.RetrievedChunk) string {
	return fmt.Sprintf("[%s] (Source: %s): %s", tag, chunk.Title, textutil.FlattenWhitespace(chunk.Content))
}

// shrinkEntry cuts the chunk content until the entry fits the budget.
func (a *ContextAssembler) shrinkEntry(tag string, chunk *store.RetrievedChunk) string {
	content := textutil.FlattenWhitespace(chunk.Content)

	// Rough character allowance, then trim until the estimate agrees.
	limit := a.tokenBudget * 4
	for {
		cut := textutil.TruncateString(content, limit)
		entry := fmt.Sprintf("[%s] (Source: %s): %s", tag, chunk.Title, cut)
		if textutil.EstimateTokens(entry) <= a.tokenBudget || limit <= 1 {
			return entry
		}
		limit = limit * 9 / 10
	}
}
