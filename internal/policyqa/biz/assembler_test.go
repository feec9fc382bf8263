package biz

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/policyqa/internal/policyqa/store"
)

func testChunk(id, title, content string) *store.RetrievedChunk {
	return &store.RetrievedChunk{ID: id, Title: title, Content: content}
}

func TestAssembleFormatsTaggedEntries(t *testing.T) {
	a := NewContextAssembler(0)

	out := a.Assemble([]*store.RetrievedChunk{
		testChunk("c1", "Data Handling Policy", "Data must be\nencrypted   at rest."),
		testChunk("c2", "Access Policy", "Access requires approval."),
	})

	require.Len(t, out.Sources, 2)
	assert.Contains(t, out.Text, "[doc1] (Source: Data Handling Policy): Data must be encrypted at rest.")
	assert.Contains(t, out.Text, "[doc2] (Source: Access Policy): Access requires approval.")
	assert.Equal(t, "doc1", out.Sources[0].Tag)
	assert.Equal(t, "c1", out.Sources[0].ChunkID)
	assert.False(t, out.Truncated)
	assert.Greater(t, out.TokenCount, 0)
}

func TestAssembleEmpty(t *testing.T) {
	out := NewContextAssembler(0).Assemble(nil)
	assert.Empty(t, out.Text)
	assert.Empty(t, out.Sources)
}

func TestAssembleDropsChunksOverBudget(t *testing.T) {
	a := NewContextAssembler(60)

	big := strings.Repeat("security policy text ", 20)
	out := a.Assemble([]*store.RetrievedChunk{
		testChunk("c1", "A", "short entry"),
		testChunk("c2", "B", big),
		testChunk("c3", "C", "also short"),
	})

	assert.True(t, out.Truncated)
	tags := make([]string, 0, len(out.Sources))
	for _, s := range out.Sources {
		tags = append(tags, s.ChunkID)
	}
	assert.Contains(t, tags, "c1")
	assert.NotContains(t, tags, "c2")
}

func TestAssembleTruncatesOversizedFirstChunk(t *testing.T) {
	a := NewContextAssembler(40)

	big := strings.Repeat("confidential retention requirement ", 50)
	out := a.Assemble([]*store.RetrievedChunk{
		testChunk("c1", "Retention", big),
	})

	require.Len(t, out.Sources, 1)
	assert.True(t, out.Truncated)
	assert.LessOrEqual(t, out.TokenCount, 40)
	assert.True(t, strings.HasPrefix(out.Text, "[doc1] (Source: Retention): "))
}

func TestAssembleTagsAreSequential(t *testing.T) {
	a := NewContextAssembler(50)

	big := strings.Repeat("word ", 100)
	out := a.Assemble([]*store.RetrievedChunk{
		testChunk("c1", "A", "first"),
		testChunk("c2", "B", big),
		testChunk("c3", "C", "third"),
	})

	// The dropped middle chunk must not leave a gap in the tags.
	require.Len(t, out.Sources, 2)
	assert.Equal(t, "doc1", out.Sources[0].Tag)
	assert.Equal(t, "doc2", out.Sources[1].Tag)
	assert.Equal(t, "c3", out.Sources[1].ChunkID)
}
