package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuestion(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "What Is MFA?", "what is mfa?"},
		{"collapses whitespace", "  data \t retention \n policy ", "data retention policy"},
		{"already normal", "password rules", "password rules"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuestion(tt.input))
		})
	}
}

func TestFlattenWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", FlattenWhitespace("a\nb\r\n  c"))
}

func TestHashString(t *testing.T) {
	h := HashString("hello")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashString("hello"))
	assert.NotEqual(t, h, HashString("hello2"))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", TruncateString("abcdef", 3))
	assert.Equal(t, "abc", TruncateString("abc", 10))
	assert.Equal(t, "", TruncateString("abc", 0))
	// Multi-byte runes must not be split.
	assert.Equal(t, "日本", TruncateString("日本語", 2))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Greater(t, EstimateTokens("access control policy for contractors"), 0)

	short := EstimateTokens("hi")
	long := EstimateTokens("the quick brown fox jumps over the lazy dog repeatedly")
	assert.Greater(t, long, short)
}

func TestTokenize(t *testing.T) {
	terms := Tokenize("What is the password-rotation policy?")
	assert.Contains(t, terms, "password")
	assert.Contains(t, terms, "rotation")
	assert.Contains(t, terms, "policy")
	assert.NotContains(t, terms, "the")
	assert.NotContains(t, terms, "is")
}

func TestTermOverlap(t *testing.T) {
	query := Tokenize("password rotation policy")

	assert.Equal(t, 1.0, TermOverlap(query, "Our password rotation policy requires changes."))
	assert.Equal(t, 0.0, TermOverlap(query, "completely unrelated text"))

	partial := TermOverlap(query, "the password document")
	assert.Greater(t, partial, 0.0)
	assert.Less(t, partial, 1.0)

	assert.Equal(t, 0.0, TermOverlap(nil, "anything"))
}
