// Package textutil provides text processing helpers for the query pipeline.
package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// NormalizeQuestion canonicalizes a question for cache keying:
// lowercased, with runs of whitespace collapsed to single spaces.
func NormalizeQuestion(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// FlattenWhitespace replaces every run of whitespace, including
// newlines, with a single space.
func FlattenWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// HashString computes the SHA-256 hash of a string in hex form.
func HashString(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}

// TruncateString truncates a string to the given number of Unicode characters.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen])
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens estimates the token count of a text using the
// cl100k_base encoding. If the encoding cannot be loaded (offline
// environments without a BPE cache), it falls back to a chars/4
// heuristic.
func EstimateTokens(s string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding != nil {
		return len(encoding.Encode(s, nil, nil))
	}

	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	est := n / 4
	if est == 0 {
		est = 1
	}
	return est
}

// stopWords are excluded from lexical term matching.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"how": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "will": {},
	"with": {}, "do": {}, "does": {}, "can": {}, "i": {}, "we": {},
	"you": {}, "my": {}, "our": {},
}

// Tokenize lowercases the text, splits it on non-alphanumeric runes
// and drops stop words and single characters.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 {
			continue
		}
		if _, ok := stopWords[f]; ok {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// TermOverlap scores how many distinct query terms occur in the text,
// normalized to [0, 1] by the number of distinct query terms.
func TermOverlap(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}

	distinct := make(map[string]struct{}, len(queryTerms))
	for _, t := range queryTerms {
		distinct[t] = struct{}{}
	}

	textTerms := make(map[string]struct{})
	for _, t := range Tokenize(text) {
		textTerms[t] = struct{}{}
	}

	matched := 0
	for t := range distinct {
		if _, ok := textTerms[t]; ok {
			matched++
		}
	}

	return float64(matched) / float64(len(distinct))
}
