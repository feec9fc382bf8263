// Package id provides correlation identifier generation.
package id

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces monotonic ULID strings. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// Option is a functional option for Generator.
type Option func(*Generator)

// WithEntropy sets a custom entropy source, used by tests for
// deterministic output.
func WithEntropy(r io.Reader) Option {
	return func(g *Generator) {
		g.entropy = ulid.Monotonic(r, 0)
	}
}

// NewGenerator creates a ULID generator backed by crypto/rand.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Generate returns a new ULID string.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

var defaultGenerator = NewGenerator()

// New returns a new ULID string from the package-level generator.
func New() string {
	return defaultGenerator.Generate()
}

// Parse parses a ULID string.
func Parse(s string) (ulid.ULID, error) {
	return ulid.ParseStrict(s)
}

// IsValid reports whether s is a well-formed ULID.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
