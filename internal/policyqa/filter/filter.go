// Package filter builds the mandatory security trimming predicate
// applied to every retrieval query.
package filter

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kart-io/policyqa/internal/pkg/textutil"
)

// Level is a document classification level. Levels are ordered:
// a caller cleared for a level may read everything at or below it.
type Level int

const (
	LevelPublic Level = iota
	LevelInternal
	LevelConfidential
	LevelRestricted
)

func (l Level) String() string {
	switch l {
	case LevelPublic:
		return "Public"
	case LevelInternal:
		return "Internal"
	case LevelConfidential:
		return "Confidential"
	case LevelRestricted:
		return "Restricted"
	default:
		return "Unknown"
	}
}

// ParseLevel parses a classification name, case-insensitively.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "public":
		return LevelPublic, true
	case "internal":
		return LevelInternal, true
	case "confidential":
		return LevelConfidential, true
	case "restricted":
		return LevelRestricted, true
	default:
		return LevelPublic, false
	}
}

// ErrNoPossibleMatch is returned when a caller without groups asks for
// a filter in a tenant where public access is disabled; such a filter
// could never match a document.
var ErrNoPossibleMatch = errors.New("security filter can never match any document")

// ChunkMeta is the trimming metadata of one stored chunk, used for the
// in-process re-check of retrieved candidates.
type ChunkMeta struct {
	Classification Level
	AllowedGroups  []string
}

// Expr is one node of the security predicate. It renders to Milvus
// boolean expression syntax and evaluates against chunk metadata.
type Expr interface {
	Milvus() string
	Matches(meta ChunkMeta) bool
}

// publicExpr matches chunks classified Public.
type publicExpr struct{}

func (publicExpr) Milvus() string {
	return `classification == "Public"`
}

func (publicExpr) Matches(meta ChunkMeta) bool {
	return meta.Classification == LevelPublic
}

// ceilingExpr matches chunks at or below the caller's clearance.
type ceilingExpr struct {
	max Level
}

func (e ceilingExpr) Milvus() string {
	return fmt.Sprintf("classification_rank <= %d", int(e.max))
}

func (e ceilingExpr) Matches(meta ChunkMeta) bool {
	return meta.Classification <= e.max
}

// groupsExpr matches chunks shared with at least one caller group.
// Groups are stored pipe-delimited ("|g1|g2|") so membership renders
// as an infix match.
type groupsExpr struct {
	groups []string
}

func (e groupsExpr) Milvus() string {
	clauses := make([]string, len(e.groups))
	for i, g := range e.groups {
		clauses[i] = fmt.Sprintf(`allowed_groups like "%%|%s|%%"`, escapeGroup(g))
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return "(" + strings.Join(clauses, " or ") + ")"
}

func (e groupsExpr) Matches(meta ChunkMeta) bool {
	for _, have := range meta.AllowedGroups {
		for _, want := range e.groups {
			if have == want {
				return true
			}
		}
	}
	return false
}

type andExpr struct {
	children []Expr
}

func (e andExpr) Milvus() string {
	parts := make([]string, len(e.children))
	for i, c := range e.children {
		parts[i] = c.Milvus()
	}
	return "(" + strings.Join(parts, " and ") + ")"
}

func (e andExpr) Matches(meta ChunkMeta) bool {
	for _, c := range e.children {
		if !c.Matches(meta) {
			return false
		}
	}
	return true
}

type orExpr struct {
	children []Expr
}

func (e orExpr) Milvus() string {
	parts := make([]string, len(e.children))
	for i, c := range e.children {
		parts[i] = c.Milvus()
	}
	return "(" + strings.Join(parts, " or ") + ")"
}

func (e orExpr) Matches(meta ChunkMeta) bool {
	for _, c := range e.children {
		if c.Matches(meta) {
			return true
		}
	}
	return false
}

// SecurityFilter is the immutable per-request trimming predicate.
type SecurityFilter struct {
	expr     Expr
	rendered string
	hash     string

	groups  []string
	ceiling Level
}

// Config controls filter construction.
type Config struct {
	// PublicDefault includes the Public clause for every caller.
	// Disabling it means group-less callers get ErrNoPossibleMatch.
	PublicDefault bool
}

// DefaultConfig returns the standard tenant behavior: public documents
// are readable by everyone.
func DefaultConfig() *Config {
	return &Config{PublicDefault: true}
}

// Build constructs the security filter for a caller. Groups are
// canonicalized (deduplicated, sorted) so equal callers produce equal
// filter hashes.
func Build(groups []string, ceiling Level, cfg *Config) (*SecurityFilter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	canonical := canonicalGroups(groups)

	if len(canonical) == 0 && !cfg.PublicDefault {
		return nil, ErrNoPossibleMatch
	}

	var clauses []Expr
	if cfg.PublicDefault {
		clauses = append(clauses, publicExpr{})
	}
	if len(canonical) > 0 {
		clauses = append(clauses, andExpr{children: []Expr{
			ceilingExpr{max: ceiling},
			groupsExpr{groups: canonical},
		}})
	}

	var expr Expr
	if len(clauses) == 1 {
		expr = clauses[0]
	} else {
		expr = orExpr{children: clauses}
	}

	rendered := expr.Milvus()

	return &SecurityFilter{
		expr:     expr,
		rendered: rendered,
		hash:     textutil.HashString(rendered),
		groups:   canonical,
		ceiling:  ceiling,
	}, nil
}

// Milvus returns the filter as a Milvus boolean expression.
func (f *SecurityFilter) Milvus() string {
	return f.rendered
}

// Hash returns a stable digest of the rendered filter, used in
// retrieval cache keys.
func (f *SecurityFilter) Hash() string {
	return f.hash
}

// Matches evaluates the filter against chunk metadata. Used as a
// defensive re-check on retrieved candidates.
func (f *SecurityFilter) Matches(meta ChunkMeta) bool {
	return f.expr.Matches(meta)
}

// Groups returns the canonicalized caller groups.
func (f *SecurityFilter) Groups() []string {
	return f.groups
}

// Ceiling returns the caller's classification ceiling.
func (f *SecurityFilter) Ceiling() Level {
	return f.ceiling
}

func canonicalGroups(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// escapeGroup strips characters that would break out of the quoted
// Milvus expression.
func escapeGroup(g string) string {
	g = strings.ReplaceAll(g, `"`, "")
	g = strings.ReplaceAll(g, "%", "")
	g = strings.ReplaceAll(g, "|", "")
	return g
}

// JoinGroups encodes allowed groups in the pipe-delimited form used by
// the chunk store ("|g1|g2|").
func JoinGroups(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	escaped := make([]string, len(groups))
	for i, g := range groups {
		escaped[i] = escapeGroup(g)
	}
	return "|" + strings.Join(escaped, "|") + "|"
}

// SplitGroups decodes the pipe-delimited group encoding.
func SplitGroups(s string) []string {
	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
