// Package identity extracts the caller identity used for security
// trimming from gateway-forwarded principal headers.
package identity

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/kart-io/policyqa/internal/policyqa/filter"
)

// Principal headers set by the authenticating gateway. The service
// itself never validates tokens; it trusts the fronting proxy.
const (
	HeaderPrincipalID             = "X-Client-Principal-Id"
	HeaderPrincipalName           = "X-Client-Principal-Name"
	HeaderPrincipalGroups         = "X-Client-Principal-Groups"
	HeaderPrincipalClassification = "X-Client-Principal-Classification"
)

// ErrInvalidIdentity is returned when the request carries no usable
// identity and the caller could never match any document.
var ErrInvalidIdentity = errors.New("invalid identity: no groups and no public access")

// UserContext is the immutable identity snapshot for one request.
type UserContext struct {
	UserID  string       `json:"user_id"`
	Name    string       `json:"name,omitempty"`
	Groups  []string     `json:"groups"`
	Ceiling filter.Level `json:"classification_ceiling"`
}

// Config controls identity extraction.
type Config struct {
	// DevFallback returns a fixed development identity when the
	// principal headers are absent. Never enable outside local runs.
	DevFallback bool

	// DefaultCeiling applies when the classification header is absent
	// or unknown.
	DefaultCeiling filter.Level
}

// DefaultConfig returns production extraction settings.
func DefaultConfig() *Config {
	return &Config{
		DevFallback:    false,
		DefaultCeiling: filter.LevelInternal,
	}
}

// FromHeaders builds the UserContext for a request. Group names are
// deduplicated and sorted so downstream filter hashes are stable.
func FromHeaders(h http.Header, cfg *Config) (*UserContext, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	userID := strings.TrimSpace(h.Get(HeaderPrincipalID))
	if userID == "" {
		if cfg.DevFallback {
			return devIdentity(), nil
		}
		return nil, ErrInvalidIdentity
	}

	user := &UserContext{
		UserID:  userID,
		Name:    strings.TrimSpace(h.Get(HeaderPrincipalName)),
		Groups:  parseGroups(h.Get(HeaderPrincipalGroups)),
		Ceiling: parseCeiling(h.Get(HeaderPrincipalClassification), cfg.DefaultCeiling),
	}

	return user, nil
}

func parseGroups(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	groups := make([]string, 0, len(parts))

	for _, p := range parts {
		g := strings.TrimSpace(p)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		groups = append(groups, g)
	}

	sort.Strings(groups)
	return groups
}

func parseCeiling(raw string, fallback filter.Level) filter.Level {
	level, ok := filter.ParseLevel(strings.TrimSpace(raw))
	if !ok {
		return fallback
	}
	return level
}

// devIdentity is the local development principal.
func devIdentity() *UserContext {
	return &UserContext{
		UserID:  "dev-user",
		Name:    "Development User",
		Groups:  []string{"Engineering"},
		Ceiling: filter.LevelInternal,
	}
}
