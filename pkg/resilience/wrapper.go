package resilience

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/kart-io/policyqa/pkg/llm"
)

var statusCodePattern = regexp.MustCompile(`status code (\d{3})`)

// IsTransient reports whether an error looks like a temporary
// dependency fault worth retrying: timeouts, connection drops,
// rate limits and server-side errors. Context cancellation and open
// breakers are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errMsg := err.Error()

	if m := statusCodePattern.FindStringSubmatch(errMsg); m != nil {
		code := m[1]
		switch {
		case strings.HasPrefix(code, "5"):
			return true
		case code == "429", code == "408":
			return true
		default:
			return false
		}
	}

	if strings.Contains(errMsg, "rate limit") ||
		strings.Contains(errMsg, "service unavailable") ||
		strings.Contains(errMsg, "EOF") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") {
		return true
	}

	return false
}

// ResilientEmbeddingProvider wraps an embedding provider with retry
// and circuit breaking.
type ResilientEmbeddingProvider struct {
	provider llm.EmbeddingProvider
	retry    *RetryConfig
	cb       *CircuitBreaker
}

// NewResilientEmbeddingProvider wraps provider. Nil configs use the
// defaults.
func NewResilientEmbeddingProvider(provider llm.EmbeddingProvider, retryConfig *RetryConfig, cbConfig *CircuitBreakerConfig) *ResilientEmbeddingProvider {
	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
	}

	return &ResilientEmbeddingProvider{
		provider: provider,
		retry:    retryConfig,
		cb:       NewCircuitBreaker("embedding", cbConfig),
	}
}

// Embed generates embeddings with retry and circuit breaking.
func (r *ResilientEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var result [][]float32

	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func() error {
		var callErr error
		result, callErr = r.provider.Embed(ctx, texts)
		return callErr
	})

	return result, err
}

// EmbedSingle generates a single embedding with retry and circuit breaking.
func (r *ResilientEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	var result []float32

	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func() error {
		var callErr error
		result, callErr = r.provider.EmbedSingle(ctx, text)
		return callErr
	})

	return result, err
}

// Name returns the wrapped provider name.
func (r *ResilientEmbeddingProvider) Name() string {
	return r.provider.Name() + "-resilient"
}

// CircuitBreaker exposes the breaker for monitoring.
func (r *ResilientEmbeddingProvider) CircuitBreaker() *CircuitBreaker {
	return r.cb
}

// ResilientChatProvider wraps a chat provider with retry and circuit
// breaking.
type ResilientChatProvider struct {
	provider llm.ChatProvider
	retry    *RetryConfig
	cb       *CircuitBreaker
}

// NewResilientChatProvider wraps provider. Nil configs use the defaults.
func NewResilientChatProvider(provider llm.ChatProvider, retryConfig *RetryConfig, cbConfig *CircuitBreakerConfig) *ResilientChatProvider {
	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
	}

	return &ResilientChatProvider{
		provider: provider,
		retry:    retryConfig,
		cb:       NewCircuitBreaker("generation", cbConfig),
	}
}

// Chat runs a conversation with retry and circuit breaking.
func (r *ResilientChatProvider) Chat(ctx context.Context, messages []llm.Message) (*llm.GenerateResponse, error) {
	var result *llm.GenerateResponse

	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func() error {
		var callErr error
		result, callErr = r.provider.Chat(ctx, messages)
		return callErr
	})

	return result, err
}

// Generate runs a single-turn prompt with retry and circuit breaking.
func (r *ResilientChatProvider) Generate(ctx context.Context, prompt string, systemPrompt string) (*llm.GenerateResponse, error) {
	var result *llm.GenerateResponse

	err := RetryWithCircuitBreaker(ctx, r.retry, r.cb, func() error {
		var callErr error
		result, callErr = r.provider.Generate(ctx, prompt, systemPrompt)
		return callErr
	})

	return result, err
}

// ChatStream opens a stream through the breaker. Stream setup failures
// count toward the breaker; mid-stream errors are delivered on the
// channel and recorded when the caller drains it.
func (r *ResilientChatProvider) ChatStream(ctx context.Context, messages []llm.Message) (<-chan llm.StreamDelta, error) {
	streamer, ok := r.provider.(llm.StreamingChatProvider)
	if !ok {
		return nil, errors.New("provider does not support streaming")
	}

	var stream <-chan llm.StreamDelta
	err := r.cb.Execute(func() error {
		var callErr error
		stream, callErr = streamer.ChatStream(ctx, messages)
		return callErr
	})

	return stream, err
}

// Name returns the wrapped provider name.
func (r *ResilientChatProvider) Name() string {
	return r.provider.Name() + "-resilient"
}

// CircuitBreaker exposes the breaker for monitoring.
func (r *ResilientChatProvider) CircuitBreaker() *CircuitBreaker {
	return r.cb
}

var (
	_ llm.EmbeddingProvider = (*ResilientEmbeddingProvider)(nil)
	_ llm.ChatProvider      = (*ResilientChatProvider)(nil)
)
