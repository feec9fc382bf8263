package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/policyqa/pkg/llm"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "test-key"
	cfg.Timeout = 5 * time.Second
	return NewProviderWithConfig(cfg)
}

func TestEmbedOrdersByIndex(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		// Return data out of order to exercise index handling.
		_, _ = w.Write([]byte(`{"data":[
			{"embedding":[0.3,0.4],"index":1},
			{"embedding":[0.1,0.2],"index":0}
		]}`))
	})

	embeddings, err := p.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, embeddings, 2)
	assert.Equal(t, []float32{0.1, 0.2}, embeddings[0])
	assert.Equal(t, []float32{0.3, 0.4}, embeddings[1])
}

func TestChatSendsTemperature(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Temperature must always be present, even at zero.
		temp, ok := req["temperature"]
		require.True(t, ok)
		assert.Equal(t, float64(0), temp)

		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"hello"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}
		}`))
	})

	resp, err := p.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	require.NotNil(t, resp.TokenUsage)
	assert.Equal(t, 12, resp.TokenUsage.TotalTokens)
}

func TestChatStatusError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := p.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code 429")
}

func TestChatStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, true, req["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`data: {"choices":[{"delta":{"content":"The "}}]}`,
			`data: {"choices":[{"delta":{"content":"policy"}}]}`,
			`data: {"choices":[{"delta":{"content":" [doc1]."}}]}`,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte(c + "\n\n"))
		}
	})

	stream, err := p.ChatStream(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "q"}})
	require.NoError(t, err)

	var sb strings.Builder
	for delta := range stream {
		require.NoError(t, delta.Err)
		sb.WriteString(delta.Content)
	}
	assert.Equal(t, "The policy [doc1].", sb.String())
}

func TestNewProviderRequiresAPIKey(t *testing.T) {
	_, err := NewProvider(map[string]any{"base_url": "http://localhost"})
	assert.Error(t, err)

	p, err := NewProvider(map[string]any{"api_key": "k", "chat_model": "m"})
	require.NoError(t, err)
	assert.Equal(t, ProviderName, p.Name())
}
