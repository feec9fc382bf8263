// Package options contains flags and options for initializing the
// policy QA server.
package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	policyqa "github.com/kart-io/policyqa/internal/policyqa"
	"github.com/kart-io/policyqa/internal/policyqa/audit"
	"github.com/kart-io/policyqa/internal/policyqa/biz"
	"github.com/kart-io/policyqa/internal/policyqa/filter"
	"github.com/kart-io/policyqa/internal/policyqa/identity"
	"github.com/kart-io/policyqa/internal/policyqa/store"
	"github.com/kart-io/policyqa/internal/policyqa/telemetry"
)

// IdentityOptions configures identity extraction.
type IdentityOptions struct {
	// DevFallback returns a fixed development identity when the
	// principal headers are absent. Never enable outside local runs.
	DevFallback bool `json:"dev-fallback" mapstructure:"dev-fallback"`

	// DefaultCeiling is the classification applied when the header is
	// absent or unknown. One of Public, Internal, Confidential,
	// Restricted.
	DefaultCeiling string `json:"default-ceiling" mapstructure:"default-ceiling"`
}

// FilterOptions configures security filter construction.
type FilterOptions struct {
	// PublicDefault includes the Public clause for every caller.
	PublicDefault bool `json:"public-default" mapstructure:"public-default"`
}

// ServerOptions contains the configuration options for the server.
type ServerOptions struct {
	// HTTPAddr is the address the HTTP server listens on.
	HTTPAddr string `json:"http-addr" mapstructure:"http-addr"`

	// ShutdownTimeout is the timeout for graceful shutdown.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`

	// Milvus contains vector store configuration.
	Milvus *store.MilvusConfig `json:"milvus" mapstructure:"milvus"`

	// Embedding contains embedding provider configuration.
	Embedding *policyqa.ProviderOptions `json:"embedding" mapstructure:"embedding"`

	// Chat contains chat provider configuration.
	Chat *policyqa.ProviderOptions `json:"chat" mapstructure:"chat"`

	// Redis contains the optional answer cache backend configuration.
	Redis *policyqa.RedisOptions `json:"redis" mapstructure:"redis"`

	// Retriever contains retrieval pipeline configuration.
	Retriever *biz.RetrieverConfig `json:"retriever" mapstructure:"retriever"`

	// Cache contains in-process cache configuration.
	Cache *biz.CacheConfig `json:"cache" mapstructure:"cache"`

	// ContextTokenBudget bounds the assembled context size.
	ContextTokenBudget int `json:"context-token-budget" mapstructure:"context-token-budget"`

	// Identity contains identity extraction configuration.
	Identity *IdentityOptions `json:"identity" mapstructure:"identity"`

	// Filter contains security filter configuration.
	Filter *FilterOptions `json:"filter" mapstructure:"filter"`

	// Audit contains audit dispatcher configuration.
	Audit *audit.DispatcherConfig `json:"audit" mapstructure:"audit"`

	// Telemetry contains tracing configuration.
	Telemetry *telemetry.Config `json:"telemetry" mapstructure:"telemetry"`
}

// NewServerOptions creates a ServerOptions instance with default values.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		HTTPAddr:        ":8083",
		ShutdownTimeout: 30 * time.Second,
		Milvus:          store.DefaultMilvusConfig(),
		Embedding: &policyqa.ProviderOptions{
			Provider:   "openai",
			EmbedModel: "text-embedding-3-small",
			Timeout:    30 * time.Second,
		},
		Chat: &policyqa.ProviderOptions{
			Provider:    "openai",
			ChatModel:   "gpt-4o-mini",
			Timeout:     60 * time.Second,
			Temperature: 0,
			MaxTokens:   1024,
		},
		Redis: &policyqa.RedisOptions{
			Enabled: false,
			Host:    "localhost",
			Port:    6379,
			TTL:     5 * time.Minute,
		},
		Retriever:          biz.DefaultRetrieverConfig(),
		Cache:              biz.DefaultCacheConfig(),
		ContextTokenBudget: biz.DefaultContextTokenBudget,
		Identity: &IdentityOptions{
			DevFallback:    false,
			DefaultCeiling: filter.LevelInternal.String(),
		},
		Filter:    &FilterOptions{PublicDefault: true},
		Audit:     audit.DefaultDispatcherConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// AddFlags adds the server flags to the given flag set.
func (o *ServerOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.HTTPAddr, "http-addr", o.HTTPAddr, "HTTP server listen address")
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "Graceful shutdown timeout")

	fs.StringVar(&o.Milvus.Address, "milvus.address", o.Milvus.Address, "Milvus server address")
	fs.StringVar(&o.Milvus.Database, "milvus.database", o.Milvus.Database, "Milvus database name")
	fs.StringVar(&o.Milvus.Username, "milvus.username", o.Milvus.Username, "Milvus username")
	fs.StringVar(&o.Milvus.Password, "milvus.password", o.Milvus.Password, "Milvus password")
	fs.StringVar(&o.Milvus.Collection, "milvus.collection", o.Milvus.Collection, "Milvus collection name")
	fs.IntVar(&o.Milvus.Dimension, "milvus.dimension", o.Milvus.Dimension, "Embedding vector dimension")
	fs.DurationVar(&o.Milvus.Timeout, "milvus.timeout", o.Milvus.Timeout, "Milvus operation timeout")

	addProviderFlags(fs, "embedding", o.Embedding)
	addProviderFlags(fs, "chat", o.Chat)

	fs.BoolVar(&o.Redis.Enabled, "redis.enabled", o.Redis.Enabled, "Enable the Redis answer cache")
	fs.StringVar(&o.Redis.Host, "redis.host", o.Redis.Host, "Redis host")
	fs.IntVar(&o.Redis.Port, "redis.port", o.Redis.Port, "Redis port")
	fs.StringVar(&o.Redis.Password, "redis.password", o.Redis.Password, "Redis password")
	fs.IntVar(&o.Redis.Database, "redis.database", o.Redis.Database, "Redis database index")
	fs.IntVar(&o.Redis.PoolSize, "redis.pool-size", o.Redis.PoolSize, "Redis connection pool size")
	fs.DurationVar(&o.Redis.TTL, "redis.ttl", o.Redis.TTL, "Answer cache TTL")

	fs.IntVar(&o.Retriever.TopKCandidates, "retriever.top-k-candidates", o.Retriever.TopKCandidates, "Candidates fetched from the vector store")
	fs.IntVar(&o.Retriever.TopKResults, "retriever.top-k-results", o.Retriever.TopKResults, "Chunks kept after fusion and reranking")
	fs.IntVar(&o.Retriever.RerankDepth, "retriever.rerank-depth", o.Retriever.RerankDepth, "Fused candidates scored by the reranker")

	fs.IntVar(&o.Cache.Capacity, "cache.capacity", o.Cache.Capacity, "In-process cache capacity per cache")
	fs.DurationVar(&o.Cache.TTL, "cache.ttl", o.Cache.TTL, "In-process cache entry TTL")

	fs.IntVar(&o.ContextTokenBudget, "context-token-budget", o.ContextTokenBudget, "Token budget for the assembled context")

	fs.BoolVar(&o.Identity.DevFallback, "identity.dev-fallback", o.Identity.DevFallback, "Use a fixed development identity when principal headers are absent")
	fs.StringVar(&o.Identity.DefaultCeiling, "identity.default-ceiling", o.Identity.DefaultCeiling, "Classification ceiling applied when the header is absent")
	fs.BoolVar(&o.Filter.PublicDefault, "filter.public-default", o.Filter.PublicDefault, "Grant every caller access to Public documents")

	fs.IntVar(&o.Audit.Workers, "audit.workers", o.Audit.Workers, "Audit writer pool size")
	fs.DurationVar(&o.Audit.WriteTimeout, "audit.write-timeout", o.Audit.WriteTimeout, "Audit write timeout")

	fs.BoolVar(&o.Telemetry.Enabled, "telemetry.enabled", o.Telemetry.Enabled, "Enable trace export")
	fs.StringVar(&o.Telemetry.Exporter, "telemetry.exporter", o.Telemetry.Exporter, "Trace exporter (stdout, otlp-grpc, noop)")
	fs.StringVar(&o.Telemetry.Endpoint, "telemetry.endpoint", o.Telemetry.Endpoint, "OTLP collector endpoint")
	fs.Float64Var(&o.Telemetry.SampleRatio, "telemetry.sample-ratio", o.Telemetry.SampleRatio, "Trace sampling ratio")
}

func addProviderFlags(fs *pflag.FlagSet, prefix string, p *policyqa.ProviderOptions) {
	fs.StringVar(&p.Provider, prefix+".provider", p.Provider, "LLM provider name")
	fs.StringVar(&p.APIKey, prefix+".api-key", p.APIKey, "Provider API key")
	fs.StringVar(&p.BaseURL, prefix+".base-url", p.BaseURL, "Provider base URL")
	fs.StringVar(&p.EmbedModel, prefix+".embed-model", p.EmbedModel, "Embedding model name")
	fs.StringVar(&p.ChatModel, prefix+".chat-model", p.ChatModel, "Chat model name")
	fs.DurationVar(&p.Timeout, prefix+".timeout", p.Timeout, "Provider request timeout")
	fs.Float64Var(&p.Temperature, prefix+".temperature", p.Temperature, "Sampling temperature")
	fs.IntVar(&p.MaxTokens, prefix+".max-tokens", p.MaxTokens, "Completion token limit")
}

// Complete fills in any fields not set that are required to have valid
// data.
func (o *ServerOptions) Complete() error {
	if o.Embedding.BaseURL == "" {
		o.Embedding.BaseURL = "https://api.openai.com/v1"
	}
	if o.Chat.BaseURL == "" {
		o.Chat.BaseURL = "https://api.openai.com/v1"
	}
	return nil
}

// Validate checks whether the options in ServerOptions are valid.
func (o *ServerOptions) Validate() error {
	if o.HTTPAddr == "" {
		return fmt.Errorf("http-addr must not be empty")
	}
	if o.Milvus.Address == "" {
		return fmt.Errorf("milvus.address must not be empty")
	}
	if o.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api-key must not be empty")
	}
	if o.Chat.APIKey == "" {
		return fmt.Errorf("chat.api-key must not be empty")
	}
	if _, ok := filter.ParseLevel(o.Identity.DefaultCeiling); !ok {
		return fmt.Errorf("identity.default-ceiling: unknown classification %q", o.Identity.DefaultCeiling)
	}
	if o.ContextTokenBudget < 0 {
		return fmt.Errorf("context-token-budget must not be negative")
	}
	return nil
}

// Config builds a policyqa.Config based on ServerOptions.
func (o *ServerOptions) Config() (*policyqa.Config, error) {
	ceiling, ok := filter.ParseLevel(o.Identity.DefaultCeiling)
	if !ok {
		return nil, fmt.Errorf("unknown classification %q", o.Identity.DefaultCeiling)
	}

	return &policyqa.Config{
		HTTPAddr:           o.HTTPAddr,
		ShutdownTimeout:    o.ShutdownTimeout,
		Milvus:             o.Milvus,
		Embedding:          o.Embedding,
		Chat:               o.Chat,
		Redis:              o.Redis,
		Retriever:          o.Retriever,
		Cache:              o.Cache,
		ContextTokenBudget: o.ContextTokenBudget,
		Identity: &identity.Config{
			DevFallback:    o.Identity.DevFallback,
			DefaultCeiling: ceiling,
		},
		Filter:    &filter.Config{PublicDefault: o.Filter.PublicDefault},
		Audit:     o.Audit,
		Telemetry: o.Telemetry,
	}, nil
}
