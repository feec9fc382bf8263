// Package policyqa assembles the security policy QA service.
package policyqa

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/policyqa/internal/policyqa/audit"
	"github.com/kart-io/policyqa/internal/policyqa/biz"
	"github.com/kart-io/policyqa/internal/policyqa/filter"
	"github.com/kart-io/policyqa/internal/policyqa/handler"
	"github.com/kart-io/policyqa/internal/policyqa/identity"
	"github.com/kart-io/policyqa/internal/policyqa/router"
	"github.com/kart-io/policyqa/internal/policyqa/store"
	"github.com/kart-io/policyqa/internal/policyqa/telemetry"
	"github.com/kart-io/policyqa/pkg/llm"
	// Register LLM providers.
	_ "github.com/kart-io/policyqa/pkg/llm/openai"
	"github.com/kart-io/policyqa/pkg/resilience"
)

// Name is the name of the application.
const Name = "policyqa"

// ProviderOptions configures one LLM provider.
type ProviderOptions struct {
	Provider    string        `json:"provider" mapstructure:"provider"`
	APIKey      string        `json:"api-key" mapstructure:"api-key"`
	BaseURL     string        `json:"base-url" mapstructure:"base-url"`
	EmbedModel  string        `json:"embed-model" mapstructure:"embed-model"`
	ChatModel   string        `json:"chat-model" mapstructure:"chat-model"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	Temperature float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `json:"max-tokens" mapstructure:"max-tokens"`
}

// ToConfigMap converts the options to the provider factory format.
func (o *ProviderOptions) ToConfigMap() map[string]any {
	return map[string]any{
		"api_key":     o.APIKey,
		"base_url":    o.BaseURL,
		"embed_model": o.EmbedModel,
		"chat_model":  o.ChatModel,
		"timeout":     o.Timeout,
		"temperature": o.Temperature,
		"max_tokens":  o.MaxTokens,
	}
}

// RedisOptions configures the optional answer cache backend.
type RedisOptions struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Host     string        `json:"host" mapstructure:"host"`
	Port     int           `json:"port" mapstructure:"port"`
	Password string        `json:"password" mapstructure:"password"`
	Database int           `json:"database" mapstructure:"database"`
	PoolSize int           `json:"pool-size" mapstructure:"pool-size"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

// Config contains application-related configurations.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	Milvus    *store.MilvusConfig
	Embedding *ProviderOptions
	Chat      *ProviderOptions
	Redis     *RedisOptions

	Retriever          *biz.RetrieverConfig
	Cache              *biz.CacheConfig
	ContextTokenBudget int

	Identity  *identity.Config
	Filter    *filter.Config
	Audit     *audit.DispatcherConfig
	Telemetry *telemetry.Config
}

// Server is the assembled policy QA server.
type Server struct {
	cfg        *Config
	httpServer *http.Server

	auditor     *audit.Dispatcher
	telemetry   *telemetry.Provider
	milvusClose func()
	redisClose  func()
}

// NewServer initializes and returns a new Server instance.
func (cfg *Config) NewServer(ctx context.Context) (*Server, error) {
	logger.Infow("starting policy QA service", "name", Name)

	// 1. Tracing.
	tele, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// 2. Chunk store.
	chunkStore, err := store.NewMilvusStore(cfg.Milvus)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize milvus store: %w", err)
	}
	logger.Info("chunk store initialized")

	// 3. Optional Redis answer cache.
	var answerCache *biz.AnswerCache
	var redisClose func()
	if cfg.Redis != nil && cfg.Redis.Enabled {
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warnw("failed to connect to redis, answer cache disabled", "error", err.Error())
			_ = redisClient.Close()
		} else {
			answerCache = biz.NewAnswerCache(redisClient, cfg.Redis.TTL)
			redisClose = func() { _ = redisClient.Close() }
			logger.Infow("answer cache initialized",
				"host", cfg.Redis.Host,
				"port", cfg.Redis.Port,
				"ttl", cfg.Redis.TTL.String(),
			)
		}
	} else {
		logger.Info("answer cache disabled")
	}

	// 4. LLM providers wrapped with retry and circuit breaking.
	rawEmbedder, err := llm.NewEmbeddingProvider(cfg.Embedding.Provider, cfg.Embedding.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	embedder := resilience.NewResilientEmbeddingProvider(rawEmbedder, nil, nil)
	logger.Infow("embedding provider initialized",
		"provider", cfg.Embedding.Provider,
		"model", cfg.Embedding.EmbedModel,
	)

	rawChat, err := llm.NewChatProvider(cfg.Chat.Provider, cfg.Chat.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat provider: %w", err)
	}
	chat := resilience.NewResilientChatProvider(rawChat, nil, nil)
	logger.Infow("chat provider initialized",
		"provider", cfg.Chat.Provider,
		"model", cfg.Chat.ChatModel,
	)

	// Intent expansion and reranking share the generation dependency,
	// so they ride its breaker and are skipped whenever generation is
	// degraded.
	reranker := llm.NewChatReranker(chat)

	// 5. Pipeline stages.
	caches := biz.NewPipelineCaches(cfg.Cache)
	retriever := biz.NewRetriever(embedder, chunkStore, chat, reranker, chat.CircuitBreaker(), caches, cfg.Retriever)
	assembler := biz.NewContextAssembler(cfg.ContextTokenBudget)
	generator := biz.NewGenerator(chat)

	// 6. Audit trail.
	auditor, err := audit.NewDispatcher(audit.NewLogSink(), cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit dispatcher: %w", err)
	}

	service := biz.NewService(retriever, assembler, generator, answerCache, auditor, cfg.Filter)
	logger.Info("query pipeline initialized")

	// 7. HTTP surface.
	chatHandler := handler.NewChatHandler(service, cfg.Identity, chunkStore, &handler.Breakers{
		Embedding:  embedder.CircuitBreaker(),
		Generation: chat.CircuitBreaker(),
		Retrieval:  retriever.SearchBreaker(),
	})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	router.Register(engine, chatHandler)

	logger.Info("policy QA service is ready")
	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		auditor:     auditor,
		telemetry:   tele,
		milvusClose: func() { _ = chunkStore.Close(context.Background()) },
		redisClose:  redisClose,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.close()
	return err
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 10 * time.Second
}

func (s *Server) close() {
	s.auditor.Close()
	if s.milvusClose != nil {
		s.milvusClose()
	}
	if s.redisClose != nil {
		s.redisClose()
	}
	if s.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("telemetry shutdown failed", "error", err.Error())
		}
	}
}

// requestLogger logs one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Infow("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
