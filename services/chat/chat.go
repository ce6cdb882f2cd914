// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat provides the guarded chat service for AleutianChat.
//
// This package contains the main Service type that coordinates all
// components of the service: HTTP routing, the upstream LLM client,
// guardrails, vector retrieval, session persistence, and observability
// infrastructure.
//
// # Usage
//
//	cfg := chat.Config{
//	    Port:     8083,
//	    LLMModel: "gpt-4o-mini",
//	    APIKeys:  []string{"client-key"},
//	}
//	svc, err := chat.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianChat/services/chat/handlers"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/routes"
	"github.com/AleutianAI/AleutianChat/services/guardrail"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/retrieval"
	"github.com/AleutianAI/AleutianChat/services/session"
	"github.com/AleutianAI/AleutianChat/services/tokens"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the chat service.
//
// # Description
//
// Service abstracts the service lifecycle, enabling testing and
// alternative implementations. Run() blocks until shutdown; Router()
// exposes the configured engine for integration tests.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() should only
// be called once per instance.
type Service interface {
	// Run starts the HTTP server and background workers, blocking
	// until a shutdown signal or a fatal error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Assumptions
	//
	//   - Caller will not modify the router
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds chat service configuration.
//
// # Description
//
// Config centralizes all tunables for the service. Values are
// typically populated from environment variables by cmd/chatd, or
// programmatically for testing. Zero values fall back to defaults
// where a default makes sense; LLMModel and APIKeys have none and
// must be set.
type Config struct {
	// Port is the HTTP server port. Default: 8083
	Port int

	// LLMURL is the OpenAI-compatible upstream base URL.
	// Default: "" (provider default)
	LLMURL string

	// LLMAPIKey authenticates against the upstream LLM.
	LLMAPIKey string

	// LLMModel is the model name requested upstream. Required.
	LLMModel string

	// APIKeys are the accepted client bearer keys. Requests without
	// one of these keys are rejected. Required (an empty list locks
	// the service down).
	APIKeys []string

	// SystemPrompt is the system prompt content (already loaded from
	// disk by the caller). Default: a minimal assistant prompt.
	SystemPrompt string

	// DataDir is the BadgerDB directory for session persistence.
	// Default: "./data/sessions"
	DataDir string

	// IngestURL is the document ingestion service base URL. When
	// empty, the upload and file listing endpoints are disabled.
	IngestURL string

	// WeaviateURL is the Weaviate vector database URL. When empty,
	// retrieval is disabled regardless of RAGEnabled.
	WeaviateURL string

	// RAGEnabled toggles vector retrieval. Default: false.
	RAGEnabled bool

	// RAGTopK is the number of passages retrieved per query.
	// Default: 5
	RAGTopK int

	// RAGMinSimilarity is the cosine similarity floor for retrieved
	// passages. Default: 0.3
	RAGMinSimilarity float64

	// MaxTokensContext is the prompt token budget. Default: 28000
	MaxTokensContext int

	// MaxMessageLength is the per-message length cap in runes.
	// Default: 2000
	MaxMessageLength int

	// RateLimitPerMinute caps requests per client per minute.
	// Default: 20
	RateLimitPerMinute int

	// RateLimitPerHourSession caps requests per session per hour.
	// Default: 100
	RateLimitPerHourSession int

	// MaxTurnsPerSession caps retained turns per session.
	// Default: 50
	MaxTurnsPerSession int

	// SessionTTL is the idle session expiry. Default: 24h
	SessionTTL time.Duration

	// GuardrailRulesPath points at a YAML rule file. When set, the
	// file is loaded at startup and hot-reloaded on change; when
	// empty the built-in rule set is used.
	GuardrailRulesPath string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// GinMode sets the Gin framework mode ("debug", "release",
	// "test"). Default: uses GIN_MODE env var or "debug".
	GinMode string

	// Logger is the structured logger. Default: slog.Default()
	Logger *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after
// New() returns.
type service struct {
	config        Config
	router        *gin.Engine
	db            *badger.DB
	store         *session.Store
	engine        *guardrail.Engine
	logger        *slog.Logger
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a chat Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order:
//  1. Applies defaults for zero-valued configuration
//  2. Initializes OpenTelemetry tracing and Prometheus metrics
//  3. Opens the BadgerDB session store
//  4. Builds the guardrail engine (file rules or built-ins)
//  5. Connects Weaviate if retrieval is enabled
//  6. Creates the upstream LLM client
//  7. Assembles the streaming handler and HTTP routes
//
// # Outputs
//
//   - Service: Ready-to-run chat service
//   - error: Non-nil if any required component fails to initialize
//
// # Limitations
//
//   - Weaviate connection failure downgrades to retrieval-disabled
//     rather than failing startup; the upstream LLM is required.
//
// # Assumptions
//
//   - DataDir is writable
//   - The OTel collector is reachable at the configured endpoint
func New(cfg Config) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if cfg.LLMModel == "" {
		return nil, fmt.Errorf("chat: LLMModel is required")
	}

	s := &service{
		config: cfg,
		logger: cfg.Logger,
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	metrics := observability.InitMetrics()

	db, err := session.OpenDB(session.DefaultDBConfig(cfg.DataDir))
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	s.db = db
	s.store = session.NewStore(db, session.StoreConfig{
		TTL:      cfg.SessionTTL,
		MaxTurns: cfg.MaxTurnsPerSession,
	}, s.logger)

	s.engine, err = s.initGuardrails()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize guardrails: %w", err)
	}

	retriever := retrieval.NewClient(s.initWeaviate(), s.logger)

	llmClient, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLMURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Logger:  s.logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	acct := tokens.NewAccountant(s.logger)
	trimmer := session.NewTrimmer(acct, session.NewSummarizer(llmClient, s.logger), s.logger)

	stream := handlers.NewStreamHandler(llmClient, s.engine, retriever, s.store,
		trimmer, acct, metrics, handlers.Options{
			SystemPrompt:        cfg.SystemPrompt,
			MaxTokensContext:    cfg.MaxTokensContext,
			MaxMessageLength:    cfg.MaxMessageLength,
			RAGTopK:             cfg.RAGTopK,
			RAGMinSimilarity:    cfg.RAGMinSimilarity,
			ClientRatePerMinute: cfg.RateLimitPerMinute,
			SessionRatePerHour:  cfg.RateLimitPerHourSession,
		}, s.logger)

	s.initRouter(stream)

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and background workers.
//
// # Description
//
// Runs until SIGINT/SIGTERM or a fatal server error. Three workers
// run under one errgroup: the HTTP server, the guardrail rule file
// watcher (when a rule file is configured), and the BadgerDB value
// log garbage collector. On shutdown the server drains in-flight
// requests for up to 10 seconds before the store closes.
//
// # Outputs
//
//   - error: Non-nil on fatal server error; nil on clean shutdown
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting chat server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down chat server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if s.config.GuardrailRulesPath != "" {
		path := s.config.GuardrailRulesPath
		g.Go(func() error {
			if err := s.engine.WatchRulesFile(ctx, path); err != nil {
				// Hot reload is best effort; the startup rule table
				// stays in effect.
				s.logger.Warn("guardrail rule watcher stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		session.RunGC(ctx, s.db, time.Hour, s.logger)
		return nil
	})

	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8083
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a helpful assistant. Answer using the provided context when it is relevant."
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/sessions"
	}
	if cfg.RAGTopK == 0 {
		cfg.RAGTopK = 5
	}
	if cfg.RAGMinSimilarity == 0 {
		cfg.RAGMinSimilarity = 0.3
	}
	if cfg.MaxTokensContext == 0 {
		cfg.MaxTokensContext = 28000
	}
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 2000
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 20
	}
	if cfg.RateLimitPerHourSession == 0 {
		cfg.RateLimitPerHourSession = 100
	}
	if cfg.MaxTurnsPerSession == 0 {
		cfg.MaxTurnsPerSession = 50
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (internal networks only)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chat-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initGuardrails builds the rule engine from the configured file, or
// from the built-in rule set when no file is given.
func (s *service) initGuardrails() (*guardrail.Engine, error) {
	rules := guardrail.DefaultRules()
	if s.config.GuardrailRulesPath != "" {
		loaded, err := guardrail.LoadRulesFile(s.config.GuardrailRulesPath)
		if err != nil {
			return nil, fmt.Errorf("loading rule file %s: %w", s.config.GuardrailRulesPath, err)
		}
		rules = loaded
		s.logger.Info("loaded guardrail rules from file",
			"path", s.config.GuardrailRulesPath, "rules", len(rules))
	}
	return guardrail.NewEngine(rules, s.logger)
}

// initWeaviate connects the vector store if retrieval is enabled.
//
// Returns nil (retrieval disabled) on missing configuration or
// connection failure; chat works without retrieval.
func (s *service) initWeaviate() *weaviate.Client {
	if !s.config.RAGEnabled {
		s.logger.Info("retrieval disabled by configuration")
		return nil
	}

	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		s.logger.Warn("RAG_ENABLED is set but WEAVIATE_URL is empty, retrieval disabled")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		s.logger.Warn("invalid Weaviate URL, retrieval disabled", "url", weaviateURL)
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		s.logger.Warn("failed to create Weaviate client, retrieval disabled", "error", err)
		return nil
	}

	if err := retrieval.EnsureSchema(context.Background(), client, s.logger); err != nil {
		s.logger.Warn("Weaviate schema check failed", "error", err)
	}
	s.logger.Info("Weaviate client initialized", "url", weaviateURL)

	return client
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(stream handlers.StreamHandler) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("chat-service"))

	routes.SetupRoutes(s.router, routes.Deps{
		Auth:      middleware.NewAuthenticator(s.config.APIKeys),
		Stream:    stream,
		Store:     s.store,
		IngestURL: s.config.IngestURL,
		Model:     s.config.LLMModel,
	})
}

// cleanup releases resources held by the service.
func (s *service) cleanup() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("session store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
