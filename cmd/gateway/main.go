// Package main is the entry point for the agent event gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-event-gateway/internal/agent"
	"github.com/capitalize-ai/agent-event-gateway/internal/broker"
	"github.com/capitalize-ai/agent-event-gateway/internal/config"
	"github.com/capitalize-ai/agent-event-gateway/internal/event"
	"github.com/capitalize-ai/agent-event-gateway/internal/handler"
	"github.com/capitalize-ai/agent-event-gateway/internal/llm"
	"github.com/capitalize-ai/agent-event-gateway/internal/middleware"
	natsclient "github.com/capitalize-ai/agent-event-gateway/internal/nats"
	"github.com/capitalize-ai/agent-event-gateway/internal/service"
	"github.com/capitalize-ai/agent-event-gateway/internal/session"
	"github.com/capitalize-ai/agent-event-gateway/internal/stream"
	"github.com/capitalize-ai/agent-event-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-event-gateway/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	var log *logger.Logger
	if os.Getenv("ENV") == "development" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("gateway failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting agent event gateway",
		zap.String("engine", cfg.Engine),
		zap.String("session_store", cfg.SessionStore),
		zap.String("encoding", cfg.EventEncoding),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "agent-event-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Connect to NATS only when a component needs it
	var natsClient *natsclient.Client
	if cfg.Engine == config.EngineNATS || cfg.SessionStore == session.BackendJetStream {
		var err error
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()
	}

	sessions, err := openSessionStore(ctx, cfg, natsClient, log)
	if err != nil {
		return err
	}
	defer sessions.Close()

	engine, err := newEngine(cfg, natsClient, sessions, log)
	if err != nil {
		return err
	}

	mode, err := event.ParseMode(cfg.EventEncoding)
	if err != nil {
		return err
	}
	encoder, err := event.NewEncoder(mode)
	if err != nil {
		return err
	}
	overflow, err := broker.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return err
	}

	registry := broker.NewRegistry(broker.Options{
		BufferSize: cfg.ChannelBufferSize,
		QueueSize:  cfg.SubscriberQueue,
		Overflow:   overflow,
	}, cfg.FirehoseEnabled, log)

	// Initialize services
	messageSvc := service.NewMessageService(registry, engine, sessions, log)
	sessionSvc := service.NewSessionService(registry, sessions, log)

	background, cancelBackground := context.WithCancel(context.Background())
	reportsDone := make(chan struct{})
	go func() {
		defer close(reportsDone)
		if err := messageSvc.Run(background); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("report loop stopped", zap.Error(err))
		}
	}()
	go registry.Run(background, cfg.EvictionInterval, cfg.ChannelIdleTimeout)

	// Initialize handlers
	var draining atomic.Bool
	checks := map[string]handler.ReadinessCheck{
		"engine": func(context.Context) error {
			if draining.Load() {
				return agent.ErrEngineStopped
			}
			return nil
		},
	}
	if natsClient != nil {
		checks["nats"] = func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("NATS not connected")
			}
			return nil
		}
	}
	healthHandler := handler.NewHealthHandler(checks)
	messageHandler := handler.NewMessageHandler(messageSvc, log)
	sessionHandler := handler.NewSessionHandler(sessionSvc, log)
	eventHandler := handler.NewEventHandler(
		registry,
		stream.NewAdapter(encoder, cfg.StreamHeartbeat, log),
		cfg.StreamWriteTimeout,
		log,
	)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Health endpoints (no auth required)
		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))

			r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
				Post("/messages", messageHandler.Send)
			r.Get("/events/{chat_id}", eventHandler.Stream)
			r.Get("/sessions/{session_id}", sessionHandler.Get)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		cancelBackground()
		registry.Close()
		_ = engine.Close()
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")
	draining.Store(true)

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Closing the registry ends every open stream so Shutdown does not wait
	// on them.
	registry.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	if err := engine.Close(); err != nil {
		log.Warn("engine close failed", zap.Error(err))
	}
	cancelBackground()
	<-reportsDone

	log.Info("server stopped")
	return nil
}

func openSessionStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client, log *logger.Logger) (session.Store, error) {
	switch cfg.SessionStore {
	case session.BackendSQLite:
		store, err := session.NewSQLiteStore(cfg.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite session store: %w", err)
		}
		return store, nil
	case session.BackendJetStream:
		streamManager := natsclient.NewStreamManager(nc, cfg.SessionRetention)
		if err := streamManager.EnsureStream(ctx); err != nil {
			return nil, fmt.Errorf("ensure transcript stream: %w", err)
		}
		return session.NewJetStreamStore(streamManager, log), nil
	default:
		return session.NewMemoryStore(), nil
	}
}

func newEngine(cfg *config.Config, nc *natsclient.Client, sessions session.Store, log *logger.Logger) (agent.Engine, error) {
	opts := agent.RunnerOptions{
		Workers:   cfg.EngineWorkers,
		QueueSize: cfg.EngineQueueSize,
	}

	switch cfg.Engine {
	case config.EngineLLM:
		apiKey := cfg.AnthropicAPIKey
		if llm.Provider(cfg.LLMProvider) == llm.ProviderOpenAI {
			apiKey = cfg.OpenAIAPIKey
		}
		client, err := llm.NewClient(llm.Provider(cfg.LLMProvider), apiKey)
		if err != nil {
			return nil, fmt.Errorf("create llm client: %w", err)
		}
		return agent.NewLoopEngine(client, agent.DefaultTools(), sessions, agent.LoopConfig{
			Model:         cfg.EngineModel,
			MaxTokens:     cfg.EngineMaxTokens,
			MaxIterations: cfg.EngineMaxIterations,
			MemoryWindow:  cfg.EngineMemoryWindow,
		}, opts, log), nil
	case config.EngineNATS:
		engine, err := agent.NewNATSEngine(nc.Conn(), cfg.NATSEngineSubject, cfg.EngineQueueSize, log)
		if err != nil {
			return nil, fmt.Errorf("start nats engine: %w", err)
		}
		return engine, nil
	default:
		return agent.NewEchoEngine(opts, log), nil
	}
}
