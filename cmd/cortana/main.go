// Cortana - Socratic tutor chat gateway
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/cortana/internal/agent"
	"github.com/ashureev/cortana/internal/api"
	"github.com/ashureev/cortana/internal/config"
	"github.com/ashureev/cortana/internal/playground"
	"github.com/ashureev/cortana/internal/session"
	"github.com/ashureev/cortana/internal/sse"
	"github.com/ashureev/cortana/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "agent_transport", cfg.Agent.Transport)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	gen, err := newGenerator(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize tutor client", "error", err)
		os.Exit(1)
	}
	defer gen.Close()

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	var archiver session.Archiver
	var archive api.ConversationStore
	if cfg.Archive.Enabled {
		archiver = repo
		archive = repo
	}

	registry := session.NewRegistry(func(userID, sessionID string) *session.Controller {
		return session.New(session.Config{
			UserID:          userID,
			SessionID:       sessionID,
			Generator:       gen,
			Archiver:        archiver,
			ConversationLog: conversationLogger,
			Decoder: sse.DecoderConfig{
				MaxLineBytes: cfg.Stream.MaxLineBytes,
				ReadSize:     cfg.Stream.ReadSize,
			},
			Logger: logger,
		})
	})

	var mgr playground.Manager
	var runner api.PlaygroundRunner
	if cfg.Playground.Enabled {
		docker, err := playground.NewDockerManager(playground.Config{
			Image:      cfg.Playground.Image,
			Runtime:    cfg.Playground.Runtime,
			RunTimeout: cfg.Playground.RunTimeout,
		})
		if err != nil {
			slog.Error("Failed to initialize playground manager", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := docker.Close(); closeErr != nil {
				slog.Warn("Failed to close docker client", "error", closeErr)
			}
		}()

		networkID, err := docker.EnsureNetwork(context.Background())
		if err != nil {
			slog.Error("Failed to ensure playground network", "error", err)
			os.Exit(1)
		}
		slog.Info("Playground network ready", "network_id", networkID)

		mgr = docker
		runner = playground.NewService(repo, docker, cfg.Timeout.DestroyCleanup)
	} else {
		slog.Info("Playground disabled (PLAYGROUND_ENABLED not set)")
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()

	allowedOrigins := []string{"*"}
	if !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	router := api.NewRouter(api.RouterConfig{
		Users:          repo,
		DB:             repo,
		Registry:       registry,
		Generator:      gen,
		Archive:        archive,
		Playground:     runner,
		Limiter:        limiter,
		MaxBodySize:    cfg.MaxRequestBodySize,
		AllowedOrigins: allowedOrigins,
		IsDevelopment:  cfg.IsDevelopment(),
		HealthTimeout:  cfg.Timeout.HealthCheck,
		RequestLogging: true,
	})

	// Exchanges outlive requests and push over websockets, so there is no
	// write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention := time.Duration(0)
	if cfg.Archive.Enabled {
		retention = cfg.Archive.Retention
	}
	playground.StartTTLWorker(ctx, repo, mgr, registry, playground.TTLConfig{
		Interval:              cfg.Timeout.SweepInterval,
		PlaygroundTTL:         cfg.Playground.SessionTTL,
		SessionIdleTTL:        cfg.Timeout.ChatIdle,
		ConversationRetention: retention,
	})

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	sessions := registry.Len()
	if err := registry.Close(shutdownCtx); err != nil {
		slog.Warn("Chat exchanges still running at shutdown", "error", err)
	}

	slog.Info("Server stopped successfully", "chat_sessions", sessions)
}

// newGenerator builds the tutor client for the configured transport.
func newGenerator(cfg *config.Config, logger *slog.Logger) (agent.Generator, error) {
	if cfg.Agent.Transport == config.TransportGRPC {
		slog.Info("Connecting to tutor via gRPC", "address", cfg.Agent.GRPCAddr)
		return agent.NewGrpcClient(agent.GrpcClientConfig{
			Address:        cfg.Agent.GRPCAddr,
			ConnectTimeout: cfg.Agent.ConnectTimeout,
			RequestTimeout: cfg.Agent.RequestTimeout,
		}, logger)
	}
	slog.Info("Using tutor over HTTP", "url", cfg.Agent.URL)
	return agent.NewHTTPClient(agent.HTTPClientConfig{
		BaseURL:        cfg.Agent.URL,
		RequestTimeout: cfg.Agent.RequestTimeout,
	}, logger), nil
}
