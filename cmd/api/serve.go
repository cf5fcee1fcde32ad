package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/cache"
	"github.com/capitalize-ai/chatstream/internal/config"
	"github.com/capitalize-ai/chatstream/internal/guard"
	"github.com/capitalize-ai/chatstream/internal/handler"
	"github.com/capitalize-ai/chatstream/internal/llm"
	"github.com/capitalize-ai/chatstream/internal/model"
	natsclient "github.com/capitalize-ai/chatstream/internal/nats"
	"github.com/capitalize-ai/chatstream/internal/relay"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/internal/store"
	"github.com/capitalize-ai/chatstream/internal/store/memory"
	"github.com/capitalize-ai/chatstream/internal/store/postgres"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/tracing"
)

const serviceName = "chatstream"

type publisher interface {
	Publish(ctx context.Context, event *model.SessionEvent) error
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE:  runServe,
	}
	cmd.Flags().Bool("migrate", false, "Apply database migrations before serving")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.ForEnv(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting API server",
		zap.String("store", cfg.StoreBackend),
		zap.String("cache", cfg.CacheBackend),
		zap.String("generator", cfg.GenerationProvider),
	)

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	checks := map[string]handler.Pinger{}

	migrateFirst, err := cmd.Flags().GetBool("migrate")
	if err != nil {
		return fmt.Errorf("getting migrate flag: %w", err)
	}
	st, err := openStore(ctx, cfg, migrateFirst, log, checks)
	if err != nil {
		return err
	}
	defer st.Close()

	var natsClient *natsclient.Client
	var events publisher
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			Name:     serviceName,
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		checks["nats"] = natsClient

		eventPublisher := natsclient.NewEventPublisher(natsClient)
		if err := eventPublisher.EnsureStream(ctx); err != nil {
			return err
		}
		events = eventPublisher
	}

	backend, closeBackend, err := openCacheBackend(ctx, cfg, natsClient, checks)
	if err != nil {
		return err
	}
	defer closeBackend()

	window := cache.New(backend, st, cache.Config{
		Size:      cfg.ContextSize,
		TTL:       cfg.ContextTTL,
		KeyPrefix: cfg.ContextKeyPrefix,
	}, log)

	generator, err := llm.NewClient(llm.Options{
		Provider:  llm.Provider(cfg.GenerationProvider),
		BaseURL:   cfg.AgentBaseURL,
		TokenPath: cfg.AgentTokenPath,
		APIKey:    apiKey(cfg),
	})
	if err != nil {
		return err
	}

	ownership := guard.New(st, events, log)
	streams := relay.New(relay.Deps{
		Sessions:  st,
		Messages:  st,
		Window:    window,
		Guard:     ownership,
		Generator: generator,
		Events:    events,
	}, relay.Config{
		StreamTimeout:  cfg.StreamTimeout,
		SendTimeout:    cfg.StreamSendTimeout,
		PersistTimeout: cfg.PersistTimeout,
		Buffer:         cfg.StreamBuffer,
		Model:          cfg.GenerationModel,
		MaxTokens:      cfg.GenerationMaxTokens,
		Temperature:    cfg.GenerationTemp,
	}, log)
	chat := service.NewChatService(st, ownership, window, streams, events, log)

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handler.RouterConfig{
			Service:           chat,
			Checks:            checks,
			JWTSecret:         cfg.JWTSecret,
			AllowedOrigins:    cfg.AllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			Heartbeat:         cfg.HeartbeatInterval,
			Logger:            log,
		}),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Cut streams first so open SSE responses end and Shutdown can finish.
	// Sends arriving after this point get 503.
	if err := streams.Shutdown(shutdownCtx); err != nil {
		log.Error("streams did not finish", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, migrateFirst bool, log *logger.Logger, checks map[string]handler.Pinger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		if migrateFirst {
			if err := postgres.RunMigrations(cfg.DatabaseURL, log); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DatabaseMaxConns,
			MinConns: cfg.DatabaseMinConns,
		})
		if err != nil {
			return nil, err
		}
		pg := postgres.New(pool)
		checks["database"] = pg
		return pg, nil
	default:
		log.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
}

func openCacheBackend(ctx context.Context, cfg *config.Config, nc *natsclient.Client, checks map[string]handler.Pinger) (cache.Backend, func(), error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		backend := cache.NewRedisBackend(client)
		checks["redis"] = backend
		return backend, func() { _ = client.Close() }, nil
	case config.CacheNATS:
		bucket, err := natsclient.EnsureContextBucket(ctx, nc, cfg.ContextBucket, cfg.ContextTTL)
		if err != nil {
			return nil, nil, err
		}
		return bucket, func() {}, nil
	default:
		return cache.NewMemoryBackend(), func() {}, nil
	}
}

func apiKey(cfg *config.Config) string {
	switch llm.Provider(cfg.GenerationProvider) {
	case llm.ProviderOpenAI:
		return cfg.OpenAIAPIKey
	case llm.ProviderAnthropic:
		return cfg.AnthropicAPIKey
	default:
		return ""
	}
}
