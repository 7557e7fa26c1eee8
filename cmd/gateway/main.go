package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/dataagent-gateway/internal/agent"
	"github.com/tjfontaine/dataagent-gateway/internal/auth"
	"github.com/tjfontaine/dataagent-gateway/internal/classify"
	"github.com/tjfontaine/dataagent-gateway/internal/config"
	"github.com/tjfontaine/dataagent-gateway/internal/conversation"
	"github.com/tjfontaine/dataagent-gateway/internal/dispatch"
	"github.com/tjfontaine/dataagent-gateway/internal/logging"
	"github.com/tjfontaine/dataagent-gateway/internal/orchestrator"
	"github.com/tjfontaine/dataagent-gateway/internal/ratelimit"
	"github.com/tjfontaine/dataagent-gateway/internal/secret"
	"github.com/tjfontaine/dataagent-gateway/internal/server"
	"github.com/tjfontaine/dataagent-gateway/internal/session"
	"github.com/tjfontaine/dataagent-gateway/internal/storage"
	"github.com/tjfontaine/dataagent-gateway/internal/storage/memory"
	"github.com/tjfontaine/dataagent-gateway/internal/storage/redis"
	"github.com/tjfontaine/dataagent-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/dataagent-gateway/internal/telemetry"
)

const serviceName = "dataagent-gateway"

var version = "dev"

const banner = `
     _       _                                   _
  __| | __ _| |_ __ _  __ _  __ _  ___ _ __  | |_
 / _' |/ _' | __/ _' |/ _' |/ _' |/ _ \ '_ \ | __|
| (_| | (_| | || (_| | (_| | (_| |  __/ | | || |_
 \__,_|\__,_|\__\__,_|\__,_|\__, |\___|_| |_| \__|
                            |___/        gateway
`

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", "", "config file (default $AGW_CONFIG or config.yaml)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Path(*configPath)); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(serviceName, telemetry.Options{
		Enabled: cfg.Telemetry.Enabled,
		Version: version,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	backend, purger, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	sealer, err := openSealer(cfg.Session, cfg.Storage.Type, logger)
	if err != nil {
		return err
	}

	classifier := classify.New(logger)

	validatorOpts := []auth.Option{auth.WithLeeway(cfg.Auth.Leeway)}
	if cfg.Auth.SigningSecret != "" {
		validatorOpts = append(validatorOpts, auth.WithSigningSecret([]byte(cfg.Auth.SigningSecret)))
	} else {
		logger.Warn("auth.signing_secret not set; upstream credential signatures are not verified")
	}
	if len(cfg.Auth.Audiences) > 0 {
		validatorOpts = append(validatorOpts, auth.WithAudiences(cfg.Auth.Audiences...))
	}
	validator := auth.NewJWTValidator(validatorOpts...)

	counter, err := conversation.NewTiktokenCounter(cfg.Conversation.Encoding)
	if err != nil {
		return fmt.Errorf("loading tokenizer: %w", err)
	}
	conversations := conversation.NewManager(conversationLimits(cfg),
		conversation.WithTokenCounter(counter),
		conversation.WithLogger(logger),
	)

	limiter := ratelimit.New(backend, ratePolicy(cfg), ratelimit.WithLogger(logger))

	client := agent.NewClient(cfg.Agent.Endpoint,
		agent.WithAPIVersion(cfg.Agent.APIVersion),
		agent.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	)
	dispatcher := dispatch.New(client, dispatch.Config{
		AssistantID:    cfg.Agent.AssistantID,
		PollInterval:   cfg.Agent.PollInterval,
		QueryTimeout:   cfg.Agent.QueryTimeout,
		MaxAttempts:    cfg.Agent.MaxAttempts,
		BaseDelay:      cfg.Agent.BaseDelay,
		MaxDelay:       cfg.Agent.MaxDelay,
		Jitter:         cfg.Agent.Jitter,
		CleanupTimeout: cfg.Agent.CleanupTimeout,
	}, dispatch.WithLogger(logger), dispatch.WithClassifier(classifier))

	core := orchestrator.New(
		session.NewManager(backend, sealer, session.WithLogger(logger)),
		validator,
		conversations,
		limiter,
		dispatcher,
		orchestrator.Config{
			SessionTTL:     cfg.Session.TTL,
			QueryTimeout:   cfg.Agent.QueryTimeout,
			MaxQueryLength: cfg.Query.MaxLength,
		},
		orchestrator.WithLogger(logger),
		orchestrator.WithClassifier(classifier),
	)

	srv := server.New(cfg.Server.Port, logger, server.WithRequestTimeout(cfg.Server.RequestTimeout))
	server.NewHandlers(core, backend, server.HandlerConfig{
		Environment:  cfg.Server.Environment,
		CookieName:   cfg.Server.CookieName,
		CookieSecure: cfg.Server.CookieSecure,
		SessionTTL:   cfg.Session.TTL,
	}, logger).Mount(srv.Router)

	if purger != nil {
		go storage.RunJanitor(ctx, purger, cfg.Storage.PurgeInterval, logger)
	}

	// Limits and rate policy follow the config file; everything else needs a
	// restart.
	if err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
		if err := next.Validate(); err != nil {
			logger.Error("ignoring invalid config", slog.String("error", err.Error()))
			return
		}
		conversations.SetLimits(conversationLimits(next))
		limiter.SetPolicy(ratePolicy(next))
		logger.Info("config reloaded",
			slog.Int("max_turns", next.Conversation.MaxTurns),
			slog.Bool("ratelimit_enabled", next.RateLimit.Enabled),
			slog.Int("ratelimit_capacity", next.RateLimit.Capacity),
		)
	}); err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      :%d\n", cfg.Server.Port)
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s\n", cfg.Storage.Type)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n\n", cfg.Agent.Endpoint)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("gateway shutdown complete")
	return nil
}

// openBackend opens the configured store. The purger is nil for backends that
// expire records themselves.
func openBackend(cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, storage.Purger, error) {
	switch cfg.Type {
	case "redis":
		store, err := redis.New(redis.Config{
			URL:      cfg.Redis.URL,
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS:      cfg.Redis.TLS,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening redis store: %w", err)
		}
		logger.Info("using redis store")
		return store, nil, nil
	case "sql":
		driver := cfg.Database.Driver
		if driver == "" {
			driver = "sqlite"
		}
		store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: cfg.Database.DSN})
		if err != nil {
			return nil, nil, fmt.Errorf("opening sql store: %w", err)
		}
		logger.Info("using sql store", slog.String("dialect", store.Dialect().Name()))
		return store, store, nil
	default:
		logger.Warn("using in-memory store; sessions and rate limits are lost on restart and not shared between replicas")
		store := memory.New()
		return store, store, nil
	}
}

// openSealer returns the credential sealer. An ephemeral key is only allowed
// for the in-memory store.
func openSealer(cfg config.SessionConfig, storageType string, logger *slog.Logger) (*secret.Sealer, error) {
	if cfg.SealingKey == "" {
		if storageType != "memory" {
			return nil, fmt.Errorf("session.sealing_key is required with storage.type %q", storageType)
		}
		logger.Warn("session.sealing_key not set; using an ephemeral key, sessions will not survive a restart")
		return secret.NewEphemeral()
	}
	key, err := secret.ParseKey(cfg.SealingKey)
	if err != nil {
		return nil, fmt.Errorf("session.sealing_key: %w", err)
	}
	return secret.New(key)
}

func conversationLimits(cfg *config.Config) conversation.Limits {
	return conversation.Limits{
		MaxTurns:  cfg.Conversation.MaxTurns,
		MaxTokens: cfg.Conversation.MaxTokens,
	}
}

func ratePolicy(cfg *config.Config) ratelimit.Policy {
	return ratelimit.Policy{
		Enabled:        cfg.RateLimit.Enabled,
		Capacity:       cfg.RateLimit.Capacity,
		RefillTokens:   cfg.RateLimit.RefillTokens,
		RefillInterval: cfg.RateLimit.RefillInterval,
	}
}
