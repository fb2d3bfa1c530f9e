package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/inference-trader/internal/api"
	"github.com/felipepmaragno/inference-trader/internal/auth"
	"github.com/felipepmaragno/inference-trader/internal/broker"
	"github.com/felipepmaragno/inference-trader/internal/cache"
	"github.com/felipepmaragno/inference-trader/internal/config"
	"github.com/felipepmaragno/inference-trader/internal/crypto"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/httputil"
	"github.com/felipepmaragno/inference-trader/internal/inference"
	"github.com/felipepmaragno/inference-trader/internal/ledger"
	"github.com/felipepmaragno/inference-trader/internal/metrics"
	"github.com/felipepmaragno/inference-trader/internal/notifications"
	"github.com/felipepmaragno/inference-trader/internal/orchestrator"
	"github.com/felipepmaragno/inference-trader/internal/quote"
	"github.com/felipepmaragno/inference-trader/internal/ratelimit"
	"github.com/felipepmaragno/inference-trader/internal/registry"
	"github.com/felipepmaragno/inference-trader/internal/repository"
	"github.com/felipepmaragno/inference-trader/internal/secrets"
	"github.com/felipepmaragno/inference-trader/internal/signer"
	"github.com/felipepmaragno/inference-trader/internal/telemetry"
	"github.com/felipepmaragno/inference-trader/internal/validator"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	setupLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return err
	}

	slog.Info("starting trading bot",
		"mode", cfg.Mode,
		"version", api.Version,
		"provider", cfg.ProviderAddress,
		"symbol", cfg.TradingSymbol,
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "tradebot", api.Version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics.InitInstanceMetrics(cfg.Mode, api.Version)

	app, err := build(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		return err
	}
	defer app.close()

	if cfg.Mode == config.ModeServe {
		return serve(ctx, cfg, app)
	}
	return runOnce(ctx, app)
}

type application struct {
	signer   signer.Signer
	orch     *orchestrator.Orchestrator
	ledger   *ledger.Service
	runs     repository.RunRepository
	guard    *ratelimit.Guard
	checkers []api.HealthChecker
	closers  []func() error
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func build(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{}
	logger := slog.Default()

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		var err error
		enc, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryptor: %w", err)
		}
	}

	s, err := loadSigner(ctx, cfg, enc)
	if err != nil {
		return nil, err
	}
	app.signer = s
	slog.Info("signer loaded", "address", s.Address().Hex())

	httpClient := httputil.NewClient(httputil.DefaultConfig())
	brokerClient := broker.New(cfg.BrokerURL, httpClient)
	app.checkers = append(app.checkers, api.BrokerCheck(brokerClient))

	var backend ledger.Backend = brokerClient
	if cfg.DryRun {
		backend = ledger.NewMemoryBackend(cfg.LedgerUnit)
		slog.Info("dry run: using in-memory ledger")
	}
	app.ledger = ledger.New(backend, cfg.LedgerUnit, logger)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Warn("failed to connect to redis, using in-memory backends", "error", err)
			redisClient.Close()
			redisClient = nil
		} else {
			app.closers = append(app.closers, redisClient.Close)
			app.checkers = append(app.checkers, api.MetadataCacheCheck(redisClient))
		}
	}

	var metadataCache cache.Cache
	var limiter ratelimit.RateLimiter
	if redisClient != nil {
		metadataCache = cache.NewRedisCacheFromClient(redisClient)
		limiter = ratelimit.NewRedisRateLimiterFromClient(redisClient)
		slog.Info("using redis metadata cache and rate limiter")
	} else {
		memCache := cache.NewInMemoryCache()
		app.closers = append(app.closers, memCache.Close)
		metadataCache = memCache
		limiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory metadata cache and rate limiter")
	}
	app.guard = ratelimit.NewGuard(limiter, cfg.RunsPerMinute)

	reg := registry.New(brokerClient, metadataCache, cfg.MetadataTTL, logger)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		app.closers = append(app.closers, db.Close)

		repo := repository.NewPostgresRunRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		app.runs = repo
		app.checkers = append(app.checkers, api.RunHistoryCheck(db))
		slog.Info("using postgres run history")
	} else {
		app.runs = repository.NewInMemoryRunRepository()
		slog.Info("using in-memory run history")
	}

	var notifier orchestrator.Notifier
	if cfg.SNSTopicARN != "" {
		n, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			return nil, fmt.Errorf("sns notifier: %w", err)
		}
		notifier = n
		slog.Info("publishing run notifications", "topic", cfg.SNSTopicARN)
	}

	app.orch = orchestrator.New(orchestrator.Config{
		ProviderID:    cfg.ProviderAddress,
		Model:         cfg.ModelName,
		Symbol:        cfg.TradingSymbol,
		InitialAmount: cfg.LedgerInitialAmount,
		DepositAmount: cfg.FundingAmount,
	}, orchestrator.Deps{
		Signer:    s,
		Ledger:    app.ledger,
		Registry:  reg,
		Auth:      auth.New(reg, app.ledger),
		Quotes:    quote.NewTickerSource(cfg.QuoteURL, httputil.NewClient(httputil.QuoteConfig())),
		Inference: inference.New(httpClient),
		Validator: validator.New(brokerClient, reg, logger),
		Recorder:  app.runs,
		Notifier:  notifier,
		Logger:    logger,
	})

	return app, nil
}

func loadSigner(ctx context.Context, cfg *config.Config, enc *crypto.Encryptor) (signer.Signer, error) {
	if cfg.SignerPrivateKey != "" {
		s, err := signer.FromHex(cfg.SignerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("SIGNER_PRIVATE_KEY: %w", err)
		}
		return s, nil
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	s, err := signer.FromSecret(ctx, store, cfg.SignerSecretName, enc)
	if err != nil {
		return nil, fmt.Errorf("load signer from %s: %w", cfg.SignerSecretName, err)
	}
	return s, nil
}

// runOnce performs a single run and prints the recommendation only when the
// run reached Done.
func runOnce(ctx context.Context, app *application) error {
	result, err := app.orch.Run(ctx)
	if err != nil {
		var runErr *orchestrator.RunError
		if errors.As(err, &runErr) {
			slog.Error("run failed", "run_id", result.RunID, "state", runErr.State, "error", runErr.Err)
		} else {
			slog.Error("run failed", "error", err)
		}
		return err
	}
	if result.State != domain.StateDone {
		return fmt.Errorf("run ended in state %s", result.State)
	}

	fmt.Println(result.Recommendation)
	return nil
}

func serve(ctx context.Context, cfg *config.Config, app *application) error {
	handler := api.NewHandler(api.HandlerConfig{
		Runner:     app.orch,
		Runs:       app.runs,
		Ledger:     app.ledger,
		Signer:     app.signer.Address(),
		Limiter:    app.guard,
		Checkers:   app.checkers,
		RunTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		return err
	}

	slog.Info("server stopped")
	return nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// Logs go to stderr so a one-shot run leaves only the recommendation on stdout.
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
