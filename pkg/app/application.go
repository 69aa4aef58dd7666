package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/osvaldoandrade/runplane/internal/events"
	"github.com/osvaldoandrade/runplane/internal/metrics"
	"github.com/osvaldoandrade/runplane/internal/middleware"
	"github.com/osvaldoandrade/runplane/internal/providers"
	"github.com/osvaldoandrade/runplane/internal/ratelimit"
	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/internal/services"
	"github.com/osvaldoandrade/runplane/internal/storage"
	"github.com/osvaldoandrade/runplane/internal/tracing"
	"github.com/osvaldoandrade/runplane/pkg/auth"
	"github.com/osvaldoandrade/runplane/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config   *config.Config
	Engine   *gin.Engine
	Redis    *redis.Client
	Runs     services.RunService
	Dispatch services.DispatchService
	Outputs  services.OutputService
	Machines services.MachineService
	Settings services.SettingsService
	Resolver storage.CredentialResolver
	Proxy    *storage.ObjectProxy
	Notifier services.WebhookNotifier
	Bus      events.Publisher
	Sweeper  services.TimeoutSweeper
	Logger   *slog.Logger

	ClientValidator  auth.Validator
	MachineValidator auth.Validator
	RateLimiter      ratelimit.Limiter

	TracingShutdown func(context.Context) error

	objectClients storage.ClientFactory
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithClientValidator sets a custom validator for API clients
func WithClientValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.ClientValidator = validator
		return nil
	}
}

// WithMachineValidator sets a custom validator for machine callbacks
func WithMachineValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.MachineValidator = validator
		return nil
	}
}

// WithObjectClientFactory replaces the S3 client used by the model proxy.
func WithObjectClientFactory(f storage.ClientFactory) ApplicationOption {
	return func(app *Application) error {
		app.objectClients = f
		return nil
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "runplane", "env", cfg.Env)
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	app := &Application{Config: cfg, Logger: logger}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "runplane",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.Insecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, err
	}
	app.TracingShutdown = shutdown

	redisClient := providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := providers.PingRedis(pingCtx, redisClient); err != nil {
		logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "err", err)
	}
	cancel()
	metrics.RegisterRedisCollector(redisClient, logger)

	runsRepo := repository.NewRunRepository(redisClient, cfg.LogLineLimit)
	outputsRepo := repository.NewOutputRepository(redisClient)
	machinesRepo := repository.NewMachineRepository(redisClient)
	catalogRepo := repository.NewCatalogRepository(redisClient)
	settingsRepo := repository.NewSettingsRepository(redisClient)
	lock := repository.NewMachineLock(redisClient, time.Duration(cfg.MachineLockTTLSeconds)*time.Second, nil)

	notifier := services.NewWebhookNotifier(runsRepo, outputsRepo, logger, cfg.WebhookHmacSecret, cfg.WebhookTimeoutSeconds)
	bus := providers.NewEventBus(cfg.NatsURL, logger)

	runs, dispatch := services.NewRunServices(services.RunServiceDeps{
		Runs:                     runsRepo,
		Outputs:                  outputsRepo,
		Machines:                 machinesRepo,
		Catalog:                  catalogRepo,
		Lock:                     lock,
		Notifier:                 notifier,
		Bus:                      bus,
		Logger:                   logger,
		DefaultRunTimeoutSeconds: cfg.DefaultRunTimeoutSeconds,
		DefaultConcurrencyLimit:  cfg.DefaultConcurrencyLimit,
		SweepBatchSize:           cfg.SweepBatchSize,
	})

	resolver := storage.NewCredentialResolver(settingsRepo, storage.Credentials{
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		SessionToken:    cfg.S3SessionToken,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		UsePathStyle:    cfg.S3ForcePathStyle,
	}, logger)

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestIDMiddleware(), middleware.LoggerMiddleware(logger))

	app.Engine = engine
	app.Redis = redisClient
	app.Runs = runs
	app.Dispatch = dispatch
	app.Outputs = services.NewOutputService(runs, outputsRepo)
	app.Machines = services.NewMachineService(machinesRepo, dispatch, logger)
	app.Settings = services.NewSettingsService(settingsRepo, catalogRepo, logger)
	app.Resolver = resolver
	app.Proxy = storage.NewObjectProxy(app.objectClients, logger)
	app.Notifier = notifier
	app.Bus = bus
	app.Sweeper = services.NewTimeoutSweeper(runs, dispatch, logger, cfg.SweepIntervalSeconds)
	app.RateLimiter = ratelimit.NewTokenBucketLimiter(redisClient)

	// Create default validators from config if not provided
	if app.ClientValidator == nil && cfg.ClientAuth.Type != "" {
		v, err := newValidator(auth.CallerClient, cfg.ClientAuth)
		if err != nil {
			return nil, err
		}
		app.ClientValidator = v
	}
	if app.MachineValidator == nil && cfg.MachineAuth.Type != "" {
		v, err := newValidator(auth.CallerMachine, cfg.MachineAuth)
		if err != nil {
			return nil, err
		}
		app.MachineValidator = v
	}

	return app, nil
}

func newValidator(caller auth.Caller, p config.AuthProvider) (auth.Validator, error) {
	raw, err := p.RawConfig()
	if err != nil {
		return nil, err
	}
	return auth.NewValidator(auth.ProviderConfig{Caller: caller, Type: p.Type, Config: raw})
}

// Close drains pending webhook deliveries and releases the broker and Redis connections.
func (a *Application) Close(ctx context.Context) {
	a.Notifier.Wait()
	a.Bus.Close()
	if a.TracingShutdown != nil {
		_ = a.TracingShutdown(ctx)
	}
	_ = a.Redis.Close()
}
