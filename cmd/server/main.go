package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/api"
	"github.com/HanTheDev/promptgen/internal/auth"
	"github.com/HanTheDev/promptgen/internal/cache"
	"github.com/HanTheDev/promptgen/internal/catalog"
	"github.com/HanTheDev/promptgen/internal/config"
	"github.com/HanTheDev/promptgen/internal/db"
	"github.com/HanTheDev/promptgen/internal/events"
	"github.com/HanTheDev/promptgen/internal/generation"
	"github.com/HanTheDev/promptgen/internal/logging"
	"github.com/HanTheDev/promptgen/internal/metrics"
	"github.com/HanTheDev/promptgen/internal/models"
	"github.com/HanTheDev/promptgen/internal/provider"
	"github.com/HanTheDev/promptgen/internal/quota"
	"github.com/HanTheDev/promptgen/internal/ratelimit"
	"github.com/HanTheDev/promptgen/internal/recorder"
	"github.com/HanTheDev/promptgen/internal/template"
	"github.com/HanTheDev/promptgen/internal/tracing"
)

// store is what the server needs from the persistent layer, satisfied by
// both *db.DB and *db.MemoryStore.
type store interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	UpsertTemplate(ctx context.Context, tpl *models.Template) error
	InsertGenerationHistory(ctx context.Context, rec *models.HistoryRecord) error
	UpdateTemplateStats(ctx context.Context, templateID string, sample models.TemplateStatsSample) error
	GetUserPlan(ctx context.Context, userID string) (models.PlanTier, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error)
	Ping(ctx context.Context) error
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, "promptgen", logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// Initialize persistent store
	var (
		st       store
		database *db.DB
	)
	if cfg.DatabaseURL != "" {
		database, err = db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return err
		}
		st = database
		logger.Info("connected to postgres")
	} else {
		st = db.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Initialize redis for the shared cache tier and optionally quotas
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = db.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		logger.Info("connected to redis")
	}

	var remote cache.Remote
	if redisClient != nil {
		remote = cache.NewRedisStore(redisClient, "promptgen:cache:")
	}
	cacheManager, err := cache.NewManager(remote, cache.Config{
		LocalSize:  cfg.CacheLocalSize,
		DefaultTTL: cfg.CacheResultTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer cacheManager.Close()
	compiler := template.NewCompiler(cacheManager, cfg.CacheTemplateTTL, logger)

	var quotaStore quota.Store
	switch cfg.QuotaStore {
	case config.QuotaStorePostgres:
		quotaStore = database
	case config.QuotaStoreRedis:
		quotaStore = quota.NewRedisStore(redisClient)
	default:
		quotaStore = quota.NewMemoryStore()
	}
	enforcer := quota.NewEnforcer(quotaStore, quota.Limits{
		Free:       cfg.QuotaFree,
		Pro:        cfg.QuotaPro,
		Enterprise: cfg.QuotaEnterprise,
	}, quota.WithLogger(logger))
	logger.Info("quota store selected", zap.String("store", cfg.QuotaStore))

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers)
		defer producer.Close()
		publisher = producer
		logger.Info("publishing generation events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	rec := recorder.New(st, publisher, recorder.Config{Topic: cfg.KafkaTopic, Logger: logger})
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rec.Close(cctx); err != nil {
			logger.Warn("pending background writes abandoned", zap.Error(err))
		}
	}()

	completions := provider.NewClient(provider.Config{
		BaseURL:     cfg.ProviderBaseURL,
		APIKey:      cfg.ProviderAPIKey,
		Model:       cfg.ProviderModel,
		Timeout:     cfg.ProviderTimeout,
		MaxRetries:  cfg.ProviderMaxRetries,
		BackoffBase: cfg.ProviderBackoffBase,
		BackoffMax:  cfg.ProviderBackoffMax,
		Logger:      logger,
	})
	if !completions.IsConfigured() {
		logger.Warn("PROVIDER_BASE_URL not set, direct generations use the local fallback")
	}

	if cfg.TemplateDir != "" {
		if _, err := catalog.Seed(ctx, st, cfg.TemplateDir, logger); err != nil {
			return err
		}
	}

	orchestrator := generation.New(generation.Deps{
		Templates: st,
		Quota:     enforcer,
		Cache:     cacheManager,
		Compiler:  compiler,
		Provider:  completions,
		Recorder:  rec,
	}, generation.Config{
		ResultTTL:        cfg.CacheResultTTL,
		MinGoalLength:    cfg.MinGoalLength,
		MaxTokensLimit:   cfg.MaxTokensLimit,
		StrictParameters: cfg.StrictParameters,
		Logger:           logger,
	})

	limiter := ratelimit.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	sweepStop := make(chan struct{})
	defer close(sweepStop)
	go limiter.Run(time.Minute, sweepStop)

	deps := api.Deps{
		Generator: orchestrator,
		Usage:     enforcer,
		Plans:     st,
		History:   st,
		Templates: st,
		Compiler:  compiler,
		Cache:     cacheManager,
		Health:    st,
		Auth:      auth.NewMiddleware(cfg.JWTSecret, logger),
		Limiter:   limiter,
		Logger:    logger,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		// Direct generations may wait through every provider retry.
		WriteTimeout: cfg.ProviderTimeout*time.Duration(cfg.ProviderMaxRetries+1) + cfg.ProviderBackoffMax*time.Duration(cfg.ProviderMaxRetries) + 10*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.ServerPort), zap.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
