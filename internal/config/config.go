package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/HanTheDev/promptgen/internal/errors"
)

const (
	QuotaStorePostgres = "postgres"
	QuotaStoreRedis    = "redis"
	QuotaStoreMemory   = "memory"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerPort  string
	AppEnv      string
	LogLevel    string

	ProviderBaseURL     string
	ProviderAPIKey      string
	ProviderModel       string
	ProviderTimeout     time.Duration
	ProviderMaxRetries  int
	ProviderBackoffBase time.Duration
	ProviderBackoffMax  time.Duration

	CacheLocalSize   int
	CacheResultTTL   time.Duration
	CacheTemplateTTL time.Duration

	QuotaStore      string
	QuotaFree       int64
	QuotaPro        int64
	QuotaEnterprise int64

	RateLimitRPS   float64
	RateLimitBurst int

	MinGoalLength    int
	MaxTokensLimit   int
	StrictParameters bool
	TemplateDir      string

	KafkaBrokers []string
	KafkaTopic   string

	OTLPEndpoint string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		AppEnv:      getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", ""),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),
		ProviderModel:   getEnv("PROVIDER_MODEL", "gpt-4o-mini"),

		QuotaStore: getEnv("QUOTA_STORE", ""),

		TemplateDir: getEnv("TEMPLATE_DIR", ""),
		KafkaTopic:  getEnv("KAFKA_TOPIC", "generation.completed"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
	if cfg.QuotaStore == "" {
		cfg.QuotaStore = QuotaStoreMemory
		if cfg.DatabaseURL != "" {
			cfg.QuotaStore = QuotaStorePostgres
		}
	}
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	// The first malformed variable is reported.
	p := &parser{}
	cfg.ProviderTimeout = p.getDuration("PROVIDER_TIMEOUT", 30*time.Second)
	cfg.ProviderMaxRetries = p.getInt("PROVIDER_MAX_RETRIES", 2)
	cfg.ProviderBackoffBase = p.getDuration("PROVIDER_BACKOFF_BASE", 500*time.Millisecond)
	cfg.ProviderBackoffMax = p.getDuration("PROVIDER_BACKOFF_MAX", 8*time.Second)
	cfg.CacheLocalSize = p.getInt("CACHE_LOCAL_SIZE", 10000)
	cfg.CacheResultTTL = p.getDuration("CACHE_RESULT_TTL", 5*time.Minute)
	cfg.CacheTemplateTTL = p.getDuration("CACHE_TEMPLATE_TTL", 30*24*time.Hour)
	cfg.QuotaFree = int64(p.getInt("QUOTA_FREE", 50))
	cfg.QuotaPro = int64(p.getInt("QUOTA_PRO", 1000))
	cfg.QuotaEnterprise = int64(p.getInt("QUOTA_ENTERPRISE", -1))
	cfg.RateLimitRPS = p.getFloat("RATE_LIMIT_RPS", 5)
	cfg.RateLimitBurst = p.getInt("RATE_LIMIT_BURST", 10)
	cfg.MinGoalLength = p.getInt("MIN_GOAL_LENGTH", 10)
	cfg.MaxTokensLimit = p.getInt("MAX_TOKENS_LIMIT", 4000)
	cfg.StrictParameters = p.getBool("STRICT_PARAMETERS", false)
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	var errs []string

	switch c.QuotaStore {
	case QuotaStorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, "QUOTA_STORE=postgres requires DATABASE_URL")
		}
	case QuotaStoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, "QUOTA_STORE=redis requires REDIS_URL")
		}
	case QuotaStoreMemory:
	default:
		errs = append(errs, "QUOTA_STORE must be one of postgres, redis, memory")
	}

	if c.AppEnv == "production" && (c.JWTSecret == "" || c.JWTSecret == "secret") {
		errs = append(errs, "JWT_SECRET must be set in production")
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, "PROVIDER_TIMEOUT must be positive")
	}
	if c.ProviderMaxRetries < 0 {
		errs = append(errs, "PROVIDER_MAX_RETRIES must not be negative")
	}
	if c.ProviderBackoffBase <= 0 || c.ProviderBackoffMax < c.ProviderBackoffBase {
		errs = append(errs, "PROVIDER_BACKOFF_BASE must be positive and not above PROVIDER_BACKOFF_MAX")
	}
	if c.CacheLocalSize <= 0 {
		errs = append(errs, "CACHE_LOCAL_SIZE must be positive")
	}
	if c.CacheResultTTL <= 0 || c.CacheTemplateTTL <= 0 {
		errs = append(errs, "cache TTLs must be positive")
	}
	for name, v := range map[string]int64{"QUOTA_FREE": c.QuotaFree, "QUOTA_PRO": c.QuotaPro, "QUOTA_ENTERPRISE": c.QuotaEnterprise} {
		if v < -1 {
			errs = append(errs, name+" must be -1 (unlimited) or a non-negative limit")
		}
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, "RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.MinGoalLength <= 0 {
		errs = append(errs, "MIN_GOAL_LENGTH must be positive")
	}
	if c.MaxTokensLimit <= 0 {
		errs = append(errs, "MAX_TOKENS_LIMIT must be positive")
	}

	if len(errs) > 0 {
		return errors.Newf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = errors.Wrapf(err, "parse %s=%q", key, value)
	}
}

func (p *parser) getInt(key string, defaultVal int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return defaultVal
	}
	return v
}

func (p *parser) getFloat(key string, defaultVal float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return defaultVal
	}
	return v
}

func (p *parser) getBool(key string, defaultVal bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return defaultVal
	}
	return v
}

func (p *parser) getDuration(key string, defaultVal time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultVal
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return defaultVal
	}
	return v
}
