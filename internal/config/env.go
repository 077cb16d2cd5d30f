// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Network
	ListenAddress string
	Port          int

	// Auth
	SharedSecret  string // bearer token for streaming sessions
	EncryptionKey string // input to credential key derivation
	RootUser      string
	RootPassword  string

	AccessTokenExpire time.Duration

	// Postgres
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     int

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Lease engine
	RefillBatchSize int
	RefillCacheTTL  time.Duration
	UnblockAfter    time.Duration // store-side unblock cut-off
	UnblockEvery    time.Duration // RATE_LIMIT between store-side unblocks
	CacheRefresh    time.Duration // warm-cache refresh cadence
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid or missing variable at once.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.ListenAddress = strings.TrimSpace(envStr("LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("PORT", 8000, &errs)

	// SECRETS is the historical spelling; SECRET wins when both are set.
	cfg.SharedSecret = envStr("SECRET", envStr("SECRETS", ""))
	cfg.EncryptionKey = envStr("ENCRYPTION_KEY", cfg.SharedSecret)
	cfg.RootUser = envStr("ROOT_USER", "admin")
	cfg.RootPassword = envStr("ROOT_PASSWORD", "")

	expireMinutes := envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30, &errs)
	cfg.AccessTokenExpire = time.Duration(expireMinutes) * time.Minute

	cfg.PostgresUser = envStr("POSTGRES_USER", "postgres")
	cfg.PostgresPassword = envStr("POSTGRES_PASSWORD", "")
	cfg.PostgresDB = envStr("POSTGRES_DB", "proxycare")
	cfg.PostgresHost = envStr("POSTGRES_HOST", "localhost")
	cfg.PostgresPort = envInt("POSTGRES_PORT", 5432, &errs)

	cfg.RedisHost = envStr("REDIS_HOST", "localhost")
	cfg.RedisPort = envInt("REDIS_PORT", 6379, &errs)
	cfg.RedisPassword = envStr("REDIS_PASSWORD", "")
	cfg.RedisDB = envInt("REDIS_DB", 0, &errs)

	cfg.RefillBatchSize = envInt("REFILL_BATCH_SIZE", 10, &errs)
	cfg.RefillCacheTTL = envDuration("REFILL_CACHE_TTL", 6*time.Minute, &errs)
	cfg.UnblockAfter = envDuration("UNBLOCK_AFTER", 5*time.Minute, &errs)
	cfg.CacheRefresh = envDuration("CACHE_REFRESH_INTERVAL", 10*time.Minute, &errs)

	// RATE_LIMIT is expressed in whole seconds.
	rateLimit := envInt("RATE_LIMIT", 300, &errs)
	cfg.UnblockEvery = time.Duration(rateLimit) * time.Second

	// --- Validation ---
	if cfg.SharedSecret == "" {
		errs = append(errs, "SECRET (or SECRETS) must be set")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "LISTEN_ADDRESS must not be empty")
	}
	validatePort("PORT", cfg.Port, &errs)
	validatePort("POSTGRES_PORT", cfg.PostgresPort, &errs)
	validatePort("REDIS_PORT", cfg.RedisPort, &errs)
	if cfg.RedisDB < 0 {
		errs = append(errs, fmt.Sprintf("REDIS_DB: must not be negative, got %d", cfg.RedisDB))
	}
	validatePositive("ACCESS_TOKEN_EXPIRE_MINUTES", expireMinutes, &errs)
	validatePositive("REFILL_BATCH_SIZE", cfg.RefillBatchSize, &errs)
	validatePositive("RATE_LIMIT", rateLimit, &errs)
	if cfg.RefillCacheTTL <= 0 {
		errs = append(errs, "REFILL_CACHE_TTL must be positive")
	}
	if cfg.UnblockAfter <= 0 {
		errs = append(errs, "UNBLOCK_AFTER must be positive")
	}
	if cfg.CacheRefresh <= 0 {
		errs = append(errs, "CACHE_REFRESH_INTERVAL must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// DatabaseURL builds the Postgres connection URL.
func (c *EnvConfig) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.PostgresUser),
		url.QueryEscape(c.PostgresPassword),
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDB,
	)
}

// RedisAddr returns the host:port address for the warm cache.
func (c *EnvConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
