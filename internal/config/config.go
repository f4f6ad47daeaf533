package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	PricingConfigPath string
	Currency          string

	WorldGen   WorldGenConfig
	Storage    StorageConfig
	Generation GenerationConfig
	RateLimit  RateLimitConfig
}

// WorldGenConfig configures the world-generation provider client.
type WorldGenConfig struct {
	APIKey         string
	BaseURL        string
	FastModel      string
	QualityModel   string
	RequestTimeout time.Duration
}

// StorageConfig configures the durable artifact backend.
type StorageConfig struct {
	Backend       string
	BasePath      string
	PublicBaseURL string
	Timeout       time.Duration
	MaxBytes      int64
}

// GenerationConfig holds the job orchestration budget.
type GenerationConfig struct {
	MaxPollAttempts   int
	JobTimeout        time.Duration
	PollInterval      time.Duration
	FastEstimate      time.Duration
	QualityEstimate   time.Duration
	IdempotencyWindow time.Duration
	LockTTL           time.Duration
}

// RateLimitConfig configures redis-backed limits and locks.
type RateLimitConfig struct {
	Enabled             bool
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	GenerateTenantRate  float64
	GenerateTenantBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "slabworks"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "slabworks"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "slabworks.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		PricingConfigPath: strings.TrimSpace(getenv("PRICING_CONFIG_PATH", "")),
		Currency:          strings.ToUpper(getenv("BALANCE_CURRENCY", "USD")),

		WorldGen: WorldGenConfig{
			APIKey:         strings.TrimSpace(getenv("WORLDGEN_API_KEY", "")),
			BaseURL:        strings.TrimRight(getenv("WORLDGEN_BASE_URL", "https://api.worldlabs.ai/marble/v1"), "/"),
			FastModel:      getenv("WORLDGEN_MODEL_FAST", "marble-mini"),
			QualityModel:   getenv("WORLDGEN_MODEL_QUALITY", "marble-plus"),
			RequestTimeout: getenvDuration("WORLDGEN_REQUEST_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Backend:       strings.ToLower(getenv("STORAGE_BACKEND", "filesystem")),
			BasePath:      getenv("STORAGE_BASE_PATH", "./data/artifacts"),
			PublicBaseURL: strings.TrimRight(getenv("STORAGE_PUBLIC_BASE_URL", "http://localhost:8080/artifacts"), "/"),
			Timeout:       getenvDuration("STORAGE_TIMEOUT", 60*time.Second),
			MaxBytes:      getenvInt64("STORAGE_MAX_BYTES", 512<<20),
		},
		Generation: GenerationConfig{
			MaxPollAttempts:   getenvInt("GENERATION_MAX_POLL_ATTEMPTS", 120),
			JobTimeout:        getenvDuration("GENERATION_JOB_TIMEOUT", 15*time.Minute),
			PollInterval:      getenvDuration("GENERATION_POLL_INTERVAL", 5*time.Second),
			FastEstimate:      getenvDuration("GENERATION_ESTIMATE_FAST", 45*time.Second),
			QualityEstimate:   getenvDuration("GENERATION_ESTIMATE_QUALITY", 5*time.Minute),
			IdempotencyWindow: getenvDuration("GENERATION_IDEMPOTENCY_WINDOW", 24*time.Hour),
			LockTTL:           getenvDuration("GENERATION_LOCK_TTL", 2*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:             getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:           getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:       getenv("REDIS_PASSWORD", ""),
			RedisDB:             getenvInt("REDIS_DB", 0),
			GenerateTenantRate:  getenvFloat("RATE_LIMIT_GENERATE_TENANT_RATE", 0.5),
			GenerateTenantBurst: getenvInt("RATE_LIMIT_GENERATE_TENANT_BURST", 10),
		},
	}

	return cfg
}

// IsProduction reports whether the service runs in production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s") or plain seconds ("90").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}
