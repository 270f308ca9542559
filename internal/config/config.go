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
	LogLevel    string
	HTTPAddr    string

	OTLPEndpoint string
	OTLPProtocol string
	OTelEnabled  bool

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis RedisConfig

	BillingProvider BillingProviderConfig
	Breaker         BreakerConfig
	Scheduler       SchedulerConfig

	CatalogPath string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// BillingProviderConfig configures the outbound metered-billing client.
type BillingProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Rate    float64
	Burst   int
}

type BreakerConfig struct {
	Backend     string
	MaxFailures int
	Cooldown    time.Duration
}

type SchedulerConfig struct {
	Enabled            bool
	RunInterval        time.Duration
	BatchSize          int
	RolloverTimeout    time.Duration
	OverageSyncTimeout time.Duration
	ReconcileTimeout   time.Duration
	LockTTL            time.Duration
	EnabledJobs        []string
}

const (
	BreakerBackendMemory = "memory"
	BreakerBackendRedis  = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "agentmeter"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		LogLevel:     strings.ToLower(getenv("LOG_LEVEL", "info")),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol: strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OTelEnabled:  getenvBool("OTEL_ENABLED", false),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "agentmeter"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},

		BillingProvider: BillingProviderConfig{
			Name:    strings.ToLower(getenv("BILLING_PROVIDER", "stripe")),
			BaseURL: strings.TrimRight(getenv("BILLING_PROVIDER_BASE_URL", "https://api.stripe.com"), "/"),
			APIKey:  strings.TrimSpace(getenv("BILLING_PROVIDER_API_KEY", "")),
			Timeout: time.Duration(getenvInt("BILLING_PROVIDER_TIMEOUT_MS", 10_000)) * time.Millisecond,
			Rate:    getenvFloat("BILLING_PROVIDER_RATE", 20),
			Burst:   getenvInt("BILLING_PROVIDER_BURST", 5),
		},

		Breaker: BreakerConfig{
			Backend:     normalizeBreakerBackend(getenv("BREAKER_BACKEND", BreakerBackendMemory)),
			MaxFailures: getenvInt("BREAKER_MAX_FAILURES", 5),
			Cooldown:    getenvDuration("BREAKER_COOLDOWN", 15*time.Minute),
		},

		Scheduler: SchedulerConfig{
			Enabled:            getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:        getenvDuration("SCHEDULER_RUN_INTERVAL", 5*time.Minute),
			BatchSize:          getenvInt("SCHEDULER_BATCH_SIZE", 500),
			RolloverTimeout:    getenvDuration("SCHEDULER_ROLLOVER_TIMEOUT", time.Minute),
			OverageSyncTimeout: getenvDuration("SCHEDULER_OVERAGE_SYNC_TIMEOUT", 5*time.Minute),
			ReconcileTimeout:   getenvDuration("SCHEDULER_RECONCILE_TIMEOUT", 10*time.Minute),
			LockTTL:            getenvDuration("SCHEDULER_LOCK_TTL", 15*time.Minute),
			EnabledJobs:        parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},

		CatalogPath: strings.TrimSpace(getenv("AGENT_CATALOG_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func normalizeBreakerBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case BreakerBackendRedis:
		return BreakerBackendRedis
	default:
		return BreakerBackendMemory
	}
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
