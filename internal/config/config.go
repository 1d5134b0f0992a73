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
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// CronSecret authenticates the dispatcher endpoint. Empty rejects every call.
	CronSecret string

	Dispatch  DispatchConfig
	RateLimit RateLimitConfig
	Providers ProvidersConfig
}

type DispatchConfig struct {
	PassBudget        time.Duration
	Lease             time.Duration
	MaxChecksPerPass  int
	RecoveryThreshold time.Duration
	Schedule          string
	OverlapLock       bool
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ProviderRate  float64
	ProviderBurst int
}

type ProvidersConfig struct {
	SerpAPIURL    string
	SerpAPIKey    string
	MapsAPIURL    string
	MapsAPIKey    string
	ReviewsAPIURL string
	ReviewsAPIKey string
	HTTPTimeout   time.Duration

	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AnthropicModel  string
	GeminiAPIKey    string
	GeminiModel     string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "checkledger"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "checkledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DB_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DB_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DB_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DB_CONN_MAX_IDLE_TIME", 300),

		CronSecret: strings.TrimSpace(getenv("CRON_SECRET", "")),

		Dispatch: DispatchConfig{
			PassBudget:        getenvDuration("DISPATCH_PASS_BUDGET", 50*time.Second),
			Lease:             getenvDuration("DISPATCH_LEASE", 2*time.Minute),
			MaxChecksPerPass:  getenvInt("DISPATCH_MAX_CHECKS_PER_PASS", 200),
			RecoveryThreshold: getenvDuration("RECOVERY_THRESHOLD", 15*time.Minute),
			Schedule:          getenv("DISPATCH_SCHEDULE", "0 * * * * *"),
			OverlapLock:       getenvBool("DISPATCH_OVERLAP_LOCK", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("REDIS_DB", 0),
			ProviderRate:  getenvFloat("PROVIDER_RATE", 5),
			ProviderBurst: getenvInt("PROVIDER_BURST", 10),
		},
		Providers: ProvidersConfig{
			SerpAPIURL:    strings.TrimSpace(getenv("SERP_API_URL", "https://serpapi.com/search.json")),
			SerpAPIKey:    strings.TrimSpace(getenv("SERP_API_KEY", "")),
			MapsAPIURL:    strings.TrimSpace(getenv("MAPS_API_URL", "https://serpapi.com/search.json")),
			MapsAPIKey:    strings.TrimSpace(getenv("MAPS_API_KEY", "")),
			ReviewsAPIURL: strings.TrimSpace(getenv("REVIEWS_API_URL", "https://serpapi.com/search.json")),
			ReviewsAPIKey: strings.TrimSpace(getenv("REVIEWS_API_KEY", "")),
			HTTPTimeout:   getenvDuration("PROVIDER_HTTP_TIMEOUT", 20*time.Second),

			OpenAIAPIKey:    strings.TrimSpace(getenv("OPENAI_API_KEY", "")),
			OpenAIModel:     getenv("OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIBaseURL:   strings.TrimSpace(getenv("OPENAI_BASE_URL", "")),
			AnthropicAPIKey: strings.TrimSpace(getenv("ANTHROPIC_API_KEY", "")),
			AnthropicModel:  getenv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
			GeminiAPIKey:    strings.TrimSpace(getenv("GEMINI_API_KEY", "")),
			GeminiModel:     getenv("GEMINI_MODEL", "gemini-2.0-flash"),
		},
	}

	return cfg
}

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
