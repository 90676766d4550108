package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DatabaseURL string

	// Redis
	EnableRedis bool
	RedisURL    string

	// JWT
	JWTSecret string

	// Server
	Port        string
	Environment string
	LogLevel    string

	// CORS
	CORSOrigins []string

	// Rate Limiting
	RateLimitRequests         int
	RateLimitWindow           int
	RateLimitBurst            int
	CheckoutRateLimitRequests int
	CheckoutRateLimitWindow   int
	CallbackRateLimitRequests int
	CallbackRateLimitWindow   int

	// Features
	EnableMetrics bool

	// Tracing
	EnableTracing    bool
	OTLPEndpoint     string
	OTELServiceName  string
	OTELSamplerRatio float64

	// Teori checkout
	TeoriSettingsPrefix   string
	TeoriOrderSyncEnabled bool
	TeoriOrderSyncEvery   time.Duration
	TeoriCallbackTokenTTL time.Duration
	TeoriCheckoutLockTTL  time.Duration
	TeoriRequestTimeout   time.Duration
}

func New() *Config {
	c := &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "drivingschool"),
		DBPassword: getEnv("DB_PASSWORD", "drivingschool"),
		DBName:     getEnv("DB_NAME", "drivingschool"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		// Redis
		EnableRedis: getEnvAsBool("ENABLE_REDIS", false),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "your-super-secret-jwt-key-change-this-in-production"),

		// Server
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", ""),

		// CORS
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080")),

		// Rate Limiting
		RateLimitRequests:         getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:           getEnvAsInt("RATE_LIMIT_WINDOW", 60),
		RateLimitBurst:            getEnvAsInt("RATE_LIMIT_BURST", 0),
		CheckoutRateLimitRequests: getEnvAsInt("CHECKOUT_RATE_LIMIT_REQUESTS", 10),
		CheckoutRateLimitWindow:   getEnvAsInt("CHECKOUT_RATE_LIMIT_WINDOW", 60),
		CallbackRateLimitRequests: getEnvAsInt("CALLBACK_RATE_LIMIT_REQUESTS", 120),
		CallbackRateLimitWindow:   getEnvAsInt("CALLBACK_RATE_LIMIT_WINDOW", 60),

		// Features
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),

		// Tracing
		EnableTracing:    getEnvAsBool("OTEL_ENABLED", false),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELServiceName:  getEnv("OTEL_SERVICE_NAME", "drivingschool-backend"),
		OTELSamplerRatio: getEnvAsFloat("OTEL_SAMPLER_RATIO", 1.0),

		// Teori checkout
		TeoriSettingsPrefix:   strings.ToLower(getEnv("TEORI_SETTINGS_PREFIX", "teori")),
		TeoriOrderSyncEnabled: getEnvAsBool("TEORI_ORDER_SYNC_ENABLED", true),
		TeoriOrderSyncEvery:   getEnvAsDuration("TEORI_ORDER_SYNC_INTERVAL", 10*time.Minute),
		TeoriCallbackTokenTTL: getEnvAsDuration("TEORI_CALLBACK_TOKEN_TTL", 24*time.Hour),
		TeoriCheckoutLockTTL:  getEnvAsDuration("TEORI_CHECKOUT_LOCK_TTL", 90*time.Second),
		TeoriRequestTimeout:   getEnvAsDuration("TEORI_REQUEST_TIMEOUT", 30*time.Second),
	}

	if c.LogLevel == "" {
		if c.IsProduction() {
			c.LogLevel = "info"
		} else {
			c.LogLevel = "debug"
		}
	}

	// Build DSN
	c.DatabaseURL = getEnv("DATABASE_URL", fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	))

	return c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "true" || valueStr == "1"
}

// getEnvAsDuration accepts Go durations ("10m") or whole seconds ("600").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
