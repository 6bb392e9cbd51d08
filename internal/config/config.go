// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kopa-agent/kopa/internal/circuitbreaker"
	"github.com/kopa-agent/kopa/internal/ratelimit"
	"github.com/kopa-agent/kopa/internal/resilience"
	"github.com/kopa-agent/kopa/internal/retry"
)

// Payment gateway backends.
const (
	GatewayMemory = "memory"
	GatewayStripe = "stripe"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string

	// Rate limiting per client IP; RateLimitPerMinute 0 disables it.
	RateLimitPerMinute int
	RateLimitBurst     int

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	PaymentGateway      string
	StripeSecretKey     string
	StripePaymentMethod string // confirm holds immediately with this payment method
	StripeCurrency      string

	// On-chain confirmation (both required to enable)
	RPCURL       string
	USDCContract string

	// Collaborators
	DocumentAnalyzerURL string
	OTLPEndpoint        string
	TraceSampleRatio    float64

	// Resilience
	RetryMaxAttempts        int
	RetryInitialDelay       time.Duration
	RetryMaxDelay           time.Duration
	RetryMultiplier         float64
	CallTimeout             time.Duration
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerResetTimeout     time.Duration
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultStripeCurrency = "usd"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	res := resilience.DefaultConfig()
	rl := ratelimit.DefaultConfig()
	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:             splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		RateLimitPerMinute:      getEnvInt("RATE_LIMIT_PER_MINUTE", rl.RequestsPerMinute),
		RateLimitBurst:          getEnvInt("RATE_LIMIT_BURST", rl.Burst),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		PaymentGateway:          strings.ToLower(getEnv("PAYMENT_GATEWAY", GatewayMemory)),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripePaymentMethod:     os.Getenv("STRIPE_PAYMENT_METHOD"),
		StripeCurrency:          getEnv("STRIPE_CURRENCY", DefaultStripeCurrency),
		RPCURL:                  os.Getenv("RPC_URL"),
		USDCContract:            os.Getenv("USDC_CONTRACT"),
		DocumentAnalyzerURL:     os.Getenv("DOCUMENT_ANALYZER_URL"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:        getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		RetryMaxAttempts:        getEnvInt("RETRY_MAX_ATTEMPTS", res.Retry.MaxAttempts),
		RetryInitialDelay:       getEnvDuration("RETRY_INITIAL_DELAY", res.Retry.InitialDelay),
		RetryMaxDelay:           getEnvDuration("RETRY_MAX_DELAY", res.Retry.MaxDelay),
		RetryMultiplier:         getEnvFloat("RETRY_MULTIPLIER", res.Retry.Multiplier),
		CallTimeout:             getEnvDuration("CALL_TIMEOUT", res.CallTimeout),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", res.Breaker.FailureThreshold),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", res.Breaker.SuccessThreshold),
		BreakerResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", res.Breaker.ResetTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.PaymentGateway {
	case GatewayMemory:
	case GatewayStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_GATEWAY=stripe")
		}
	default:
		return fmt.Errorf("PAYMENT_GATEWAY must be %q or %q, got %q", GatewayMemory, GatewayStripe, c.PaymentGateway)
	}

	if (c.RPCURL == "") != (c.USDCContract == "") {
		return fmt.Errorf("RPC_URL and USDC_CONTRACT must be set together")
	}

	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.RateLimitPerMinute > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1")
	}
	if c.RetryInitialDelay < 0 || c.RetryMaxDelay < c.RetryInitialDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must be >= RETRY_INITIAL_DELAY >= 0")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive")
	}
	if c.BreakerFailureThreshold < 1 || c.BreakerSuccessThreshold < 1 {
		return fmt.Errorf("breaker thresholds must be at least 1")
	}
	if c.BreakerResetTimeout <= 0 {
		return fmt.Errorf("BREAKER_RESET_TIMEOUT must be positive")
	}

	return nil
}

// Resilience builds the invoker configuration shared by external calls.
func (c *Config) Resilience() resilience.Config {
	return resilience.Config{
		Retry: retry.Policy{
			MaxAttempts:  c.RetryMaxAttempts,
			InitialDelay: c.RetryInitialDelay,
			Multiplier:   c.RetryMultiplier,
			MaxDelay:     c.RetryMaxDelay,
		},
		CallTimeout: c.CallTimeout,
		Breaker: circuitbreaker.Settings{
			FailureThreshold: c.BreakerFailureThreshold,
			SuccessThreshold: c.BreakerSuccessThreshold,
			ResetTimeout:     c.BreakerResetTimeout,
		},
	}
}

// RateLimit builds the per-client limiter configuration.
func (c *Config) RateLimit() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.RequestsPerMinute = c.RateLimitPerMinute
	cfg.Burst = c.RateLimitBurst
	return cfg
}

// ChainEnabled reports whether on-chain balance and receipt checks are configured.
func (c *Config) ChainEnabled() bool {
	return c.RPCURL != "" && c.USDCContract != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("1500ms") or whole seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
