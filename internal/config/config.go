package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	AppEnv     string
	ServerPort string

	// DatabaseURL selects the Postgres key and user repositories. Empty
	// keeps keys in memory, which only suits a single instance.
	DatabaseURL string
	RedisURL    string
	// KeySealingURL is a gocloud.dev secrets keeper URL used to seal key
	// seeds at rest, e.g. base64key://<32 bytes base64>.
	KeySealingURL string

	TokenIssuer       string
	TokenAudience     string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	ServiceTokenTTL   time.Duration
	ServiceRenewGrace time.Duration
	ClockSkew         time.Duration
	StoreTimeout      time.Duration

	KeyCacheTTL         time.Duration
	KeyGraceWindow      time.Duration
	KeyRotationInterval time.Duration
	KeySweepInterval    time.Duration

	LoginFailureWindow time.Duration
	// RequestRateLimit caps requests per client address and path on the
	// credential endpoints within RequestRateWindow. 0 disables it.
	RequestRateLimit  int
	RequestRateWindow time.Duration
	// BcryptCost is used when hashing new user passwords.
	BcryptCost int

	ServiceRegistryFile string
	SentryDSN           string
}

// Load loads configuration from environment variables, after merging an
// optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:     getEnv("APP_ENV", "development"),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		KeySealingURL: getEnv("KEY_SEALING_URL", ""),

		TokenIssuer:       getEnv("TOKEN_ISSUER", "token-service"),
		TokenAudience:     getEnv("TOKEN_AUDIENCE", "platform"),
		AccessTokenTTL:    getDurationEnv("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:   getDurationEnv("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		ServiceTokenTTL:   getDurationEnv("SERVICE_TOKEN_TTL", 24*time.Hour),
		ServiceRenewGrace: getDurationEnv("SERVICE_RENEW_GRACE", 5*time.Minute),
		ClockSkew:         getDurationEnv("CLOCK_SKEW", 30*time.Second),
		StoreTimeout:      getDurationEnv("STORE_TIMEOUT", 250*time.Millisecond),

		KeyCacheTTL:         getDurationEnv("KEY_CACHE_TTL", 5*time.Second),
		KeyGraceWindow:      getDurationEnv("KEY_GRACE_WINDOW", 8*24*time.Hour),
		KeyRotationInterval: getDurationEnv("KEY_ROTATION_INTERVAL", 0),
		KeySweepInterval:    getDurationEnv("KEY_SWEEP_INTERVAL", 10*time.Minute),

		LoginFailureWindow: getDurationEnv("LOGIN_FAILURE_WINDOW", 15*time.Minute),
		RequestRateLimit:   getIntEnv("REQUEST_RATE_LIMIT", 60),
		RequestRateWindow:  getDurationEnv("REQUEST_RATE_WINDOW", time.Minute),
		BcryptCost:         getIntEnv("BCRYPT_COST", 10),

		ServiceRegistryFile: getEnv("SERVICE_REGISTRY_FILE", "services.yaml"),
		SentryDSN:           getEnv("SENTRY_DSN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the relations between settings.
func (c *Config) Validate() error {
	if c.KeySealingURL == "" {
		return &ConfigError{Message: "KEY_SEALING_URL must be set"}
	}
	if c.TokenIssuer == "" || c.TokenAudience == "" {
		return &ConfigError{Message: "TOKEN_ISSUER and TOKEN_AUDIENCE must not be empty"}
	}
	for name, d := range map[string]time.Duration{
		"ACCESS_TOKEN_TTL":   c.AccessTokenTTL,
		"REFRESH_TOKEN_TTL":  c.RefreshTokenTTL,
		"SERVICE_TOKEN_TTL":  c.ServiceTokenTTL,
		"STORE_TIMEOUT":      c.StoreTimeout,
		"KEY_CACHE_TTL":      c.KeyCacheTTL,
		"KEY_SWEEP_INTERVAL": c.KeySweepInterval,
	} {
		if d <= 0 {
			return &ConfigError{Message: fmt.Sprintf("%s must be positive", name)}
		}
	}
	if c.KeyCacheTTL > time.Minute {
		return &ConfigError{Message: "KEY_CACHE_TTL must not exceed 1m"}
	}
	if c.ClockSkew < 0 || c.ServiceRenewGrace < 0 {
		return &ConfigError{Message: "CLOCK_SKEW and SERVICE_RENEW_GRACE must not be negative"}
	}
	if longest := c.LongestTokenTTL(); c.KeyGraceWindow < longest {
		return &ConfigError{Message: fmt.Sprintf("KEY_GRACE_WINDOW (%s) must be at least the longest token lifetime (%s)", c.KeyGraceWindow, longest)}
	}
	if c.KeyRotationInterval < 0 || (c.KeyRotationInterval > 0 && c.KeyRotationInterval <= c.KeyGraceWindow) {
		return &ConfigError{Message: "KEY_ROTATION_INTERVAL must be 0 or longer than KEY_GRACE_WINDOW"}
	}
	if c.LoginFailureWindow <= 0 {
		return &ConfigError{Message: "LOGIN_FAILURE_WINDOW must be positive"}
	}
	if c.RequestRateLimit < 0 || c.RequestRateWindow <= 0 {
		return &ConfigError{Message: "REQUEST_RATE_LIMIT must not be negative and REQUEST_RATE_WINDOW must be positive"}
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return &ConfigError{Message: "BCRYPT_COST must be between 4 and 31"}
	}
	return nil
}

// LongestTokenTTL is the longest lifetime of any token type.
func (c *Config) LongestTokenTTL() time.Duration {
	longest := c.AccessTokenTTL
	if c.RefreshTokenTTL > longest {
		longest = c.RefreshTokenTTL
	}
	if c.ServiceTokenTTL > longest {
		longest = c.ServiceTokenTTL
	}
	return longest
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// ConfigError represents a configuration error
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
