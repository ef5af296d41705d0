package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Environment        string
	ServerPort         int
	LogLevel           string
	LogFormat          string
	CORSAllowedOrigins []string

	StoreDriver string // memory, sqlite, postgres
	DatabaseURL string
	SQLitePath  string
	RedisURL    string // optional; enables shared revocations

	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	TokenLifetime      time.Duration
	InvitationLifetime time.Duration

	DefaultRole             string
	AdminRole               string
	RegistrationOpenTenants []string

	Argon2MemoryKiB   uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8

	LoginRatePerMinute     int
	APIRatePerMinute       int
	RevocationPruneMinutes int

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first; real environment values win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	tokenLifetime, err := time.ParseDuration(getEnv("TOKEN_LIFETIME", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_LIFETIME: %w", err)
	}

	invitationLifetime, err := time.ParseDuration(getEnv("INVITATION_LIFETIME", "72h"))
	if err != nil {
		return nil, fmt.Errorf("invalid INVITATION_LIFETIME: %w", err)
	}

	memory, err := strconv.ParseUint(getEnv("ARGON2_MEMORY_KIB", "65536"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid ARGON2_MEMORY_KIB: %w", err)
	}

	iterations, err := strconv.ParseUint(getEnv("ARGON2_ITERATIONS", "3"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid ARGON2_ITERATIONS: %w", err)
	}

	parallelism, err := strconv.ParseUint(getEnv("ARGON2_PARALLELISM", "2"), 10, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid ARGON2_PARALLELISM: %w", err)
	}

	loginRate, err := strconv.Atoi(getEnv("LOGIN_RATE_PER_MINUTE", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOGIN_RATE_PER_MINUTE: %w", err)
	}

	apiRate, err := strconv.Atoi(getEnv("API_RATE_PER_MINUTE", "300"))
	if err != nil {
		return nil, fmt.Errorf("invalid API_RATE_PER_MINUTE: %w", err)
	}

	pruneInterval, err := strconv.Atoi(getEnv("REVOCATION_PRUNE_MINUTES", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid REVOCATION_PRUNE_MINUTES: %w", err)
	}

	sampleRatio, err := strconv.ParseFloat(getEnv("OTEL_TRACES_SAMPLER_ARG", "1"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
	}

	otlpInsecure, err := strconv.ParseBool(getEnv("OTEL_EXPORTER_OTLP_INSECURE", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
	}

	cfg := &Config{
		Environment:             getEnv("ENVIRONMENT", "development"),
		ServerPort:              port,
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
		CORSAllowedOrigins:      parseCSVEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		StoreDriver:             getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		SQLitePath:              getEnv("SQLITE_PATH", "tenantguard.db"),
		RedisURL:                os.Getenv("REDIS_URL"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		JWTIssuer:               getEnv("JWT_ISSUER", "tenantguard"),
		JWTAudience:             getEnv("JWT_AUDIENCE", "tenantguard-api"),
		TokenLifetime:           tokenLifetime,
		InvitationLifetime:      invitationLifetime,
		DefaultRole:             getEnv("DEFAULT_ROLE", "default"),
		AdminRole:               getEnv("ADMIN_ROLE", "admin"),
		RegistrationOpenTenants: parseCSVEnv("REGISTRATION_OPEN_TENANTS", nil),
		Argon2MemoryKiB:         uint32(memory),
		Argon2Iterations:        uint32(iterations),
		Argon2Parallelism:       uint8(parallelism),
		LoginRatePerMinute:      loginRate,
		APIRatePerMinute:        apiRate,
		RevocationPruneMinutes:  pruneInterval,
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:            otlpInsecure,
		TraceSampleRatio:        sampleRatio,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether relaxed defaults are allowed.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}

	if c.JWTSecret == "" {
		if !c.IsDevelopment() {
			return fmt.Errorf("JWT_SECRET is required outside development")
		}
		c.JWTSecret = "development-only-secret-change-me-now"
	}
	if !c.IsDevelopment() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.TokenLifetime <= 0 {
		return fmt.Errorf("TOKEN_LIFETIME must be positive")
	}
	if c.DefaultRole == "" || c.AdminRole == "" {
		return fmt.Errorf("DEFAULT_ROLE and ADMIN_ROLE must be set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseCSVEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
