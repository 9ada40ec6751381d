// Package config provides configuration management for the registry sync engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/ehealth-sync/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Registry  RegistryConfig
	Sync      SyncConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration for the sync audit trail
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RegistryConfig holds configuration for the remote eHealth registry API
type RegistryConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	PageSize       int
	// TokenKey is the hex-encoded 32-byte AES key used to seal bearer
	// tokens before they enter persisted batch options.
	TokenKey string
}

// SyncConfig holds sync worker configuration
type SyncConfig struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
}

// RateLimitConfig holds per-entity registry request budgets (requests/minute,
// keyed by acting user).
type RateLimitConfig struct {
	DefaultPerMinute int
	PerEntity        map[types.EntityType]int
	Burst            int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional in production
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Printf("Warning: error loading .env file: %v\n", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "ehealth_sync"),
				User:           getEnv("POSTGRES_USER", "postgres"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "ehealth_audit"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			},
			Redis: RedisConfig{
				Host:     getEnv("REDIS_HOST", "localhost"),
				Port:     getEnv("REDIS_PORT", "6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
			},
		},
		Registry: RegistryConfig{
			BaseURL:        getEnv("REGISTRY_BASE_URL", "https://api.ehealth.gov.ua"),
			RequestTimeout: getEnvDuration("REGISTRY_REQUEST_TIMEOUT", 30*time.Second),
			PageSize:       getEnvInt("REGISTRY_PAGE_SIZE", 50),
			TokenKey:       getEnv("REGISTRY_TOKEN_KEY", ""),
		},
		Sync: SyncConfig{
			Workers:      getEnvInt("SYNC_WORKERS", 5),
			PollInterval: getEnvDuration("SYNC_POLL_INTERVAL", time.Second),
			MaxAttempts:  getEnvInt("SYNC_MAX_ATTEMPTS", 5),
		},
		RateLimit: RateLimitConfig{
			DefaultPerMinute: getEnvInt("RATE_LIMIT_DEFAULT_PER_MINUTE", 60),
			Burst:            getEnvInt("RATE_LIMIT_BURST", 10),
			PerEntity:        loadEntityBudgets(),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Database.Postgres.MaxConnections <= 0 {
		return fmt.Errorf("POSTGRES_MAX_CONNECTIONS must be positive, got %d", c.Database.Postgres.MaxConnections)
	}
	if c.Registry.BaseURL == "" {
		return fmt.Errorf("REGISTRY_BASE_URL must not be empty")
	}
	if c.Registry.PageSize <= 0 {
		return fmt.Errorf("REGISTRY_PAGE_SIZE must be positive, got %d", c.Registry.PageSize)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("SYNC_WORKERS must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be positive, got %d", c.Sync.MaxAttempts)
	}
	if c.RateLimit.DefaultPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT_PER_MINUTE must be positive, got %d", c.RateLimit.DefaultPerMinute)
	}
	return nil
}

// PostgresURL returns the migration-compatible connection URL
func (c *PostgresConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// loadEntityBudgets reads per-entity rate budgets from environment variables
// of the form RATE_LIMIT_<ENTITY>_PER_MINUTE, e.g. RATE_LIMIT_DIVISION_PER_MINUTE.
func loadEntityBudgets() map[types.EntityType]int {
	budgets := make(map[types.EntityType]int)
	envNames := map[types.EntityType]string{
		types.EntityEmployee:          "RATE_LIMIT_EMPLOYEE_PER_MINUTE",
		types.EntityEmployeeRole:      "RATE_LIMIT_EMPLOYEE_ROLE_PER_MINUTE",
		types.EntityDivision:          "RATE_LIMIT_DIVISION_PER_MINUTE",
		types.EntityEquipment:         "RATE_LIMIT_EQUIPMENT_PER_MINUTE",
		types.EntityHealthcareService: "RATE_LIMIT_HEALTHCARE_SERVICE_PER_MINUTE",
		types.EntityDeclaration:       "RATE_LIMIT_DECLARATION_PER_MINUTE",
		types.EntityContractRequest:   "RATE_LIMIT_CONTRACT_REQUEST_PER_MINUTE",
		types.EntityEmployeeRequest:   "RATE_LIMIT_EMPLOYEE_REQUEST_PER_MINUTE",
		types.EntityConfidantPerson:   "RATE_LIMIT_CONFIDANT_PERSON_PER_MINUTE",
		types.EntityPartyVerification: "RATE_LIMIT_PARTY_VERIFICATION_PER_MINUTE",
		types.EntityLegalEntity:       "RATE_LIMIT_LEGAL_ENTITY_PER_MINUTE",
	}
	for entity, name := range envNames {
		if val := getEnvInt(name, 0); val > 0 {
			budgets[entity] = val
		}
	}
	return budgets
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("Warning: invalid integer for %s: %q, using default %d\n", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		fmt.Printf("Warning: invalid boolean for %s: %q, using default %v\n", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		fmt.Printf("Warning: invalid duration for %s: %q, using default %v\n", key, value, fallback)
		return fallback
	}
	return parsed
}
