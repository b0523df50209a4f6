// Package config provides configuration management for the campaign indexer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	// StoreDriverMemory keeps the projection in process. Every unit of work
	// copies the whole state, so writes slow down as the projection grows;
	// it suits tests, demos and small deployments, not a full chain history.
	StoreDriverMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Indexer  IndexerConfig
	Health   HealthConfig
	Cache    CacheConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port      string
	Host      string
	RateLimit int // requests per second per client
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MinConnections int
	ConnectTimeout time.Duration
}

// URL returns the connection URL used by the migration tool
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig holds the single chain the indexer follows
type ChainConfig struct {
	RPCURL         string
	ChainID        int64
	FactoryAddress string
	StartBlock     uint64
	Confirmations  uint64
	RPCRateLimit   float64 // requests per second, 0 disables
}

// IndexerConfig holds scheduler configuration
type IndexerConfig struct {
	Enabled             bool // run the scheduler inside the API server
	PollInterval        time.Duration
	BackfillWindow      uint64
	BackfillDelay       time.Duration
	TrackPlainTransfers bool
	MetricsAddr         string // listen address of the standalone indexer's metrics and health endpoints
}

// HealthConfig holds health reporting thresholds
type HealthConfig struct {
	MaxBlocksBehind uint64
}

// CacheConfig holds read cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, the environment may be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:      getEnv("SERVER_PORT", "8080"),
			Host:      getEnv("SERVER_HOST", "0.0.0.0"),
			RateLimit: getEnvAsInt("SERVER_RATE_LIMIT", 50),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "campaign_indexer"),
				User:           getEnv("POSTGRES_USER", "indexer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MinConnections: getEnvAsInt("POSTGRES_MIN_CONNECTIONS", 2),
				ConnectTimeout: getEnvAsDuration("POSTGRES_CONNECT_TIMEOUT", 10*time.Second),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Chain: ChainConfig{
			RPCURL:         getEnv("RPC_URL", ""),
			ChainID:        getEnvAsInt64("CHAIN_ID", 1337),
			FactoryAddress: strings.ToLower(getEnv("FACTORY_ADDRESS", "")),
			StartBlock:     getEnvAsUint64("START_BLOCK", 0),
			Confirmations:  getEnvAsUint64("CONFIRMATIONS", 6),
			RPCRateLimit:   getEnvAsFloat("RPC_RATE_LIMIT", 25),
		},
		Indexer: IndexerConfig{
			Enabled:             getEnvAsBool("INDEXER_ENABLED", true),
			PollInterval:        getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
			BackfillWindow:      getEnvAsUint64("BACKFILL_WINDOW", 100),
			BackfillDelay:       getEnvAsDuration("BACKFILL_DELAY", 100*time.Millisecond),
			TrackPlainTransfers: getEnvAsBool("TRACK_PLAIN_TRANSFERS", true),
			MetricsAddr:         getEnv("INDEXER_METRICS_ADDR", ":9090"),
		},
		Health: HealthConfig{
			MaxBlocksBehind: getEnvAsUint64("HEALTH_MAX_BLOCKS_BEHIND", 100),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 20*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks the settings the indexer cannot run without
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Database.Driver)
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if !isHexAddress(c.Chain.FactoryAddress) {
		return fmt.Errorf("FACTORY_ADDRESS must be a 0x-prefixed 20 byte hex address")
	}
	if c.Indexer.BackfillWindow == 0 {
		return fmt.Errorf("BACKFILL_WINDOW must be positive")
	}
	if c.Chain.RPCRateLimit < 0 {
		return fmt.Errorf("RPC_RATE_LIMIT cannot be negative")
	}
	if c.Indexer.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	return nil
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 gets an environment variable as an int64 with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsUint64 gets an environment variable as a uint64 with a default value
func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float64 with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
