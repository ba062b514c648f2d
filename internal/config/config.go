// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store kinds.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Directory scope policies.
const (
	ScopeHierarchy = "hierarchy"
	ScopeFlat      = "flat"
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Store     string
	Database  DatabaseConfig
	NATS      NATSConfig
	Audit     AuditConfig
	Outbox    OutboxConfig
	Tasks     TaskConfig
	Directory DirectoryConfig
	SeedFile  string
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

type NATSConfig struct {
	URL string
}

type AuditConfig struct {
	Schedule string
	Repair   bool
}

type OutboxConfig struct {
	Schedule  string
	BatchSize int
}

type TaskConfig struct {
	// Timeout of zero disables task aging.
	Timeout       time.Duration
	AgingSchedule string
}

type DirectoryConfig struct {
	Scope string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "contract-workflow"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8086),
			GRPCPort:        getEnvInt("GRPC_PORT", 9086),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Store: strings.ToLower(getEnv("STORE", StorePostgres)),
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", "postgres"),
			Database:    getEnv("DB_NAME", "contract_system"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK_PERIOD", time.Minute),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Audit: AuditConfig{
			Schedule: getEnv("AUDIT_SCHEDULE", "@every 15m"),
			Repair:   getEnvBool("AUDIT_REPAIR", false),
		},
		Outbox: OutboxConfig{
			Schedule:  getEnv("OUTBOX_SCHEDULE", "@every 5s"),
			BatchSize: getEnvInt("OUTBOX_BATCH", 100),
		},
		Tasks: TaskConfig{
			Timeout:       getEnvDuration("TASK_TIMEOUT", 0),
			AgingSchedule: getEnv("TASK_AGING_SCHEDULE", "@every 10m"),
		},
		Directory: DirectoryConfig{
			Scope: strings.ToLower(getEnv("DIRECTORY_SCOPE", ScopeHierarchy)),
		},
		SeedFile: getEnv("SEED_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be defaulted safely.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE %q (want postgres or memory)", c.Store)
	}
	switch c.Directory.Scope {
	case ScopeHierarchy, ScopeFlat:
	default:
		return fmt.Errorf("unsupported DIRECTORY_SCOPE %q (want hierarchy or flat)", c.Directory.Scope)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.Server.Port)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid GRPC_PORT %d", c.Server.GRPCPort)
	}
	if c.Server.Port == c.Server.GRPCPort {
		return fmt.Errorf("HTTP_PORT and GRPC_PORT must differ")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("invalid OUTBOX_BATCH %d", c.Outbox.BatchSize)
	}
	if c.Tasks.Timeout < 0 {
		return fmt.Errorf("invalid TASK_TIMEOUT %s", c.Tasks.Timeout)
	}
	return nil
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
