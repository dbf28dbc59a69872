// Package config loads service settings from the environment. A .env file
// in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Catalog  CatalogConfig
	Gateway  GatewayConfig
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type ServerConfig struct {
	Port         string        `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"15s"`
}

// DatabaseConfig selects the Postgres store. An empty URL keeps everything
// in memory.
type DatabaseConfig struct {
	URL             string        `envconfig:"DATABASE_URL"`
	MaxOpenConns    int           `envconfig:"DATABASE_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"DATABASE_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DATABASE_CONN_MAX_LIFETIME" default:"1h"`
	AutoMigrate     bool          `envconfig:"DATABASE_AUTO_MIGRATE" default:"true"`
}

type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	GroupID string   `envconfig:"KAFKA_GROUP_ID" default:"commission-desk-relay"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type RedisConfig struct {
	URL              string        `envconfig:"REDIS_URL"`
	MessageRateLimit int64         `envconfig:"MESSAGE_RATE_LIMIT" default:"20"`
	MessageWindow    time.Duration `envconfig:"MESSAGE_RATE_WINDOW" default:"10s"`
}

type JWTConfig struct {
	Secret string `envconfig:"JWT_SECRET" required:"true"`
	Issuer string `envconfig:"JWT_ISSUER"`
}

type CatalogConfig struct {
	URL string `envconfig:"CATALOG_URL"`
}

type GatewayConfig struct {
	PersistTimeout time.Duration `envconfig:"GATEWAY_PERSIST_TIMEOUT" default:"5s"`
	SendBuffer     int           `envconfig:"GATEWAY_SEND_BUFFER" default:"256"`
	AllowedOrigins []string      `envconfig:"GATEWAY_ALLOWED_ORIGINS"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDatabase reads only the database settings, for tools that do not
// serve traffic.
func LoadDatabase() (*DatabaseConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg DatabaseConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.URL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("JWT_SECRET must not be blank")
	}
	if c.Gateway.PersistTimeout <= 0 {
		return fmt.Errorf("GATEWAY_PERSIST_TIMEOUT must be positive, got %s", c.Gateway.PersistTimeout)
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("GATEWAY_SEND_BUFFER must be positive, got %d", c.Gateway.SendBuffer)
	}
	if c.Redis.URL != "" && (c.Redis.MessageRateLimit <= 0 || c.Redis.MessageWindow <= 0) {
		return errors.New("MESSAGE_RATE_LIMIT and MESSAGE_RATE_WINDOW must be positive when REDIS_URL is set")
	}
	return nil
}
