package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the full service configuration, read from the environment with
// optional .env overrides for local development.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	NATS      NATSConfig
	FreeAgent FreeAgentConfig
}

type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" env-default:"be-purchase-orders"`
	Version     string `env:"SERVICE_VERSION" env-default:"dev"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`
}

type ServerConfig struct {
	Port            int           `env:"PORT" env-default:"8086"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

type DatabaseConfig struct {
	Host        string        `env:"DB_HOST" env-default:"localhost"`
	Port        int           `env:"DB_PORT" env-default:"5432"`
	User        string        `env:"DB_USER" env-default:"postgres"`
	Password    string        `env:"DB_PASSWORD" env-default:"postgres"`
	Database    string        `env:"DB_NAME" env-default:"purchase_orders"`
	SSLMode     string        `env:"DB_SSLMODE" env-default:"disable"`
	MaxConns    int32         `env:"DB_MAX_CONNS" env-default:"10"`
	MinConns    int32         `env:"DB_MIN_CONNS" env-default:"2"`
	MaxConnTime time.Duration `env:"DB_MAX_CONN_LIFETIME" env-default:"1h"`
	MaxIdleTime time.Duration `env:"DB_MAX_IDLE_TIME" env-default:"30m"`
}

type NATSConfig struct {
	URL     string `env:"NATS_URL" env-default:"nats://localhost:4222"`
	Enabled bool   `env:"NATS_ENABLED" env-default:"true"`
}

// FreeAgentConfig carries the OAuth application credentials used to refresh
// per-organization tokens plus the API endpoints.
type FreeAgentConfig struct {
	ClientID     string `env:"FREEAGENT_CLIENT_ID"`
	ClientSecret string `env:"FREEAGENT_CLIENT_SECRET"`
	BaseURL      string `env:"FREEAGENT_BASE_URL" env-default:"https://api.freeagent.com/v2"`
	TokenURL     string `env:"FREEAGENT_TOKEN_URL" env-default:"https://api.freeagent.com/v2/token_endpoint"`
}

// Load reads configuration from a .env file (when present) and the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
