// Package config loads process configuration from the environment.
//
// Variables are grouped by prefix (SERVER_, DATABASE_, REDIS_, AMQP_, LOG_,
// ENGINE_). A .env file in the working directory is read first when
// present; variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	Server struct {
		Addr            string        `env:"ADDR" envDefault:":8080"`
		ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
		AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:5173,http://localhost:8080"`
	} `envPrefix:"SERVER_"`

	Database struct {
		Driver          string        `env:"DRIVER" envDefault:"sqlite3"`
		DSN             string        `env:"DSN" envDefault:"worktime.db"`
		MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
		MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"10"`
		ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
		TxRetries       int           `env:"TX_RETRIES" envDefault:"3"`
	} `envPrefix:"DATABASE_"`

	// Redis caches the production calendar. An empty Addr disables it.
	Redis struct {
		Addr        string        `env:"ADDR"`
		Password    string        `env:"PASSWORD"`
		DB          int           `env:"DB" envDefault:"0"`
		CalendarTTL time.Duration `env:"CALENDAR_TTL" envDefault:"24h"`
	} `envPrefix:"REDIS_"`

	// AMQP publishes domain events. An empty URL disables it.
	AMQP struct {
		URL            string        `env:"URL"`
		Exchange       string        `env:"EXCHANGE" envDefault:"worktime.events"`
		PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"10s"`
	} `envPrefix:"AMQP_"`

	Log struct {
		Level  string `env:"LEVEL" envDefault:"info"`
		Format string `env:"FORMAT" envDefault:"json"`
	} `envPrefix:"LOG_"`

	Engine struct {
		DispatchAttempts int           `env:"DISPATCH_ATTEMPTS" envDefault:"5"`
		DispatchBackoff  time.Duration `env:"DISPATCH_BACKOFF" envDefault:"2s"`
		RetryInterval    time.Duration `env:"RETRY_INTERVAL" envDefault:"10s"`
		ReferenceData    string        `env:"REFERENCE_DATA"`
		RelinkInterval   time.Duration `env:"RELINK_INTERVAL" envDefault:"1h"`
		RelinkDays       int           `env:"RELINK_DAYS" envDefault:"2"`
	} `envPrefix:"ENGINE_"`
}

// Load reads .env (if any) and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		var aggErr env.AggregateError
		if errors.As(err, &aggErr) && len(aggErr.Errors) > 0 {
			return nil, aggErr.Errors[0]
		}
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite3 or pgx, got %q", c.Database.Driver)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format)
	}
	if c.Engine.DispatchAttempts < 1 {
		return fmt.Errorf("ENGINE_DISPATCH_ATTEMPTS must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Environment == "production" }
