package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/worktime-engine/config"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse()

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Database.TxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Redis.CalendarTTL)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.AMQP.URL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SERVER_ADDR", ":9000")
	t.Setenv("DATABASE_DRIVER", "pgx")
	t.Setenv("DATABASE_DSN", "postgres://worktime@db/worktime")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("ENGINE_DISPATCH_BACKOFF", "500ms")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := config.Parse()

	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://worktime@db/worktime", cfg.Database.DSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.DispatchBackoff)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"driver", "DATABASE_DRIVER", "mysql"},
		{"log format", "LOG_FORMAT", "xml"},
		{"attempts", "ENGINE_DISPATCH_ATTEMPTS", "0"},
		{"duration", "SERVER_READ_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := config.Parse()
			assert.Error(t, err)
		})
	}
}
