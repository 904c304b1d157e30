package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jassus213/go-admission/config"
	"github.com/jassus213/go-admission/monitor"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, config.LogZap, cfg.Log.Backend)
	assert.Equal(t, 300*time.Millisecond, cfg.Controller.StoreTimeout)
	assert.Equal(t, 3, cfg.Controller.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Monitor.Lookback)
	assert.Equal(t, monitor.DefaultThresholds(), cfg.Monitor.Thresholds())
	assert.False(t, cfg.Alerts.PostmarkEnabled())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("ADMISSION_STORE_BACKEND", "redis")
	t.Setenv("ADMISSION_STORE_REDIS_ADDRS", "r1:6379,r2:6379")
	t.Setenv("ADMISSION_STORE_TIMEOUT", "150ms")
	t.Setenv("ADMISSION_MAX_ATTEMPTS", "5")
	t.Setenv("ADMISSION_LOG_BACKEND", "zerolog")
	t.Setenv("ADMISSION_MONITOR_INTERVAL", "1m")
	t.Setenv("ADMISSION_MONITOR_TOTAL_VIOLATIONS", "10")
	t.Setenv("ADMISSION_ALERT_POSTMARK_SERVER_TOKEN", "token")
	t.Setenv("ADMISSION_ALERT_POSTMARK_FROM", "alerts@example.com")
	t.Setenv("ADMISSION_ALERT_POSTMARK_TO", "a@example.com,b@example.com")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.BackendRedis, cfg.Store.Backend)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Store.RedisAddrs)
	assert.Equal(t, 150*time.Millisecond, cfg.Controller.StoreTimeout)
	assert.Equal(t, 5, cfg.Controller.MaxAttempts)
	assert.Equal(t, config.LogZerolog, cfg.Log.Backend)
	assert.Equal(t, time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, int64(10), cfg.Monitor.Thresholds().TotalViolations)

	require.True(t, cfg.Alerts.PostmarkEnabled())
	pm := cfg.Alerts.Postmark()
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, pm.To)
	assert.Equal(t, "abuse-alert", pm.Tag)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"ADMISSION_STORE_BACKEND=postgres\nADMISSION_STORE_POSTGRES_DSN=postgres://u:p@db:5432/admission\n",
	), 0o600))

	// godotenv never overrides variables that are already set.
	t.Setenv("ADMISSION_STORE_BACKEND", "")
	require.NoError(t, os.Unsetenv("ADMISSION_STORE_BACKEND"))
	t.Setenv("ADMISSION_STORE_POSTGRES_DSN", "")
	require.NoError(t, os.Unsetenv("ADMISSION_STORE_POSTGRES_DSN"))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.BackendPostgres, cfg.Store.Backend)
	pg := cfg.Store.Postgres()
	assert.Equal(t, "postgres://u:p@db:5432/admission", pg.DSN)
	assert.True(t, pg.MigrateOnStart)
	assert.Equal(t, int32(25), pg.MaxConns)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown store backend", env: map[string]string{"ADMISSION_STORE_BACKEND": "cassandra"}},
		{name: "postgres without dsn", env: map[string]string{"ADMISSION_STORE_BACKEND": "postgres"}},
		{name: "unknown log backend", env: map[string]string{"ADMISSION_LOG_BACKEND": "printf"}},
		{name: "zero attempts", env: map[string]string{"ADMISSION_MAX_ATTEMPTS": "0"}},
		{name: "postmark without recipients", env: map[string]string{
			"ADMISSION_ALERT_POSTMARK_SERVER_TOKEN": "token",
			"ADMISSION_ALERT_POSTMARK_FROM":         "alerts@example.com",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}

	assert.Panics(t, func() {
		t.Setenv("ADMISSION_STORE_BACKEND", "cassandra")
		config.MustLoad()
	})
}
