package config

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CASHBACK_JWT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.App.IsDev())
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, DBDriverMemory, cfg.DB.Driver)
	assert.Equal(t, NotifyProviderLog, cfg.Notify.Provider)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, time.Minute, cfg.Scheduler.DashboardInterval)

	p, err := cfg.ProgramSettings()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.05").Equal(p.Rate))
	assert.True(t, decimal.RequireFromString("1").Equal(p.MinimumRedemption))
	assert.Equal(t, 10*time.Second, p.DuplicateWindow)
	assert.Equal(t, 15*time.Second, p.GeofenceTimeout)
	assert.Equal(t, "America/Sao_Paulo", p.Location.String())
}

func TestLoad_Overrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("CASHBACK_APP_ENV", "prod")
	t.Setenv("CASHBACK_DB_DRIVER", "postgres")
	t.Setenv("CASHBACK_DB_DSN", "postgres://u:p@localhost:5432/cashback?sslmode=disable")
	t.Setenv("CASHBACK_PROGRAM_RATE", "0.1")
	t.Setenv("CASHBACK_HTTP_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("CASHBACK_ARGON_PARALLELISM", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.App.IsProd())
	assert.Equal(t, DBDriverPostgres, cfg.DB.Driver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, uint8(4), cfg.Password.ArgonParams().Parallelism)
	assert.Equal(t, "secret", cfg.JWT.TokenConfig().Secret)

	p, err := cfg.ProgramSettings()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.1").Equal(p.Rate))
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing jwt secret", map[string]string{"CASHBACK_JWT_SECRET": ""}},
		{"sqlite without dsn", map[string]string{"CASHBACK_DB_DRIVER": "sqlite"}},
		{"unknown driver", map[string]string{"CASHBACK_DB_DRIVER": "mongo"}},
		{"twilio without credentials", map[string]string{"CASHBACK_NOTIFY_PROVIDER": "twilio"}},
		{"bad rate", map[string]string{"CASHBACK_PROGRAM_RATE": "abc"}},
		{"rate above one", map[string]string{"CASHBACK_PROGRAM_RATE": "1.5"}},
		{"bad timezone", map[string]string{"CASHBACK_TIMEZONE": "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setMinimalEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
