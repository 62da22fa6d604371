// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 4, cfg.Scheduler.MaxParallelActions)
	assert.Equal(t, 200, cfg.Scheduler.StepBudget)
	assert.Equal(t, "in-memory", cfg.Graph.Type)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.PlannerModel)
	assert.False(t, cfg.Intervention.Enabled)
	assert.True(t, cfg.Intervention.AutoApprove)
}

func TestConfigValidation(t *testing.T) {
	t.Run("valid default config passes", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate())
	})

	t.Run("rejects non-positive parallelism", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Scheduler.MaxParallelActions = 0
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive step budget", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Scheduler.StepBudget = -1
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects postgres graph without host", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Graph.Type = "postgres"
		cfg.Graph.Postgres.Host = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects intervention without signing key when HITL enabled", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Intervention.Enabled = true
		cfg.Intervention.AutoApprove = false
		cfg.Intervention.JWTSigningKey = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects report enabled without repo coordinates", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Report.Enabled = true
		require.Error(t, cfg.Validate())
	})
}

func TestNewConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("scheduler.max_parallel_actions", 8)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.MaxParallelActions)
}

func TestPostgresConfigDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "d", SSLMode: "disable"}
	dsn := p.DSN()
	assert.Contains(t, dsn, "host=db")
	assert.Contains(t, dsn, "dbname=d")
}

func TestLoggerConfigDefaultsRotation(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, 100, cfg.Logger.MaxSize)
	assert.Equal(t, 5, cfg.Logger.MaxBackups)
	assert.True(t, cfg.Logger.Compress)
	_ = time.Second
}
