package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	os.Unsetenv("SERVER_PORT")
	os.Unsetenv("DATABASE_PATH")
	os.Unsetenv("SWEEPER_CHECK_INTERVAL")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/rental-meter.db", cfg.Database.Path)
	assert.Equal(t, "USD", cfg.Billing.DefaultCurrency)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Sweeper.CheckInterval)
	assert.Equal(t, time.Minute, cfg.Tariff.CacheTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnv_WithEnvVars(t *testing.T) {
	os.Setenv("SERVER_PORT", "9090")
	os.Setenv("DATABASE_PATH", "/tmp/meter-test.db")
	os.Setenv("LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("DATABASE_PATH")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/meter-test.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfig_Validate(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_BadPort(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_MissingDatabasePath(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	cfg.Database.Path = ""
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_SweeperInterval(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	cfg.Sweeper.CheckInterval = 0
	assert.Error(t, cfg.Validate())

	cfg.Sweeper.Enabled = false
	assert.NoError(t, cfg.Validate())
}
