package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "5339", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5.0, cfg.ProviderRPS)
	assert.Equal(t, 200*time.Millisecond, cfg.IngestMinDelay)
	assert.Equal(t, 4, cfg.IngestMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.IngestMaxDelay)
	assert.Equal(t, time.Hour, cfg.AlertDedupWindow)
	assert.Equal(t, 20.0, cfg.AlertMinScore)
	assert.Equal(t, int64(1), cfg.EtherscanChainID)
	assert.Equal(t, 10*time.Minute, cfg.RedisTTL)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadEnvFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"PORT=8080\nTAINT_SEEDS=0xaa, 0xbb ,\nKAFKA_BROKERS=k1:9092,k2:9092\nINGEST_MIN_DELAY=1s\n",
	), 0o600))
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port, "environment wins over the file")
	assert.Equal(t, []string{"0xaa", "0xbb"}, cfg.TaintSeeds)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Second, cfg.IngestMinDelay)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PROVIDER_RPS", "0")
	_, err := Load("")
	assert.ErrorContains(t, err, "PROVIDER_RPS")
}
