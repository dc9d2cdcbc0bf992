package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/aml-engine/pkg/models"
)

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

// writeFixture records a 1 -> 2 -> 3 chain.
func writeFixture(t *testing.T) string {
	t.Helper()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var transfers []models.Transfer
	for i, hop := range [][2]int{{1, 2}, {1, 2}, {2, 3}, {2, 3}} {
		transfers = append(transfers, models.Transfer{
			Hash:        fmt.Sprintf("0x%064x", i+1),
			From:        addr(hop[0]),
			To:          addr(hop[1]),
			Value:       decimal.NewFromInt(int64(5 - i)),
			Timestamp:   t0.Add(time.Duration(i) * time.Minute),
			BlockNumber: uint64(10 + i),
		})
	}
	data, err := json.Marshal(transfers)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "transfers.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "NEO4J_URI", "REDIS_URL", "KAFKA_BROKERS", "TAINT_SEEDS", "ETH_RPC_URL"} {
		t.Setenv(key, "")
	}
	color.NoColor = true

	var out bytes.Buffer
	root := RootCmd("test")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "missing.env"), "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestAnalyzeFromFixture(t *testing.T) {
	fixture := writeFixture(t)

	out, err := run(t, "--fixture", fixture, "analyze", addr(2))
	require.NoError(t, err)
	assert.Contains(t, out, "4 transfers ingested")
	assert.Contains(t, out, addr(2))
	assert.Contains(t, out, "risk")
}

func TestIngestRejectsMalformedAddress(t *testing.T) {
	_, err := run(t, "--fixture", writeFixture(t), "ingest", "0x12")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidAddress)
}

func TestCrawlFromFixture(t *testing.T) {
	out, err := run(t, "--fixture", writeFixture(t),
		"crawl", "--seed", addr(1), "--depth", "2", "--min-risk", "0", "--delay-ms", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "[completed]")
	assert.Contains(t, out, `"addressesAnalyzed"`)
}

func TestCrawlRequiresSeed(t *testing.T) {
	_, err := run(t, "--fixture", writeFixture(t), "crawl")
	require.Error(t, err)
}

func TestExpandFromFixture(t *testing.T) {
	out, err := run(t, "--fixture", writeFixture(t), "expand", addr(1), "--trigger", "0", "--delay-ms", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "[completed]")
	assert.Contains(t, out, addr(2))
}
