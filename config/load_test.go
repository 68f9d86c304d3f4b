package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.Sizing.RiskFraction)
	assert.Equal(t, 3, cfg.Sizing.Leverage)
	assert.Equal(t, "pct", cfg.Sizing.TPSLMode)
	assert.Equal(t, 14, cfg.Sizing.ATRPeriod)
	assert.Equal(t, "atr", cfg.Trailing.ActivationMode)
	assert.Equal(t, 0.75, cfg.Trailing.CallbackATRK)
	assert.Equal(t, 0.0005, cfg.Breakeven.OffsetPct)
	assert.Equal(t, 3, cfg.Loop.MaxRetries)
	assert.Equal(t, 20000, cfg.Gateway.RecvWindowMs)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Pairs)
	assert.Equal(t, "logs/trades.csv", cfg.Paths.TradeLog)
}

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	path := writeTempFile(t, "cfg.yaml", `
env: dev
pairs: [ETHUSDT, SOLUSDT]
sizing:
  leverage: 5
  tpslMode: atr
trailing:
  callbackAuto: true
loop:
  dryRun: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, cfg.Pairs)
	assert.Equal(t, 5, cfg.Sizing.Leverage)
	assert.Equal(t, "atr", cfg.Sizing.TPSLMode)
	assert.Equal(t, 0.2, cfg.Sizing.RiskFraction)
	assert.True(t, cfg.Trailing.CallbackAuto)
	assert.True(t, cfg.Loop.DryRun)
	assert.Equal(t, 8.0, cfg.Loop.FillTimeoutSec)
}

func TestLoadRejectsNonsense(t *testing.T) {
	for _, body := range []string{
		"sizing:\n  riskFraction: 1.5\n",
		"sizing:\n  leverage: 0\n",
		"trailing:\n  activationMode: fancy\n",
		"breakeven:\n  mode: never\n",
	} {
		_, err := Load(writeTempFile(t, "cfg.yaml", body))
		assert.Error(t, err, body)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvPriority(t *testing.T) {
	yamlPath := writeTempFile(t, "cfg.yaml", "sizing:\n  leverage: 5\n  riskFraction: 0.1\n")
	envPath := writeTempFile(t, ".env", "LEVERAGE=7\nRISK_FRACTION=0.3\nTS_CALLBACK_RATE_AUTO=1\nPAIR_SIDES=BTCUSDT:long,ETHUSDT:short\n")
	t.Setenv("LEVERAGE", "9")

	cfg, err := LoadWithEnvOverrides(yamlPath, envPath)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Sizing.Leverage)
	assert.Equal(t, 0.3, cfg.Sizing.RiskFraction)
	assert.True(t, cfg.Trailing.CallbackAuto)
	assert.Equal(t, map[string]string{"BTCUSDT": "long", "ETHUSDT": "short"}, cfg.PairSides)
}

func TestEnvMissingFileFallsBack(t *testing.T) {
	cfg, err := LoadWithEnvOverrides("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sizing.Leverage)
}

func TestEnvInvalidNumber(t *testing.T) {
	t.Setenv("ATR_PERIOD", "fourteen")
	_, err := LoadWithEnvOverrides("", "")
	assert.Error(t, err)
}

func TestEnvTestnetSwitchesURL(t *testing.T) {
	t.Setenv("BYBIT_TESTNET", "true")
	t.Setenv("PAIRS", "BTCUSDT, TONUSDT ,")
	cfg, err := LoadWithEnvOverrides("", "")
	require.NoError(t, err)
	assert.Equal(t, TestnetURL, cfg.Gateway.BaseURL)
	assert.Equal(t, []string{"BTCUSDT", "TONUSDT"}, cfg.Pairs)
}

func TestEnvProxyAndPausedPairs(t *testing.T) {
	t.Setenv("PROXY_URL", "http://127.0.0.1:3128")
	t.Setenv("PAUSED_PAIRS", "ETHUSDT,SOLUSDT")
	cfg, err := LoadWithEnvOverrides("", "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:3128", cfg.Gateway.ProxyURL)
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, cfg.PausedPairs)

	t.Setenv("PROXY_URL", "not a url")
	_, err = LoadWithEnvOverrides("", "")
	assert.Error(t, err)
}

func TestRequireCredentials(t *testing.T) {
	cfg := Default()
	assert.Error(t, RequireCredentials(cfg))
	cfg.Loop.DryRun = true
	assert.NoError(t, RequireCredentials(cfg))
	cfg.Loop.DryRun = false
	cfg.Gateway.APIKey, cfg.Gateway.APISecret = "k", "s"
	assert.NoError(t, RequireCredentials(cfg))
}

func TestParsePairSides(t *testing.T) {
	_, err := ParsePairSides("BTCUSDT")
	assert.Error(t, err)
	_, err = ParsePairSides("BTCUSDT:up")
	assert.Error(t, err)
}

func TestRuntimeParams(t *testing.T) {
	cfg := Default()
	entry := cfg.EntryParams()
	assert.Equal(t, 8*time.Second, entry.FillTimeout)
	assert.Equal(t, 500*time.Millisecond, entry.FillPollInterval)
	assert.Equal(t, "USDT", entry.QuoteAsset)

	tr := cfg.TrailingParams()
	assert.Equal(t, 400*time.Millisecond, tr.RateLimitDelay)
	assert.Equal(t, 3, tr.MaxRetries)
	assert.Equal(t, 0.001, tr.MinUpPct)

	be := cfg.BreakevenParams()
	assert.Equal(t, "atr", be.Mode)
	assert.Equal(t, 2*time.Second, cfg.SleepPerPair())
	assert.Equal(t, 30*time.Second, cfg.TickInterval())
}
