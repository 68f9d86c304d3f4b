package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestFileOutputCreatesDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "guard.log")
	l, err := New(Config{Level: "info", Outputs: []string{"file"}, OutputFile: path, Format: "json"})
	require.NoError(t, err)
	l.LogOrder("order_placed", "1001", map[string]interface{}{"symbol": "BTCUSDT"})
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"order_id":"1001"`))
	assert.True(t, strings.Contains(string(raw), `"event":"order_placed"`))
}

func TestDomainHelpers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Wrap(zap.New(core))

	l.LogProtect("trailing_armed", map[string]interface{}{"symbol": "ETHUSDT"})
	l.LogRisk("recorder_failed", nil)
	l.LogError(errors.New("boom"), map[string]interface{}{"action": "fetch"})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "protect_event", entries[0].Message)
	assert.Equal(t, "trailing_armed", entries[0].ContextMap()["event"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
}
