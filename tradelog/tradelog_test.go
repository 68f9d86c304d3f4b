package tradelog

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func placed() Event {
	return Event{
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Kind:       KindPlaced,
		Symbol:     "BTCUSDT",
		Side:       "long",
		Qty:        0.012,
		Price:      50000,
		StopLoss:   49750,
		TakeProfit: 50500,
		OrderID:    "1001",
		LinkID:     "pg-1",
		Mode:       ModeLive,
	}
}

func TestCSVRecorderWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trades.csv")
	r := NewCSVRecorder(path)
	require.NoError(t, r.Record(placed()))
	e := placed()
	e.Kind = KindFilled
	require.NoError(t, r.Record(e))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "order_placed", rows[1][1])
	assert.Equal(t, "0.012", rows[1][4])
	assert.Equal(t, "order_filled", rows[2][1])
	assert.Equal(t, "LIVE", rows[2][10])
}

func TestCSVRecorderRejectsIncompleteEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	e := placed()
	e.OrderID = ""
	assert.Error(t, NewCSVRecorder(path).Record(e))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCSVRecorderAcceptsDryEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	e := Event{Timestamp: time.Now(), Kind: KindPlaced, Symbol: "BTCUSDT", Side: "buy", Mode: ModeDry, Extra: "DRY_RUN=1"}
	require.NoError(t, NewCSVRecorder(path).Record(e))

	e.Mode = ModeLive
	assert.Error(t, e.Validate())
}

func TestMultiJoinsErrors(t *testing.T) {
	mem := &Memory{}
	failing := RecorderFunc(func(Event) error { return errors.New("disk full") })
	err := Multi{failing, mem, nil}.Record(placed())
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, []Kind{KindPlaced}, mem.Kinds())
}

func TestErrorEventNeedsExtra(t *testing.T) {
	e := Event{Timestamp: time.Now(), Kind: KindError, Symbol: "BTCUSDT", Side: "short", Mode: ModeLive}
	assert.Error(t, e.Validate())
	e.Extra = "10001 invalid request"
	assert.NoError(t, e.Validate())
}
