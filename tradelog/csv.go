package tradelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{"ts", "event", "symbol", "side", "qty", "price", "sl", "tp", "order_id", "link_id", "mode", "extra"}

// CSVRecorder 追加写入 trades.csv；文件不存在时先写表头。
type CSVRecorder struct {
	Path string
	mu   sync.Mutex
}

func NewCSVRecorder(path string) *CSVRecorder {
	return &CSVRecorder{Path: path}
}

func (r *CSVRecorder) Record(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if dir := filepath.Dir(r.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("trade log dir: %w", err)
		}
	}
	writeHeader := false
	if st, err := os.Stat(r.Path); err != nil || st.Size() == 0 {
		writeHeader = true
	}
	f, err := os.OpenFile(r.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write(row(e)); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func row(e Event) []string {
	num := func(v float64) string {
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Kind),
		e.Symbol,
		e.Side,
		num(e.Qty),
		num(e.Price),
		num(e.StopLoss),
		num(e.TakeProfit),
		e.OrderID,
		e.LinkID,
		string(e.Mode),
		e.Extra,
	}
}
