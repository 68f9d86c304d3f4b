package market

import "time"

// Kline represents one OHLCV candle.
type Kline struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Window 按时间升序排列的K线序列，默认无缺口。
type Window []Kline

// LastClose 返回最后一根K线的收盘价，空窗口返回 0。
func (w Window) LastClose() float64 {
	if len(w) == 0 {
		return 0
	}
	return w[len(w)-1].Close
}

// Ascending 检查时间戳是否严格递增。
func (w Window) Ascending() bool {
	for i := 1; i < len(w); i++ {
		if !w[i].Ts.After(w[i-1].Ts) {
			return false
		}
	}
	return true
}
