package gateway

import "strings"

// NormalizeSymbol 把 "BTC/USDT:USDT"、"btc/usdt"、"BTCUSDT" 统一成交易所 ID "BTCUSDT"。
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(symbol, " ", ""))
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(s, "/", "")
}

// kline interval 映射：ccxt 风格 timeframe -> Bybit interval。
var timeframeIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1M": "M",
}

// Interval 返回 timeframe 对应的 Bybit interval，未知值原样返回。
func Interval(timeframe string) string {
	if v, ok := timeframeIntervals[timeframe]; ok {
		return v
	}
	return timeframe
}
