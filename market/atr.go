package market

import "math"

// TrueRange 计算第 i 根K线（i>=1）的真实波幅：
// max(high-low, |high-prevClose|, |low-prevClose|)。
func TrueRange(cur Kline, prevClose float64) float64 {
	return math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prevClose), math.Abs(cur.Low-prevClose)))
}

// TrueRanges 返回窗口内从第二根开始的TR序列，长度为 len(w)-1。
func TrueRanges(w Window) []float64 {
	if len(w) < 2 {
		return nil
	}
	out := make([]float64, 0, len(w)-1)
	for i := 1; i < len(w); i++ {
		out = append(out, TrueRange(w[i], w[i-1].Close))
	}
	return out
}

// ComputeATR 返回 (atr, lastClose)。
//
// ATR 为最近 period 个TR的简单平均（Wilder TR + SMA，不做指数平滑）。
// 数据不足 period+1 根时返回 (0, lastClose)，调用方应把 atr==0 视为"数据不足"。
func ComputeATR(w Window, period int) (float64, float64) {
	last := w.LastClose()
	if period <= 0 || len(w) < period+1 {
		return 0, last
	}
	trs := TrueRanges(w)
	tail := trs[len(trs)-period:]
	sum := 0.0
	for _, tr := range tail {
		sum += tr
	}
	return sum / float64(period), last
}

// ATRLimit 返回计算 period 周期ATR时建议拉取的K线数量。
func ATRLimit(period int) int {
	if period+1 > 100 {
		return period + 1
	}
	return 100
}
