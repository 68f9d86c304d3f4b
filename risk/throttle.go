package risk

import (
	"context"
	"math"
	"time"

	"position-guard-go/gateway"
	"position-guard-go/infrastructure/monitor"
)

// maxBackoff 限流退避上限。
const maxBackoff = 2 * time.Second

// Backoff 返回第 attempt 次失败后的等待：min(base*2^(attempt-1), 2s)。
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}

// mutator 包装修改保护单的调用：限流时指数退避重试，成功后固定节流。
type mutator struct {
	clock      Clock
	delay      time.Duration
	maxRetries int
	mon        *monitor.Monitor
}

// call 返回响应与实际尝试次数；非限流错误立即返回。
func (m mutator) call(ctx context.Context, fn func(context.Context) (gateway.RawResponse, error)) (gateway.RawResponse, int, error) {
	maxRetries := m.maxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	for attempt := 1; ; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			err = gateway.CheckResponse(resp)
		}
		if err == nil || gateway.IsIgnorable(err) {
			m.clock.Sleep(m.delay)
			return resp, attempt, nil
		}
		if !gateway.IsRateLimit(err) || attempt >= maxRetries {
			return resp, attempt, err
		}
		m.mon.RecordRateLimitRetry()
		m.clock.Sleep(Backoff(m.delay, attempt))
	}
}
