package gateway

import (
	"sync"
	"time"
)

// RateLimiter 在每次 REST 调用前阻塞，使请求速率保持在交易所稳态限额以内。
type RateLimiter interface {
	Wait()
}

// TokenBucketLimiter 令牌桶；rate 为每秒令牌数，burst 为桶容量。
type TokenBucketLimiter struct {
	rate   float64
	burst  int
	tokens float64
	last   time.Time
	mu     sync.Mutex

	now   func() time.Time
	sleep func(time.Duration)
}

func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	l := &TokenBucketLimiter{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		now:    time.Now,
		sleep:  time.Sleep,
	}
	l.last = l.now()
	return l
}

// NewIntervalLimiter 按最小间隔限速，例如 0.4s 对应约 2.5 rps，突发为 1。
func NewIntervalLimiter(interval time.Duration) *TokenBucketLimiter {
	if interval <= 0 {
		return NewTokenBucketLimiter(1000, 1000)
	}
	return NewTokenBucketLimiter(float64(time.Second)/float64(interval), 1)
}

func (l *TokenBucketLimiter) Wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	if l.tokens >= 1 {
		l.tokens--
		return
	}
	wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	l.tokens = 0
	// 预支下一枚令牌的时间，释放锁期间其他调用者看到的是已扣减的桶
	l.last = now.Add(wait)
	l.mu.Unlock()
	l.sleep(wait)
	l.mu.Lock()
}
