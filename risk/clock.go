package risk

import "time"

// Clock 抽象时间便于测试。
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now().UTC() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock 默认使用 UTC 时间与真实休眠。
var SystemClock Clock = realClock{}
