package alert

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// LogChannel 把告警写入结构化日志。
type LogChannel struct {
	log  *zap.Logger
	name string
}

func NewLogChannel(name string, log *zap.Logger) *LogChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogChannel{log: log.With(zap.String("channel", name)), name: name}
}

func (c *LogChannel) Send(a Alert) error {
	fields := make([]zap.Field, 0, len(a.Fields)+3)
	fields = append(fields,
		zap.String("level", a.Level),
		zap.String("symbol", a.Symbol),
		zap.Time("ts", a.Timestamp))
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch a.Level {
	case LevelWarning:
		c.log.Warn(a.Message, fields...)
	default:
		c.log.Error(a.Message, fields...)
	}
	return nil
}

func (c *LogChannel) Name() string { return c.name }

// MemoryChannel 记录收到的告警（测试用）。
type MemoryChannel struct {
	name   string
	fail   bool
	alerts []Alert
	mu     sync.Mutex
}

func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{name: name}
}

func (c *MemoryChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("memory channel failure")
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *MemoryChannel) Name() string { return c.name }

// SetFail 让后续 Send 返回错误。
func (c *MemoryChannel) SetFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

// Alerts 返回已收到告警的副本。
func (c *MemoryChannel) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}
