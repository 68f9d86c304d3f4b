// Package tradelog records the terminal lifecycle events of entry orders.
package tradelog

import (
	"errors"
	"time"

	"position-guard-go/monitor/logschema"
)

// Kind 事件类型。
type Kind string

const (
	KindPlaced Kind = "order_placed"
	KindFilled Kind = "order_filled"
	KindError  Kind = "order_error"
)

// Mode 运行模式。
type Mode string

const (
	ModeLive Mode = "LIVE"
	ModeDry  Mode = "DRY"
)

// Event 扁平的交易事件记录，只追加。
type Event struct {
	Timestamp  time.Time
	Kind       Kind
	Symbol     string
	Side       string
	Qty        float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	OrderID    string
	LinkID     string
	Mode       Mode
	Extra      string
}

// Fields 转成日志字段；空字符串字段省略，便于 schema 校验缺失。
func (e Event) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"ts":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"symbol": e.Symbol,
		"side":   e.Side,
		"qty":    e.Qty,
		"price":  e.Price,
		"sl":     e.StopLoss,
		"tp":     e.TakeProfit,
		"mode":   string(e.Mode),
	}
	if e.OrderID != "" {
		f["order_id"] = e.OrderID
	}
	if e.LinkID != "" {
		f["link_id"] = e.LinkID
	}
	if e.Extra != "" {
		f["extra"] = e.Extra
	}
	return f
}

// Validate 按事件 schema 检查必填字段。
func (e Event) Validate() error {
	return logschema.Validate(string(e.Kind), e.Fields())
}

// Recorder 事件记录器；失败不应影响调用方的交易流程。
type Recorder interface {
	Record(e Event) error
}

// RecorderFunc 适配普通函数。
type RecorderFunc func(e Event) error

func (f RecorderFunc) Record(e Event) error { return f(e) }

// Multi 依次写入所有记录器，汇总错误。
type Multi []Recorder

func (m Multi) Record(e Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory 内存记录器，测试与 dry 运行使用。
type Memory struct {
	Events []Event
}

func (m *Memory) Record(e Event) error {
	m.Events = append(m.Events, e)
	return nil
}

// Kinds 返回已记录事件的类型序列。
func (m *Memory) Kinds() []Kind {
	out := make([]Kind, 0, len(m.Events))
	for _, e := range m.Events {
		out = append(out, e.Kind)
	}
	return out
}
