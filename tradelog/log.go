package tradelog

import "position-guard-go/infrastructure/logger"

// LogRecorder 把事件写入结构化日志。
type LogRecorder struct {
	Logger *logger.Logger
}

func (r LogRecorder) Record(e Event) error {
	if r.Logger == nil {
		return nil
	}
	r.Logger.LogOrder(string(e.Kind), e.OrderID, e.Fields())
	return nil
}
