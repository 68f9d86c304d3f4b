package engine

import (
	"context"

	"position-guard-go/gateway"
	"position-guard-go/order"
)

// SignalSource 给出交易对的入场方向；false 表示本轮不开仓。
// 方向预测器在进程外，这里只定义接口。
type SignalSource interface {
	Signal(ctx context.Context, symbol string) (order.Side, bool, error)
}

// SignalFunc 函数适配器
type SignalFunc func(ctx context.Context, symbol string) (order.Side, bool, error)

func (f SignalFunc) Signal(ctx context.Context, symbol string) (order.Side, bool, error) {
	return f(ctx, symbol)
}

// StaticSignal 固定方向，来自 PAIR_SIDES 配置；未配置的交易对只做保护不开仓。
type StaticSignal map[string]order.Side

// NewStaticSignal 解析 symbol→side，例如 {"BTCUSDT": "long"}。
func NewStaticSignal(sides map[string]string) (StaticSignal, error) {
	out := make(StaticSignal, len(sides))
	for sym, s := range sides {
		side, err := order.ParseSide(s)
		if err != nil {
			return nil, err
		}
		out[gateway.NormalizeSymbol(sym)] = side
	}
	return out, nil
}

func (s StaticSignal) Signal(_ context.Context, symbol string) (order.Side, bool, error) {
	side, ok := s[gateway.NormalizeSymbol(symbol)]
	return side, ok, nil
}
