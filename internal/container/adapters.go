package container

import (
	"context"
	"time"

	"go.uber.org/zap"

	"position-guard-go/config"
	"position-guard-go/gateway"
	"position-guard-go/infrastructure/logger"
	"position-guard-go/infrastructure/monitor"
	"position-guard-go/market"
	"position-guard-go/order"
)

// instrumentedExchange 为每次 REST 调用记录请求数、延迟与错误分类。
type instrumentedExchange struct {
	next    gateway.Exchange
	logger  *logger.Logger
	monitor *monitor.Monitor
}

var _ gateway.Exchange = (*instrumentedExchange)(nil)

func observe[T any](a *instrumentedExchange, action, symbol string, fn func() (T, error)) (T, error) {
	start := time.Now()
	a.monitor.RecordRESTRequest(action)
	v, err := fn()
	a.monitor.RecordRESTLatency(action, time.Since(start).Seconds())
	if err != nil {
		class := gateway.Classify(err)
		a.monitor.RecordRESTError(action, class.String())
		if class != gateway.ClassIgnorable {
			a.logger.LogError(err, map[string]interface{}{
				"action": action,
				"symbol": symbol,
				"class":  class.String(),
			})
		}
	}
	return v, err
}

func (a *instrumentedExchange) FetchBalance(ctx context.Context) (gateway.Balance, error) {
	return observe(a, "fetch_balance", "", func() (gateway.Balance, error) { return a.next.FetchBalance(ctx) })
}

func (a *instrumentedExchange) FetchTicker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	return observe(a, "fetch_ticker", symbol, func() (gateway.Ticker, error) { return a.next.FetchTicker(ctx, symbol) })
}

func (a *instrumentedExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (market.Window, error) {
	return observe(a, "fetch_ohlcv", symbol, func() (market.Window, error) {
		return a.next.FetchOHLCV(ctx, symbol, timeframe, limit)
	})
}

func (a *instrumentedExchange) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderHandle, error) {
	return observe(a, "create_order", req.Symbol, func() (gateway.OrderHandle, error) { return a.next.CreateOrder(ctx, req) })
}

func (a *instrumentedExchange) FetchOrder(ctx context.Context, id, symbol string) (gateway.OrderHandle, error) {
	return observe(a, "fetch_order", symbol, func() (gateway.OrderHandle, error) { return a.next.FetchOrder(ctx, id, symbol) })
}

func (a *instrumentedExchange) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	_, err := observe(a, "set_leverage", symbol, func() (struct{}, error) {
		return struct{}{}, a.next.SetLeverage(ctx, leverage, symbol)
	})
	return err
}

// 精度换算走本地缓存，不计入 REST 指标
func (a *instrumentedExchange) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	return a.next.PriceToPrecision(ctx, symbol, price)
}

func (a *instrumentedExchange) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	return a.next.AmountToPrecision(ctx, symbol, amount)
}

func (a *instrumentedExchange) SetTrailingStop(ctx context.Context, req gateway.TrailingStopRequest) (gateway.RawResponse, error) {
	return observe(a, "set_trailing_stop", req.Symbol, func() (gateway.RawResponse, error) {
		return a.next.SetTrailingStop(ctx, req)
	})
}

func (a *instrumentedExchange) SetStopLossOnly(ctx context.Context, req gateway.StopLossRequest) (gateway.RawResponse, error) {
	return observe(a, "set_stop_loss", req.Symbol, func() (gateway.RawResponse, error) {
		return a.next.SetStopLossOnly(ctx, req)
	})
}

func (a *instrumentedExchange) GetLiveProtectiveState(ctx context.Context, symbol string) (gateway.RawResponse, error) {
	return observe(a, "position_list", symbol, func() (gateway.RawResponse, error) {
		return a.next.GetLiveProtectiveState(ctx, symbol)
	})
}

// instrumentLookup 由 BybitRESTClient 实现，结果按会话缓存。
type instrumentLookup interface {
	Instrument(ctx context.Context, symbol string) (gateway.InstrumentInfo, error)
}

// instrumentRules 把交易所元数据转换为开仓使用的规则。
type instrumentRules struct {
	lookup instrumentLookup
}

func (r instrumentRules) Rule(ctx context.Context, symbol string) (order.InstrumentRule, error) {
	info, err := r.lookup.Instrument(ctx, symbol)
	if err != nil {
		return order.InstrumentRule{}, err
	}
	rule := order.InstrumentRule{
		QtyStep:     info.QtyStep,
		MinOrderQty: info.MinOrderQty,
		MaxOrderQty: info.MaxOrderQty,
		TickSize:    info.TickSize,
		MinNotional: info.MinNotional,
	}
	return rule, nil
}

// overriddenSource 热更新后重新套用命令行覆盖（例如 -dryRun 不能被配置文件关掉）。
type overriddenSource struct {
	src interface {
		Pending() (config.AppConfig, bool)
	}
	overrides []Override
	logger    *logger.Logger
}

func (o *overriddenSource) Pending() (config.AppConfig, bool) {
	cfg, ok := o.src.Pending()
	if !ok {
		return cfg, false
	}
	for _, fn := range o.overrides {
		fn(&cfg)
	}
	if err := config.Validate(cfg); err != nil {
		o.logger.Warn("reloaded config rejected", zap.Error(err))
		return config.AppConfig{}, false
	}
	if err := config.RequireCredentials(cfg); err != nil {
		o.logger.Warn("reloaded config rejected", zap.Error(err))
		return config.AppConfig{}, false
	}
	return cfg, true
}
