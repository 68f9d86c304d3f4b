package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"position-guard-go/gateway"
	"position-guard-go/infrastructure/logger"
	"position-guard-go/infrastructure/monitor"
	"position-guard-go/market"
	"position-guard-go/tradelog"
)

// TP/SL 计算模式
const (
	TPSLModePct = "pct"
	TPSLModeATR = "atr"
)

// Config 开仓参数，单轮内只读。
type Config struct {
	QuoteAsset   string
	RiskFraction float64
	Leverage     int

	TPSLMode      string
	TakeProfitPct float64
	StopLossPct   float64
	ATRTimeframe  string
	ATRPeriod     int
	ATRSLK        float64
	ATRTPK        float64

	DryRun           bool
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	// MaxTransient 成交轮询容忍的错误次数，0 表示不限。
	MaxTransient int
}

// DefaultConfig 返回默认开仓参数。
func DefaultConfig() Config {
	return Config{
		QuoteAsset:       "USDT",
		RiskFraction:     0.2,
		Leverage:         3,
		TPSLMode:         TPSLModePct,
		TakeProfitPct:    0.01,
		StopLossPct:      0.005,
		ATRTimeframe:     "5m",
		ATRPeriod:        14,
		ATRSLK:           1.0,
		ATRTPK:           1.5,
		FillTimeout:      8 * time.Second,
		FillPollInterval: 500 * time.Millisecond,
	}
}

// ResultStatus 开仓结果状态。
type ResultStatus string

const (
	ResultDry           ResultStatus = "dry"
	ResultRetryable     ResultStatus = "retryable"
	ResultOkWithWarning ResultStatus = "ok_with_warning"
	ResultError         ResultStatus = "error"
	ResultFilled        ResultStatus = "filled"
	ResultPlaced        ResultStatus = "placed"
	ResultCanceled      ResultStatus = "canceled"
	ResultRejected      ResultStatus = "rejected"
)

// Result 一次开仓尝试的结果；交易所层面的失败通过 Status 表达而不是 error。
type Result struct {
	Status   ResultStatus
	Reason   string
	Warnings []string

	Order      gateway.OrderHandle
	Position   Position
	RawQty     float64
	Qty        float64
	Price      float64
	TakeProfit float64
	StopLoss   float64
	Balance    float64

	// TransientErrors 成交轮询中被吞掉的错误次数
	TransientErrors int
}

// InstrumentSource 提供交易对规则（外部元数据，调用方负责缓存）。
type InstrumentSource interface {
	Rule(ctx context.Context, symbol string) (InstrumentRule, error)
}

// Controller 入场单生命周期：定量、下单、确认成交、记录事件。
type Controller struct {
	ex    gateway.Exchange
	rules InstrumentSource
	rec   tradelog.Recorder
	log   *logger.Logger
	mon   *monitor.Monitor
	cfg   Config
	sm    *StateMachine

	now       func() time.Time
	sleep     func(time.Duration)
	newLinkID func() string
}

// Option 调整 Controller 的可注入依赖。
type Option func(*Controller)

// WithClock 注入时间源与休眠函数（测试用）。
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

// WithLinkIDs 注入 orderLinkId 生成器。
func WithLinkIDs(gen func() string) Option {
	return func(c *Controller) { c.newLinkID = gen }
}

// NewController 创建入场控制器；rec/log/mon 可为 nil。
func NewController(ex gateway.Exchange, rules InstrumentSource, rec tradelog.Recorder, log *logger.Logger, mon *monitor.Monitor, cfg Config, opts ...Option) *Controller {
	if log == nil {
		log = logger.NewNop()
	}
	if rec == nil {
		rec = tradelog.Multi{}
	}
	c := &Controller{
		ex:        ex,
		rules:     rules,
		rec:       rec,
		log:       log,
		mon:       mon,
		cfg:       cfg,
		sm:        NewStateMachine(),
		now:       time.Now,
		sleep:     time.Sleep,
		newLinkID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config 返回当前参数。
func (c *Controller) Config() Config { return c.cfg }

// SetConfig 替换参数，只应在两轮之间调用。
func (c *Controller) SetConfig(cfg Config) { c.cfg = cfg }

// OpenPosition 按风险参数开仓并等待成交。
// 只有交易对规则非法时返回 error，其余情况通过 Result.Status 表达。
func (c *Controller) OpenPosition(ctx context.Context, symbol string, side Side, priceHint float64) (Result, error) {
	// 安全闸：dry-run 不触达交易所
	if c.cfg.DryRun {
		res := Result{Status: ResultDry, Reason: "DRY_RUN=1", Position: Position{Symbol: gateway.NormalizeSymbol(symbol), Side: side}}
		c.mon.RecordEntry(string(ResultDry))
		c.log.Info("dry run, entry skipped",
			zap.String("symbol", res.Position.Symbol), zap.String("side", string(side)))
		e := c.event(tradelog.KindPlaced, res, res.Reason)
		e.Mode = tradelog.ModeDry
		c.record(e)
		return res, nil
	}

	sym := gateway.NormalizeSymbol(symbol)
	pos := Position{Symbol: sym, Side: side, State: StatusRequested}
	res := Result{Position: pos}

	bal, err := c.ex.FetchBalance(ctx)
	if err != nil {
		return c.fail(res, ResultError, fmt.Sprintf("fetch balance: %v", err)), nil
	}
	res.Balance = bal.Free(c.quoteAsset())

	price := priceHint
	if price <= 0 {
		t, err := c.ex.FetchTicker(ctx, sym)
		if err != nil {
			return c.fail(res, ResultError, fmt.Sprintf("fetch ticker: %v", err)), nil
		}
		price = t.Price()
	}

	rule, err := c.rules.Rule(ctx, sym)
	if err != nil {
		return c.fail(res, ResultError, fmt.Sprintf("instrument rule: %v", err)), nil
	}

	res.RawQty = SizeOrder(res.Balance, price, c.cfg.RiskFraction, c.cfg.Leverage)
	qty, px, err := Normalize(rule, res.RawQty, price)
	if err != nil {
		return c.fail(res, ResultError, err.Error()), err
	}
	res.Qty, res.Price = qty, px
	pos.Quantity, pos.EntryPrice = qty, px
	res.Position = pos
	if qty <= 0 {
		return c.fail(res, ResultError, "qty<=0 after adjust"), nil
	}

	if err := c.ex.SetLeverage(ctx, c.cfg.Leverage, sym); err != nil {
		if gateway.IsIgnorable(err) {
			res.Warnings = append(res.Warnings, gateway.WarningText(err))
		} else {
			c.log.LogRisk("set_leverage_failed", map[string]interface{}{
				"symbol": sym, "leverage": c.cfg.Leverage, "error": err.Error(),
			})
		}
	}

	tp, sl := c.protectiveLevels(ctx, sym, side, px, rule)
	res.TakeProfit, res.StopLoss = tp, sl
	pos.TakeProfit, pos.StopLoss = tp, sl
	pos.LinkID = c.newLinkID()
	res.Position = pos

	c.log.LogOrder("order_submit", "", map[string]interface{}{
		"symbol": sym, "side": side.OrderSide(), "qty_raw": res.RawQty, "qty": qty,
		"entry_price": px, "tp": tp, "sl": sl, "lev": c.cfg.Leverage,
	})

	handle, err := c.ex.CreateOrder(ctx, gateway.OrderRequest{
		Symbol:     sym,
		Type:       "market",
		Side:       side.OrderSide(),
		Qty:        qty,
		TakeProfit: tp,
		StopLoss:   sl,
		LinkID:     pos.LinkID,
	})
	if err != nil {
		return c.submitFailed(res, err), nil
	}

	pos.OrderID = handle.ID
	if handle.ClientOrderID != "" {
		pos.LinkID = handle.ClientOrderID
	}
	_ = c.sm.Advance(&pos, StatusPlaced)
	res.Order = handle
	res.Position = pos
	c.mon.RecordOrderPlaced()
	c.record(c.event(tradelog.KindPlaced, res, ""))

	started := c.now()
	if handle.ID != "" {
		handle, res.TransientErrors = c.waitFill(ctx, sym, handle)
		res.Order = handle
	}

	switch handle.Status {
	case gateway.OrderClosed:
		if handle.AvgPrice > 0 {
			pos.EntryPrice = handle.AvgPrice
		}
		_ = c.sm.Advance(&pos, StatusFilled)
		res.Status = ResultFilled
		c.mon.RecordOrderFilled(c.now().Sub(started).Seconds())
		c.record(c.event(tradelog.KindFilled, Result{
			Position: pos, Qty: qty, Price: pos.EntryPrice, TakeProfit: tp, StopLoss: sl,
		}, ""))
	case gateway.OrderCanceled:
		_ = c.sm.Advance(&pos, StatusCanceled)
		res.Status = ResultCanceled
		res.Reason = "order canceled by exchange"
		c.mon.RecordOrderRejected()
		res.Position = pos
		c.record(c.event(tradelog.KindError, res, string(handle.Status)))
	case gateway.OrderRejected:
		_ = c.sm.Advance(&pos, StatusRejected)
		res.Status = ResultRejected
		res.Reason = "order rejected by exchange"
		c.mon.RecordOrderRejected()
		res.Position = pos
		c.record(c.event(tradelog.KindError, res, string(handle.Status)))
	default:
		// 超时：订单已在交易所，保留最后观测到的状态
		res.Status = ResultPlaced
		res.Reason = "fill not confirmed before timeout"
	}
	res.Position = pos
	c.mon.RecordEntry(string(res.Status))
	return res, nil
}

// waitFill 按固定间隔轮询直到终态或超时，返回最后已知的订单视图。
// 轮询错误被计数并忽略；MaxTransient > 0 时超过上限提前返回。
func (c *Controller) waitFill(ctx context.Context, symbol string, last gateway.OrderHandle) (gateway.OrderHandle, int) {
	timeout := c.cfg.FillTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	interval := c.cfg.FillPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := c.now().Add(timeout)
	transient := 0
	for c.now().Before(deadline) {
		h, err := c.ex.FetchOrder(ctx, last.ID, symbol)
		if err != nil {
			transient++
			c.mon.RecordFillPollError()
			c.log.Debug("fetch order failed during fill wait",
				zap.String("order_id", last.ID), zap.Error(err), zap.Int("transient", transient))
			if c.cfg.MaxTransient > 0 && transient > c.cfg.MaxTransient {
				break
			}
		} else {
			if h.ID == "" {
				h.ID = last.ID
			}
			last = h
			if h.Status.Terminal() {
				break
			}
		}
		c.sleep(interval)
	}
	return last, transient
}

// protectiveLevels 按百分比或 ATR 倍数计算止盈止损，ATR 不可用时退回百分比。
func (c *Controller) protectiveLevels(ctx context.Context, symbol string, side Side, entry float64, rule InstrumentRule) (tp, sl float64) {
	sign := side.Sign()
	tpDist := entry * c.cfg.TakeProfitPct
	slDist := entry * c.cfg.StopLossPct
	if strings.EqualFold(c.cfg.TPSLMode, TPSLModeATR) {
		candles, err := c.ex.FetchOHLCV(ctx, symbol, c.cfg.ATRTimeframe, market.ATRLimit(c.cfg.ATRPeriod))
		if err != nil {
			c.log.Warn("fetch ohlcv failed, using pct tp/sl", zap.String("symbol", symbol), zap.Error(err))
		} else if atr, _ := market.ComputeATR(candles, c.cfg.ATRPeriod); atr > 0 {
			tpDist = c.cfg.ATRTPK * atr
			slDist = c.cfg.ATRSLK * atr
		}
	}
	tp = c.toTick(ctx, symbol, entry+sign*tpDist, rule)
	sl = c.toTick(ctx, symbol, entry-sign*slDist, rule)
	return tp, sl
}

func (c *Controller) toTick(ctx context.Context, symbol string, price float64, rule InstrumentRule) float64 {
	p, err := c.ex.PriceToPrecision(ctx, symbol, price)
	if err != nil || p <= 0 {
		return RoundToStep(price, rule.TickSize)
	}
	return p
}

// submitFailed 按错误分类映射下单失败。
func (c *Controller) submitFailed(res Result, err error) Result {
	class := gateway.Classify(err)
	c.log.LogError(err, map[string]interface{}{
		"symbol": res.Position.Symbol, "stage": "create_order", "class": class.String(),
	})
	status := ResultError
	// 原始错误信息保留给调用方诊断
	res.Reason = err.Error()
	switch class {
	case gateway.ClassFatal:
		status = ResultRetryable
	case gateway.ClassIgnorable:
		status = ResultOkWithWarning
		res.Warnings = append(res.Warnings, gateway.WarningText(err))
	}
	_ = c.sm.Advance(&res.Position, StatusError)
	res.Status = status
	c.mon.RecordEntry(string(status))
	c.record(c.event(tradelog.KindError, res, err.Error()))
	return res
}

// fail 记录下单前失败：单条 order_error 事件。
func (c *Controller) fail(res Result, status ResultStatus, reason string) Result {
	res.Status = status
	res.Reason = reason
	_ = c.sm.Advance(&res.Position, StatusError)
	c.log.LogRisk("entry_aborted", map[string]interface{}{
		"symbol": res.Position.Symbol, "side": string(res.Position.Side), "reason": reason,
		"balance": res.Balance, "qty_raw": res.RawQty,
	})
	c.mon.RecordEntry(string(status))
	c.record(c.event(tradelog.KindError, res, reason))
	return res
}

func (c *Controller) event(kind tradelog.Kind, res Result, extra string) tradelog.Event {
	return tradelog.Event{
		Timestamp:  c.now(),
		Kind:       kind,
		Symbol:     res.Position.Symbol,
		Side:       strings.ToLower(res.Position.Side.OrderSide()),
		Qty:        res.Qty,
		Price:      res.Price,
		StopLoss:   res.StopLoss,
		TakeProfit: res.TakeProfit,
		OrderID:    res.Position.OrderID,
		LinkID:     res.Position.LinkID,
		Mode:       tradelog.ModeLive,
		Extra:      extra,
	}
}

// record 写事件失败只告警，不影响已下的单。
func (c *Controller) record(e tradelog.Event) {
	if err := c.rec.Record(e); err != nil {
		c.mon.RecordRecorderError()
		c.log.LogRisk("trade_log_failed", map[string]interface{}{
			"kind": string(e.Kind), "symbol": e.Symbol, "error": err.Error(),
		})
	}
}

func (c *Controller) quoteAsset() string {
	if c.cfg.QuoteAsset == "" {
		return "USDT"
	}
	return c.cfg.QuoteAsset
}

// IsInvalidInstrument 判断错误是否来自非法交易对规则。
func IsInvalidInstrument(err error) bool {
	var target *InvalidInstrumentError
	return errors.As(err, &target)
}
