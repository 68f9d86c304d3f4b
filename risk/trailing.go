package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"position-guard-go/gateway"
	"position-guard-go/infrastructure/logger"
	"position-guard-go/infrastructure/monitor"
	"position-guard-go/market"
	"position-guard-go/order"
)

// 激活价模式
const (
	ActivationATR = "atr"
	ActivationPct = "pct"
)

// 回调率边界（百分比），提交前强制。
const (
	MinCallbackRate = 0.1
	MaxCallbackRate = 5.0
)

// ErrNoPosition 交易所持仓列表里找不到对应的开仓。
var ErrNoPosition = errors.New("no open position")

// TrailingConfig 移动止损参数。
type TrailingConfig struct {
	ActivationMode string
	ATRK           float64
	UpPct          float64
	DownPct        float64
	MinUpPct       float64
	MinDownPct     float64

	CallbackRate  float64 // 固定回调率，百分比
	AutoCallback  bool
	AutoCallbackK float64

	RateLimitDelay time.Duration
	MaxRetries     int
	TriggerBy      string
}

// DefaultTrailingConfig 返回默认移动止损参数。
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{
		ActivationMode: ActivationATR,
		ATRK:           1.0,
		UpPct:          0.003,
		DownPct:        0.003,
		MinUpPct:       0.001,
		MinDownPct:     0.001,
		CallbackRate:   1.0,
		AutoCallbackK:  0.75,
		RateLimitDelay: 400 * time.Millisecond,
		MaxRetries:     3,
		TriggerBy:      "LastPrice",
	}
}

// TrailingResult 一次移动止损检查的结果。
type TrailingResult struct {
	Armed        bool
	Skipped      bool
	Reason       string
	Mode         string
	Activation   float64
	CallbackRate float64
	ATR          float64
	Attempts     int
	Response     gateway.RawResponse
}

// ComputeActivation 计算激活价与回调率。
// ATR 模式：entry ± max(k*ATR, entry*minPct)；ATR 为 0 时退回百分比模式：entry*(1 ± max(minPct, pct))。
func ComputeActivation(entry float64, side order.Side, atr float64, cfg TrailingConfig) (active, callback float64, mode string) {
	callback = cfg.CallbackRate
	if strings.EqualFold(cfg.ActivationMode, ActivationATR) && atr > 0 {
		if side == order.SideShort {
			active = entry - math.Max(cfg.ATRK*atr, entry*cfg.MinDownPct)
		} else {
			active = entry + math.Max(cfg.ATRK*atr, entry*cfg.MinUpPct)
		}
		if cfg.AutoCallback && entry > 0 {
			callback = AutoCallbackRate(entry, atr, cfg.AutoCallbackK)
		}
		return active, ClampCallback(callback), ActivationATR
	}
	if side == order.SideShort {
		active = entry * (1 - math.Max(cfg.MinDownPct, cfg.DownPct))
	} else {
		active = entry * (1 + math.Max(cfg.MinUpPct, cfg.UpPct))
	}
	return active, ClampCallback(callback), ActivationPct
}

// AutoCallbackRate 由 ATR 推导回调率：clamp(100*k*ATR/entry, 0.1, 5.0)。
func AutoCallbackRate(entry, atr, k float64) float64 {
	return ClampCallback(100 * k * atr / entry)
}

// ClampCallback 把回调率限制在交易所接受的范围内。
func ClampCallback(pct float64) float64 {
	return math.Max(MinCallbackRate, math.Min(pct, MaxCallbackRate))
}

// TrailingManager 为已开仓位设置移动止损，先查询交易所避免重复设置。
type TrailingManager struct {
	ex    gateway.Exchange
	cfg   TrailingConfig
	log   *logger.Logger
	mon   *monitor.Monitor
	clock Clock
}

func NewTrailingManager(ex gateway.Exchange, cfg TrailingConfig, log *logger.Logger, mon *monitor.Monitor, clock Clock) *TrailingManager {
	if log == nil {
		log = logger.NewNop()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &TrailingManager{ex: ex, cfg: cfg, log: log, mon: mon, clock: clock}
}

// SetConfig 替换参数，只应在两轮之间调用。
func (m *TrailingManager) SetConfig(cfg TrailingConfig) { m.cfg = cfg }

// Update 检查并设置移动止损；atr 为 0 表示数据不足，退回百分比模式。
// 已存在非零 trailingStop 时跳过，限流错误按退避重试，其余错误直接返回。
func (m *TrailingManager) Update(ctx context.Context, pos order.Position, atr float64, st *State) (TrailingResult, error) {
	key := pos.Key()
	live, err := m.ex.GetLiveProtectiveState(ctx, pos.Symbol)
	if err == nil {
		err = gateway.CheckResponse(live)
	}
	if err != nil {
		m.mon.RecordProtectError("trailing_state")
		return TrailingResult{}, fmt.Errorf("live protective state %s: %w", pos.Symbol, err)
	}
	info, ok := FindPosition(live, pos.Symbol, pos.Side)
	if !ok {
		return TrailingResult{Skipped: true, Reason: ErrNoPosition.Error()}, nil
	}
	if info.TrailingStop > 0 {
		st.MarkTrailing(key)
		m.mon.RecordTrailingSkipped()
		m.log.Debug("trailing already active",
			zap.String("symbol", pos.Symbol), zap.Float64("trailing", info.TrailingStop))
		return TrailingResult{Skipped: true, Reason: "trailing already active"}, nil
	}

	entry := pos.EntryPrice
	if entry <= 0 {
		entry = info.AvgPrice
	}
	active, cb, mode := ComputeActivation(entry, pos.Side, atr, m.cfg)
	if p, err := m.ex.PriceToPrecision(ctx, pos.Symbol, active); err == nil && p > 0 {
		active = p
	}
	res := TrailingResult{Mode: mode, Activation: active, CallbackRate: cb, ATR: atr}

	req := gateway.TrailingStopRequest{
		Symbol:          pos.Symbol,
		ActivationPrice: active,
		CallbackRatePct: cb,
		PositionIdx:     info.PositionIdx,
		TriggerBy:       m.cfg.TriggerBy,
	}
	mut := mutator{clock: m.clock, delay: m.cfg.RateLimitDelay, maxRetries: m.cfg.MaxRetries, mon: m.mon}
	resp, attempts, err := mut.call(ctx, func(ctx context.Context) (gateway.RawResponse, error) {
		return m.ex.SetTrailingStop(ctx, req)
	})
	res.Attempts, res.Response = attempts, resp
	if err != nil {
		m.mon.RecordProtectError("trailing")
		m.log.LogError(err, map[string]interface{}{
			"symbol": pos.Symbol, "stage": "set_trailing", "attempts": attempts,
		})
		return res, err
	}

	res.Armed = true
	st.MarkTrailing(key)
	m.mon.RecordTrailingArmed()
	m.log.LogProtect("trailing_armed", map[string]interface{}{
		"symbol": pos.Symbol, "side": string(pos.Side), "entry": entry, "atr": atr,
		"mode": mode, "active": active, "cb": cb, "attempts": attempts,
	})
	return res, nil
}

// FindPosition 在持仓列表中找到该交易对、方向的非零持仓；side 为空时匹配任意方向。
func FindPosition(resp gateway.RawResponse, symbol string, side order.Side) (gateway.PositionInfo, bool) {
	id := gateway.NormalizeSymbol(symbol)
	for _, p := range resp.List {
		if !p.Open() || gateway.NormalizeSymbol(p.Symbol) != id {
			continue
		}
		if side != "" {
			if s, ok := order.SideFromExchange(p.Side); ok && s != side {
				continue
			}
		}
		return p, true
	}
	return gateway.PositionInfo{}, false
}

// FetchATR 拉取K线并计算 ATR；数据不足时 atr 为 0。
func FetchATR(ctx context.Context, ex gateway.Exchange, symbol, timeframe string, period int) (atr, lastClose float64, err error) {
	candles, err := ex.FetchOHLCV(ctx, symbol, timeframe, market.ATRLimit(period))
	if err != nil {
		return 0, 0, err
	}
	atr, lastClose = market.ComputeATR(candles, period)
	return atr, lastClose, nil
}
