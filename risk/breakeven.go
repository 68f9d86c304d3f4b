package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"position-guard-go/gateway"
	"position-guard-go/infrastructure/logger"
	"position-guard-go/infrastructure/monitor"
	"position-guard-go/order"
)

// 保本模式
const (
	BreakevenATR = "atr"
	BreakevenPct = "pct"
)

// BreakevenConfig 保本参数。
type BreakevenConfig struct {
	Mode       string
	ATRK       float64
	TriggerPct float64
	OffsetPct  float64

	RateLimitDelay time.Duration
	MaxRetries     int
}

func DefaultBreakevenConfig() BreakevenConfig {
	return BreakevenConfig{
		Mode:           BreakevenATR,
		ATRK:           1.0,
		TriggerPct:     0.004,
		OffsetPct:      0.0005,
		RateLimitDelay: 400 * time.Millisecond,
		MaxRetries:     3,
	}
}

// BreakevenPrice 判断是否触发保本并返回新的止损价 entry*(1 ± offset)。
// ATR 模式按浮盈 >= k*ATR 触发；ATR 为 0 时按百分比模式判断。
func BreakevenPrice(entry float64, side order.Side, last, atr float64, cfg BreakevenConfig) (float64, bool) {
	if entry <= 0 || last <= 0 {
		return 0, false
	}
	profit := (last - entry) * side.Sign()
	var need float64
	if strings.EqualFold(cfg.Mode, BreakevenATR) && atr > 0 {
		need = cfg.ATRK * atr
	} else {
		need = entry * cfg.TriggerPct
	}
	if profit < need {
		return 0, false
	}
	return entry * (1 + side.Sign()*cfg.OffsetPct), true
}

// BreakevenManager 每个 (symbol, side) 最多把止损移到保本一次。
type BreakevenManager struct {
	ex    gateway.Exchange
	cfg   BreakevenConfig
	log   *logger.Logger
	mon   *monitor.Monitor
	clock Clock
}

func NewBreakevenManager(ex gateway.Exchange, cfg BreakevenConfig, log *logger.Logger, mon *monitor.Monitor, clock Clock) *BreakevenManager {
	if log == nil {
		log = logger.NewNop()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &BreakevenManager{ex: ex, cfg: cfg, log: log, mon: mon, clock: clock}
}

// SetConfig 替换参数，只应在两轮之间调用。
func (m *BreakevenManager) SetConfig(cfg BreakevenConfig) { m.cfg = cfg }

// MaybeBreakeven 满足条件时移动止损并返回新价格；第二个返回值表示是否移动。
// 只有交易所调用成功后才标记完成，失败时下一轮会重试。
func (m *BreakevenManager) MaybeBreakeven(ctx context.Context, pos order.Position, last, atr float64, st *State) (float64, bool, error) {
	key := pos.Key()
	if st.BreakevenDone(key) {
		return 0, false, nil
	}
	target, ok := BreakevenPrice(pos.EntryPrice, pos.Side, last, atr, m.cfg)
	if !ok {
		return 0, false, nil
	}
	if p, err := m.ex.PriceToPrecision(ctx, pos.Symbol, target); err == nil && p > 0 {
		target = p
	}
	// 止损已在保本位之上（例如重启前已移动），只记录状态
	if pos.StopLoss > 0 && (pos.StopLoss-target)*pos.Side.Sign() >= 0 {
		st.MarkBreakeven(key)
		return 0, false, nil
	}

	mut := mutator{clock: m.clock, delay: m.cfg.RateLimitDelay, maxRetries: m.cfg.MaxRetries, mon: m.mon}
	_, attempts, err := mut.call(ctx, func(ctx context.Context) (gateway.RawResponse, error) {
		return m.ex.SetStopLossOnly(ctx, gateway.StopLossRequest{
			Symbol: pos.Symbol, StopLoss: target, PositionIdx: pos.PositionIdx,
		})
	})
	if err != nil {
		m.mon.RecordProtectError("breakeven")
		return 0, false, fmt.Errorf("move stop to breakeven %s: %w", pos.Symbol, err)
	}
	st.MarkBreakeven(key)
	m.mon.RecordBreakevenMoved()
	m.log.LogProtect("breakeven_moved", map[string]interface{}{
		"symbol": pos.Symbol, "side": string(pos.Side), "entry": pos.EntryPrice,
		"last": last, "atr": atr, "new_sl": target, "attempts": attempts,
	})
	return target, true, nil
}
