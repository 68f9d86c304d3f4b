package config

import (
	"strings"
	"time"

	"position-guard-go/order"
	"position-guard-go/risk"
)

// EntryParams 转换为开仓控制器参数。
func (c AppConfig) EntryParams() order.Config {
	return order.Config{
		QuoteAsset:       c.Gateway.QuoteAsset,
		RiskFraction:     c.Sizing.RiskFraction,
		Leverage:         c.Sizing.Leverage,
		TPSLMode:         strings.ToLower(c.Sizing.TPSLMode),
		TakeProfitPct:    c.Sizing.TakeProfitPct,
		StopLossPct:      c.Sizing.StopLossPct,
		ATRTimeframe:     c.Sizing.ATRTimeframe,
		ATRPeriod:        c.Sizing.ATRPeriod,
		ATRSLK:           c.Sizing.ATRSLK,
		ATRTPK:           c.Sizing.ATRTPK,
		DryRun:           c.Loop.DryRun,
		FillTimeout:      seconds(c.Loop.FillTimeoutSec),
		FillPollInterval: time.Duration(c.Loop.FillPollMs) * time.Millisecond,
		MaxTransient:     c.Loop.FillMaxTransient,
	}
}

// TrailingParams 转换为移动止损参数。
func (c AppConfig) TrailingParams() risk.TrailingConfig {
	return risk.TrailingConfig{
		ActivationMode: strings.ToLower(c.Trailing.ActivationMode),
		ATRK:           c.Trailing.ATRK,
		UpPct:          c.Trailing.UpPct,
		DownPct:        c.Trailing.DownPct,
		MinUpPct:       c.Trailing.MinUpPct,
		MinDownPct:     c.Trailing.MinDownPct,
		CallbackRate:   c.Trailing.CallbackRate,
		AutoCallback:   c.Trailing.CallbackAuto,
		AutoCallbackK:  c.Trailing.CallbackATRK,
		RateLimitDelay: seconds(c.Loop.RateLimitDelaySec),
		MaxRetries:     c.Loop.MaxRetries,
		TriggerBy:      "LastPrice",
	}
}

// BreakevenParams 转换为保本参数。
func (c AppConfig) BreakevenParams() risk.BreakevenConfig {
	return risk.BreakevenConfig{
		Mode:           strings.ToLower(c.Breakeven.Mode),
		ATRK:           c.Breakeven.ATRK,
		TriggerPct:     c.Breakeven.TriggerPct,
		OffsetPct:      c.Breakeven.OffsetPct,
		RateLimitDelay: seconds(c.Loop.RateLimitDelaySec),
		MaxRetries:     c.Loop.MaxRetries,
	}
}

// SleepPerPair 交易对之间的间隔。
func (c AppConfig) SleepPerPair() time.Duration { return seconds(c.Loop.SleepPerPairSec) }

// TickInterval 两轮之间的间隔。
func (c AppConfig) TickInterval() time.Duration { return seconds(c.Loop.TickIntervalSec) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
