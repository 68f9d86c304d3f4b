package config

import (
	"fmt"
	"strconv"
	"strings"
)

// envSetter 把环境变量字符串写入配置字段。
type envSetter func(cfg *AppConfig, v string) error

// envKeys 支持的环境变量键。
var envKeys = map[string]envSetter{
	"BYBIT_API_KEY":    func(c *AppConfig, v string) error { c.Gateway.APIKey = v; return nil },
	"BYBIT_SECRET_KEY": func(c *AppConfig, v string) error { c.Gateway.APISecret = v; return nil },
	"BYBIT_API_URL":    func(c *AppConfig, v string) error { c.Gateway.BaseURL = v; return nil },
	"BYBIT_TESTNET": func(c *AppConfig, v string) error {
		b, err := parseBool(v)
		if err == nil {
			c.Gateway.Testnet = b
		}
		return err
	},
	"PROXY_URL":   func(c *AppConfig, v string) error { c.Gateway.ProxyURL = v; return nil },
	"RECV_WINDOW": intSetter(func(c *AppConfig) *int { return &c.Gateway.RecvWindowMs }),
	"PAIRS": func(c *AppConfig, v string) error {
		c.Pairs = splitList(v)
		return nil
	},
	"PAIR_SIDES": func(c *AppConfig, v string) error {
		sides, err := ParsePairSides(v)
		if err == nil {
			c.PairSides = sides
		}
		return err
	},
	"PAUSED_PAIRS": func(c *AppConfig, v string) error {
		c.PausedPairs = splitList(v)
		return nil
	},
	"LOG_LEVEL": func(c *AppConfig, v string) error { c.Log.Level = v; return nil },

	"RISK_FRACTION": floatSetter(func(c *AppConfig) *float64 { return &c.Sizing.RiskFraction }),
	"LEVERAGE":      intSetter(func(c *AppConfig) *int { return &c.Sizing.Leverage }),
	"TPSL_MODE":     func(c *AppConfig, v string) error { c.Sizing.TPSLMode = strings.ToLower(v); return nil },
	"TP_PCT":        floatSetter(func(c *AppConfig) *float64 { return &c.Sizing.TakeProfitPct }),
	"SL_PCT":        floatSetter(func(c *AppConfig) *float64 { return &c.Sizing.StopLossPct }),
	"ATR_TIMEFRAME": func(c *AppConfig, v string) error { c.Sizing.ATRTimeframe = v; return nil },
	"ATR_PERIOD":    intSetter(func(c *AppConfig) *int { return &c.Sizing.ATRPeriod }),
	"ATR_SL_K":      floatSetter(func(c *AppConfig) *float64 { return &c.Sizing.ATRSLK }),
	"ATR_TP_K":      floatSetter(func(c *AppConfig) *float64 { return &c.Sizing.ATRTPK }),

	"TS_ACTIVATION_MODE": func(c *AppConfig, v string) error {
		c.Trailing.ActivationMode = strings.ToLower(v)
		return nil
	},
	"TS_ACTIVATION_ATR_K":        floatSetter(func(c *AppConfig) *float64 { return &c.Trailing.ATRK }),
	"TS_ACTIVATION_UP_PCT":       floatSetter(func(c *AppConfig) *float64 { return &c.Trailing.UpPct }),
	"TS_ACTIVATION_DOWN_PCT":     floatSetter(func(c *AppConfig) *float64 { return &c.Trailing.DownPct }),
	"TS_ACTIVATION_MIN_UP_PCT":   floatSetter(func(c *AppConfig) *float64 { return &c.Trailing.MinUpPct }),
	"TS_ACTIVATION_MIN_DOWN_PCT": floatSetter(func(c *AppConfig) *float64 { return &c.Trailing.MinDownPct }),
	"TS_CALLBACK_RATE":           floatSetter(func(c *AppConfig) *float64 { return &c.Trailing.CallbackRate }),
	"TS_CALLBACK_RATE_AUTO":      boolSetter(func(c *AppConfig) *bool { return &c.Trailing.CallbackAuto }),
	"TS_CALLBACK_RATE_ATR_K":     floatSetter(func(c *AppConfig) *float64 { return &c.Trailing.CallbackATRK }),

	"BE_MODE":        func(c *AppConfig, v string) error { c.Breakeven.Mode = strings.ToLower(v); return nil },
	"BE_ATR_K":       floatSetter(func(c *AppConfig) *float64 { return &c.Breakeven.ATRK }),
	"BE_TRIGGER_PCT": floatSetter(func(c *AppConfig) *float64 { return &c.Breakeven.TriggerPct }),
	"BE_OFFSET_PCT":  floatSetter(func(c *AppConfig) *float64 { return &c.Breakeven.OffsetPct }),

	"DRY_RUN":                boolSetter(func(c *AppConfig) *bool { return &c.Loop.DryRun }),
	"SLEEP_SEC_PER_PAIR":     floatSetter(func(c *AppConfig) *float64 { return &c.Loop.SleepPerPairSec }),
	"TICK_INTERVAL_SEC":      floatSetter(func(c *AppConfig) *float64 { return &c.Loop.TickIntervalSec }),
	"FILL_TIMEOUT_SEC":       floatSetter(func(c *AppConfig) *float64 { return &c.Loop.FillTimeoutSec }),
	"FILL_POLL_MS":           intSetter(func(c *AppConfig) *int { return &c.Loop.FillPollMs }),
	"FILL_MAX_TRANSIENT":     intSetter(func(c *AppConfig) *int { return &c.Loop.FillMaxTransient }),
	"BYBIT_RATE_LIMIT_DELAY": floatSetter(func(c *AppConfig) *float64 { return &c.Loop.RateLimitDelaySec }),
	"TS_MAX_RETRIES":         intSetter(func(c *AppConfig) *int { return &c.Loop.MaxRetries }),

	"TRADE_LOG_PATH": func(c *AppConfig, v string) error { c.Paths.TradeLog = v; return nil },
	"LOCK_FILE":      func(c *AppConfig, v string) error { c.Paths.LockFile = v; return nil },
	"METRICS_ADDR":   func(c *AppConfig, v string) error { c.Paths.MetricsAddr = v; return nil },
}

// EnvKeys 返回所有支持的键（用于文档/调试）。
func EnvKeys() []string {
	out := make([]string, 0, len(envKeys))
	for k := range envKeys {
		out = append(out, k)
	}
	return out
}

// ApplyEnv 按 lookup 覆盖配置；未设置的键保持原值。
func ApplyEnv(cfg *AppConfig, lookup func(string) (string, bool)) error {
	for key, set := range envKeys {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("env %s=%q: %w", key, v, err)
		}
	}
	if _, explicit := lookup("BYBIT_API_URL"); !explicit && cfg.Gateway.Testnet && cfg.Gateway.BaseURL == MainnetURL {
		cfg.Gateway.BaseURL = TestnetURL
	}
	return nil
}

// ParsePairSides 解析 "BTCUSDT:long,ETHUSDT:short"。
func ParsePairSides(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(v) {
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("pair side %q must be SYMBOL:side", item)
		}
		side := strings.ToLower(strings.TrimSpace(parts[1]))
		switch side {
		case "long", "short", "buy", "sell":
		default:
			return nil, fmt.Errorf("pair side %q: unknown side", item)
		}
		out[strings.TrimSpace(parts[0])] = side
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func floatSetter(field func(*AppConfig) *float64) envSetter {
	return func(c *AppConfig, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func intSetter(field func(*AppConfig) *int) envSetter {
	return func(c *AppConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*AppConfig) *bool) envSetter {
	return func(c *AppConfig, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool %q", v)
	}
}
