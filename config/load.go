package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 交易所默认地址
const (
	MainnetURL = "https://api.bybit.com"
	TestnetURL = "https://api-testnet.bybit.com"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string            `yaml:"env"`
	Pairs     []string          `yaml:"pairs"`
	PairSides map[string]string `yaml:"pairSides"`

	// PausedPairs 暂停开新仓的交易对；已有持仓照常保护
	PausedPairs []string `yaml:"pausedPairs"`

	Log       LogConfig       `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Sizing    SizingConfig    `yaml:"sizing"`
	Trailing  TrailingConfig  `yaml:"trailing"`
	Breakeven BreakevenConfig `yaml:"breakeven"`
	Loop      LoopConfig      `yaml:"loop"`
	Paths     PathsConfig     `yaml:"paths"`
}

type LogConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"`
	Outputs    []string `yaml:"outputs"`
	OutputFile string   `yaml:"outputFile"`
	ErrorFile  string   `yaml:"errorFile"`
}

type GatewayConfig struct {
	APIKey       string `yaml:"apiKey"`
	APISecret    string `yaml:"apiSecret"`
	BaseURL      string `yaml:"baseURL"`
	Testnet      bool   `yaml:"testnet"`
	Category     string `yaml:"category"`
	RecvWindowMs int    `yaml:"recvWindowMs"`
	QuoteAsset   string `yaml:"quoteAsset"`
	ProxyURL     string `yaml:"proxyURL"`
}

// SizingConfig 开仓定量与止盈止损。
type SizingConfig struct {
	RiskFraction  float64 `yaml:"riskFraction"`
	Leverage      int     `yaml:"leverage"`
	TPSLMode      string  `yaml:"tpslMode"` // pct | atr
	TakeProfitPct float64 `yaml:"takeProfitPct"`
	StopLossPct   float64 `yaml:"stopLossPct"`
	ATRTimeframe  string  `yaml:"atrTimeframe"`
	ATRPeriod     int     `yaml:"atrPeriod"`
	ATRSLK        float64 `yaml:"atrSLK"`
	ATRTPK        float64 `yaml:"atrTPK"`
}

// TrailingConfig 移动止损激活与回调率。
type TrailingConfig struct {
	ActivationMode string  `yaml:"activationMode"` // atr | pct
	ATRK           float64 `yaml:"atrK"`
	UpPct          float64 `yaml:"upPct"`
	DownPct        float64 `yaml:"downPct"`
	MinUpPct       float64 `yaml:"minUpPct"`
	MinDownPct     float64 `yaml:"minDownPct"`
	CallbackRate   float64 `yaml:"callbackRate"`
	CallbackAuto   bool    `yaml:"callbackAuto"`
	CallbackATRK   float64 `yaml:"callbackATRK"`
}

// BreakevenConfig 保本参数。
type BreakevenConfig struct {
	Mode       string  `yaml:"mode"` // atr | pct
	ATRK       float64 `yaml:"atrK"`
	TriggerPct float64 `yaml:"triggerPct"`
	OffsetPct  float64 `yaml:"offsetPct"`
}

// LoopConfig 轮询节奏、成交确认与限流。
type LoopConfig struct {
	DryRun            bool    `yaml:"dryRun"`
	SleepPerPairSec   float64 `yaml:"sleepPerPairSec"`
	TickIntervalSec   float64 `yaml:"tickIntervalSec"`
	FillTimeoutSec    float64 `yaml:"fillTimeoutSec"`
	FillPollMs        int     `yaml:"fillPollMs"`
	FillMaxTransient  int     `yaml:"fillMaxTransient"`
	RateLimitDelaySec float64 `yaml:"rateLimitDelaySec"`
	MaxRetries        int     `yaml:"maxRetries"`
}

type PathsConfig struct {
	TradeLog    string `yaml:"tradeLog"`
	LockFile    string `yaml:"lockFile"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default 返回全部默认值；缺省的键永远回落到这里而不是报错。
func Default() AppConfig {
	return AppConfig{
		Env:   "prod",
		Pairs: []string{"BTCUSDT"},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
		},
		Gateway: GatewayConfig{
			BaseURL:      MainnetURL,
			Category:     "linear",
			RecvWindowMs: 20000,
			QuoteAsset:   "USDT",
		},
		Sizing: SizingConfig{
			RiskFraction:  0.2,
			Leverage:      3,
			TPSLMode:      "pct",
			TakeProfitPct: 0.01,
			StopLossPct:   0.005,
			ATRTimeframe:  "5m",
			ATRPeriod:     14,
			ATRSLK:        1.0,
			ATRTPK:        1.5,
		},
		Trailing: TrailingConfig{
			ActivationMode: "atr",
			ATRK:           1.0,
			UpPct:          0.003,
			DownPct:        0.003,
			MinUpPct:       0.001,
			MinDownPct:     0.001,
			CallbackRate:   1.0,
			CallbackATRK:   0.75,
		},
		Breakeven: BreakevenConfig{
			Mode:       "atr",
			ATRK:       1.0,
			TriggerPct: 0.004,
			OffsetPct:  0.0005,
		},
		Loop: LoopConfig{
			SleepPerPairSec:   2,
			TickIntervalSec:   30,
			FillTimeoutSec:    8,
			FillPollMs:        500,
			RateLimitDelaySec: 0.4,
			MaxRetries:        3,
		},
		Paths: PathsConfig{
			TradeLog:    "logs/trades.csv",
			LockFile:    "/tmp/position-guard.lock",
			MetricsAddr: ":9100",
		},
	}
}

// Load reads YAML config from path on top of defaults. Empty path returns defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads YAML, then an optional .env file, then the process
// environment. Priority: ENV > .env > YAML > defaults.
func LoadWithEnvOverrides(path, envFile string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	dotenv := map[string]string{}
	if envFile != "" {
		dotenv, err = godotenv.Read(envFile)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("read env file: %w", err)
			}
			dotenv = map[string]string{}
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
		if v, ok := dotenv[key]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
		return "", false
	}
	if err := ApplyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// Validate rejects only nonsensical values; missing keys already fell back to defaults.
func Validate(cfg AppConfig) error {
	if cfg.Sizing.RiskFraction < 0 || cfg.Sizing.RiskFraction > 1 {
		return ErrInvalid(fmt.Sprintf("sizing.riskFraction %g must be within [0,1]", cfg.Sizing.RiskFraction))
	}
	if cfg.Sizing.Leverage < 1 {
		return ErrInvalid(fmt.Sprintf("sizing.leverage %d must be >= 1", cfg.Sizing.Leverage))
	}
	if err := oneOf("sizing.tpslMode", cfg.Sizing.TPSLMode, "pct", "atr"); err != nil {
		return err
	}
	if err := oneOf("trailing.activationMode", cfg.Trailing.ActivationMode, "pct", "atr"); err != nil {
		return err
	}
	if err := oneOf("breakeven.mode", cfg.Breakeven.Mode, "pct", "atr"); err != nil {
		return err
	}
	if cfg.Sizing.ATRPeriod < 1 {
		return ErrInvalid("sizing.atrPeriod must be >= 1")
	}
	if cfg.Sizing.TakeProfitPct < 0 || cfg.Sizing.StopLossPct < 0 {
		return ErrInvalid("sizing tp/sl pct must be >= 0")
	}
	if cfg.Trailing.CallbackRate <= 0 {
		return ErrInvalid("trailing.callbackRate must be > 0")
	}
	if cfg.Loop.SleepPerPairSec < 0 || cfg.Loop.TickIntervalSec < 0 || cfg.Loop.FillTimeoutSec < 0 {
		return ErrInvalid("loop intervals must be >= 0")
	}
	if cfg.Loop.FillPollMs < 0 || cfg.Loop.FillMaxTransient < 0 || cfg.Loop.MaxRetries < 0 {
		return ErrInvalid("loop counters must be >= 0")
	}
	if cfg.Gateway.RecvWindowMs < 0 {
		return ErrInvalid("gateway.recvWindowMs must be >= 0")
	}
	if p := strings.TrimSpace(cfg.Gateway.ProxyURL); p != "" {
		if u, err := url.Parse(p); err != nil || u.Scheme == "" || u.Host == "" {
			return ErrInvalid(fmt.Sprintf("gateway.proxyURL %q is not a valid url", p))
		}
	}
	return nil
}

// RequireCredentials 实盘模式需要 API key/secret。
func RequireCredentials(cfg AppConfig) error {
	if cfg.Loop.DryRun {
		return nil
	}
	if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" {
		return ErrInvalid("BYBIT_API_KEY/BYBIT_SECRET_KEY are required unless DRY_RUN=1")
	}
	return nil
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return nil
		}
	}
	return ErrInvalid(fmt.Sprintf("%s %q must be one of %s", field, v, strings.Join(allowed, "|")))
}

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }
