package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-guard-go/config"
	"position-guard-go/gateway"
	"position-guard-go/infrastructure/alert"
	"position-guard-go/infrastructure/logger"
	"position-guard-go/infrastructure/monitor"
	"position-guard-go/order"
	"position-guard-go/risk"
)

// EngineState 引擎状态
type EngineState int

const (
	StateIdle EngineState = iota
	StateRunning
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 轮询配置
type Config struct {
	Pairs        []string
	SleepPerPair time.Duration // 交易对之间的间隔
	TickInterval time.Duration // 两轮之间的间隔
	ATRTimeframe string
	ATRPeriod    int
	DryRun       bool

	// Paused 暂停开新仓的交易对（已归一化）
	Paused map[string]bool
}

// ConfigFromApp 从应用配置提取引擎参数。
func ConfigFromApp(c config.AppConfig) Config {
	cfg := Config{
		Pairs:        append([]string(nil), c.Pairs...),
		SleepPerPair: c.SleepPerPair(),
		TickInterval: c.TickInterval(),
		ATRTimeframe: c.Sizing.ATRTimeframe,
		ATRPeriod:    c.Sizing.ATRPeriod,
		DryRun:       c.Loop.DryRun,
	}
	for _, p := range c.PausedPairs {
		if cfg.Paused == nil {
			cfg.Paused = make(map[string]bool)
		}
		cfg.Paused[gateway.NormalizeSymbol(p)] = true
	}
	return cfg
}

// Entrant 开仓控制器
type Entrant interface {
	OpenPosition(ctx context.Context, symbol string, side order.Side, priceHint float64) (order.Result, error)
	SetConfig(cfg order.Config)
}

// Trailer 移动止损管理
type Trailer interface {
	Update(ctx context.Context, pos order.Position, atr float64, st *risk.State) (risk.TrailingResult, error)
	SetConfig(cfg risk.TrailingConfig)
}

// Breakevener 保本管理
type Breakevener interface {
	MaybeBreakeven(ctx context.Context, pos order.Position, last, atr float64, st *risk.State) (float64, bool, error)
	SetConfig(cfg risk.BreakevenConfig)
}

// ConfigSource 提供热更新后的配置，只在两轮之间读取。
type ConfigSource interface {
	Pending() (config.AppConfig, bool)
}

// Components 引擎依赖组件
type Components struct {
	Exchange  gateway.Exchange
	Entries   Entrant
	Trailing  Trailer
	Breakeven Breakevener
	Signals   SignalSource
	State     *risk.State
	Reload    ConfigSource
	Alerts    *alert.Manager
	Monitor   *monitor.Monitor
	Logger    *logger.Logger
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime     time.Time
	TotalTicks    int64
	TotalEntries  int64
	TotalFills    int64
	ProtectErrors int64
	TotalErrors   int64
	LastTickTime  time.Time
}

// TickReport 一轮的结果摘要。
type TickReport struct {
	Visited   int
	Open      int
	Entries   []order.Result
	Errors    int
	Cancelled bool
}

// Engine 单线程轮询：有仓位则维护保护单，空仓则按信号开仓。
type Engine struct {
	// config 与 signals 可被热更新替换，读写都经 cfgMu
	config  Config
	signals SignalSource
	cfgMu   sync.RWMutex

	ex        gateway.Exchange
	entries   Entrant
	trailing  Trailer
	breakeven Breakevener
	state     *risk.State
	reload    ConfigSource
	alerts    *alert.Manager
	mon       *monitor.Monitor
	logger    *logger.Logger

	// sleep 可中断休眠，返回 false 表示 ctx 已取消
	sleep func(ctx context.Context, d time.Duration) bool

	status   EngineState
	mu       sync.RWMutex
	stopChan chan struct{}
	doneChan chan struct{}

	stats   Statistics
	statsMu sync.RWMutex
}

// New 创建引擎
func New(cfg Config, c Components) (*Engine, error) {
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if c.State == nil {
		c.State = risk.NewState()
	}
	return &Engine{
		config:    cfg,
		ex:        c.Exchange,
		entries:   c.Entries,
		trailing:  c.Trailing,
		breakeven: c.Breakeven,
		signals:   c.Signals,
		state:     c.State,
		reload:    c.Reload,
		alerts:    c.Alerts,
		mon:       c.Monitor,
		logger:    c.Logger,
		sleep:     sleepCtx,
		status:    StateIdle,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}, nil
}

// Name 生命周期组件名称。
func (e *Engine) Name() string { return "engine" }

// Start 启动后台轮询
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.status)
	}
	if e.status == StateStopped {
		e.stopChan = make(chan struct{})
		e.doneChan = make(chan struct{})
	}
	e.status = StateRunning
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats.StartTime = time.Now()
	e.statsMu.Unlock()

	cfg := e.Config()
	e.logger.Info("Position guard starting",
		zap.Strings("pairs", cfg.Pairs),
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Duration("sleep_per_pair", cfg.SleepPerPair),
		zap.Bool("dry_run", cfg.DryRun))

	go e.run(ctx)
	return nil
}

// Stop 停止轮询并等待当前一轮结束
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.status != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
	select {
	case <-e.doneChan:
	case <-time.After(10 * time.Second):
		e.logger.Warn("Timeout waiting for engine to stop")
	}

	e.mu.Lock()
	e.status = StateStopped
	e.mu.Unlock()
	e.logger.Info("Position guard stopped")
	return nil
}

// Health 超过三个间隔没有完成一轮视为不健康。
func (e *Engine) Health() error {
	if e.GetState() != StateRunning {
		return nil
	}
	st := e.GetStatistics()
	last := st.LastTickTime
	if last.IsZero() {
		last = st.StartTime
	}
	cfg := e.Config()
	if limit := 3*cfg.TickInterval + time.Duration(len(cfg.Pairs))*cfg.SleepPerPair; time.Since(last) > limit+time.Minute {
		return fmt.Errorf("no tick completed since %s", last.Format(time.RFC3339))
	}
	return nil
}

// Run 在当前 goroutine 中轮询直到 ctx 取消或 Stop。
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.status = StateRunning
	e.mu.Unlock()
	e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneChan)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		e.RunTick(ctx)
		e.applyPending()

		timer := time.NewTimer(e.Config().TickInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("Context done, stopping position guard")
			return
		case <-timer.C:
		}
	}
}

// RunTick 按顺序处理每个交易对；ctx 取消只在交易对之间生效，已发出的请求不会被中断。
func (e *Engine) RunTick(ctx context.Context) TickReport {
	start := time.Now()
	var rep TickReport
	cfg, signals := e.snapshot()
	for i, symbol := range cfg.Pairs {
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
		rep.Visited++
		e.processSymbol(context.WithoutCancel(ctx), cfg, signals, gateway.NormalizeSymbol(symbol), &rep)
		if i < len(cfg.Pairs)-1 && cfg.SleepPerPair > 0 {
			if !e.sleep(ctx, cfg.SleepPerPair) {
				rep.Cancelled = true
				break
			}
		}
	}

	e.mon.UpdateOpenPositions(rep.Open)
	e.mon.RecordTickDuration(time.Since(start).Seconds())
	e.statsMu.Lock()
	e.stats.TotalTicks++
	e.stats.LastTickTime = time.Now()
	e.stats.TotalErrors += int64(rep.Errors)
	e.statsMu.Unlock()

	e.logger.Debug("Tick completed",
		zap.Int("visited", rep.Visited),
		zap.Int("open", rep.Open),
		zap.Int("entries", len(rep.Entries)),
		zap.Int("errors", rep.Errors),
		zap.Bool("cancelled", rep.Cancelled))
	return rep
}

func (e *Engine) processSymbol(ctx context.Context, cfg Config, signals SignalSource, symbol string, rep *TickReport) {
	// 模拟模式不查询也不修改交易所，只走信号与开仓的 dry 分支
	if !cfg.DryRun {
		live, err := e.ex.GetLiveProtectiveState(ctx, symbol)
		if err == nil {
			err = gateway.CheckResponse(live)
		}
		if err != nil {
			rep.Errors++
			e.logger.Error("Failed to query live position", zap.String("symbol", symbol), zap.Error(err))
			return
		}
		if info, ok := risk.FindPosition(live, symbol, ""); ok {
			side, known := order.SideFromExchange(info.Side)
			if !known {
				e.logger.Warn("Open position with unknown side", zap.String("symbol", symbol), zap.String("side", info.Side))
				return
			}
			rep.Open++
			e.protect(ctx, cfg, order.Position{
				Symbol:     symbol,
				Side:       side,
				EntryPrice: info.AvgPrice,
				Quantity:   info.Size,
				StopLoss:   info.StopLoss,
				TakeProfit: info.TakeProfit,
				State:      order.StatusFilled,

				PositionIdx: info.PositionIdx,
			}, rep)
			return
		}
		if n := e.state.ClearSymbol(symbol); n > 0 {
			e.logger.Info("Position closed, protective state reset", zap.String("symbol", symbol), zap.Int("keys", n))
		}
	}

	if cfg.Paused[symbol] {
		e.logger.Info("Pair paused, entry skipped", zap.String("symbol", symbol))
		return
	}

	side, ok, err := signals.Signal(ctx, symbol)
	if err != nil {
		rep.Errors++
		e.logger.Error("Signal source failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	res, err := e.entries.OpenPosition(ctx, symbol, side, 0)
	rep.Entries = append(rep.Entries, res)
	e.statsMu.Lock()
	e.stats.TotalEntries++
	e.statsMu.Unlock()
	if err != nil {
		rep.Errors++
		e.logger.Error("Entry failed", zap.String("symbol", symbol), zap.String("side", string(side)), zap.Error(err))
		_ = e.alerts.Error(symbol, "entry failed", map[string]interface{}{"error": err.Error()})
		return
	}
	e.logger.Info("Entry attempt finished",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason),
		zap.Float64("qty", res.Qty))

	if res.Status != order.ResultFilled {
		return
	}
	e.statsMu.Lock()
	e.stats.TotalFills++
	e.statsMu.Unlock()
	rep.Open++
	e.protect(ctx, cfg, res.Position, rep)
}

// protect 先移动止损再保本；任一步失败都记录并继续，下一轮重试。
func (e *Engine) protect(ctx context.Context, cfg Config, pos order.Position, rep *TickReport) {
	atr, lastClose, err := risk.FetchATR(ctx, e.ex, pos.Symbol, cfg.ATRTimeframe, cfg.ATRPeriod)
	if err != nil {
		// 没有 ATR 时两个管理器都退回百分比模式
		e.logger.Warn("ATR unavailable, falling back to pct", zap.String("symbol", pos.Symbol), zap.Error(err))
		atr = 0
	}

	if !e.state.TrailingArmed(pos.Key()) {
		res, err := e.trailing.Update(ctx, pos, atr, e.state)
		if err != nil {
			e.protectFailed(pos, "trailing", err, rep)
		} else if res.Skipped {
			e.logger.Debug("Trailing stop skipped", zap.String("symbol", pos.Symbol), zap.String("reason", res.Reason))
		}
	}

	if e.state.BreakevenDone(pos.Key()) {
		return
	}
	last := lastClose
	if t, err := e.ex.FetchTicker(ctx, pos.Symbol); err == nil && t.Price() > 0 {
		last = t.Price()
	}
	if last <= 0 {
		e.logger.Warn("No price for breakeven check", zap.String("symbol", pos.Symbol))
		return
	}
	if _, _, err := e.breakeven.MaybeBreakeven(ctx, pos, last, atr, e.state); err != nil {
		e.protectFailed(pos, "breakeven", err, rep)
	}
}

func (e *Engine) protectFailed(pos order.Position, op string, err error, rep *TickReport) {
	rep.Errors++
	e.statsMu.Lock()
	e.stats.ProtectErrors++
	e.statsMu.Unlock()
	e.logger.Error("Protective update failed",
		zap.String("op", op),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Error(err))
	level := alert.LevelError
	if gateway.IsRateLimit(err) {
		level = alert.LevelWarning
	}
	_ = e.alerts.SendAlert(alert.Alert{
		Level:   level,
		Symbol:  pos.Symbol,
		Message: op + " update failed",
		Fields:  map[string]interface{}{"error": err.Error(), "side": string(pos.Side)},
	})
}

// applyPending 两轮之间换入热更新的配置。
func (e *Engine) applyPending() {
	if e.reload == nil {
		return
	}
	cfg, ok := e.reload.Pending()
	if !ok {
		return
	}
	e.Apply(cfg)
}

// Apply 替换引擎与各管理器的参数；管理器参数只应在两轮之间替换。
func (e *Engine) Apply(cfg config.AppConfig) {
	next := ConfigFromApp(cfg)
	if next.TickInterval <= 0 {
		next.TickInterval = 30 * time.Second
	}
	e.entries.SetConfig(cfg.EntryParams())
	e.trailing.SetConfig(cfg.TrailingParams())
	e.breakeven.SetConfig(cfg.BreakevenParams())

	e.cfgMu.Lock()
	e.config = next
	if s, err := NewStaticSignal(cfg.PairSides); err == nil {
		if _, static := e.signals.(StaticSignal); static {
			e.signals = s
		}
	} else {
		e.logger.Warn("Ignoring invalid pair sides from reload", zap.Error(err))
	}
	e.cfgMu.Unlock()

	e.logger.Info("Configuration applied",
		zap.Strings("pairs", next.Pairs),
		zap.Int("paused", len(next.Paused)),
		zap.Bool("dry_run", next.DryRun))
}

// Config 返回当前生效的引擎参数。
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.config
}

func (e *Engine) snapshot() (Config, SignalSource) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.config, e.signals
}

// GetState 获取引擎状态
func (e *Engine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// GetStatistics 获取统计信息
func (e *Engine) GetStatistics() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

// ProtectiveState 暴露进程内保护单状态（只读使用）。
func (e *Engine) ProtectiveState() *risk.State { return e.state }

func validateComponents(c Components) error {
	switch {
	case c.Exchange == nil:
		return errors.New("exchange is required")
	case c.Entries == nil:
		return errors.New("entry controller is required")
	case c.Trailing == nil:
		return errors.New("trailing manager is required")
	case c.Breakeven == nil:
		return errors.New("breakeven manager is required")
	case c.Signals == nil:
		return errors.New("signal source is required")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
