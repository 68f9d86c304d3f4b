package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"position-guard-go/config"
	"position-guard-go/gateway"
	"position-guard-go/infrastructure/alert"
	"position-guard-go/infrastructure/logger"
	"position-guard-go/infrastructure/monitor"
	"position-guard-go/internal/engine"
	"position-guard-go/order"
	"position-guard-go/risk"
	"position-guard-go/tradelog"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string
	envFile    string
	overrides  []Override

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 交易所网关
	restClient *gateway.BybitRESTClient
	exchange   gateway.Exchange

	// 核心服务
	recorder   tradelog.Recorder
	controller *order.Controller
	trailing   *risk.TrailingManager
	breakeven  *risk.BreakevenManager
	engine     *engine.Engine
	reloader   *config.Reloader

	// HTTP服务器
	metricsServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager
}

// Override 在校验前修改配置（命令行参数）。
type Override func(cfg *config.AppConfig)

// New 加载配置（YAML → .env → ENV）并应用命令行覆盖。
func New(configPath, envFile string, overrides ...Override) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := config.RequireCredentials(cfg); err != nil {
		return nil, err
	}
	return &Container{
		cfg:        &cfg,
		configPath: configPath,
		envFile:    envFile,
		overrides:  overrides,
		lifecycle:  NewLifecycleManager(),
	}, nil
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	c.registerLifecycleComponents()
	c.logger.Info("container built successfully",
		zap.Strings("pairs", c.cfg.Pairs),
		zap.Bool("dry_run", c.cfg.Loop.DryRun),
		zap.String("base_url", c.cfg.Gateway.BaseURL))
	return nil
}

func (c *Container) buildInfrastructure() error {
	logCfg := logger.Config{
		Level:      c.cfg.Log.Level,
		Outputs:    c.cfg.Log.Outputs,
		OutputFile: c.cfg.Log.OutputFile,
		ErrorFile:  c.cfg.Log.ErrorFile,
		Format:     c.cfg.Log.Format,
	}
	var err error
	c.logger, err = logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())
	c.alerts = alert.NewManager([]alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}, 5*time.Minute)
	return nil
}

func (c *Container) buildGateway() error {
	httpClient, err := gateway.NewHTTPClient(c.cfg.Gateway.ProxyURL)
	if err != nil {
		return fmt.Errorf("http client: %w", err)
	}
	c.restClient = &gateway.BybitRESTClient{
		BaseURL:      c.cfg.Gateway.BaseURL,
		APIKey:       c.cfg.Gateway.APIKey,
		Secret:       c.cfg.Gateway.APISecret,
		HTTPClient:   httpClient,
		RecvWindowMs: c.cfg.Gateway.RecvWindowMs,
		Category:     c.cfg.Gateway.Category,
		// 主动节流：两次请求至少间隔 BYBIT_RATE_LIMIT_DELAY 的一半
		Limiter: gateway.NewIntervalLimiter(time.Duration(c.cfg.Loop.RateLimitDelaySec * float64(time.Second) / 2)),
	}
	c.exchange = &instrumentedExchange{next: c.restClient, logger: c.logger, monitor: c.monitor}
	if c.cfg.Gateway.ProxyURL != "" {
		c.logger.Info("exchange requests go through proxy")
	}
	return nil
}

func (c *Container) buildCoreServices() error {
	c.recorder = tradelog.Multi{
		tradelog.NewCSVRecorder(c.cfg.Paths.TradeLog),
		tradelog.LogRecorder{Logger: c.logger},
	}
	c.controller = order.NewController(c.exchange, instrumentRules{lookup: c.restClient},
		c.recorder, c.logger, c.monitor, c.cfg.EntryParams())
	c.trailing = risk.NewTrailingManager(c.exchange, c.cfg.TrailingParams(), c.logger, c.monitor, risk.SystemClock)
	c.breakeven = risk.NewBreakevenManager(c.exchange, c.cfg.BreakevenParams(), c.logger, c.monitor, risk.SystemClock)

	signals, err := engine.NewStaticSignal(c.cfg.PairSides)
	if err != nil {
		return fmt.Errorf("pair sides: %w", err)
	}

	if c.configPath != "" || c.envFile != "" {
		c.reloader, err = config.NewReloader(c.configPath, c.envFile, config.DefaultReloadConfig(), c.logger.Logger)
		if err != nil {
			return fmt.Errorf("create config reloader failed: %w", err)
		}
	}

	comps := engine.Components{
		Exchange:  c.exchange,
		Entries:   c.controller,
		Trailing:  c.trailing,
		Breakeven: c.breakeven,
		Signals:   signals,
		State:     risk.NewState(),
		Alerts:    c.alerts,
		Monitor:   c.monitor,
		Logger:    c.logger,
	}
	if c.reloader != nil {
		comps.Reload = &overriddenSource{src: c.reloader, overrides: c.overrides, logger: c.logger}
	}
	c.engine, err = engine.New(engine.ConfigFromApp(*c.cfg), comps)
	if err != nil {
		return err
	}
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.monitor != nil && c.cfg.Paths.MetricsAddr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Paths.MetricsAddr,
			logger:  c.logger,
			server:  &c.metricsServer,
		})
	}
	if c.reloader != nil {
		c.lifecycle.Register(c.reloader)
	}
	c.lifecycle.Register(c.engine)
}

// Start 按注册顺序启动：指标服务 → 配置监听 → 轮询引擎。
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止。保护单留在交易所，退出时不撤单也不平仓。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	st := c.engine.GetStatistics()
	c.logger.Info("container stopped",
		zap.Int64("ticks", st.TotalTicks),
		zap.Int64("entries", st.TotalEntries),
		zap.Int64("fills", st.TotalFills),
		zap.Int64("protect_errors", st.ProtectErrors))
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// ServerTimeDrift 返回本机与交易所的时钟差（本机 - 交易所）。
func (c *Container) ServerTimeDrift(ctx context.Context) (time.Duration, error) {
	server, err := c.restClient.ServerTime(ctx)
	if err != nil {
		return 0, err
	}
	return time.Since(server), nil
}

func (c *Container) Config() config.AppConfig   { return *c.cfg }
func (c *Container) Logger() *logger.Logger     { return c.logger }
func (c *Container) Engine() *engine.Engine     { return c.engine }
func (c *Container) Exchange() gateway.Exchange { return c.exchange }
func (c *Container) Monitor() *monitor.Monitor  { return c.monitor }
