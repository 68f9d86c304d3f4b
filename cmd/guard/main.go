package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"position-guard-go/config"
	"position-guard-go/internal/container"
	"position-guard-go/internal/lock"
)

func main() {
	cfgPath := flag.String("config", "", "YAML 配置文件路径，留空只用默认值与环境变量")
	envFile := flag.String("env", ".env", ".env 文件路径，不存在时忽略")
	pair := flag.String("pair", "", "只处理这些交易对（逗号分隔），覆盖 PAIRS")
	once := flag.Bool("once", false, "只跑一轮后退出（cron 模式）")
	dryRun := flag.Bool("dryRun", false, "不触达交易所，只记录将要执行的开仓")
	flag.Parse()

	var overrides []container.Override
	if *pair != "" {
		var pairs []string
		for _, p := range strings.Split(*pair, ",") {
			if p = strings.TrimSpace(p); p != "" {
				pairs = append(pairs, p)
			}
		}
		overrides = append(overrides, func(cfg *config.AppConfig) { cfg.Pairs = pairs })
	}
	if *dryRun {
		overrides = append(overrides, func(cfg *config.AppConfig) { cfg.Loop.DryRun = true })
	}
	if *once {
		// 单轮模式不需要指标端口
		overrides = append(overrides, func(cfg *config.AppConfig) { cfg.Paths.MetricsAddr = "" })
	}

	c, err := container.New(*cfgPath, *envFile, overrides...)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	cfg := c.Config()

	fl, err := lock.Acquire(cfg.Paths.LockFile)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintf(os.Stderr, "另一个实例正在运行: %v\n", err)
			return
		}
		log.Fatalf("获取实例锁失败: %v", err)
	}
	defer fl.Release()

	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	logger := c.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.Loop.DryRun {
		checkClockDrift(ctx, c, time.Duration(cfg.Gateway.RecvWindowMs)*time.Millisecond)
	}

	if *once {
		rep := c.Engine().RunTick(ctx)
		logger.Info("single tick finished",
			zap.Int("visited", rep.Visited),
			zap.Int("open", rep.Open),
			zap.Int("entries", len(rep.Entries)),
			zap.Int("errors", rep.Errors))
		_ = c.Stop()
		return
	}

	if err := c.Start(ctx); err != nil {
		logger.Error("start failed", zap.Error(err))
		_ = c.Stop()
		return
	}
	notify(logger.Logger, daemon.SdNotifyReady)
	go watchdog(ctx, c, logger.Logger)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	notify(logger.Logger, daemon.SdNotifyStopping)
	_ = c.Stop()
}

// checkClockDrift 本机时钟偏差超过 recvWindow 时签名请求会被拒绝；只告警不退出。
func checkClockDrift(ctx context.Context, c *container.Container, recvWindow time.Duration) {
	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	drift, err := c.ServerTimeDrift(tctx)
	if err != nil {
		c.Logger().Warn("server time check failed", zap.Error(err))
		return
	}
	if drift < 0 {
		drift = -drift
	}
	if recvWindow > 0 && drift > recvWindow {
		c.Logger().Warn("local clock drift exceeds recv window",
			zap.Duration("drift", drift), zap.Duration("recv_window", recvWindow))
		return
	}
	c.Logger().Info("server time ok", zap.Duration("drift", drift))
}

// watchdog 在 systemd 启用 WatchdogSec 时按半个周期上报；组件不健康时停止上报。
func watchdog(ctx context.Context, c *container.Container, logger *zap.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				logger.Warn("health check failed, skipping watchdog ping", zap.Error(err))
				continue
			}
			notify(logger, daemon.SdNotifyWatchdog)
		}
	}
}

func notify(logger *zap.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}
