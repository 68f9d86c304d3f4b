package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadConfig 热更新配置
type ReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器多次写入触发重复加载
}

// DefaultReloadConfig 默认热更新配置
func DefaultReloadConfig() ReloadConfig {
	return ReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// Reloader 监听 YAML/.env 变化并重新加载配置。
// 新配置只被暂存，由轮询循环在两轮之间取走，保证单轮内参数只读。
type Reloader struct {
	cfg      ReloadConfig
	path     string
	envFile  string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	load     func(path, envFile string) (AppConfig, error)
	now      func() time.Time
	mu       sync.Mutex
	pending  *AppConfig
	last     time.Time
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewReloader 创建热更新器；path 与 envFile 可以为空，为空的不监听。
func NewReloader(path, envFile string, cfg ReloadConfig, logger *zap.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		cfg:      cfg,
		path:     path,
		envFile:  envFile,
		watcher:  watcher,
		logger:   logger,
		load:     LoadWithEnvOverrides,
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Name 生命周期组件名称。
func (r *Reloader) Name() string { return "config-reloader" }

// Start 启动热更新监听。监听所在目录，兼容编辑器的 rename 写入方式。
func (r *Reloader) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		close(r.doneChan)
		return nil
	}
	dirs := map[string]bool{}
	for _, p := range []string{r.path, r.envFile} {
		if p != "" {
			dirs[filepath.Dir(p)] = true
		}
	}
	if len(dirs) == 0 {
		close(r.doneChan)
		return nil
	}
	for dir := range dirs {
		if err := r.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	go r.watch(ctx)
	return nil
}

// Stop 停止热更新
func (r *Reloader) Stop() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	select {
	case <-r.doneChan:
	case <-time.After(time.Second):
	}
	return r.watcher.Close()
}

// Health 监听器没有健康状态，始终返回 nil。
func (r *Reloader) Health() error { return nil }

// Pending 取走最新一次成功加载的配置；没有新配置时返回 false。
func (r *Reloader) Pending() (AppConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return AppConfig{}, false
	}
	cfg := *r.pending
	r.pending = nil
	return cfg, true
}

func (r *Reloader) watch(ctx context.Context) {
	defer close(r.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.reload()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) relevant(name string) bool {
	clean := filepath.Clean(name)
	return (r.path != "" && clean == filepath.Clean(r.path)) ||
		(r.envFile != "" && clean == filepath.Clean(r.envFile))
}

// reload 重新加载；失败时保留旧配置。
func (r *Reloader) reload() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.last.IsZero() && r.now().Sub(r.last) < r.cfg.CooldownTime {
		return false
	}
	cfg, err := r.load(r.path, r.envFile)
	if err != nil {
		r.logger.Warn("config reload failed, keeping previous config", zap.Error(err))
		return false
	}
	r.pending = &cfg
	r.last = r.now()
	r.logger.Info("config reloaded", zap.String("path", r.path), zap.String("env", r.envFile))
	return true
}
