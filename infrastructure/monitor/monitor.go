package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。方法允许 nil 接收者，便于测试中省略。
type Monitor struct {
	registry *prometheus.Registry

	// 开仓指标
	entries        *prometheus.CounterVec
	ordersPlaced   prometheus.Counter
	ordersFilled   prometheus.Counter
	ordersRejected prometheus.Counter
	fillPollErrors prometheus.Counter
	fillWait       prometheus.Histogram
	recorderErrors prometheus.Counter

	// 保护单指标
	trailingArmed    prometheus.Counter
	trailingSkipped  prometheus.Counter
	breakevenMoved   prometheus.Counter
	rateLimitRetries prometheus.Counter
	protectErrors    *prometheus.CounterVec

	// 轮询指标
	openPositions prometheus.Gauge
	tickDuration  prometheus.Histogram

	// 系统指标
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "pg",
		Subsystem: "guard",
	}
}

// New 创建新的Monitor实例，每个实例使用独立 registry。
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Monitor{
		registry: reg,

		entries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "entries_total",
			Help:      "开仓尝试结果计数",
		}, []string{"status"}),
		ordersPlaced:   counter("orders_placed_total", "入场单提交总数"),
		ordersFilled:   counter("orders_filled_total", "入场单成交总数"),
		ordersRejected: counter("orders_rejected_total", "入场单被拒或撤销总数"),
		fillPollErrors: counter("fill_poll_errors_total", "成交轮询中被忽略的错误次数"),
		fillWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fill_wait_seconds",
			Help:      "等待成交耗时（秒）",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		recorderErrors: counter("event_recorder_errors_total", "交易事件写入失败次数"),

		trailingArmed:    counter("trailing_armed_total", "移动止损设置成功次数"),
		trailingSkipped:  counter("trailing_skipped_total", "因已存在移动止损而跳过的次数"),
		breakevenMoved:   counter("breakeven_moved_total", "止损移至保本次数"),
		rateLimitRetries: counter("rate_limit_retries_total", "限流退避重试次数"),
		protectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "protect_errors_total",
			Help:      "保护单操作失败次数",
		}, []string{"op"}),

		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "open_positions",
			Help:      "上一轮检测到的持仓数",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tick_duration_seconds",
			Help:      "单轮轮询耗时（秒）",
			Buckets:   prometheus.DefBuckets,
		}),

		restRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_requests_total",
				Help:      "REST请求总数",
			},
			[]string{"action"},
		),
		restErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_errors_total",
				Help:      "REST错误总数",
			},
			[]string{"action", "class"},
		),
		restLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_latency_seconds",
				Help:      "REST请求延迟（秒）",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}
	return m
}

// 开仓相关方法
func (m *Monitor) RecordEntry(status string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(status).Inc()
}

func (m *Monitor) RecordOrderPlaced() {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
}

func (m *Monitor) RecordOrderFilled(waitSeconds float64) {
	if m == nil {
		return
	}
	m.ordersFilled.Inc()
	m.fillWait.Observe(waitSeconds)
}

func (m *Monitor) RecordOrderRejected() {
	if m == nil {
		return
	}
	m.ordersRejected.Inc()
}

func (m *Monitor) RecordFillPollError() {
	if m == nil {
		return
	}
	m.fillPollErrors.Inc()
}

func (m *Monitor) RecordRecorderError() {
	if m == nil {
		return
	}
	m.recorderErrors.Inc()
}

// 保护单相关方法
func (m *Monitor) RecordTrailingArmed() {
	if m == nil {
		return
	}
	m.trailingArmed.Inc()
}

func (m *Monitor) RecordTrailingSkipped() {
	if m == nil {
		return
	}
	m.trailingSkipped.Inc()
}

func (m *Monitor) RecordBreakevenMoved() {
	if m == nil {
		return
	}
	m.breakevenMoved.Inc()
}

func (m *Monitor) RecordRateLimitRetry() {
	if m == nil {
		return
	}
	m.rateLimitRetries.Inc()
}

func (m *Monitor) RecordProtectError(op string) {
	if m == nil {
		return
	}
	m.protectErrors.WithLabelValues(op).Inc()
}

// 轮询相关方法
func (m *Monitor) UpdateOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

func (m *Monitor) RecordTickDuration(seconds float64) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(seconds)
}

// 系统相关方法
func (m *Monitor) RecordRESTRequest(action string) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTError(action, class string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(action, class).Inc()
}

func (m *Monitor) RecordRESTLatency(action string, seconds float64) {
	if m == nil {
		return
	}
	m.restLatency.WithLabelValues(action).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
