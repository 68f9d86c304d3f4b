package container

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-guard-go/config"
	"position-guard-go/gateway"
	"position-guard-go/gateway/gatewaytest"
	"position-guard-go/infrastructure/logger"
	"position-guard-go/infrastructure/monitor"
	"position-guard-go/order"
)

type stepComponent struct {
	name     string
	startErr error
	log      *[]string
}

func (s *stepComponent) Name() string { return s.name }

func (s *stepComponent) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.log = append(*s.log, "start:"+s.name)
	return nil
}

func (s *stepComponent) Stop() error {
	*s.log = append(*s.log, "stop:"+s.name)
	return nil
}

func (s *stepComponent) Health() error { return nil }

func TestLifecycleOrderAndRollback(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&stepComponent{name: "a", log: &log})
	m.Register(&stepComponent{name: "b", log: &log})
	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, log)

	log = nil
	m = NewLifecycleManager()
	m.Register(&stepComponent{name: "a", log: &log})
	m.Register(&stepComponent{name: "b", log: &log, startErr: errors.New("boom")})
	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b failed")
	assert.Equal(t, []string{"start:a", "stop:a"}, log)
}

func TestMetricsServerServesAndStops(t *testing.T) {
	mon := monitor.New(monitor.DefaultConfig())
	var srv *http.Server
	h := &httpServerComponent{name: "metrics", handler: mon.Handler(), addr: "127.0.0.1:0", logger: logger.NewNop(), server: &srv}

	assert.Error(t, h.Health())
	require.NoError(t, h.Start(context.Background()))
	assert.NoError(t, h.Health())
	require.NoError(t, h.Stop())
	assert.Error(t, h.Health())
}

func TestInstrumentedExchangeRecordsErrorClass(t *testing.T) {
	fake := gatewaytest.New()
	fake.FailNext("SetTrailingStop", &gateway.APIError{Code: gateway.CodeRateLimit, Msg: "too many visits"})
	mon := monitor.New(monitor.DefaultConfig())
	ex := &instrumentedExchange{next: fake, logger: logger.NewNop(), monitor: mon}

	_, err := ex.SetTrailingStop(context.Background(), gateway.TrailingStopRequest{Symbol: "BTCUSDT", ActivationPrice: 1, CallbackRatePct: 1})
	require.Error(t, err)
	_, err = ex.FetchTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	expected := `
# HELP pg_guard_rest_errors_total REST错误总数
# TYPE pg_guard_rest_errors_total counter
pg_guard_rest_errors_total{action="set_trailing_stop",class="rate_limit"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(mon.Registry(), strings.NewReader(expected), "pg_guard_rest_errors_total"))
	n, err := testutil.GatherAndCount(mon.Registry(), "pg_guard_rest_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type infoLookup map[string]gateway.InstrumentInfo

func (l infoLookup) Instrument(_ context.Context, symbol string) (gateway.InstrumentInfo, error) {
	info, ok := l[symbol]
	if !ok {
		return gateway.InstrumentInfo{}, errors.New("unknown symbol")
	}
	return info, nil
}

func TestInstrumentRules(t *testing.T) {
	rules := instrumentRules{lookup: infoLookup{
		"BTCUSDT": {Symbol: "BTCUSDT", QtyStep: 0.001, MinOrderQty: 0.001, MaxOrderQty: 100, TickSize: 0.1, MinNotional: 5},
	}}
	rule, err := rules.Rule(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, order.InstrumentRule{QtyStep: 0.001, MinOrderQty: 0.001, MaxOrderQty: 100, TickSize: 0.1, MinNotional: 5}, rule)

	_, err = rules.Rule(context.Background(), "ETHUSDT")
	assert.Error(t, err)
}

func TestBuildDryRunContainer(t *testing.T) {
	dir := t.TempDir()
	c, err := New("", "", func(cfg *config.AppConfig) {
		cfg.Loop.DryRun = true
		cfg.Pairs = []string{"BTCUSDT"}
		cfg.PairSides = map[string]string{"BTCUSDT": "long"}
		cfg.Paths.MetricsAddr = ""
		cfg.Paths.TradeLog = filepath.Join(dir, "trades.csv")
		cfg.Log.Level = "error"
		cfg.Gateway.ProxyURL = "http://127.0.0.1:3128"
	})
	require.NoError(t, err)
	require.NoError(t, c.Build())
	require.NotNil(t, c.Engine())
	assert.NoError(t, c.HealthCheck())
	_, proxied := c.restClient.HTTPClient.Transport.(*http.Transport)
	assert.True(t, proxied)

	rep := c.Engine().RunTick(context.Background())
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, order.ResultDry, rep.Entries[0].Status)
	require.NoError(t, c.Stop())

	raw, err := os.ReadFile(filepath.Join(dir, "trades.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "order_placed")
	assert.Contains(t, lines[1], "DRY")
}

type stagedConfig struct {
	cfg config.AppConfig
	ok  bool
}

func (s *stagedConfig) Pending() (config.AppConfig, bool) { return s.cfg, s.ok }

func TestReloadKeepsCommandLineOverrides(t *testing.T) {
	live := config.Default()
	live.Loop.DryRun = false
	src := &overriddenSource{
		src:       &stagedConfig{cfg: live, ok: true},
		overrides: []Override{func(cfg *config.AppConfig) { cfg.Loop.DryRun = true }},
		logger:    logger.NewNop(),
	}
	cfg, ok := src.Pending()
	require.True(t, ok)
	assert.True(t, cfg.Loop.DryRun)

	bad := config.Default()
	bad.Sizing.Leverage = 0
	src.src = &stagedConfig{cfg: bad, ok: true}
	_, ok = src.Pending()
	assert.False(t, ok)
}
