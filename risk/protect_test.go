package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-guard-go/gateway"
	"position-guard-go/gateway/gatewaytest"
	"position-guard-go/market"
	"position-guard-go/order"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func longPos() order.Position {
	return order.Position{Symbol: "BTCUSDT", Side: order.SideLong, EntryPrice: 100, Quantity: 1}
}

func openFake() *gatewaytest.Fake {
	f := gatewaytest.New()
	f.TickSize = 0.01
	f.SetPosition("BTCUSDT", gateway.PositionInfo{Side: "Buy", Size: 1, AvgPrice: 100, StopLoss: 99})
	return f
}

func TestComputeActivationScenario(t *testing.T) {
	cfg := DefaultTrailingConfig()
	cfg.AutoCallback = true
	active, cb, mode := ComputeActivation(100, order.SideLong, 2, cfg)
	assert.InDelta(t, 102, active, 1e-9)
	assert.InDelta(t, 1.5, cb, 1e-9)
	assert.Equal(t, ActivationATR, mode)

	// minPct 兜底：ATR 很小时激活价不低于 entry*(1+minPct)
	active, _, _ = ComputeActivation(100, order.SideLong, 0.01, cfg)
	assert.InDelta(t, 100.1, active, 1e-9)
	active, _, _ = ComputeActivation(100, order.SideShort, 0.01, cfg)
	assert.InDelta(t, 99.9, active, 1e-9)
}

func TestComputeActivationPctFallback(t *testing.T) {
	cfg := DefaultTrailingConfig()
	active, cb, mode := ComputeActivation(100, order.SideLong, 0, cfg)
	assert.Equal(t, ActivationPct, mode)
	assert.InDelta(t, 100.3, active, 1e-9)
	assert.Equal(t, 1.0, cb)

	active, _, _ = ComputeActivation(100, order.SideShort, 0, cfg)
	assert.InDelta(t, 99.7, active, 1e-9)
}

func TestActivationSideProperty(t *testing.T) {
	cfg := DefaultTrailingConfig()
	for _, entry := range []float64{0.5, 3, 100, 25000, 65000} {
		for _, atr := range []float64{0, 1e-6, 0.1, 5, 1000} {
			long, _, _ := ComputeActivation(entry, order.SideLong, atr, cfg)
			short, _, _ := ComputeActivation(entry, order.SideShort, atr, cfg)
			assert.Greater(t, long, entry)
			assert.Less(t, short, entry)
		}
	}
}

func TestCallbackClamp(t *testing.T) {
	assert.Equal(t, MinCallbackRate, AutoCallbackRate(100, 0.001, 0.75))
	assert.Equal(t, MaxCallbackRate, AutoCallbackRate(100, 50, 0.75))
	cfg := DefaultTrailingConfig()
	cfg.CallbackRate = 9
	_, cb, _ := ComputeActivation(100, order.SideLong, 0, cfg)
	assert.Equal(t, MaxCallbackRate, cb)
}

func TestBackoff(t *testing.T) {
	base := 400 * time.Millisecond
	assert.Equal(t, 400*time.Millisecond, Backoff(base, 1))
	assert.Equal(t, 800*time.Millisecond, Backoff(base, 2))
	assert.Equal(t, 1600*time.Millisecond, Backoff(base, 3))
	assert.Equal(t, 2*time.Second, Backoff(base, 4))
	assert.Equal(t, 2*time.Second, Backoff(base, 40))
}

func TestTrailingArmsAndThrottles(t *testing.T) {
	f := openFake()
	clk := &fakeClock{}
	m := NewTrailingManager(f, DefaultTrailingConfig(), nil, nil, clk)
	st := NewState()

	res, err := m.Update(context.Background(), longPos(), 2, st)
	require.NoError(t, err)
	assert.True(t, res.Armed)
	assert.InDelta(t, 102, res.Activation, 1e-9)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, f.Trailing, 1)
	assert.InDelta(t, 102, f.Trailing[0].ActivationPrice, 1e-9)
	assert.Equal(t, 1.0, f.Trailing[0].CallbackRatePct)
	assert.Equal(t, []time.Duration{400 * time.Millisecond}, clk.sleeps)
	assert.True(t, st.TrailingArmed(longPos().Key()))

	// 第二次：交易所已显示 trailingStop，跳过
	res, err = m.Update(context.Background(), longPos(), 2, st)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, f.Count("SetTrailingStop"))
}

func TestTrailingGuardUsesExchangeNotLocalState(t *testing.T) {
	f := openFake()
	f.SetPosition("BTCUSDT", gateway.PositionInfo{Side: "Buy", Size: 1, AvgPrice: 100, TrailingStop: 1.2})
	m := NewTrailingManager(f, DefaultTrailingConfig(), nil, nil, &fakeClock{})

	res, err := m.Update(context.Background(), longPos(), 2, NewState())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, f.Count("SetTrailingStop"))
}

func TestTrailingSkipsWithoutPosition(t *testing.T) {
	f := gatewaytest.New()
	m := NewTrailingManager(f, DefaultTrailingConfig(), nil, nil, &fakeClock{})
	res, err := m.Update(context.Background(), longPos(), 2, NewState())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ErrNoPosition.Error(), res.Reason)
	assert.Zero(t, f.Count("SetTrailingStop"))
}

func TestTrailingRateLimitRetriesThenPropagates(t *testing.T) {
	f := openFake()
	f.ErrorsAlways["SetTrailingStop"] = &gateway.APIError{Code: gateway.CodeRateLimit, Msg: "too many visits"}
	clk := &fakeClock{}
	cfg := DefaultTrailingConfig()
	m := NewTrailingManager(f, cfg, nil, nil, clk)

	res, err := m.Update(context.Background(), longPos(), 2, NewState())
	require.Error(t, err)
	assert.True(t, gateway.IsRateLimit(err))
	assert.Equal(t, cfg.MaxRetries, f.Count("SetTrailingStop"))
	assert.Equal(t, cfg.MaxRetries, res.Attempts)
	assert.Equal(t, []time.Duration{400 * time.Millisecond, 800 * time.Millisecond}, clk.sleeps)
	assert.False(t, res.Armed)
}

func TestTrailingRateLimitRecovers(t *testing.T) {
	f := openFake()
	f.FailNext("SetTrailingStop", &gateway.APIError{HTTPStatus: 429, Msg: "slow down"})
	clk := &fakeClock{}
	m := NewTrailingManager(f, DefaultTrailingConfig(), nil, nil, clk)

	res, err := m.Update(context.Background(), longPos(), 2, NewState())
	require.NoError(t, err)
	assert.True(t, res.Armed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{400 * time.Millisecond, 400 * time.Millisecond}, clk.sleeps)
}

func TestTrailingOtherErrorNoRetry(t *testing.T) {
	f := openFake()
	f.FailNext("SetTrailingStop", &gateway.APIError{Code: gateway.CodeInvalidParams, Msg: "bad"})
	m := NewTrailingManager(f, DefaultTrailingConfig(), nil, nil, &fakeClock{})

	_, err := m.Update(context.Background(), longPos(), 2, NewState())
	require.Error(t, err)
	assert.Equal(t, 1, f.Count("SetTrailingStop"))
}

func TestTrailingNotModifiedIsSuccess(t *testing.T) {
	f := openFake()
	f.FailNext("SetTrailingStop", &gateway.APIError{Code: gateway.CodeNotModified, Msg: "not modified"})
	m := NewTrailingManager(f, DefaultTrailingConfig(), nil, nil, &fakeClock{})

	res, err := m.Update(context.Background(), longPos(), 2, NewState())
	require.NoError(t, err)
	assert.True(t, res.Armed)
}

func TestTrailingStateQueryError(t *testing.T) {
	f := openFake()
	f.FailNext("GetLiveProtectiveState", errors.New("timeout"))
	m := NewTrailingManager(f, DefaultTrailingConfig(), nil, nil, &fakeClock{})
	_, err := m.Update(context.Background(), longPos(), 2, NewState())
	assert.Error(t, err)
	assert.Zero(t, f.Count("SetTrailingStop"))
}

func TestBreakevenPrice(t *testing.T) {
	cfg := DefaultBreakevenConfig()
	_, ok := BreakevenPrice(100, order.SideLong, 101.5, 2, cfg)
	assert.False(t, ok)
	p, ok := BreakevenPrice(100, order.SideLong, 102, 2, cfg)
	assert.True(t, ok)
	assert.InDelta(t, 100.05, p, 1e-9)
	p, ok = BreakevenPrice(100, order.SideShort, 98, 2, cfg)
	assert.True(t, ok)
	assert.InDelta(t, 99.95, p, 1e-9)

	// ATR 为 0 时退回百分比
	_, ok = BreakevenPrice(100, order.SideLong, 100.3, 0, cfg)
	assert.False(t, ok)
	_, ok = BreakevenPrice(100, order.SideLong, 100.4, 0, cfg)
	assert.True(t, ok)

	cfg.Mode = BreakevenPct
	_, ok = BreakevenPrice(100, order.SideShort, 99.7, 5, cfg)
	assert.False(t, ok)
	_, ok = BreakevenPrice(100, order.SideShort, 99.5, 5, cfg)
	assert.True(t, ok)
}

func TestMaybeBreakevenOnce(t *testing.T) {
	f := openFake()
	m := NewBreakevenManager(f, DefaultBreakevenConfig(), nil, nil, &fakeClock{})
	st := NewState()

	p, moved, err := m.MaybeBreakeven(context.Background(), longPos(), 103, 2, st)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.InDelta(t, 100.05, p, 1e-9)

	_, moved, err = m.MaybeBreakeven(context.Background(), longPos(), 103, 2, st)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 1, f.Count("SetStopLossOnly"))
	require.Len(t, f.StopLosses, 1)
}

func TestMaybeBreakevenRetriesAfterFailure(t *testing.T) {
	f := openFake()
	f.FailNext("SetStopLossOnly", errors.New("connection reset"))
	m := NewBreakevenManager(f, DefaultBreakevenConfig(), nil, nil, &fakeClock{})
	st := NewState()

	_, moved, err := m.MaybeBreakeven(context.Background(), longPos(), 103, 2, st)
	require.Error(t, err)
	assert.False(t, moved)
	assert.False(t, st.BreakevenDone(longPos().Key()))

	_, moved, err = m.MaybeBreakeven(context.Background(), longPos(), 103, 2, st)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.True(t, st.BreakevenDone(longPos().Key()))
}

func TestMaybeBreakevenSkipsWhenStopAlreadyBetter(t *testing.T) {
	f := openFake()
	m := NewBreakevenManager(f, DefaultBreakevenConfig(), nil, nil, &fakeClock{})
	st := NewState()
	pos := longPos()
	pos.StopLoss = 100.5

	_, moved, err := m.MaybeBreakeven(context.Background(), pos, 103, 2, st)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Zero(t, f.Count("SetStopLossOnly"))
	assert.True(t, st.BreakevenDone(pos.Key()))
}

func TestMaybeBreakevenKeepsPositionIdx(t *testing.T) {
	f := openFake()
	m := NewBreakevenManager(f, DefaultBreakevenConfig(), nil, nil, &fakeClock{})
	pos := longPos()
	pos.PositionIdx = 1

	_, moved, err := m.MaybeBreakeven(context.Background(), pos, 103, 2, NewState())
	require.NoError(t, err)
	assert.True(t, moved)
	require.Len(t, f.StopLossReqs, 1)
	assert.Equal(t, 1, f.StopLossReqs[0].PositionIdx)
	assert.Equal(t, "BTCUSDT", f.StopLossReqs[0].Symbol)
}

func TestStateClearSymbol(t *testing.T) {
	st := NewState()
	st.MarkTrailing(order.Key{Symbol: "BTCUSDT", Side: order.SideLong})
	st.MarkBreakeven(order.Key{Symbol: "BTCUSDT", Side: order.SideLong})
	st.MarkBreakeven(order.Key{Symbol: "ETHUSDT", Side: order.SideShort})

	assert.Equal(t, 2, st.ClearSymbol("BTCUSDT"))
	assert.False(t, st.BreakevenDone(order.Key{Symbol: "BTCUSDT", Side: order.SideLong}))
	assert.True(t, st.BreakevenDone(order.Key{Symbol: "ETHUSDT", Side: order.SideShort}))
}

func TestFetchATR(t *testing.T) {
	f := gatewaytest.New()
	ts := time.Unix(0, 0)
	f.Candles["BTCUSDT"] = market.Window{
		{Ts: ts, Open: 10, High: 12, Low: 9, Close: 11},
		{Ts: ts.Add(time.Minute), Open: 11, High: 13, Low: 10, Close: 12},
		{Ts: ts.Add(2 * time.Minute), Open: 12, High: 14, Low: 11, Close: 13},
	}
	atr, last, err := FetchATR(context.Background(), f, "BTCUSDT", "5m", 2)
	require.NoError(t, err)
	assert.InDelta(t, 3, atr, 1e-9)
	assert.Equal(t, 13.0, last)

	atr, _, err = FetchATR(context.Background(), f, "BTCUSDT", "5m", 14)
	require.NoError(t, err)
	assert.Zero(t, atr)
}
