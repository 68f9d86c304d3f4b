package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *BybitRESTClient {
	t.Helper()
	timeNowMillis = func() int64 { return 1234567890000 } // deterministic
	t.Cleanup(func() { timeNowMillis = func() int64 { return time.Now().UnixMilli() } })
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return &BybitRESTClient{
		BaseURL:    ts.URL,
		APIKey:     "key",
		Secret:     "secret",
		HTTPClient: ts.Client(),
	}
}

func writeResult(w http.ResponseWriter, result string) {
	io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":`+result+`}`)
}

const instrumentsBody = `{"list":[{"symbol":"BTCUSDT","lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","maxOrderQty":"100","minNotionalValue":"5"},"priceFilter":{"tickSize":"0.10"}}]}`

func TestBybitCreateOrderSignedWithTPSL(t *testing.T) {
	var body map[string]any
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/order/create", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "key", r.Header.Get("X-BAPI-API-KEY"))
		assert.Equal(t, "1234567890000", r.Header.Get("X-BAPI-TIMESTAMP"))
		assert.Equal(t, Sign("secret", 1234567890000, "key", 20000, string(raw)), r.Header.Get("X-BAPI-SIGN"))
		writeResult(w, `{"orderId":"1001","orderLinkId":"link-1"}`)
	})

	h, err := cli.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTC/USDT:USDT", Type: "market", Side: "Buy", Qty: 0.012,
		TakeProfit: 50500, StopLoss: 49750, LinkID: "link-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", h.ID)
	assert.Equal(t, "link-1", h.ClientOrderID)
	assert.Equal(t, OrderOpen, h.Status)
	assert.Equal(t, "BTCUSDT", body["symbol"])
	assert.Equal(t, "Market", body["orderType"])
	assert.Equal(t, "0.012", body["qty"])
	assert.Equal(t, "50500", body["takeProfit"])
	assert.Equal(t, "49750", body["stopLoss"])
	assert.Equal(t, "Full", body["tpslMode"])
}

func TestBybitRetCodeBecomesAPIError(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":110043,"retMsg":"leverage not modified","result":{}}`)
	})
	err := cli.SetLeverage(context.Background(), 3, "BTCUSDT")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeLeverageNotModified, apiErr.Code)
	assert.Equal(t, ClassIgnorable, Classify(err))
}

func TestBybitHTTP429IsRateLimit(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "too many visits")
	})
	_, err := cli.SetTrailingStop(context.Background(), TrailingStopRequest{Symbol: "BTCUSDT", ActivationPrice: 100, CallbackRatePct: 1})
	require.Error(t, err)
	assert.True(t, IsRateLimit(err))
}

func TestBybitFetchOHLCVAscending(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("interval"))
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		writeResult(w, `{"list":[
			["1700000120000","12","14","11","13","5","0"],
			["1700000060000","11","13","10","12","4","0"],
			["1700000000000","10","12","9","11","3","0"]]}`)
	})
	win, err := cli.FetchOHLCV(context.Background(), "BTCUSDT", "5m", 3)
	require.NoError(t, err)
	require.Len(t, win, 3)
	assert.True(t, win.Ascending())
	assert.Equal(t, 11.0, win[0].Close)
	assert.Equal(t, 13.0, win.LastClose())
	assert.Equal(t, 5.0, win[2].Volume)
}

func TestBybitFetchOrderFallsBackToHistory(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/order/realtime":
			writeResult(w, `{"list":[]}`)
		case "/v5/order/history":
			writeResult(w, `{"list":[{"orderId":"1001","orderLinkId":"x","orderStatus":"Filled","avgPrice":"50010.5","cumExecQty":"0.012"}]}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	h, err := cli.FetchOrder(context.Background(), "1001", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, OrderClosed, h.Status)
	assert.Equal(t, 50010.5, h.AvgPrice)
	assert.Equal(t, 0.012, h.FilledQty)
}

func TestBybitInstrumentCachedAndPrecision(t *testing.T) {
	calls := 0
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/market/instruments-info", r.URL.Path)
		calls++
		writeResult(w, instrumentsBody)
	})
	ctx := context.Background()
	info, err := cli.Instrument(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.001, info.QtyStep)
	assert.Equal(t, 5.0, info.MinNotional)

	px, err := cli.PriceToPrecision(ctx, "BTCUSDT", 50500.06)
	require.NoError(t, err)
	assert.InDelta(t, 50500.1, px, 1e-9)

	qty, err := cli.AmountToPrecision(ctx, "BTCUSDT", 0.0129)
	require.NoError(t, err)
	assert.InDelta(t, 0.012, qty, 1e-12)
	assert.Equal(t, 1, calls)
}

func TestBybitTrailingStopConvertsPercentToDistance(t *testing.T) {
	var body map[string]any
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/instruments-info":
			writeResult(w, instrumentsBody)
		case "/v5/position/trading-stop":
			raw, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(raw, &body))
			writeResult(w, `{}`)
		}
	})
	resp, err := cli.SetTrailingStop(context.Background(), TrailingStopRequest{Symbol: "BTCUSDT", ActivationPrice: 51000, CallbackRatePct: 1.5})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.RetCode)
	assert.Equal(t, "765", body["trailingStop"])
	assert.Equal(t, "51000", body["activePrice"])
}

func TestBybitLiveProtectiveState(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `{"list":[{"symbol":"BTCUSDT","side":"Buy","size":"0.012","avgPrice":"50000","trailingStop":"0","stopLoss":"49750","takeProfit":"","positionIdx":0}]}`)
	})
	resp, err := cli.GetLiveProtectiveState(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, resp.List, 1)
	p := resp.List[0]
	assert.True(t, p.Open())
	assert.Equal(t, 0.0, p.TrailingStop)
	assert.Equal(t, 49750.0, p.StopLoss)
	assert.Equal(t, 0.0, p.TakeProfit)
}

func TestBybitFetchBalance(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UNIFIED", r.URL.Query().Get("accountType"))
		writeResult(w, `{"list":[{"coin":[{"coin":"USDT","walletBalance":"1200","availableToWithdraw":"1000"},{"coin":"BTC","walletBalance":"0.1","availableToWithdraw":""}]}]}`)
	})
	bal, err := cli.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, bal.Free("USDT"))
	assert.Equal(t, 0.1, bal.Free("BTC"))
	assert.Equal(t, 0.0, bal.Free("ETH"))
}

func TestClientWithoutHTTPClient(t *testing.T) {
	ctx := context.Background()
	for name, cli := range map[string]*BybitRESTClient{"nil": nil, "no http client": {BaseURL: "http://127.0.0.1"}} {
		t.Run(name, func(t *testing.T) {
			_, err := cli.FetchTicker(ctx, "BTCUSDT")
			assert.ErrorIs(t, err, errNoClient)
			_, err = cli.FetchBalance(ctx)
			assert.ErrorIs(t, err, errNoClient)
			_, err = cli.FetchOHLCV(ctx, "BTCUSDT", "5m", 15)
			assert.ErrorIs(t, err, errNoClient)
			_, err = cli.CreateOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "Buy", Qty: 1})
			assert.ErrorIs(t, err, errNoClient)
			_, err = cli.FetchOrder(ctx, "1", "BTCUSDT")
			assert.ErrorIs(t, err, errNoClient)
			assert.ErrorIs(t, cli.SetLeverage(ctx, 3, "BTCUSDT"), errNoClient)
			_, err = cli.Instrument(ctx, "BTCUSDT")
			assert.ErrorIs(t, err, errNoClient)
			_, err = cli.PriceToPrecision(ctx, "BTCUSDT", 1)
			assert.ErrorIs(t, err, errNoClient)
			_, err = cli.SetTrailingStop(ctx, TrailingStopRequest{Symbol: "BTCUSDT", ActivationPrice: 1, CallbackRatePct: 1})
			assert.ErrorIs(t, err, errNoClient)
			_, err = cli.SetStopLossOnly(ctx, StopLossRequest{Symbol: "BTCUSDT", StopLoss: 1})
			assert.ErrorIs(t, err, errNoClient)
			_, err = cli.GetLiveProtectiveState(ctx, "BTCUSDT")
			assert.ErrorIs(t, err, errNoClient)
			_, err = cli.ServerTime(ctx)
			assert.ErrorIs(t, err, errNoClient)
		})
	}
}

func TestBybitStopLossOnlyKeepsPositionIdx(t *testing.T) {
	var body map[string]any
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/position/trading-stop", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		writeResult(w, `{}`)
	})
	_, err := cli.SetStopLossOnly(context.Background(), StopLossRequest{Symbol: "BTC/USDT:USDT", StopLoss: 50025.5, PositionIdx: 2})
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", body["symbol"])
	assert.Equal(t, "50025.5", body["stopLoss"])
	assert.EqualValues(t, 2, body["positionIdx"])
	assert.Equal(t, "LastPrice", body["slTriggerBy"])
	_, hasTrailing := body["trailingStop"]
	assert.False(t, hasTrailing)
}

func TestNewHTTPClientProxy(t *testing.T) {
	cli, err := NewHTTPClient("")
	require.NoError(t, err)
	assert.Nil(t, cli.Transport)

	cli, err = NewHTTPClient("http://127.0.0.1:3128")
	require.NoError(t, err)
	tr, ok := cli.Transport.(*http.Transport)
	require.True(t, ok)
	req, _ := http.NewRequest(http.MethodGet, "https://api.bybit.com/v5/market/time", nil)
	u, err := tr.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3128", u.Host)

	_, err = NewHTTPClient("127.0.0.1:3128")
	assert.Error(t, err)
}
