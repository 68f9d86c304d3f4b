package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"position-guard-go/market"
)

// BybitRESTClient Bybit v5（linear 永续）签名客户端；HTTPClient 可注入 httptest。
type BybitRESTClient struct {
	BaseURL      string
	APIKey       string
	Secret       string
	HTTPClient   *http.Client
	RecvWindowMs int
	Limiter      RateLimiter
	Category     string // 默认 linear
	AccountType  string // 默认 UNIFIED

	mu          sync.RWMutex
	instruments map[string]InstrumentInfo
}

var _ Exchange = (*BybitRESTClient)(nil)

// InstrumentInfo 交易对步长/最小下单限制。
type InstrumentInfo struct {
	Symbol      string
	QtyStep     float64
	MinOrderQty float64
	MaxOrderQty float64
	TickSize    float64
	MinNotional float64
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// flexFloat 兼容 Bybit 以字符串返回的数值（含空串）。
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// errNoClient 未配置 HTTPClient（或 nil 客户端）时所有方法返回该错误。
var errNoClient = errors.New("http client not set")

func (c *BybitRESTClient) category() string {
	if c == nil || c.Category == "" {
		return "linear"
	}
	return c.Category
}

func (c *BybitRESTClient) recvWindow() int {
	if c == nil || c.RecvWindowMs <= 0 {
		return 20000
	}
	return c.RecvWindowMs
}

// do 发送请求并解析信封；retCode != 0 时返回 *APIError，同时返回原始信封。
func (c *BybitRESTClient) do(ctx context.Context, method, path string, params map[string]string, body any, signed bool, out any) (envelope, error) {
	var env envelope
	if c == nil || c.HTTPClient == nil {
		return env, errNoClient
	}
	if c.Limiter != nil {
		c.Limiter.Wait()
	}

	var payload string
	var reader io.Reader
	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	if method == http.MethodGet {
		payload = EncodeQuery(params)
		if payload != "" {
			endpoint += "?" + payload
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return env, fmt.Errorf("encode body: %w", err)
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return env, err
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		ts := timeNowMillis()
		req.Header.Set("X-BAPI-API-KEY", c.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10))
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(c.recvWindow()))
		req.Header.Set("X-BAPI-SIGN", Sign(c.Secret, ts, c.APIKey, c.recvWindow(), payload))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return env, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return env, &APIError{HTTPStatus: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
		}
		return env, fmt.Errorf("decode %s: %w", path, err)
	}
	if env.RetCode != CodeOK {
		return env, &APIError{Code: env.RetCode, Msg: env.RetMsg, HTTPStatus: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return env, &APIError{HTTPStatus: resp.StatusCode, Msg: env.RetMsg}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return env, fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return env, nil
}

// FetchBalance 调用 /v5/account/wallet-balance。
func (c *BybitRESTClient) FetchBalance(ctx context.Context) (Balance, error) {
	accountType := "UNIFIED"
	if c != nil && c.AccountType != "" {
		accountType = c.AccountType
	}
	var res struct {
		List []struct {
			Coin []struct {
				Coin                string    `json:"coin"`
				WalletBalance       flexFloat `json:"walletBalance"`
				AvailableToWithdraw flexFloat `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", map[string]string{"accountType": accountType}, nil, true, &res); err != nil {
		return nil, err
	}
	bal := make(Balance)
	for _, acct := range res.List {
		for _, coin := range acct.Coin {
			free := float64(coin.AvailableToWithdraw)
			if free <= 0 {
				free = float64(coin.WalletBalance)
			}
			bal[coin.Coin] = AssetBalance{Free: free, Total: float64(coin.WalletBalance)}
		}
	}
	return bal, nil
}

// FetchTicker 调用 /v5/market/tickers。
func (c *BybitRESTClient) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	id := NormalizeSymbol(symbol)
	var res struct {
		List []struct {
			Symbol    string    `json:"symbol"`
			LastPrice flexFloat `json:"lastPrice"`
			MarkPrice flexFloat `json:"markPrice"`
		} `json:"list"`
	}
	params := map[string]string{"category": c.category(), "symbol": id}
	if _, err := c.do(ctx, http.MethodGet, "/v5/market/tickers", params, nil, false, &res); err != nil {
		return Ticker{}, err
	}
	if len(res.List) == 0 {
		return Ticker{}, fmt.Errorf("ticker empty for %s", id)
	}
	t := res.List[0]
	return Ticker{Symbol: t.Symbol, Last: float64(t.LastPrice), Close: float64(t.MarkPrice)}, nil
}

// FetchOHLCV 调用 /v5/market/kline，返回按时间升序的窗口。
func (c *BybitRESTClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (market.Window, error) {
	var res struct {
		List [][]string `json:"list"`
	}
	params := map[string]string{
		"category": c.category(),
		"symbol":   NormalizeSymbol(symbol),
		"interval": Interval(timeframe),
		"limit":    strconv.Itoa(limit),
	}
	if _, err := c.do(ctx, http.MethodGet, "/v5/market/kline", params, nil, false, &res); err != nil {
		return nil, err
	}
	w := make(market.Window, 0, len(res.List))
	// Bybit 按时间倒序返回
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row has %d fields", len(row))
		}
		vals := make([]float64, 6)
		for j := 0; j < 6; j++ {
			v, err := strconv.ParseFloat(row[j], 64)
			if err != nil {
				return nil, fmt.Errorf("kline field %d: %w", j, err)
			}
			vals[j] = v
		}
		w = append(w, market.Kline{
			Ts:     time.UnixMilli(int64(vals[0])).UTC(),
			Open:   vals[1],
			High:   vals[2],
			Low:    vals[3],
			Close:  vals[4],
			Volume: vals[5],
		})
	}
	return w, nil
}

// CreateOrder 调用 /v5/order/create，止盈止损作为订单参数随单提交。
func (c *BybitRESTClient) CreateOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	body := map[string]any{
		"category":    c.category(),
		"symbol":      NormalizeSymbol(req.Symbol),
		"side":        req.Side,
		"orderType":   "Market",
		"qty":         formatNum(req.Qty),
		"positionIdx": 0,
	}
	if strings.EqualFold(req.Type, "limit") {
		body["orderType"] = "Limit"
		body["price"] = formatNum(req.Price)
		body["timeInForce"] = "GTC"
	}
	if req.TakeProfit > 0 || req.StopLoss > 0 {
		body["tpslMode"] = "Full"
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = formatNum(req.TakeProfit)
		body["tpTriggerBy"] = "LastPrice"
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = formatNum(req.StopLoss)
		body["slTriggerBy"] = "LastPrice"
	}
	if req.LinkID != "" {
		body["orderLinkId"] = req.LinkID
	}
	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &res); err != nil {
		return OrderHandle{}, err
	}
	if res.OrderID == "" {
		return OrderHandle{}, fmt.Errorf("empty orderId")
	}
	return OrderHandle{ID: res.OrderID, ClientOrderID: res.OrderLinkID, Status: OrderOpen}, nil
}

type orderRow struct {
	OrderID     string    `json:"orderId"`
	OrderLinkID string    `json:"orderLinkId"`
	OrderStatus string    `json:"orderStatus"`
	AvgPrice    flexFloat `json:"avgPrice"`
	CumExecQty  flexFloat `json:"cumExecQty"`
}

// FetchOrder 先查 /v5/order/realtime，查不到再查 /v5/order/history。
func (c *BybitRESTClient) FetchOrder(ctx context.Context, id, symbol string) (OrderHandle, error) {
	params := map[string]string{"category": c.category(), "symbol": NormalizeSymbol(symbol), "orderId": id}
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var res struct {
			List []orderRow `json:"list"`
		}
		if _, err := c.do(ctx, http.MethodGet, path, params, nil, true, &res); err != nil {
			return OrderHandle{}, err
		}
		if len(res.List) > 0 {
			row := res.List[0]
			return OrderHandle{
				ID:            row.OrderID,
				ClientOrderID: row.OrderLinkID,
				Status:        mapOrderStatus(row.OrderStatus),
				AvgPrice:      float64(row.AvgPrice),
				FilledQty:     float64(row.CumExecQty),
			}, nil
		}
	}
	return OrderHandle{ID: id, Status: OrderUnknown}, nil
}

func mapOrderStatus(s string) OrderStatus {
	switch s {
	case "New", "PartiallyFilled", "Untriggered", "Created", "Triggered", "Active":
		return OrderOpen
	case "Filled":
		return OrderClosed
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return OrderCanceled
	case "Rejected":
		return OrderRejected
	default:
		return OrderUnknown
	}
}

// SetLeverage 调用 /v5/position/set-leverage；110043 原样以 *APIError 返回。
func (c *BybitRESTClient) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	body := map[string]any{
		"category":     c.category(),
		"symbol":       NormalizeSymbol(symbol),
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	_, err := c.do(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, true, nil)
	return err
}

// Instrument 返回缓存的交易对规则，首次调用 /v5/market/instruments-info。
func (c *BybitRESTClient) Instrument(ctx context.Context, symbol string) (InstrumentInfo, error) {
	if c == nil {
		return InstrumentInfo{}, errNoClient
	}
	id := NormalizeSymbol(symbol)
	c.mu.RLock()
	info, ok := c.instruments[id]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}
	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep          flexFloat `json:"qtyStep"`
				MinOrderQty      flexFloat `json:"minOrderQty"`
				MaxOrderQty      flexFloat `json:"maxOrderQty"`
				MinNotionalValue flexFloat `json:"minNotionalValue"`
				MinOrderAmt      flexFloat `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize flexFloat `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	params := map[string]string{"category": c.category(), "symbol": id}
	if _, err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", params, nil, false, &res); err != nil {
		return InstrumentInfo{}, err
	}
	if len(res.List) == 0 {
		return InstrumentInfo{}, fmt.Errorf("instruments-info empty for %s", id)
	}
	row := res.List[0]
	info = InstrumentInfo{
		Symbol:      id,
		QtyStep:     float64(row.LotSizeFilter.QtyStep),
		MinOrderQty: float64(row.LotSizeFilter.MinOrderQty),
		MaxOrderQty: float64(row.LotSizeFilter.MaxOrderQty),
		TickSize:    float64(row.PriceFilter.TickSize),
		MinNotional: float64(row.LotSizeFilter.MinNotionalValue),
	}
	if info.MinNotional == 0 {
		info.MinNotional = float64(row.LotSizeFilter.MinOrderAmt)
	}
	if info.MinOrderQty == 0 {
		info.MinOrderQty = info.QtyStep
	}
	c.mu.Lock()
	if c.instruments == nil {
		c.instruments = make(map[string]InstrumentInfo)
	}
	c.instruments[id] = info
	c.mu.Unlock()
	return info, nil
}

// PriceToPrecision 按 tickSize 四舍五入。
func (c *BybitRESTClient) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	info, err := c.Instrument(ctx, symbol)
	if err != nil {
		return price, err
	}
	return roundToStep(price, info.TickSize), nil
}

// AmountToPrecision 按 qtyStep 向下截断。
func (c *BybitRESTClient) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	info, err := c.Instrument(ctx, symbol)
	if err != nil {
		return amount, err
	}
	return truncateToStep(amount, info.QtyStep), nil
}

// SetTrailingStop 调用 /v5/position/trading-stop。
// Bybit 的 trailingStop 字段是价格距离，这里由回调百分比换算：activation * pct / 100。
func (c *BybitRESTClient) SetTrailingStop(ctx context.Context, req TrailingStopRequest) (RawResponse, error) {
	distance := req.ActivationPrice * req.CallbackRatePct / 100
	if info, err := c.Instrument(ctx, req.Symbol); err == nil && info.TickSize > 0 {
		distance = roundToStep(distance, info.TickSize)
		if distance < info.TickSize {
			distance = info.TickSize
		}
	}
	triggerBy := req.TriggerBy
	if triggerBy == "" {
		triggerBy = "LastPrice"
	}
	body := map[string]any{
		"category":     c.category(),
		"symbol":       NormalizeSymbol(req.Symbol),
		"tpslMode":     "Full",
		"positionIdx":  req.PositionIdx,
		"trailingStop": formatNum(distance),
		"activePrice":  formatNum(req.ActivationPrice),
		"tpOrderType":  "Market",
		"slOrderType":  "Market",
		"tpTriggerBy":  triggerBy,
		"slTriggerBy":  triggerBy,
	}
	env, err := c.do(ctx, http.MethodPost, "/v5/position/trading-stop", nil, body, true, nil)
	return RawResponse{RetCode: env.RetCode, RetMsg: env.RetMsg}, err
}

// SetStopLossOnly 通过同一 trading-stop 接口只改止损（保本）。
func (c *BybitRESTClient) SetStopLossOnly(ctx context.Context, req StopLossRequest) (RawResponse, error) {
	triggerBy := req.TriggerBy
	if triggerBy == "" {
		triggerBy = "LastPrice"
	}
	body := map[string]any{
		"category":    c.category(),
		"symbol":      NormalizeSymbol(req.Symbol),
		"positionIdx": req.PositionIdx,
		"tpslMode":    "Full",
		"stopLoss":    formatNum(req.StopLoss),
		"slOrderType": "Market",
		"slTriggerBy": triggerBy,
	}
	env, err := c.do(ctx, http.MethodPost, "/v5/position/trading-stop", nil, body, true, nil)
	return RawResponse{RetCode: env.RetCode, RetMsg: env.RetMsg}, err
}

// GetLiveProtectiveState 调用 /v5/position/list，返回持仓及其 trailingStop/stopLoss。
func (c *BybitRESTClient) GetLiveProtectiveState(ctx context.Context, symbol string) (RawResponse, error) {
	var res struct {
		List []struct {
			Symbol       string    `json:"symbol"`
			Side         string    `json:"side"`
			Size         flexFloat `json:"size"`
			AvgPrice     flexFloat `json:"avgPrice"`
			TrailingStop flexFloat `json:"trailingStop"`
			StopLoss     flexFloat `json:"stopLoss"`
			TakeProfit   flexFloat `json:"takeProfit"`
			PositionIdx  int       `json:"positionIdx"`
		} `json:"list"`
	}
	params := map[string]string{"category": c.category(), "symbol": NormalizeSymbol(symbol)}
	env, err := c.do(ctx, http.MethodGet, "/v5/position/list", params, nil, true, &res)
	out := RawResponse{RetCode: env.RetCode, RetMsg: env.RetMsg}
	if err != nil {
		return out, err
	}
	for _, p := range res.List {
		out.List = append(out.List, PositionInfo{
			Symbol:       p.Symbol,
			Side:         p.Side,
			Size:         float64(p.Size),
			AvgPrice:     float64(p.AvgPrice),
			TrailingStop: float64(p.TrailingStop),
			StopLoss:     float64(p.StopLoss),
			TakeProfit:   float64(p.TakeProfit),
			PositionIdx:  p.PositionIdx,
		})
	}
	return out, nil
}

// ServerTime 返回交易所时间，用于启动时检查本机时钟漂移。
func (c *BybitRESTClient) ServerTime(ctx context.Context) (time.Time, error) {
	var res struct {
		TimeNano string `json:"timeNano"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v5/market/time", nil, nil, false, &res); err != nil {
		return time.Time{}, err
	}
	ns, err := strconv.ParseInt(res.TimeNano, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse server time: %w", err)
	}
	return time.Unix(0, ns).UTC(), nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// NewHTTPClient 与 NewDefaultHTTPClient 相同，proxy 非空时所有请求走该代理（http/https/socks5）。
func NewHTTPClient(proxy string) (*http.Client, error) {
	cli := NewDefaultHTTPClient()
	if strings.TrimSpace(proxy) == "" {
		return cli, nil
	}
	u, err := url.Parse(strings.TrimSpace(proxy))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy url %q", proxy)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = http.ProxyURL(u)
	cli.Transport = tr
	return cli, nil
}

func formatNum(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func roundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Round(0).Mul(s).InexactFloat64()
}

func truncateToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Floor().Mul(s).InexactFloat64()
}
