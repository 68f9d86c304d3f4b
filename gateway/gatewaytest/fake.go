// Package gatewaytest provides an in-memory gateway.Exchange for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"math"
	"sync"

	"position-guard-go/gateway"
	"position-guard-go/market"
)

// Fake 可编排的交易所替身。所有方法计数，错误按方法名注入。
type Fake struct {
	mu sync.Mutex

	Balance   gateway.Balance
	Tickers   map[string]gateway.Ticker
	Candles   map[string]market.Window
	TickSize  float64
	QtyStep   float64
	Positions map[string][]gateway.PositionInfo

	// OrderStatuses 依次返回给 FetchOrder；耗尽后重复最后一个。
	OrderStatuses []gateway.OrderStatus
	FillPrice     float64
	// OpenOnFill 成交时按最后一笔订单建立持仓视图。
	OpenOnFill bool

	// Errors 每个方法的错误队列，按调用顺序弹出；ErrorsAlways 每次都返回。
	Errors       map[string][]error
	ErrorsAlways map[string]error

	Calls      map[string]int
	Created    []gateway.OrderRequest
	Trailing   []gateway.TrailingStopRequest
	StopLosses []float64
	Leverage   map[string]int

	StopLossReqs []gateway.StopLossRequest

	nextID int
}

// New 返回带默认 BTCUSDT 数据的 Fake。
func New() *Fake {
	return &Fake{
		Balance:      gateway.Balance{"USDT": {Free: 1000, Total: 1000}},
		Tickers:      map[string]gateway.Ticker{"BTCUSDT": {Symbol: "BTCUSDT", Last: 50000}},
		Candles:      map[string]market.Window{},
		TickSize:     0.1,
		QtyStep:      0.001,
		Positions:    map[string][]gateway.PositionInfo{},
		Errors:       map[string][]error{},
		ErrorsAlways: map[string]error{},
		Calls:        map[string]int{},
		Leverage:     map[string]int{},
	}
}

// Total 返回全部方法调用次数之和。
func (f *Fake) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		n += c
	}
	return n
}

// Count 返回单个方法的调用次数。
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

// FailNext 为方法追加一次性错误。
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[method] = append(f.Errors[method], errs...)
}

// SetPosition 设置某交易对的持仓视图。
func (f *Fake) SetPosition(symbol string, p gateway.PositionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Symbol == "" {
		p.Symbol = symbol
	}
	f.Positions[gateway.NormalizeSymbol(symbol)] = []gateway.PositionInfo{p}
}

// ClearPosition 模拟平仓。
func (f *Fake) ClearPosition(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Positions, gateway.NormalizeSymbol(symbol))
}

// enter 计数并返回注入的错误；调用方持锁。
func (f *Fake) enter(method string) error {
	f.Calls[method]++
	if err, ok := f.ErrorsAlways[method]; ok && err != nil {
		return err
	}
	if q := f.Errors[method]; len(q) > 0 {
		f.Errors[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) FetchBalance(ctx context.Context) (gateway.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FetchBalance"); err != nil {
		return nil, err
	}
	out := make(gateway.Balance, len(f.Balance))
	for k, v := range f.Balance {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) FetchTicker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FetchTicker"); err != nil {
		return gateway.Ticker{}, err
	}
	t, ok := f.Tickers[gateway.NormalizeSymbol(symbol)]
	if !ok {
		return gateway.Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	return t, nil
}

func (f *Fake) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (market.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FetchOHLCV"); err != nil {
		return nil, err
	}
	w := f.Candles[gateway.NormalizeSymbol(symbol)]
	if limit > 0 && len(w) > limit {
		w = w[len(w)-limit:]
	}
	return append(market.Window(nil), w...), nil
}

func (f *Fake) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateOrder"); err != nil {
		return gateway.OrderHandle{}, err
	}
	f.nextID++
	f.Created = append(f.Created, req)
	return gateway.OrderHandle{
		ID:            fmt.Sprintf("ord-%d", f.nextID),
		ClientOrderID: req.LinkID,
		Status:        gateway.OrderOpen,
	}, nil
}

func (f *Fake) FetchOrder(ctx context.Context, id, symbol string) (gateway.OrderHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FetchOrder"); err != nil {
		return gateway.OrderHandle{}, err
	}
	status := gateway.OrderClosed
	if n := len(f.OrderStatuses); n > 0 {
		status = f.OrderStatuses[0]
		if n > 1 {
			f.OrderStatuses = f.OrderStatuses[1:]
		}
	}
	h := gateway.OrderHandle{ID: id, Status: status}
	if status == gateway.OrderClosed {
		h.AvgPrice = f.FillPrice
		if len(f.Created) > 0 {
			req := f.Created[len(f.Created)-1]
			h.FilledQty = req.Qty
			if f.OpenOnFill {
				f.Positions[gateway.NormalizeSymbol(req.Symbol)] = []gateway.PositionInfo{{
					Symbol:     gateway.NormalizeSymbol(req.Symbol),
					Side:       req.Side,
					Size:       req.Qty,
					AvgPrice:   f.FillPrice,
					StopLoss:   req.StopLoss,
					TakeProfit: req.TakeProfit,
				}}
			}
		}
	}
	return h, nil
}

func (f *Fake) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetLeverage"); err != nil {
		return err
	}
	f.Leverage[gateway.NormalizeSymbol(symbol)] = leverage
	return nil
}

func (f *Fake) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PriceToPrecision"); err != nil {
		return price, err
	}
	return roundTo(price, f.TickSize), nil
}

func (f *Fake) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AmountToPrecision"); err != nil {
		return amount, err
	}
	if f.QtyStep <= 0 {
		return amount, nil
	}
	return math.Floor(amount/f.QtyStep+1e-9) * f.QtyStep, nil
}

func (f *Fake) SetTrailingStop(ctx context.Context, req gateway.TrailingStopRequest) (gateway.RawResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetTrailingStop"); err != nil {
		return gateway.RawResponse{}, err
	}
	f.Trailing = append(f.Trailing, req)
	id := gateway.NormalizeSymbol(req.Symbol)
	for i := range f.Positions[id] {
		f.Positions[id][i].TrailingStop = req.ActivationPrice * req.CallbackRatePct / 100
	}
	return gateway.RawResponse{RetCode: gateway.CodeOK, RetMsg: "OK"}, nil
}

func (f *Fake) SetStopLossOnly(ctx context.Context, req gateway.StopLossRequest) (gateway.RawResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetStopLossOnly"); err != nil {
		return gateway.RawResponse{}, err
	}
	f.StopLosses = append(f.StopLosses, req.StopLoss)
	f.StopLossReqs = append(f.StopLossReqs, req)
	id := gateway.NormalizeSymbol(req.Symbol)
	for i := range f.Positions[id] {
		if f.Positions[id][i].PositionIdx == req.PositionIdx {
			f.Positions[id][i].StopLoss = req.StopLoss
		}
	}
	return gateway.RawResponse{RetCode: gateway.CodeOK, RetMsg: "OK"}, nil
}

func (f *Fake) GetLiveProtectiveState(ctx context.Context, symbol string) (gateway.RawResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetLiveProtectiveState"); err != nil {
		return gateway.RawResponse{}, err
	}
	list := append([]gateway.PositionInfo(nil), f.Positions[gateway.NormalizeSymbol(symbol)]...)
	return gateway.RawResponse{RetCode: gateway.CodeOK, RetMsg: "OK", List: list}, nil
}

func roundTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Round(v/step) * step
}

var _ gateway.Exchange = (*Fake)(nil)
