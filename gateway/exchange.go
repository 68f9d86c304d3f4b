package gateway

import (
	"context"

	"position-guard-go/market"
)

// OrderStatus 统一后的订单状态。
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderClosed   OrderStatus = "closed"
	OrderCanceled OrderStatus = "canceled"
	OrderRejected OrderStatus = "rejected"
	OrderUnknown  OrderStatus = "unknown"
)

// Terminal 表示订单不会再变化。
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderClosed, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// AssetBalance 单一资产余额。
type AssetBalance struct {
	Free  float64
	Total float64
}

// Balance 按资产代码索引，例如 "USDT"。
type Balance map[string]AssetBalance

// Free 返回资产可用余额，不存在时为 0。
func (b Balance) Free(asset string) float64 {
	return b[asset].Free
}

// Ticker 最新成交价快照。
type Ticker struct {
	Symbol string
	Last   float64
	Close  float64
}

// Price 优先 last，其次 close。
func (t Ticker) Price() float64 {
	if t.Last > 0 {
		return t.Last
	}
	return t.Close
}

// OrderRequest 下单参数；止盈止损随单提交，一次往返完成。
type OrderRequest struct {
	Symbol     string
	Type       string // market / limit
	Side       string // Buy / Sell
	Qty        float64
	Price      float64 // market 单为 0
	TakeProfit float64
	StopLoss   float64
	LinkID     string
}

// OrderHandle 交易所返回的订单视图。
type OrderHandle struct {
	ID            string
	ClientOrderID string
	Status        OrderStatus
	AvgPrice      float64
	FilledQty     float64
}

// TrailingStopRequest 设置移动止损。CallbackRatePct 以百分比表示（1.0 = 1%）。
type TrailingStopRequest struct {
	Symbol          string
	ActivationPrice float64
	CallbackRatePct float64
	PositionIdx     int
	TriggerBy       string
}

// StopLossRequest 只修改止损；PositionIdx 在双向持仓模式下区分多空。
type StopLossRequest struct {
	Symbol      string
	StopLoss    float64
	PositionIdx int
	TriggerBy   string
}

// PositionInfo 持仓及其保护单状态。
type PositionInfo struct {
	Symbol       string
	Side         string // Buy / Sell / ""（空仓）
	Size         float64
	AvgPrice     float64
	TrailingStop float64
	StopLoss     float64
	TakeProfit   float64
	PositionIdx  int
}

// Open 表示该条目代表一个非零持仓。
func (p PositionInfo) Open() bool {
	return p.Size > 0
}

// RawResponse 交易所原始回执。
type RawResponse struct {
	RetCode int
	RetMsg  string
	List    []PositionInfo
}

// Exchange 是核心逻辑依赖的全部交易所能力。
type Exchange interface {
	FetchBalance(ctx context.Context) (Balance, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (market.Window, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	FetchOrder(ctx context.Context, id, symbol string) (OrderHandle, error)
	SetLeverage(ctx context.Context, leverage int, symbol string) error
	PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error)
	AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error)
	SetTrailingStop(ctx context.Context, req TrailingStopRequest) (RawResponse, error)
	SetStopLossOnly(ctx context.Context, req StopLossRequest) (RawResponse, error)
	GetLiveProtectiveState(ctx context.Context, symbol string) (RawResponse, error)
}
