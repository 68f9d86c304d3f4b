package order

import (
	"fmt"
	"strings"
)

// Side 持仓方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide 接受 long/short 以及 buy/sell。
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Sign long 为 +1，short 为 -1。
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// OrderSide 入场单方向（Bybit 写法）。
func (s Side) OrderSide() string {
	if s == SideShort {
		return "Sell"
	}
	return "Buy"
}

// SideFromExchange 将持仓的 Buy/Sell 映射回方向。
func SideFromExchange(s string) (Side, bool) {
	switch strings.ToLower(s) {
	case "buy":
		return SideLong, true
	case "sell":
		return SideShort, true
	default:
		return "", false
	}
}

// Status 入场订单生命周期状态。
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusPlaced    Status = "PLACED"
	StatusFilled    Status = "FILLED"
	StatusRejected  Status = "REJECTED"
	StatusCanceled  Status = "CANCELED"
	StatusError     Status = "ERROR"
)

// Position 由一次开仓调用独占的持仓视图。
type Position struct {
	Symbol     string
	Side       Side
	EntryPrice float64
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	OrderID    string
	LinkID     string
	State      Status

	// PositionIdx 交易所持仓索引，单向模式为 0
	PositionIdx int
}

// Key 返回 (symbol, side) 状态键。
func (p Position) Key() Key {
	return Key{Symbol: p.Symbol, Side: p.Side}
}

// Key 保护单状态按 (symbol, side) 索引。
type Key struct {
	Symbol string
	Side   Side
}

func (k Key) String() string {
	return k.Symbol + ":" + string(k.Side)
}
