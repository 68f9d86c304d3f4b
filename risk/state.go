package risk

import "position-guard-go/order"

// State 保护单的进程内状态，由轮询循环独占，不做加锁。
type State struct {
	Trailing  map[order.Key]bool
	Breakeven map[order.Key]bool
}

func NewState() *State {
	return &State{
		Trailing:  make(map[order.Key]bool),
		Breakeven: make(map[order.Key]bool),
	}
}

func (s *State) TrailingArmed(k order.Key) bool { return s.Trailing[k] }
func (s *State) BreakevenDone(k order.Key) bool { return s.Breakeven[k] }
func (s *State) MarkTrailing(k order.Key)       { s.Trailing[k] = true }
func (s *State) MarkBreakeven(k order.Key)      { s.Breakeven[k] = true }

// ClearSymbol 在检测到平仓后清除该交易对的所有键，返回清除的数量。
func (s *State) ClearSymbol(symbol string) int {
	n := 0
	for k := range s.Trailing {
		if k.Symbol == symbol {
			delete(s.Trailing, k)
			n++
		}
	}
	for k := range s.Breakeven {
		if k.Symbol == symbol {
			delete(s.Breakeven, k)
			n++
		}
	}
	return n
}
