package order

import "fmt"

// StateMachine 入场订单状态机：Requested → Placed → {Filled | Rejected | Canceled}，
// Error 可由 Requested 或 Placed 进入。终态不能再转换。
type StateMachine struct {
	next map[Status][]Status
}

func NewStateMachine() *StateMachine {
	return &StateMachine{next: map[Status][]Status{
		StatusRequested: {StatusPlaced, StatusRejected, StatusError},
		StatusPlaced:    {StatusFilled, StatusCanceled, StatusRejected, StatusError},
	}}
}

// ValidateTransition 相同状态视为合法（重复查询到同一状态）。
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, s := range sm.next[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("illegal entry transition: %s -> %s", from, to)
}

// Advance 校验后推进持仓状态。
func (sm *StateMachine) Advance(p *Position, to Status) error {
	if err := sm.ValidateTransition(p.State, to); err != nil {
		return err
	}
	p.State = to
	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态。
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	return append([]Status(nil), sm.next[current]...)
}

// IsFinalState 没有出边的状态即终态。
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusError:
		return true
	}
	return false
}
