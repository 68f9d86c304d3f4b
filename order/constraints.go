package order

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"position-guard-go/gateway"
)

// stepEpsilon 防止浮点误差让 v/step 少算或多算一步。
const stepEpsilon = 1e-9

// InstrumentRule 描述交易对的步长与名义限制，单次会话内不变。
type InstrumentRule struct {
	QtyStep     float64
	MinOrderQty float64
	MaxOrderQty float64
	TickSize    float64
	MinNotional float64
}

// InvalidInstrumentError 交易对规则本身有误（调用方数据 bug）。
type InvalidInstrumentError struct {
	Field string
	Value float64
}

func (e *InvalidInstrumentError) Error() string {
	return fmt.Sprintf("invalid instrument rule: %s=%g must be > 0", e.Field, e.Value)
}

func (e *InvalidInstrumentError) Unwrap() error { return gateway.ErrValidation }

// Check 检查规则是否可用于归一化。
func (r InstrumentRule) Check() error {
	if r.QtyStep <= 0 {
		return &InvalidInstrumentError{Field: "qtyStep", Value: r.QtyStep}
	}
	if r.TickSize <= 0 {
		return &InvalidInstrumentError{Field: "tickSize", Value: r.TickSize}
	}
	return nil
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
func (r InstrumentRule) Validate(price, qty float64) error {
	if r.TickSize > 0 && !isMultiple(price, r.TickSize) {
		return fmt.Errorf("price %.8f not aligned to tickSize %.8f", price, r.TickSize)
	}
	if r.QtyStep > 0 && !isMultiple(qty, r.QtyStep) {
		return fmt.Errorf("qty %.8f not aligned to qtyStep %.8f", qty, r.QtyStep)
	}
	if r.MinOrderQty > 0 && qty < r.MinOrderQty-stepEpsilon {
		return fmt.Errorf("qty %.8f < minOrderQty %.8f", qty, r.MinOrderQty)
	}
	if r.MaxOrderQty > 0 && qty > r.MaxOrderQty+stepEpsilon {
		return fmt.Errorf("qty %.8f > maxOrderQty %.8f", qty, r.MaxOrderQty)
	}
	if r.MinNotional > 0 && price*qty < r.MinNotional {
		return fmt.Errorf("notional %.8f < minNotional %.8f", price*qty, r.MinNotional)
	}
	return nil
}

// Normalize 将数量与价格对齐到交易所步长：
// 价格向下取 tick，数量向下取 step 且不低于 minOrderQty，
// 名义不足 minNotional 时向上补到满足的最小 step 倍数。
func Normalize(rule InstrumentRule, qty, price float64) (qtyAdj, priceAdj float64, err error) {
	if err := rule.Check(); err != nil {
		return 0, 0, err
	}
	priceAdj = FloorToStep(price, rule.TickSize)

	qtyAdj = FloorToStep(qty, rule.QtyStep)
	if rule.MinOrderQty > 0 {
		if minQty := CeilToStep(rule.MinOrderQty, rule.QtyStep); qtyAdj < minQty {
			qtyAdj = minQty
		}
	}

	if rule.MinNotional > 0 && priceAdj > 0 && qtyAdj*priceAdj < rule.MinNotional {
		qtyAdj = CeilToStep(rule.MinNotional/priceAdj, rule.QtyStep)
		// 截断后仍可能差一点，逐步补齐
		for i := 0; i < 8 && qtyAdj*priceAdj < rule.MinNotional; i++ {
			qtyAdj = cleanStep(qtyAdj+rule.QtyStep, rule.QtyStep)
		}
	}
	return qtyAdj, priceAdj, nil
}

// FloorToStep 向下取整到 step 的整数倍。
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	n := math.Floor(v/step + stepEpsilon)
	return cleanStep(n*step, step)
}

// CeilToStep 向上取整到 step 的整数倍。
func CeilToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	n := math.Ceil(v/step - stepEpsilon)
	return cleanStep(n*step, step)
}

// RoundToStep 四舍五入到 step 的整数倍。
func RoundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return cleanStep(math.Round(v/step)*step, step)
}

// cleanStep 去掉 n*step 乘法带来的尾数噪声，保留 step 的小数位。
func cleanStep(v, step float64) float64 {
	places := int32(0)
	if exp := decimal.NewFromFloat(step).Exponent(); exp < 0 {
		places = -exp
	}
	out, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return out
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}
