// size_probe 离线计算开仓数量与止盈止损，不访问网络。
package main

import (
	"flag"
	"fmt"
	"log"

	"position-guard-go/order"
)

func main() {
	balance := flag.Float64("balance", 1000, "可用保证金（USDT）")
	price := flag.Float64("price", 50000, "入场参考价")
	risk := flag.Float64("risk", 0.2, "风险比例 0-1")
	leverage := flag.Int("leverage", 3, "杠杆倍数")
	side := flag.String("side", "long", "long | short")
	qtyStep := flag.Float64("qtyStep", 0.001, "数量步长")
	minQty := flag.Float64("minQty", 0.001, "最小下单数量")
	maxQty := flag.Float64("maxQty", 0, "最大下单数量，0 表示不限")
	tick := flag.Float64("tick", 0.1, "价格步长")
	minNotional := flag.Float64("minNotional", 5, "最小名义价值")
	tpPct := flag.Float64("tpPct", 0.01, "止盈百分比")
	slPct := flag.Float64("slPct", 0.005, "止损百分比")
	flag.Parse()

	s, err := order.ParseSide(*side)
	if err != nil {
		log.Fatalf("%v", err)
	}
	rule := order.InstrumentRule{
		QtyStep:     *qtyStep,
		MinOrderQty: *minQty,
		MaxOrderQty: *maxQty,
		TickSize:    *tick,
		MinNotional: *minNotional,
	}

	raw := order.SizeOrder(*balance, *price, *risk, *leverage)
	qty, px, err := order.Normalize(rule, raw, *price)
	if err != nil {
		log.Fatalf("交易对规则无效: %v", err)
	}
	sign := s.Sign()
	tp := order.RoundToStep(px*(1+sign*(*tpPct)), *tick)
	sl := order.RoundToStep(px*(1-sign*(*slPct)), *tick)

	fmt.Printf("raw_qty=%.8f qty=%g price=%g notional=%.4f\n", raw, qty, px, qty*px)
	fmt.Printf("side=%s order_side=%s tp=%g sl=%g\n", s, s.OrderSide(), tp, sl)
	if qty <= 0 {
		fmt.Println("qty<=0 after adjust: 余额不足以满足最小下单量")
	}
}
