package order

// minPrice 以下视为无效价格。
const minPrice = 1e-12

// SizeOrder 按风险比例与杠杆计算原始下单数量：balance * riskFraction * leverage / price。
func SizeOrder(balance, price, riskFraction float64, leverage int) float64 {
	if price <= minPrice {
		return 0
	}
	return balance * riskFraction * float64(leverage) / price
}
