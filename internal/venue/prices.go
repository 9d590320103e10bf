package venue

import "strings"

// PriceTable 为交易对基准价格表，键为 TOKENIN-TOKENOUT（不区分大小写）。
type PriceTable struct {
	prices map[string]float64
}

// NewPriceTable 由配置构造价格表。
func NewPriceTable(pairs map[string]float64) *PriceTable {
	prices := make(map[string]float64, len(pairs))
	for pair, price := range pairs {
		prices[strings.ToUpper(strings.TrimSpace(pair))] = price
	}
	return &PriceTable{prices: prices}
}

func pairKey(tokenIn, tokenOut string) string {
	return strings.ToUpper(strings.TrimSpace(tokenIn)) + "-" + strings.ToUpper(strings.TrimSpace(tokenOut))
}

// Base 返回 tokenIn 以 tokenOut 计价的基准价格。
// 未配置时取反向交易对的倒数，两者都没有时返回 1。
func (t *PriceTable) Base(tokenIn, tokenOut string) float64 {
	if p, ok := t.prices[pairKey(tokenIn, tokenOut)]; ok && p > 0 {
		return p
	}
	if p, ok := t.prices[pairKey(tokenOut, tokenIn)]; ok && p > 0 {
		return 1 / p
	}
	return 1
}
