package order

import "time"

// Type 表示订单类型，影响后续路由策略。
type Type string

const (
	TypeMarket Type = "market"
	TypeLimit  Type = "limit"
	TypeSniper Type = "sniper"
)

// Valid 判断订单类型是否受支持。
func (t Type) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeSniper:
		return true
	default:
		return false
	}
}

// DefaultSlippageTolerance 为未指定滑点容忍度时的默认值。
const DefaultSlippageTolerance = 0.01

// Order 为订单身份与可变的执行记录。
type Order struct {
	ID                string    `json:"id"`
	Type              Type      `json:"type"`
	TokenIn           string    `json:"tokenIn"`
	TokenOut          string    `json:"tokenOut"`
	AmountIn          float64   `json:"amountIn"`
	AmountOut         *float64  `json:"amountOut,omitempty"`
	LimitPrice        *float64  `json:"limitPrice,omitempty"`
	SlippageTolerance float64   `json:"slippageTolerance"`
	Status            Status    `json:"status"`
	Venue             string    `json:"venue,omitempty"`
	TxHash            string    `json:"txHash,omitempty"`
	ExecutedPrice     *float64  `json:"executedPrice,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Request 为创建订单的请求。
type Request struct {
	Type              Type     `json:"type"`
	TokenIn           string   `json:"tokenIn"`
	TokenOut          string   `json:"tokenOut"`
	AmountIn          float64  `json:"amountIn"`
	LimitPrice        *float64 `json:"limitPrice,omitempty"`
	SlippageTolerance *float64 `json:"slippageTolerance,omitempty"`
}

// Patch 描述一次状态迁移时需要合并的字段，nil 表示保持不变。
type Patch struct {
	Venue         *string
	TxHash        *string
	ExecutedPrice *float64
	AmountOut     *float64
	Error         *string
}

// Apply 将 patch 合并到订单上，并维护 error/txHash 与终态之间的一致性。
func (p Patch) Apply(o *Order, status Status, now time.Time) {
	if p.Venue != nil {
		o.Venue = *p.Venue
	}
	if p.TxHash != nil {
		o.TxHash = *p.TxHash
	}
	if p.ExecutedPrice != nil {
		v := *p.ExecutedPrice
		o.ExecutedPrice = &v
	}
	if p.AmountOut != nil {
		v := *p.AmountOut
		o.AmountOut = &v
	}
	if p.Error != nil {
		o.Error = *p.Error
	}
	if status != StatusFailed {
		o.Error = ""
	}
	if status != StatusConfirmed {
		o.TxHash = ""
		o.ExecutedPrice = nil
		o.AmountOut = nil
	}
	o.Status = status
	o.UpdatedAt = now
}

// Ptr 返回值的指针，便于构造 Patch。
func Ptr[T any](v T) *T {
	return &v
}
