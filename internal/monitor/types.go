package monitor

import (
	"time"

	"order-engine/internal/routing"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventRoutingDecision EventType = "routing_decision"
	EventExecution       EventType = "execution"
	EventFailure         EventType = "failure"
)

// Valid 判断事件类型是否已定义。
func (t EventType) Valid() bool {
	switch t {
	case EventRoutingDecision, EventExecution, EventFailure:
		return true
	default:
		return false
	}
}

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	OrderID   string      `json:"orderId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RoutingPayload 记录一次路由的全部报价与选择结果。
type RoutingPayload struct {
	Attempt  int              `json:"attempt"`
	Decision routing.Decision `json:"decision"`
}

// ExecutionPayload 记录成交结果。
type ExecutionPayload struct {
	Attempt       int     `json:"attempt"`
	Venue         string  `json:"venue"`
	TxHash        string  `json:"txHash"`
	ExecutedPrice float64 `json:"executedPrice"`
	AmountIn      float64 `json:"amountIn"`
	AmountOut     float64 `json:"amountOut"`
}

// FailurePayload 记录单次执行失败，重试时每次失败各记一条。
type FailurePayload struct {
	Attempt int    `json:"attempt"`
	Stage   string `json:"stage"`
	Error   string `json:"error"`
}
