package api

import (
	"time"

	"order-engine/internal/order"
)

// ExecuteResponse 为下单成功后的响应。
type ExecuteResponse struct {
	OrderID string       `json:"orderId"`
	Status  order.Status `json:"status"`
	Message string       `json:"message,omitempty"`
}

// ListResponse 为订单分页列表。
type ListResponse struct {
	Orders []order.Order `json:"orders"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// HealthResponse 为健康检查结果。
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Subscribers int       `json:"subscribers"`
}

// ErrorResponse 为统一的错误响应。
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}
