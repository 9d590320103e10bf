package order

import "errors"

var (
	// ErrNotFound 表示引用的订单不存在。
	ErrNotFound = errors.New("order not found")
	// ErrVenueNotSelected 表示执行前未完成路由，属于程序不变量被破坏。
	ErrVenueNotSelected = errors.New("venue not selected for order")
	// ErrInvalidTransition 表示状态迁移不在状态图内。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrValidation 表示订单请求格式不合法。
	ErrValidation = errors.New("invalid order request")
)
