package order

import "fmt"

// Status 表示订单生命周期状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// transition 为状态图中的一条边。
type transition struct {
	from Status
	to   Status
}

// 合法迁移表。FAILED -> ROUTING 仅用于队列重试重新执行整条流水线。
var legalTransitions = map[transition]bool{
	{StatusPending, StatusRouting}:     true,
	{StatusRouting, StatusBuilding}:    true,
	{StatusBuilding, StatusSubmitted}:  true,
	{StatusSubmitted, StatusConfirmed}: true,

	{StatusPending, StatusFailed}:   true,
	{StatusRouting, StatusFailed}:   true,
	{StatusBuilding, StatusFailed}:  true,
	{StatusSubmitted, StatusFailed}: true,

	{StatusFailed, StatusRouting}: true,
}

// Valid 判断状态是否已定义。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// InFlight 判断订单是否处于执行中间阶段。
func (s Status) InFlight() bool {
	switch s {
	case StatusRouting, StatusBuilding, StatusSubmitted:
		return true
	default:
		return false
	}
}

// CanTransition 判断 from -> to 是否为状态图中的合法边。
func CanTransition(from, to Status) bool {
	return legalTransitions[transition{from: from, to: to}]
}

// ValidateTransition 校验状态迁移，不合法时返回 ErrInvalidTransition。
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
