package venue

import (
	"context"
	"errors"
	"fmt"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"order-engine/internal/order"
)

var (
	// ErrUnavailable 表示场所暂时不可用，可由队列重试。
	ErrUnavailable = errors.New("venue unavailable")
	// ErrUnknownVenue 表示按名称找不到场所。
	ErrUnknownVenue = errors.New("unknown venue")
)

// Quote 为单个场所针对一次路由给出的报价，不落库。
type Quote struct {
	Venue     string  `json:"venue"`
	Price     float64 `json:"price"`
	Fee       float64 `json:"fee"`
	AmountOut float64 `json:"amountOut"`
	Liquidity float64 `json:"liquidity"`
}

// Execution 为场所成交回执。
type Execution struct {
	TxHash        string  `json:"txHash"`
	ExecutedPrice float64 `json:"executedPrice"`
}

// Venue 为执行场所能力：报价与成交。
type Venue interface {
	Name() string
	Quote(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (Quote, error)
	Execute(ctx context.Context, o order.Order) (Execution, error)
}

// Registry 按配置顺序保存场所，并支持按名称查找。
type Registry struct {
	venues []Venue
	byName map[string]Venue
}

// NewRegistry 创建场所注册表，名称重复时报错。
func NewRegistry(venues ...Venue) (*Registry, error) {
	r := &Registry{byName: make(map[string]Venue, len(venues))}
	for _, v := range venues {
		if v == nil {
			return nil, errors.New("venue: 场所不能为空")
		}
		if _, dup := r.byName[v.Name()]; dup {
			return nil, fmt.Errorf("venue: 场所名称重复: %s", v.Name())
		}
		r.byName[v.Name()] = v
		r.venues = append(r.venues, v)
	}
	return r, nil
}

// All 返回全部场所，顺序与注册顺序一致。
func (r *Registry) All() []Venue {
	out := make([]Venue, len(r.venues))
	copy(out, r.venues)
	return out
}

// Get 按名称返回场所。
func (r *Registry) Get(name string) (Venue, error) {
	v, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, name)
	}
	return v, nil
}

// Names 返回全部场所名称。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.venues))
	for _, v := range r.venues {
		names = append(names, v.Name())
	}
	return names
}

// IsRetryable 判断场所错误是否为暂时性故障。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType,
			ccxt.OnMaintenanceErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
