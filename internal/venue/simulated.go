package venue

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-engine/internal/config"
	"order-engine/internal/order"
)

const hexDigits = "0123456789abcdef"

// Simulated 为基于随机价差的模拟场所：报价在基准价附近浮动，成交带有小幅滑点。
type Simulated struct {
	cfg    config.VenueConfig
	prices *PriceTable
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

// SimulatedOption 调整模拟场所的行为，主要用于测试。
type SimulatedOption func(*Simulated)

// WithRand 指定随机源。
func WithRand(rng *rand.Rand) SimulatedOption {
	return func(s *Simulated) { s.rng = rng }
}

// WithSleep 替换等待函数。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) SimulatedOption {
	return func(s *Simulated) { s.sleep = fn }
}

// NewSimulated 创建模拟场所。
func NewSimulated(cfg config.VenueConfig, prices *PriceTable, logger *zap.Logger, opts ...SimulatedOption) (*Simulated, error) {
	if cfg.Name == "" {
		return nil, errors.New("venue: name 不能为空")
	}
	if prices == nil {
		prices = NewPriceTable(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Simulated{
		cfg:    cfg,
		prices: prices,
		logger: logger.With(zap.String("venue", cfg.Name)),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name 返回场所名称。
func (s *Simulated) Name() string {
	return s.cfg.Name
}

// Quote 在模拟的网络延迟后返回报价。
func (s *Simulated) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (Quote, error) {
	if err := s.sleep(ctx, s.cfg.Latency); err != nil {
		return Quote{}, err
	}

	base := s.prices.Base(tokenIn, tokenOut)

	s.mu.Lock()
	variance := s.uniform(s.cfg.VarianceMin, s.cfg.VarianceMax)
	liquidity := s.uniform(s.cfg.LiquidityMin, s.cfg.LiquidityMax)
	s.mu.Unlock()

	price := base * variance
	return Quote{
		Venue:     s.cfg.Name,
		Price:     price,
		Fee:       s.cfg.Fee,
		AmountOut: amountIn * price * (1 - s.cfg.Fee),
		Liquidity: liquidity,
	}, nil
}

// Execute 模拟链上成交，耗时在 execution_min 与 execution_max 之间。
func (s *Simulated) Execute(ctx context.Context, o order.Order) (Execution, error) {
	if o.Venue == "" {
		return Execution{}, order.ErrVenueNotSelected
	}

	s.mu.Lock()
	wait := s.cfg.ExecutionMin
	if span := s.cfg.ExecutionMax - s.cfg.ExecutionMin; span > 0 {
		wait += time.Duration(s.rng.Int64N(int64(span)))
	}
	slip := s.uniform(-s.cfg.Slippage, s.cfg.Slippage)
	hash := s.txHash()
	s.mu.Unlock()

	if err := s.sleep(ctx, wait); err != nil {
		return Execution{}, err
	}

	base := s.prices.Base(o.TokenIn, o.TokenOut)
	exec := Execution{
		TxHash:        hash,
		ExecutedPrice: base * (1 + slip),
	}

	s.logger.Debug("模拟成交完成",
		zap.String("order_id", o.ID),
		zap.Float64("executed_price", exec.ExecutedPrice),
		zap.Duration("latency", wait),
	)
	return exec, nil
}

// uniform 需在持有 mu 时调用。
func (s *Simulated) uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Float64()*(hi-lo)
}

// txHash 需在持有 mu 时调用。
func (s *Simulated) txHash() string {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = hexDigits[s.rng.IntN(len(hexDigits))]
	}
	return string(buf)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
