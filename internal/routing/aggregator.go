package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"order-engine/internal/venue"
)

// DefaultReferenceLiquidity 为流动性打分的归一化常数。
const DefaultReferenceLiquidity = 100_000

// ErrNoQuotes 表示没有可用于选择的报价。
var ErrNoQuotes = errors.New("no quotes available")

// Options 控制报价聚合。
type Options struct {
	ReferenceLiquidity float64
	// AllowPartial 为 true 时丢弃失败的场所，仅当全部失败才返回错误。
	AllowPartial bool
	// QuoteTimeout 为单个场所报价的超时时间，0 表示不限制。
	QuoteTimeout time.Duration
}

// QuoteObserver 接收每个场所的报价耗时。
type QuoteObserver interface {
	QuoteObserved(venue string, elapsed time.Duration, err error)
}

// Decision 为一次路由的完整结果。
type Decision struct {
	Quotes   []venue.Quote `json:"quotes"`
	Scores   []float64     `json:"scores"`
	Selected venue.Quote   `json:"selected"`
	Dropped  []string      `json:"dropped,omitempty"`
}

// Aggregator 并发向所有场所询价并按最优执行策略选择场所。
type Aggregator struct {
	venues   []venue.Venue
	opts     Options
	observer QuoteObserver
	logger   *zap.Logger
}

// NewAggregator 创建聚合器。observer 可以为 nil。
func NewAggregator(venues []venue.Venue, opts Options, observer QuoteObserver, logger *zap.Logger) (*Aggregator, error) {
	if len(venues) == 0 {
		return nil, errors.New("routing: 至少需要一个场所")
	}
	if opts.ReferenceLiquidity <= 0 {
		opts.ReferenceLiquidity = DefaultReferenceLiquidity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		venues:   venues,
		opts:     opts,
		observer: observer,
		logger:   logger,
	}, nil
}

// QuoteAll 并发询价并等待全部返回，结果顺序与场所顺序一致。
// 默认任一场所失败即整体失败；AllowPartial 时返回成功的报价与失败场所名称。
func (a *Aggregator) QuoteAll(ctx context.Context, tokenIn, tokenOut string, amountIn float64) ([]venue.Quote, []string, error) {
	quotes := make([]venue.Quote, len(a.venues))
	errs := make([]error, len(a.venues))

	// 部分失败模式下单个场所出错不取消其他场所。
	group, groupCtx := &errgroup.Group{}, ctx
	if !a.opts.AllowPartial {
		group, groupCtx = errgroup.WithContext(ctx)
	}

	for i, v := range a.venues {
		group.Go(func() error {
			q, err := a.quoteOne(groupCtx, v, tokenIn, tokenOut, amountIn)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", v.Name(), err)
				if a.opts.AllowPartial {
					return nil
				}
				return errs[i]
			}
			quotes[i] = q
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, nil, fmt.Errorf("routing: 询价失败: %w", err)
	}

	var (
		ok      = make([]venue.Quote, 0, len(quotes))
		dropped []string
		all     error
	)
	for i := range a.venues {
		if errs[i] != nil {
			dropped = append(dropped, a.venues[i].Name())
			all = multierr.Append(all, errs[i])
			a.logger.Warn("场所询价失败，已忽略",
				zap.String("venue", a.venues[i].Name()),
				zap.Error(errs[i]),
			)
			continue
		}
		ok = append(ok, quotes[i])
	}
	if len(ok) == 0 {
		return nil, dropped, fmt.Errorf("routing: 全部场所询价失败: %w", all)
	}
	return ok, dropped, nil
}

func (a *Aggregator) quoteOne(ctx context.Context, v venue.Venue, tokenIn, tokenOut string, amountIn float64) (venue.Quote, error) {
	if a.opts.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.QuoteTimeout)
		defer cancel()
	}

	start := time.Now()
	q, err := v.Quote(ctx, tokenIn, tokenOut, amountIn)
	if a.observer != nil {
		a.observer.QuoteObserved(v.Name(), time.Since(start), err)
	}
	if err != nil {
		return venue.Quote{}, err
	}
	if q.Venue == "" {
		q.Venue = v.Name()
	}
	return q, nil
}

// Score 计算 amountOut * (1 + log10(liquidity / reference))。
func Score(q venue.Quote, referenceLiquidity float64) float64 {
	return q.AmountOut * (1 + math.Log10(q.Liquidity/referenceLiquidity))
}

// SelectBest 返回得分严格最高的报价，得分相同时保留先出现的报价。
func SelectBest(quotes []venue.Quote, referenceLiquidity float64) (venue.Quote, error) {
	if len(quotes) == 0 {
		return venue.Quote{}, ErrNoQuotes
	}
	if referenceLiquidity <= 0 {
		referenceLiquidity = DefaultReferenceLiquidity
	}

	best := quotes[0]
	bestScore := Score(best, referenceLiquidity)
	for _, q := range quotes[1:] {
		if s := Score(q, referenceLiquidity); s > bestScore {
			best, bestScore = q, s
		}
	}
	return best, nil
}

// Route 询价并选择最优场所。
func (a *Aggregator) Route(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (Decision, error) {
	quotes, dropped, err := a.QuoteAll(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return Decision{}, err
	}

	best, err := SelectBest(quotes, a.opts.ReferenceLiquidity)
	if err != nil {
		return Decision{}, err
	}

	scores := make([]float64, len(quotes))
	fields := make([]zap.Field, 0, len(quotes)+4)
	for i, q := range quotes {
		scores[i] = Score(q, a.opts.ReferenceLiquidity)
		fields = append(fields, zap.Float64(q.Venue+"_amount_out", q.AmountOut))
	}
	fields = append(fields,
		zap.String("token_in", tokenIn),
		zap.String("token_out", tokenOut),
		zap.Float64("amount_in", amountIn),
		zap.String("selected", best.Venue),
	)
	a.logger.Info("路由决策完成", fields...)

	return Decision{
		Quotes:   quotes,
		Scores:   scores,
		Selected: best,
		Dropped:  dropped,
	}, nil
}
