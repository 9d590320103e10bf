package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-engine/internal/broadcast"
	"order-engine/internal/monitor"
	"order-engine/internal/order"
	"order-engine/internal/queue"
	"order-engine/internal/routing"
	"order-engine/internal/venue"
)

// Store 为流水线所需的订单读写能力。
type Store interface {
	Get(ctx context.Context, id string) (order.Order, bool, error)
	Update(ctx context.Context, id string, status order.Status, patch order.Patch) (order.Order, error)
}

// Router 负责询价并选择场所。
type Router interface {
	Route(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (routing.Decision, error)
}

// Venues 按名称解析场所。
type Venues interface {
	Get(name string) (venue.Venue, error)
}

// Emitter 推送状态事件。
type Emitter interface {
	Emit(orderID string, event broadcast.StatusEvent)
}

// Recorder 记录审计事件。
type Recorder interface {
	RecordRouting(ctx context.Context, orderID string, attempt int, decision routing.Decision)
	RecordExecution(ctx context.Context, orderID string, payload monitor.ExecutionPayload)
	RecordFailure(ctx context.Context, orderID string, attempt int, stage string, cause error)
}

// Metrics 接收状态迁移与路由结果。
type Metrics interface {
	StatusChanged(status order.Status)
	VenueSelected(venue string)
}

// Deps 为流水线依赖，Recorder 与 Metrics 可以为空。
type Deps struct {
	Store    Store
	Router   Router
	Venues   Venues
	Emitter  Emitter
	Recorder Recorder
	Metrics  Metrics
	Logger   *zap.Logger
}

const (
	stageLoad    = "load"
	stageRecover = "recover"
	stageRouting = "routing"
	stageBuild   = "building"
	stageSubmit  = "submitted"
	stageExecute = "execute"
	stageConfirm = "confirm"
)

// Pipeline 驱动订单依次经过 ROUTING、BUILDING、SUBMITTED 到 CONFIRMED，
// 任一步失败则落库 FAILED 并把错误交回队列决定是否重试。
type Pipeline struct {
	store    Store
	router   Router
	venues   Venues
	emitter  Emitter
	recorder Recorder
	metrics  Metrics
	logger   *zap.Logger
}

// New 创建流水线。
func New(deps Deps) (*Pipeline, error) {
	if deps.Store == nil || deps.Router == nil || deps.Venues == nil || deps.Emitter == nil {
		return nil, errors.New("pipeline: store、router、venues、emitter 均不能为空")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    deps.Store,
		router:   deps.Router,
		venues:   deps.Venues,
		emitter:  deps.Emitter,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		logger:   logger,
	}, nil
}

// Process 实现 queue.Processor。每次调用都从路由开始完整执行一遍。
func (p *Pipeline) Process(ctx context.Context, job queue.Job) error {
	logger := p.logger.With(
		zap.String("order_id", job.OrderID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt()),
	)

	o, ok, err := p.store.Get(ctx, job.OrderID)
	if err != nil {
		return p.fail(ctx, job, order.Order{}, stageLoad, err, logger)
	}
	if !ok {
		cause := fmt.Errorf("%w: %s", order.ErrNotFound, job.OrderID)
		return p.fail(ctx, job, order.Order{}, stageLoad, cause, logger)
	}

	switch {
	case o.Status == order.StatusConfirmed:
		logger.Info("订单已确认，跳过执行")
		return nil
	case o.Status.InFlight():
		// 进程中断时遗留的中间态，先落为失败再沿重试边重新执行。
		interrupted := fmt.Errorf("execution interrupted at %s", o.Status)
		logger.Warn("发现中断的订单，标记失败后重新执行", zap.String("status", string(o.Status)))
		failed, err := p.store.Update(ctx, o.ID, order.StatusFailed, order.Patch{Error: order.Ptr(interrupted.Error())})
		if err != nil {
			return p.fail(ctx, job, o, stageRecover, err, logger)
		}
		p.observe(order.StatusFailed)
		p.record(func(r Recorder) { r.RecordFailure(ctx, o.ID, job.Attempt(), stageRecover, interrupted) })
		o = failed
	}

	return p.run(ctx, job, o, logger)
}

func (p *Pipeline) run(ctx context.Context, job queue.Job, o order.Order, logger *zap.Logger) error {
	start := time.Now()

	// ROUTING：先推送，再询价选择场所，最后带 venue 落库。
	// 本次尝试尚未选定场所，重试时也不携带上一次的 venue。
	p.emitter.Emit(o.ID, broadcast.StatusEvent{
		OrderID: o.ID,
		Status:  order.StatusRouting,
		Message: "Comparing prices across venues",
	})
	decision, err := p.router.Route(ctx, o.TokenIn, o.TokenOut, o.AmountIn)
	if err != nil {
		return p.fail(ctx, job, o, stageRouting, err, logger)
	}
	p.record(func(r Recorder) { r.RecordRouting(ctx, o.ID, job.Attempt(), decision) })
	if p.metrics != nil {
		p.metrics.VenueSelected(decision.Selected.Venue)
	}

	if o, err = p.persist(ctx, o, order.StatusRouting, order.Patch{Venue: order.Ptr(decision.Selected.Venue)}); err != nil {
		return p.fail(ctx, job, o, stageRouting, err, logger)
	}
	logger.Info("已选择执行场所",
		zap.String("venue", o.Venue),
		zap.Float64("quoted_amount_out", decision.Selected.AmountOut),
	)

	// BUILDING：交易构建占位阶段。
	p.emit(o, order.StatusBuilding, "Building transaction for "+o.Venue)
	if o, err = p.persist(ctx, o, order.StatusBuilding, order.Patch{}); err != nil {
		return p.fail(ctx, job, o, stageBuild, err, logger)
	}

	// SUBMITTED：网络提交确认占位阶段。
	p.emit(o, order.StatusSubmitted, "Transaction submitted to network")
	if o, err = p.persist(ctx, o, order.StatusSubmitted, order.Patch{}); err != nil {
		return p.fail(ctx, job, o, stageSubmit, err, logger)
	}

	exec, err := p.execute(ctx, o)
	if err != nil {
		return p.fail(ctx, job, o, stageExecute, err, logger)
	}

	amountOut := o.AmountIn * exec.ExecutedPrice
	confirmed, err := p.store.Update(ctx, o.ID, order.StatusConfirmed, order.Patch{
		TxHash:        order.Ptr(exec.TxHash),
		ExecutedPrice: order.Ptr(exec.ExecutedPrice),
		AmountOut:     order.Ptr(amountOut),
	})
	if err != nil {
		return p.fail(ctx, job, o, stageConfirm, err, logger)
	}
	p.observe(order.StatusConfirmed)
	event := EventFromOrder(confirmed)
	event.Message = "Order executed successfully"
	p.emitter.Emit(o.ID, event)

	p.record(func(r Recorder) {
		r.RecordExecution(ctx, o.ID, monitor.ExecutionPayload{
			Attempt:       job.Attempt(),
			Venue:         confirmed.Venue,
			TxHash:        exec.TxHash,
			ExecutedPrice: exec.ExecutedPrice,
			AmountIn:      confirmed.AmountIn,
			AmountOut:     amountOut,
		})
	})

	logger.Info("订单执行完成",
		zap.String("venue", confirmed.Venue),
		zap.String("tx_hash", exec.TxHash),
		zap.Float64("executed_price", exec.ExecutedPrice),
		zap.Float64("amount_out", amountOut),
		zap.Duration("latency", time.Since(start)),
	)
	return nil
}

func (p *Pipeline) execute(ctx context.Context, o order.Order) (venue.Execution, error) {
	if o.Venue == "" {
		return venue.Execution{}, order.ErrVenueNotSelected
	}
	v, err := p.venues.Get(o.Venue)
	if err != nil {
		return venue.Execution{}, err
	}
	return v.Execute(ctx, o)
}

func (p *Pipeline) persist(ctx context.Context, o order.Order, status order.Status, patch order.Patch) (order.Order, error) {
	next, err := p.store.Update(ctx, o.ID, status, patch)
	if err != nil {
		return o, err
	}
	p.observe(status)
	return next, nil
}

// fail 记录失败、尽力落库 FAILED、推送事件，并返回交给队列的错误。
func (p *Pipeline) fail(ctx context.Context, job queue.Job, last order.Order, stage string, cause error, logger *zap.Logger) error {
	msg := cause.Error()
	p.record(func(r Recorder) { r.RecordFailure(ctx, job.OrderID, job.Attempt(), stage, cause) })

	switch {
	case last.ID == "":
		// 订单无法定位，跳过状态落库。
	case last.Status == order.StatusFailed:
		// 本次重试在落库任何新状态前失败，保留已持久化的 FAILED 记录。
	default:
		if _, err := p.store.Update(ctx, last.ID, order.StatusFailed, order.Patch{Error: order.Ptr(msg)}); err != nil {
			if !errors.Is(err, order.ErrNotFound) {
				logger.Warn("失败状态落库失败", zap.String("stage", stage), zap.Error(err))
			}
		} else {
			p.observe(order.StatusFailed)
		}
	}

	p.emitter.Emit(job.OrderID, broadcast.StatusEvent{
		OrderID: job.OrderID,
		Status:  order.StatusFailed,
		Message: "Order execution failed",
		Venue:   last.Venue,
		Error:   msg,
	})

	logger.Warn("订单执行失败",
		zap.String("stage", stage),
		zap.Bool("retryable", venue.IsRetryable(cause)),
		zap.Error(cause),
	)

	err := fmt.Errorf("pipeline: %s 阶段失败: %w", stage, cause)
	if permanent(cause) {
		return queue.Permanent(err)
	}
	return err
}

// permanent 判断重试无法修复的错误。
func permanent(err error) bool {
	return errors.Is(err, order.ErrVenueNotSelected) ||
		errors.Is(err, order.ErrNotFound) ||
		errors.Is(err, order.ErrInvalidTransition) ||
		errors.Is(err, venue.ErrUnknownVenue)
}

func (p *Pipeline) emit(o order.Order, status order.Status, message string) {
	p.emitter.Emit(o.ID, broadcast.StatusEvent{
		OrderID: o.ID,
		Status:  status,
		Message: message,
		Venue:   o.Venue,
	})
}

func (p *Pipeline) observe(status order.Status) {
	if p.metrics != nil {
		p.metrics.StatusChanged(status)
	}
}

func (p *Pipeline) record(fn func(Recorder)) {
	if p.recorder != nil {
		fn(p.recorder)
	}
}

// EventFromOrder 由订单当前记录构造状态事件。
func EventFromOrder(o order.Order) broadcast.StatusEvent {
	return broadcast.StatusEvent{
		OrderID:       o.ID,
		Status:        o.Status,
		Venue:         o.Venue,
		TxHash:        o.TxHash,
		ExecutedPrice: o.ExecutedPrice,
		AmountOut:     o.AmountOut,
		Error:         o.Error,
		Timestamp:     o.UpdatedAt,
	}
}
