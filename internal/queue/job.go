package queue

import (
	"context"
	"errors"
	"time"
)

// Job 为队列信封：订单 id 加上恢复执行所需的最少路由参数。
type Job struct {
	ID                string    `json:"id"`
	OrderID           string    `json:"orderId"`
	TokenIn           string    `json:"tokenIn"`
	TokenOut          string    `json:"tokenOut"`
	AmountIn          float64   `json:"amountIn"`
	SlippageTolerance float64   `json:"slippageTolerance"`
	LimitPrice        *float64  `json:"limitPrice,omitempty"`
	AttemptsMade      int       `json:"attemptsMade"`
	MaxAttempts       int       `json:"maxAttempts"`
	EnqueuedAt        time.Time `json:"enqueuedAt"`
}

// Attempt 返回本次执行的序号（从 1 开始）。
func (j Job) Attempt() int {
	return j.AttemptsMade + 1
}

// IsRetry 判断本次执行是否为重试。
func (j Job) IsRetry() bool {
	return j.AttemptsMade > 0
}

// State 表示任务在队列中的生命周期桶。
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// Record 为任务的持久化快照。
type Record struct {
	Job       Job
	State     State
	LastError string
	UpdatedAt time.Time
}

// JobStore 持久化任务状态，使进程重启后可以恢复未完成的任务。
type JobStore interface {
	SaveJob(ctx context.Context, rec Record) error
	PendingJobs(ctx context.Context) ([]Record, error)
	PruneJobs(ctx context.Context, state State, before time.Time) (int64, error)
}

// Processor 处理单个任务，返回错误即触发重试策略。
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// ProcessorFunc 适配普通函数为 Processor。
type ProcessorFunc func(ctx context.Context, job Job) error

// Process 实现 Processor。
func (f ProcessorFunc) Process(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Metrics 为队列各生命周期桶的即时计数。
type Metrics struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

var (
	// ErrClosed 表示队列已关闭，不再接受任务。
	ErrClosed = errors.New("queue closed")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的失败，队列会直接将任务移入 dead 状态。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否被标记为不可重试。
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff 返回第 attemptsMade 次失败后的等待时间：base * 2^(attemptsMade-1)。
func Backoff(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		return base
	}
	shift := attemptsMade - 1
	if shift > 30 {
		shift = 30
	}
	return base * time.Duration(1<<shift)
}
