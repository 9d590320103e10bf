package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options 控制并发、限流、重试与保留策略。
type Options struct {
	Concurrency        int
	RateLimit          int
	RatePeriod         time.Duration
	MaxAttempts        int
	Backoff            time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	JanitorInterval    time.Duration
}

// Outcome 为单次执行的结果分类。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeDead      Outcome = "dead"
)

// Observer 接收每次执行结束的通知，用于指标采集。
type Observer interface {
	JobFinished(outcome Outcome, attempt int, elapsed time.Duration)
}

type delayedJob struct {
	job   Job
	timer *time.Timer
}

// Queue 为有界 worker 池驱动的订单执行队列。
// 并发上限限制同时执行的任务数，令牌桶限制每个周期内的启动次数。
type Queue struct {
	opts     Options
	proc     Processor
	store    JobStore
	observer Observer
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu        sync.Mutex
	waiting   []Job
	reserved  int
	delayed   map[string]delayedJob
	active    int
	completed int
	failed    int
	started   bool
	closed    bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建队列。store 与 observer 可以为 nil。
func New(opts Options, proc Processor, store JobStore, observer Observer, logger *zap.Logger) (*Queue, error) {
	if proc == nil {
		return nil, errors.New("queue: processor 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = withDefaults(opts)

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:     opts,
		proc:     proc,
		store:    store,
		observer: observer,
		// 突发为 1：相邻两次启动至少间隔 RatePeriod/RateLimit，任意一个周期窗口内最多启动 RateLimit 个任务。
		limiter:  rate.NewLimiter(rate.Every(opts.RatePeriod/time.Duration(opts.RateLimit)), 1),
		logger:   logger,
		delayed:  make(map[string]delayedJob),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func withDefaults(opts Options) Options {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100
	}
	if opts.RatePeriod <= 0 {
		opts.RatePeriod = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = time.Hour
	}
	if opts.FailedRetention <= 0 {
		opts.FailedRetention = 24 * time.Hour
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	return opts
}

// Enqueue 接纳任务，立即返回，不等待流水线执行。
func (q *Queue) Enqueue(ctx context.Context, job Job) (Job, error) {
	if job.OrderID == "" {
		return Job{}, errors.New("queue: orderId 不能为空")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Job{}, ErrClosed
	}

	if err := q.persist(ctx, job, StateWaiting, ""); err != nil {
		return Job{}, err
	}

	q.push(job)
	q.logger.Debug("任务已入队",
		zap.String("job_id", job.ID),
		zap.String("order_id", job.OrderID),
	)
	return job, nil
}

// Start 恢复持久化的未完成任务并启动 worker 池。
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue: 已启动")
	}
	q.started = true
	q.mu.Unlock()

	if q.store != nil {
		records, err := q.store.PendingJobs(ctx)
		if err != nil {
			return fmt.Errorf("queue: 恢复任务失败: %w", err)
		}
		recovered := q.recover(records)
		if recovered > 0 {
			q.logger.Info("已恢复未完成任务", zap.Int("count", recovered))
		}

		q.wg.Add(1)
		go q.janitor()
	}

	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	q.logger.Info("执行队列已启动",
		zap.Int("concurrency", q.opts.Concurrency),
		zap.Int("rate_limit", q.opts.RateLimit),
		zap.Duration("rate_period", q.opts.RatePeriod),
		zap.Int("max_attempts", q.opts.MaxAttempts),
	)
	return nil
}

// Metrics 返回各桶的即时计数，仅用于观测。
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Waiting:   len(q.waiting) + q.reserved,
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   len(q.delayed),
	}
}

// Close 停止接纳任务，取消尚未到期的重试定时器，并等待执行中的任务结束。
// 延迟中的任务保留在持久化存储里，下次启动时恢复。
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for id, d := range q.delayed {
		d.timer.Stop()
		delete(q.delayed, id)
	}
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("执行队列已关闭")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: 等待执行中任务超时: %w", ctx.Err())
	}
}

func (q *Queue) push(job Job) {
	q.mu.Lock()
	q.waiting = append(q.waiting, job)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) next() (Job, bool) {
	for {
		q.mu.Lock()
		if len(q.waiting) > 0 {
			job := q.waiting[0]
			q.waiting = q.waiting[1:]
			q.reserved++
			more := len(q.waiting) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return job, true
		}
		q.mu.Unlock()

		select {
		case <-q.ctx.Done():
			return Job{}, false
		case <-q.notify:
		}
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		job, ok := q.next()
		if !ok {
			return
		}

		if err := q.limiter.Wait(q.ctx); err != nil {
			q.mu.Lock()
			q.reserved--
			q.waiting = append([]Job{job}, q.waiting...)
			q.mu.Unlock()
			return
		}

		q.run(job)
	}
}

func (q *Queue) run(job Job) {
	q.mu.Lock()
	q.reserved--
	q.active++
	q.mu.Unlock()

	// 已开始的流水线不可中止，关闭队列只等待其结束。
	ctx := context.WithoutCancel(q.ctx)

	if err := q.persist(ctx, job, StateActive, ""); err != nil {
		q.logger.Warn("任务状态持久化失败", zap.String("job_id", job.ID), zap.Error(err))
	}

	start := time.Now()
	err := q.proc.Process(ctx, job)
	elapsed := time.Since(start)
	attempt := job.Attempt()

	if err == nil {
		q.mu.Lock()
		q.active--
		q.completed++
		q.mu.Unlock()

		q.finish(ctx, job, StateCompleted, "")
		q.observe(OutcomeCompleted, attempt, elapsed)
		q.logger.Info("任务执行完成",
			zap.String("job_id", job.ID),
			zap.String("order_id", job.OrderID),
			zap.Int("attempt", attempt),
			zap.Duration("latency", elapsed),
		)
		return
	}

	job.AttemptsMade++

	if IsPermanent(err) || job.AttemptsMade >= job.MaxAttempts {
		q.mu.Lock()
		q.active--
		q.failed++
		q.mu.Unlock()

		q.finish(ctx, job, StateDead, err.Error())
		q.observe(OutcomeDead, attempt, elapsed)
		q.logger.Error("任务执行失败，不再重试",
			zap.String("job_id", job.ID),
			zap.String("order_id", job.OrderID),
			zap.Int("attempts", job.AttemptsMade),
			zap.Bool("permanent", IsPermanent(err)),
			zap.Error(err),
		)
		return
	}

	wait := Backoff(q.opts.Backoff, job.AttemptsMade)

	q.mu.Lock()
	q.active--
	if q.closed {
		q.mu.Unlock()
		q.finish(ctx, job, StateDelayed, err.Error())
		return
	}
	q.delay(job, wait)
	q.mu.Unlock()

	q.finish(ctx, job, StateDelayed, err.Error())
	q.observe(OutcomeRetried, attempt, elapsed)
	q.logger.Warn("任务执行失败，等待重试",
		zap.String("job_id", job.ID),
		zap.String("order_id", job.OrderID),
		zap.Int("attempt", attempt),
		zap.Duration("wait", wait),
		zap.Error(err),
	)
}

// recover 重新接纳持久化的未完成任务。Start 之前已入队的任务按 id 去重；
// 处于退避中的任务只等待剩余的退避时间。
func (q *Queue) recover(records []Record) int {
	now := time.Now()

	q.mu.Lock()
	queued := make(map[string]struct{}, len(q.waiting))
	for _, job := range q.waiting {
		queued[job.ID] = struct{}{}
	}

	n := 0
	for _, rec := range records {
		if _, dup := queued[rec.Job.ID]; dup {
			continue
		}
		queued[rec.Job.ID] = struct{}{}
		n++

		if rec.State == StateDelayed && !rec.UpdatedAt.IsZero() {
			wait := Backoff(q.opts.Backoff, rec.Job.AttemptsMade) - now.Sub(rec.UpdatedAt)
			if wait > 0 {
				q.delay(rec.Job, wait)
				continue
			}
		}
		q.waiting = append(q.waiting, rec.Job)
	}
	q.mu.Unlock()

	q.signal()
	return n
}

// delay 在 wait 之后把任务移回等待队列，调用方需持有 q.mu。
func (q *Queue) delay(job Job, wait time.Duration) {
	jobID := job.ID
	q.delayed[jobID] = delayedJob{
		job:   job,
		timer: time.AfterFunc(wait, func() { q.promote(jobID) }),
	}
}

func (q *Queue) promote(jobID string) {
	q.mu.Lock()
	d, ok := q.delayed[jobID]
	if !ok || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.delayed, jobID)
	q.waiting = append(q.waiting, d.job)
	q.mu.Unlock()

	if err := q.persist(q.ctx, d.job, StateWaiting, ""); err != nil {
		q.logger.Warn("任务状态持久化失败", zap.String("job_id", jobID), zap.Error(err))
	}
	q.signal()
}

func (q *Queue) finish(ctx context.Context, job Job, state State, lastErr string) {
	if err := q.persist(ctx, job, state, lastErr); err != nil {
		q.logger.Warn("任务状态持久化失败",
			zap.String("job_id", job.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

func (q *Queue) persist(ctx context.Context, job Job, state State, lastErr string) error {
	if q.store == nil {
		return nil
	}
	return q.store.SaveJob(ctx, Record{
		Job:       job,
		State:     state,
		LastError: lastErr,
		UpdatedAt: time.Now().UTC(),
	})
}

func (q *Queue) observe(outcome Outcome, attempt int, elapsed time.Duration) {
	if q.observer != nil {
		q.observer.JobFinished(outcome, attempt, elapsed)
	}
}

func (q *Queue) janitor() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.prune()
		}
	}
}

func (q *Queue) prune() {
	now := time.Now().UTC()
	for state, retention := range map[State]time.Duration{
		StateCompleted: q.opts.CompletedRetention,
		StateDead:      q.opts.FailedRetention,
	} {
		n, err := q.store.PruneJobs(q.ctx, state, now.Add(-retention))
		if err != nil {
			q.logger.Warn("清理历史任务失败", zap.String("state", string(state)), zap.Error(err))
			continue
		}
		if n > 0 {
			q.logger.Debug("已清理历史任务", zap.String("state", string(state)), zap.Int64("count", n))
		}
	}
}
