package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-engine/internal/queue"
)

// JobRepository 将队列任务持久化到 order_jobs 表，实现 queue.JobStore。
type JobRepository struct {
	db *sql.DB
}

var _ queue.JobStore = (*JobRepository)(nil)

// NewJobRepository 创建任务仓储并初始化表结构。
func NewJobRepository(store *Store) (*JobRepository, error) {
	if store == nil {
		return nil, errors.New("store: store 不能为空")
	}

	r := &JobRepository{db: store.DB()}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *JobRepository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS order_jobs (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			state TEXT NOT NULL,
			attempts_made INTEGER NOT NULL,
			payload TEXT NOT NULL,
			last_error TEXT,
			enqueued_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_jobs_state ON order_jobs(state, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_order_jobs_order ON order_jobs(order_id);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化任务表失败: %w", err)
		}
	}
	return nil
}

// SaveJob 写入或覆盖任务快照。
func (r *JobRepository) SaveJob(ctx context.Context, rec queue.Record) error {
	payload, err := json.Marshal(rec.Job)
	if err != nil {
		return fmt.Errorf("store: 序列化任务失败: %w", err)
	}

	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO order_jobs (id, order_id, state, attempts_made, payload, last_error, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			attempts_made = excluded.attempts_made,
			payload = excluded.payload,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		rec.Job.ID, rec.Job.OrderID, string(rec.State), rec.Job.AttemptsMade, string(payload),
		nullString(rec.LastError), formatTime(rec.Job.EnqueuedAt), formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("store: 写入任务失败: %w", err)
	}
	return nil
}

// PendingJobs 返回所有未结束的任务，按入队时间排序。
func (r *JobRepository) PendingJobs(ctx context.Context) ([]queue.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT state, payload, last_error, updated_at FROM order_jobs
		WHERE state IN (?, ?, ?)
		ORDER BY enqueued_at ASC`,
		string(queue.StateWaiting), string(queue.StateActive), string(queue.StateDelayed),
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询未完成任务失败: %w", err)
	}
	defer rows.Close()

	var records []queue.Record
	for rows.Next() {
		var (
			state, payload, updated string
			lastErr                 sql.NullString
		)
		if err := rows.Scan(&state, &payload, &lastErr, &updated); err != nil {
			return nil, fmt.Errorf("store: 解析任务失败: %w", err)
		}

		var job queue.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("store: 反序列化任务失败: %w", err)
		}

		records = append(records, queue.Record{
			Job:       job,
			State:     queue.State(state),
			LastError: lastErr.String,
			UpdatedAt: parseTime(updated),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取任务失败: %w", err)
	}
	return records, nil
}

// PruneJobs 删除指定状态下早于 before 的任务。
func (r *JobRepository) PruneJobs(ctx context.Context, state queue.State, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM order_jobs WHERE state = ? AND updated_at < ?`,
		string(state), formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("store: 清理任务失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: 读取清理行数失败: %w", err)
	}
	return n, nil
}
