package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-engine/internal/routing"
	"order-engine/internal/store"
)

// Service 负责持久化订单执行过程中的审计事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	order_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_order ON monitor_events(order_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, order_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.OrderID, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordRouting 记录路由决策。
func (s *Service) RecordRouting(ctx context.Context, orderID string, attempt int, decision routing.Decision) {
	if err := s.Record(ctx, Event{
		Type:    EventRoutingDecision,
		OrderID: orderID,
		Payload: RoutingPayload{Attempt: attempt, Decision: decision},
	}); err != nil {
		s.logger.Warn("记录路由事件失败", zap.String("order_id", orderID), zap.Error(err))
	}
}

// RecordExecution 记录成交。
func (s *Service) RecordExecution(ctx context.Context, orderID string, payload ExecutionPayload) {
	if err := s.Record(ctx, Event{
		Type:    EventExecution,
		OrderID: orderID,
		Payload: payload,
	}); err != nil {
		s.logger.Warn("记录执行事件失败", zap.String("order_id", orderID), zap.Error(err))
	}
}

// RecordFailure 记录单次执行失败。
func (s *Service) RecordFailure(ctx context.Context, orderID string, attempt int, stage string, cause error) {
	payload := FailurePayload{
		Attempt: attempt,
		Stage:   stage,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	if err := s.Record(ctx, Event{
		Type:    EventFailure,
		OrderID: orderID,
		Payload: payload,
	}); err != nil {
		s.logger.Warn("记录失败事件失败", zap.String("order_id", orderID), zap.Error(err))
	}
}

// Query 为事件检索条件，空字段表示不过滤。
type Query struct {
	Type    EventType
	OrderID string
	Limit   int
}

// ListEvents 按条件检索最近事件。
func (s *Service) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, order_id, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(q.Type))
	}
	if q.OrderID != "" {
		query += ` AND order_id = ?`
		args = append(args, q.OrderID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			orderID string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &orderID, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Time{}
		}

		events = append(events, Event{
			Type:      EventType(typ),
			OrderID:   orderID,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
