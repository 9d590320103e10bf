package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-engine/internal/order"
)

// OrderRepository 将订单持久化到 SQLite 的 orders 表。
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建订单仓储并初始化表结构。
func NewOrderRepository(store *Store) (*OrderRepository, error) {
	if store == nil {
		return nil, errors.New("store: store 不能为空")
	}

	r := &OrderRepository{db: store.DB()}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *OrderRepository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			token_in TEXT NOT NULL,
			token_out TEXT NOT NULL,
			amount_in REAL NOT NULL,
			amount_out REAL,
			limit_price REAL,
			slippage_tolerance REAL NOT NULL,
			status TEXT NOT NULL,
			venue TEXT,
			tx_hash TEXT,
			executed_price REAL,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化订单表失败: %w", err)
		}
	}
	return nil
}

// Insert 写入新订单。
func (r *OrderRepository) Insert(ctx context.Context, o order.Order) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO orders (
			id, type, token_in, token_out, amount_in, amount_out, limit_price,
			slippage_tolerance, status, venue, tx_hash, executed_price, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, string(o.Type), o.TokenIn, o.TokenOut, o.AmountIn,
		nullFloat(o.AmountOut), nullFloat(o.LimitPrice), o.SlippageTolerance,
		string(o.Status), nullString(o.Venue), nullString(o.TxHash),
		nullFloat(o.ExecutedPrice), nullString(o.Error),
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: 写入订单失败: %w", err)
	}
	return nil
}

// Get 按 id 读取订单，不存在时返回 false。
func (r *OrderRepository) Get(ctx context.Context, id string) (order.Order, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, false, nil
	}
	if err != nil {
		return order.Order{}, false, fmt.Errorf("store: 读取订单失败: %w", err)
	}
	return o, true, nil
}

// Update 覆盖订单的可变字段，订单不存在时返回 order.ErrNotFound。
func (r *OrderRepository) Update(ctx context.Context, o order.Order) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET
			status = ?, venue = ?, tx_hash = ?, executed_price = ?,
			amount_out = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), nullString(o.Venue), nullString(o.TxHash), nullFloat(o.ExecutedPrice),
		nullFloat(o.AmountOut), nullString(o.Error), formatTime(o.UpdatedAt), o.ID,
	)
	if err != nil {
		return fmt.Errorf("store: 更新订单失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: 读取更新行数失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", order.ErrNotFound, o.ID)
	}
	return nil
}

// List 按创建时间倒序分页返回订单。
func (r *OrderRepository) List(ctx context.Context, limit, offset int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询订单失败: %w", err)
	}
	defer rows.Close()

	orders := make([]order.Order, 0, limit)
	for rows.Next() {
		o, scanErr := scanOrder(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: 解析订单失败: %w", scanErr)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取订单失败: %w", err)
	}
	return orders, nil
}

const orderColumns = `id, type, token_in, token_out, amount_in, amount_out, limit_price,
	slippage_tolerance, status, venue, tx_hash, executed_price, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (order.Order, error) {
	var (
		o                 order.Order
		typ, status       string
		amountOut, limit  sql.NullFloat64
		executed          sql.NullFloat64
		venue, tx, errMsg sql.NullString
		created, updated  string
	)
	if err := row.Scan(
		&o.ID, &typ, &o.TokenIn, &o.TokenOut, &o.AmountIn, &amountOut, &limit,
		&o.SlippageTolerance, &status, &venue, &tx, &executed, &errMsg, &created, &updated,
	); err != nil {
		return order.Order{}, err
	}

	o.Type = order.Type(typ)
	o.Status = order.Status(status)
	o.AmountOut = floatPtr(amountOut)
	o.LimitPrice = floatPtr(limit)
	o.ExecutedPrice = floatPtr(executed)
	o.Venue = venue.String
	o.TxHash = tx.String
	o.Error = errMsg.String
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return o, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// 定长格式保证按字符串排序即按时间排序。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
