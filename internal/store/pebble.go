package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"order-engine/internal/order"
)

var (
	orderKeyPrefix   = []byte("order:")
	createdKeyPrefix = []byte("created:")
)

// PebbleOrderRepository 以 Pebble KV 作为订单的持久层。
// 主键为 order:<id>，created:<createdAt>:<id> 作为按创建时间分页的二级索引。
type PebbleOrderRepository struct {
	db *pebble.DB
	mu sync.Mutex
}

// NewPebble 打开 path 处的 Pebble 数据库。
func NewPebble(path string) (*PebbleOrderRepository, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("打开 Pebble 数据库失败: %w", err)
	}
	return &PebbleOrderRepository{db: db}, nil
}

// Close 关闭数据库。
func (r *PebbleOrderRepository) Close() error {
	return r.db.Close()
}

func orderKey(id string) []byte {
	return append(append([]byte{}, orderKeyPrefix...), id...)
}

func createdKey(o order.Order) []byte {
	key := append([]byte{}, createdKeyPrefix...)
	key = append(key, formatTime(o.CreatedAt)...)
	key = append(key, ':')
	return append(key, o.ID...)
}

func keyUpperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Insert 写入新订单及其索引。
func (r *PebbleOrderRepository) Insert(_ context.Context, o order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("store: 序列化订单失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(orderKey(o.ID), data, nil); err != nil {
		return fmt.Errorf("store: 写入订单失败: %w", err)
	}
	if err := batch.Set(createdKey(o), []byte(o.ID), nil); err != nil {
		return fmt.Errorf("store: 写入订单索引失败: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: 提交订单失败: %w", err)
	}
	return nil
}

// Get 按 id 读取订单，不存在时返回 false。
func (r *PebbleOrderRepository) Get(_ context.Context, id string) (order.Order, bool, error) {
	data, closer, err := r.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return order.Order{}, false, nil
	}
	if err != nil {
		return order.Order{}, false, fmt.Errorf("store: 读取订单失败: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return order.Order{}, false, fmt.Errorf("store: 解析订单失败: %w", err)
	}
	return o, true, nil
}

// Update 覆盖已存在的订单，订单不存在时返回 order.ErrNotFound。
func (r *PebbleOrderRepository) Update(ctx context.Context, o order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok, err := r.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrNotFound, o.ID)
	}

	// 创建时间与索引保持不变。
	o.CreatedAt = current.CreatedAt
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("store: 序列化订单失败: %w", err)
	}
	if err := r.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("store: 更新订单失败: %w", err)
	}
	return nil
}

// List 按创建时间倒序分页返回订单。
func (r *PebbleOrderRepository) List(ctx context.Context, limit, offset int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: createdKeyPrefix,
		UpperBound: keyUpperBound(createdKeyPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("store: 创建迭代器失败: %w", err)
	}
	defer iter.Close()

	orders := make([]order.Order, 0, limit)
	skipped := 0
	for iter.Last(); iter.Valid() && len(orders) < limit; iter.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		o, ok, err := r.Get(ctx, string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if ok {
			orders = append(orders, o)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: 遍历订单失败: %w", err)
	}
	return orders, nil
}
