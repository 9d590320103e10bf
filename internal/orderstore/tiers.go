package orderstore

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"order-engine/internal/order"
)

// Cache 为订单的缓存层，条目带有过期时间。
type Cache interface {
	Get(id string) (order.Order, bool)
	Set(o order.Order)
}

// Durable 为订单的持久层，是缓存未命中时的权威数据源。
type Durable interface {
	Insert(ctx context.Context, o order.Order) error
	Get(ctx context.Context, id string) (order.Order, bool, error)
	Update(ctx context.Context, o order.Order) error
	List(ctx context.Context, limit, offset int) ([]order.Order, error)
}

// LRUCache 基于 expirable LRU 实现 Cache。
type LRUCache struct {
	lru *expirable.LRU[string, order.Order]
}

// NewLRUCache 创建容量为 size、条目存活 ttl 的缓存。
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 10000
	}
	return &LRUCache{lru: expirable.NewLRU[string, order.Order](size, nil, ttl)}
}

// Get 读取缓存条目，过期条目视为未命中。
func (c *LRUCache) Get(id string) (order.Order, bool) {
	return c.lru.Get(id)
}

// Set 写入或刷新缓存条目。
func (c *LRUCache) Set(o order.Order) {
	c.lru.Add(o.ID, o)
}

// Len 返回当前缓存条目数。
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

// Source 标识一次读取命中的层级。
type Source string

const (
	SourceCache   Source = "cache"
	SourceDurable Source = "durable"
	SourceNone    Source = "none"
)

// TwoTier 为先缓存后持久层的读取策略，持久层命中后回填缓存。
type TwoTier struct {
	cache   Cache
	durable Durable
	logger  *zap.Logger
}

// NewTwoTier 组合缓存层与持久层。
func NewTwoTier(cache Cache, durable Durable, logger *zap.Logger) *TwoTier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwoTier{cache: cache, durable: durable, logger: logger}
}

// Read 依次查询缓存与持久层。两层均未命中时返回 SourceNone 且不报错，
// 只有持久层本身出错才返回错误。
func (t *TwoTier) Read(ctx context.Context, id string) (order.Order, Source, error) {
	if o, ok := t.cache.Get(id); ok {
		return o, SourceCache, nil
	}

	o, ok, err := t.durable.Get(ctx, id)
	if err != nil {
		return order.Order{}, SourceNone, fmt.Errorf("orderstore: 持久层读取失败: %w", err)
	}
	if !ok {
		return order.Order{}, SourceNone, nil
	}

	t.cache.Set(o)
	t.logger.Debug("缓存未命中，已从持久层回填", zap.String("order_id", id))
	return o, SourceDurable, nil
}
