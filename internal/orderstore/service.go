package orderstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-engine/internal/order"
)

// Service 是订单状态的唯一写入方：持久层写入后再刷新缓存。
type Service struct {
	cache   Cache
	durable Durable
	reader  *TwoTier
	logger  *zap.Logger
	now     func() time.Time
}

// NewService 创建订单存储服务。
func NewService(cache Cache, durable Durable, logger *zap.Logger) (*Service, error) {
	if cache == nil {
		return nil, errors.New("orderstore: cache 不能为空")
	}
	if durable == nil {
		return nil, errors.New("orderstore: durable 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cache:   cache,
		durable: durable,
		reader:  NewTwoTier(cache, durable, logger),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create 校验请求并创建 PENDING 订单。
func (s *Service) Create(ctx context.Context, req order.Request) (order.Order, error) {
	if err := req.Validate(); err != nil {
		return order.Order{}, err
	}

	now := s.now()
	o := order.Order{
		ID:                uuid.NewString(),
		Type:              req.Type,
		TokenIn:           strings.TrimSpace(req.TokenIn),
		TokenOut:          strings.TrimSpace(req.TokenOut),
		AmountIn:          req.AmountIn,
		SlippageTolerance: req.Slippage(),
		Status:            order.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.LimitPrice != nil {
		o.LimitPrice = order.Ptr(*req.LimitPrice)
	}

	if err := s.durable.Insert(ctx, o); err != nil {
		return order.Order{}, fmt.Errorf("orderstore: 创建订单失败: %w", err)
	}
	s.cache.Set(o)

	s.logger.Info("订单已创建",
		zap.String("order_id", o.ID),
		zap.String("type", string(o.Type)),
		zap.String("token_in", o.TokenIn),
		zap.String("token_out", o.TokenOut),
		zap.Float64("amount_in", o.AmountIn),
	)
	return o, nil
}

// Get 读取订单。订单不存在时返回 false，不视为错误。
func (s *Service) Get(ctx context.Context, id string) (order.Order, bool, error) {
	o, src, err := s.reader.Read(ctx, id)
	if err != nil {
		return order.Order{}, false, err
	}
	return o, src != SourceNone, nil
}

// Update 将订单迁移到 status 并合并 patch。订单不存在返回 order.ErrNotFound，
// 迁移不在状态图内返回 order.ErrInvalidTransition。
func (s *Service) Update(ctx context.Context, id string, status order.Status, patch order.Patch) (order.Order, error) {
	current, ok, err := s.Get(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}

	if err := order.ValidateTransition(current.Status, status); err != nil {
		return order.Order{}, fmt.Errorf("orderstore: 订单 %s: %w", id, err)
	}

	next := current
	patch.Apply(&next, status, s.now())

	if err := s.durable.Update(ctx, next); err != nil {
		return order.Order{}, fmt.Errorf("orderstore: 更新订单失败: %w", err)
	}
	s.cache.Set(next)

	s.logger.Debug("订单状态已更新",
		zap.String("order_id", id),
		zap.String("from", string(current.Status)),
		zap.String("status", string(status)),
	)
	return next, nil
}

// List 直接从持久层按创建时间倒序分页读取。
func (s *Service) List(ctx context.Context, limit, offset int) ([]order.Order, error) {
	orders, err := s.durable.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("orderstore: 查询订单列表失败: %w", err)
	}
	return orders, nil
}
