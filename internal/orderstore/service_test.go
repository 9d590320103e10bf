package orderstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine/internal/order"
)

type fakeDurable struct {
	mu     sync.Mutex
	orders map[string]order.Order
	gets   int
	getErr error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{orders: make(map[string]order.Order)}
}

func (f *fakeDurable) Insert(_ context.Context, o order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
	return nil
}

func (f *fakeDurable) Get(_ context.Context, id string) (order.Order, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return order.Order{}, false, f.getErr
	}
	o, ok := f.orders[id]
	return o, ok, nil
}

func (f *fakeDurable) Update(_ context.Context, o order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[o.ID]; !ok {
		return order.ErrNotFound
	}
	f.orders[o.ID] = o
	return nil
}

func (f *fakeDurable) List(_ context.Context, limit, offset int) ([]order.Order, error) {
	return nil, nil
}

func newService(t *testing.T) (*Service, *LRUCache, *fakeDurable) {
	t.Helper()
	cache := NewLRUCache(100, time.Hour)
	durable := newFakeDurable()
	svc, err := NewService(cache, durable, nil)
	require.NoError(t, err)
	return svc, cache, durable
}

func marketRequest() order.Request {
	return order.Request{Type: order.TypeMarket, TokenIn: "SOL", TokenOut: "USDC", AmountIn: 1.5}
}

func TestCreate_PendingWithDefaultSlippage(t *testing.T) {
	svc, cache, durable := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, marketRequest())
	require.NoError(t, err)
	b, err := svc.Create(ctx, marketRequest())
	require.NoError(t, err)

	assert.Equal(t, order.StatusPending, a.Status)
	assert.Equal(t, 0.01, a.SlippageTolerance)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)

	_, cached := cache.Get(a.ID)
	assert.True(t, cached)
	_, stored, _ := durable.Get(ctx, a.ID)
	assert.True(t, stored)
}

func TestCreate_ExplicitZeroSlippageKept(t *testing.T) {
	svc, _, _ := newService(t)
	req := marketRequest()
	req.SlippageTolerance = order.Ptr(0.0)

	o, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0.0, o.SlippageTolerance)
}

func TestCreate_RejectsInvalidRequest(t *testing.T) {
	svc, _, durable := newService(t)
	_, err := svc.Create(context.Background(), order.Request{Type: "twap"})
	require.ErrorIs(t, err, order.ErrValidation)
	assert.Empty(t, durable.orders)
}

func TestGet_AbsentFromColdTiers(t *testing.T) {
	svc, _, _ := newService(t)
	_, ok, err := svc.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_RepopulatesCacheOnMiss(t *testing.T) {
	cache := NewLRUCache(100, time.Hour)
	durable := newFakeDurable()
	o := order.Order{ID: "o1", Status: order.StatusPending}
	require.NoError(t, durable.Insert(context.Background(), o))

	tiers := NewTwoTier(cache, durable, nil)

	_, src, err := tiers.Read(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, SourceDurable, src)

	_, src, err = tiers.Read(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, 1, durable.gets)
}

func TestGet_DurableErrorSurfaces(t *testing.T) {
	svc, _, durable := newService(t)
	durable.getErr = errors.New("disk gone")

	_, ok, err := svc.Get(context.Background(), "o1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestGet_ExpiredCacheFallsBackToDurable(t *testing.T) {
	cache := NewLRUCache(100, 10*time.Millisecond)
	durable := newFakeDurable()
	svc, err := NewService(cache, durable, nil)
	require.NoError(t, err)

	o, err := svc.Create(context.Background(), marketRequest())
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, cached := cache.Get(o.ID)
	assert.False(t, cached)

	got, ok, err := svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, o.ID, got.ID)
}

func TestUpdate_NotFound(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Update(context.Background(), "missing", order.StatusRouting, order.Patch{})
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestUpdate_WritesThroughBothTiers(t *testing.T) {
	svc, cache, durable := newService(t)
	ctx := context.Background()
	o, err := svc.Create(ctx, marketRequest())
	require.NoError(t, err)

	updated, err := svc.Update(ctx, o.ID, order.StatusRouting, order.Patch{Venue: order.Ptr("raydium")})
	require.NoError(t, err)
	assert.Equal(t, "raydium", updated.Venue)
	assert.False(t, updated.UpdatedAt.Before(o.UpdatedAt))

	cached, _ := cache.Get(o.ID)
	assert.Equal(t, order.StatusRouting, cached.Status)
	stored, _, _ := durable.Get(ctx, o.ID)
	assert.Equal(t, order.StatusRouting, stored.Status)
	assert.Equal(t, "raydium", stored.Venue)
}

func TestUpdate_RejectsRegression(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	o, err := svc.Create(ctx, marketRequest())
	require.NoError(t, err)

	for _, s := range []order.Status{order.StatusRouting, order.StatusBuilding, order.StatusSubmitted} {
		_, err = svc.Update(ctx, o.ID, s, order.Patch{})
		require.NoError(t, err)
	}
	_, err = svc.Update(ctx, o.ID, order.StatusConfirmed, order.Patch{
		TxHash:        order.Ptr("hash"),
		ExecutedPrice: order.Ptr(101.0),
		AmountOut:     order.Ptr(151.5),
	})
	require.NoError(t, err)

	for _, s := range []order.Status{order.StatusFailed, order.StatusRouting, order.StatusPending} {
		_, err = svc.Update(ctx, o.ID, s, order.Patch{Error: order.Ptr("late")})
		assert.ErrorIs(t, err, order.ErrInvalidTransition)
	}

	got, _, _ := svc.Get(ctx, o.ID)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.Empty(t, got.Error)
	assert.Equal(t, "hash", got.TxHash)
}

func TestUpdate_RetryEdgeClearsError(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	o, err := svc.Create(ctx, marketRequest())
	require.NoError(t, err)

	_, err = svc.Update(ctx, o.ID, order.StatusRouting, order.Patch{})
	require.NoError(t, err)
	failed, err := svc.Update(ctx, o.ID, order.StatusFailed, order.Patch{Error: order.Ptr("venue unavailable")})
	require.NoError(t, err)
	assert.Equal(t, "venue unavailable", failed.Error)

	retried, err := svc.Update(ctx, o.ID, order.StatusRouting, order.Patch{Venue: order.Ptr("meteora")})
	require.NoError(t, err)
	assert.Empty(t, retried.Error)
	assert.Equal(t, "meteora", retried.Venue)
}
