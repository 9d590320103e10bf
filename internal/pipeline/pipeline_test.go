package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine/internal/broadcast"
	"order-engine/internal/order"
	"order-engine/internal/orderstore"
	"order-engine/internal/queue"
	"order-engine/internal/routing"
	"order-engine/internal/venue"
)

type memDurable struct {
	mu     sync.Mutex
	orders map[string]order.Order
}

func (m *memDurable) Insert(_ context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *memDurable) Get(_ context.Context, id string) (order.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok, nil
}

func (m *memDurable) Update(_ context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return order.ErrNotFound
	}
	m.orders[o.ID] = o
	return nil
}

func (m *memDurable) List(context.Context, int, int) ([]order.Order, error) {
	return nil, nil
}

type stubRouter struct {
	mu    sync.Mutex
	venue string
	errs  []error
	calls int
}

func (r *stubRouter) Route(context.Context, string, string, float64) (routing.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return routing.Decision{}, err
		}
	}
	q := venue.Quote{Venue: r.venue, AmountOut: 99, Liquidity: 1e6}
	return routing.Decision{Quotes: []venue.Quote{q}, Selected: q}, nil
}

type stubVenue struct {
	name  string
	price float64
	err   error
	calls atomic.Int32
}

func (v *stubVenue) Name() string { return v.name }

func (v *stubVenue) Quote(context.Context, string, string, float64) (venue.Quote, error) {
	return venue.Quote{}, nil
}

func (v *stubVenue) Execute(_ context.Context, o order.Order) (venue.Execution, error) {
	v.calls.Add(1)
	if o.Venue == "" {
		return venue.Execution{}, order.ErrVenueNotSelected
	}
	if v.err != nil {
		return venue.Execution{}, v.err
	}
	return venue.Execution{TxHash: "0xabc", ExecutedPrice: v.price}, nil
}

type fixture struct {
	store    *orderstore.Service
	durable  *memDurable
	router   *stubRouter
	venue    *stubVenue
	bus      *broadcast.Broadcaster
	pipeline *Pipeline

	mu     sync.Mutex
	events []broadcast.StatusEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		durable: &memDurable{orders: make(map[string]order.Order)},
		router:  &stubRouter{venue: "raydium"},
		venue:   &stubVenue{name: "raydium", price: 101.37},
		bus:     broadcast.New(),
	}

	var err error
	f.store, err = orderstore.NewService(orderstore.NewLRUCache(100, time.Hour), f.durable, nil)
	require.NoError(t, err)

	reg, err := venue.NewRegistry(f.venue)
	require.NoError(t, err)

	f.pipeline, err = New(Deps{
		Store:   f.store,
		Router:  f.router,
		Venues:  reg,
		Emitter: f.bus,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) createOrder(t *testing.T) order.Order {
	t.Helper()
	o, err := f.store.Create(context.Background(), order.Request{
		Type: order.TypeMarket, TokenIn: "SOL", TokenOut: "USDC", AmountIn: 3.3,
	})
	require.NoError(t, err)
	f.bus.Subscribe(o.ID, func(e broadcast.StatusEvent) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	return o
}

func (f *fixture) statuses() []order.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]order.Status, len(f.events))
	for i, e := range f.events {
		out[i] = e.Status
	}
	return out
}

func (f *fixture) persisted(t *testing.T, id string) order.Order {
	t.Helper()
	o, ok, err := f.durable.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return o
}

func jobFor(o order.Order, attemptsMade int) queue.Job {
	return queue.Job{ID: "job-" + o.ID, OrderID: o.ID, TokenIn: o.TokenIn, TokenOut: o.TokenOut, AmountIn: o.AmountIn, AttemptsMade: attemptsMade, MaxAttempts: 3}
}

func TestProcess_ConfirmsOrder(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	require.NoError(t, f.pipeline.Process(context.Background(), jobFor(o, 0)))

	assert.Equal(t, []order.Status{
		order.StatusRouting, order.StatusBuilding, order.StatusSubmitted, order.StatusConfirmed,
	}, f.statuses())

	got := f.persisted(t, o.ID)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.Equal(t, "raydium", got.Venue)
	assert.Equal(t, "0xabc", got.TxHash)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.ExecutedPrice)
	require.NotNil(t, got.AmountOut)
	assert.Equal(t, got.AmountIn*(*got.ExecutedPrice), *got.AmountOut)

	last := f.events[len(f.events)-1]
	assert.Equal(t, "0xabc", last.TxHash)
	assert.Equal(t, "raydium", last.Venue)
}

func TestProcess_ExecuteFailurePersistsFailed(t *testing.T) {
	f := newFixture(t)
	f.venue.err = venue.ErrUnavailable
	o := f.createOrder(t)

	err := f.pipeline.Process(context.Background(), jobFor(o, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, venue.ErrUnavailable)
	assert.False(t, queue.IsPermanent(err))

	assert.Equal(t, []order.Status{
		order.StatusRouting, order.StatusBuilding, order.StatusSubmitted, order.StatusFailed,
	}, f.statuses())

	got := f.persisted(t, o.ID)
	assert.Equal(t, order.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.Empty(t, got.TxHash)
	assert.Nil(t, got.ExecutedPrice)
}

func TestProcess_RetryRerunsFromRouting(t *testing.T) {
	f := newFixture(t)
	f.router.errs = []error{venue.ErrUnavailable}
	o := f.createOrder(t)

	require.Error(t, f.pipeline.Process(context.Background(), jobFor(o, 0)))
	assert.Equal(t, order.StatusFailed, f.persisted(t, o.ID).Status)

	require.NoError(t, f.pipeline.Process(context.Background(), jobFor(o, 1)))
	got := f.persisted(t, o.ID)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.Empty(t, got.Error)
	assert.Equal(t, 2, f.router.calls)
}

func TestProcess_RetryFailingBeforePersistKeepsFailedRecord(t *testing.T) {
	f := newFixture(t)
	f.router.errs = []error{errors.New("first"), errors.New("second")}
	o := f.createOrder(t)

	require.Error(t, f.pipeline.Process(context.Background(), jobFor(o, 0)))
	require.Error(t, f.pipeline.Process(context.Background(), jobFor(o, 1)))

	got := f.persisted(t, o.ID)
	assert.Equal(t, order.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "first")
}

func TestProcess_MissingOrderIsPermanent(t *testing.T) {
	f := newFixture(t)
	var got []broadcast.StatusEvent
	f.bus.Subscribe("ghost", func(e broadcast.StatusEvent) { got = append(got, e) })

	err := f.pipeline.Process(context.Background(), queue.Job{ID: "j", OrderID: "ghost", MaxAttempts: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, order.ErrNotFound)
	assert.True(t, queue.IsPermanent(err))
	require.Len(t, got, 1)
	assert.Equal(t, order.StatusFailed, got[0].Status)
}

func TestProcess_UnknownVenueIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.router.venue = "orca"
	o := f.createOrder(t)

	err := f.pipeline.Process(context.Background(), jobFor(o, 0))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.Equal(t, order.StatusFailed, f.persisted(t, o.ID).Status)
}

func TestProcess_MissingVenueIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.router.venue = ""
	o := f.createOrder(t)

	err := f.pipeline.Process(context.Background(), jobFor(o, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, order.ErrVenueNotSelected)
	assert.True(t, queue.IsPermanent(err))
	assert.Equal(t, int32(0), f.venue.calls.Load())

	got := f.persisted(t, o.ID)
	assert.Equal(t, order.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)

	statuses := f.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, order.StatusFailed, statuses[len(statuses)-1])
}

func TestProcess_RoutingEventOmitsPreviousVenue(t *testing.T) {
	f := newFixture(t)
	f.venue.err = venue.ErrUnavailable
	o := f.createOrder(t)

	require.Error(t, f.pipeline.Process(context.Background(), jobFor(o, 0)))
	assert.Equal(t, "raydium", f.persisted(t, o.ID).Venue)

	f.venue.err = nil
	require.NoError(t, f.pipeline.Process(context.Background(), jobFor(o, 1)))

	f.mu.Lock()
	defer f.mu.Unlock()
	routed := 0
	for _, e := range f.events {
		if e.Status == order.StatusRouting {
			routed++
			assert.Empty(t, e.Venue)
		}
	}
	assert.Equal(t, 2, routed)
}

func TestProcess_ConfirmedOrderIsSkipped(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	require.NoError(t, f.pipeline.Process(context.Background(), jobFor(o, 0)))
	before := len(f.statuses())

	require.NoError(t, f.pipeline.Process(context.Background(), jobFor(o, 1)))
	assert.Len(t, f.statuses(), before)
	assert.Equal(t, int32(1), f.venue.calls.Load())
}

func TestProcess_RecoversInterruptedOrder(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	ctx := context.Background()
	_, err := f.store.Update(ctx, o.ID, order.StatusRouting, order.Patch{Venue: order.Ptr("raydium")})
	require.NoError(t, err)
	_, err = f.store.Update(ctx, o.ID, order.StatusBuilding, order.Patch{})
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Process(ctx, jobFor(o, 0)))
	assert.Equal(t, order.StatusConfirmed, f.persisted(t, o.ID).Status)
}

func TestProcess_EventsNeverLeaveTerminalState(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)
	require.NoError(t, f.pipeline.Process(context.Background(), jobFor(o, 0)))

	rank := map[order.Status]int{
		order.StatusPending: 0, order.StatusRouting: 1, order.StatusBuilding: 2,
		order.StatusSubmitted: 3, order.StatusConfirmed: 4,
	}
	statuses := f.statuses()
	for i := 1; i < len(statuses); i++ {
		assert.Greater(t, rank[statuses[i]], rank[statuses[i-1]], "status regressed at %d: %v", i, statuses)
	}
}

func TestQueueRetriesPipelineUntilExhausted(t *testing.T) {
	f := newFixture(t)
	f.venue.err = venue.ErrUnavailable
	o := f.createOrder(t)

	q, err := queue.New(queue.Options{
		Concurrency: 2,
		RateLimit:   100,
		RatePeriod:  time.Second,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}, f.pipeline, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	_, err = q.Enqueue(context.Background(), jobFor(o, 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Metrics().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), f.venue.calls.Load())
	assert.Equal(t, 3, f.router.calls)

	got := f.persisted(t, o.ID)
	assert.Equal(t, order.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}
