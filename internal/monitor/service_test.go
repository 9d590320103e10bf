package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"order-engine/internal/config"
	"order-engine/internal/routing"
	"order-engine/internal/store"
	"order-engine/internal/venue"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("创建监控服务失败: %v", err)
	}
	return svc
}

func TestService_RecordAndList(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	decision := routing.Decision{
		Quotes:   []venue.Quote{{Venue: "raydium", AmountOut: 99}, {Venue: "meteora", AmountOut: 98}},
		Selected: venue.Quote{Venue: "raydium", AmountOut: 99},
	}
	svc.RecordRouting(ctx, "o1", 1, decision)
	svc.RecordFailure(ctx, "o1", 1, "execute", errors.New("venue unavailable"))
	svc.RecordFailure(ctx, "o2", 1, "routing", errors.New("timeout"))
	svc.RecordExecution(ctx, "o1", ExecutionPayload{Attempt: 2, Venue: "raydium", TxHash: "abc", ExecutedPrice: 100, AmountIn: 1, AmountOut: 100})

	all, err := svc.ListEvents(ctx, Query{})
	if err != nil {
		t.Fatalf("ListEvents 失败: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	if all[0].Type != EventExecution {
		t.Fatalf("expected newest event first, got %s", all[0].Type)
	}

	failures, err := svc.ListEvents(ctx, Query{Type: EventFailure, OrderID: "o1"})
	if err != nil {
		t.Fatalf("ListEvents 失败: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure for o1, got %d", len(failures))
	}

	raw, ok := failures[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("unexpected payload type %T", failures[0].Payload)
	}
	var payload FailurePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("解析失败事件失败: %v", err)
	}
	if payload.Stage != "execute" || payload.Error != "venue unavailable" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if failures[0].Timestamp.IsZero() {
		t.Fatal("expected timestamp to round-trip")
	}
}

func TestService_ListLimit(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, "o1", i+1, "routing", errors.New("x"))
	}

	events, err := svc.ListEvents(ctx, Query{Limit: 2})
	if err != nil {
		t.Fatalf("ListEvents 失败: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestEventType_Valid(t *testing.T) {
	if !EventFailure.Valid() || EventType("position").Valid() {
		t.Fatal("unexpected event type validity")
	}
}
