package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"order-engine/internal/order"
	"order-engine/internal/queue"
)

func TestCollector_JobFinished(t *testing.T) {
	c := New("test")
	c.JobFinished(queue.OutcomeRetried, 1, time.Second)
	c.JobFinished(queue.OutcomeRetried, 2, time.Second)
	c.JobFinished(queue.OutcomeDead, 3, time.Second)

	if got := testutil.ToFloat64(c.jobsFinished.WithLabelValues("retried")); got != 2 {
		t.Errorf("expected 2 retried, got %f", got)
	}
	if got := testutil.ToFloat64(c.jobsFinished.WithLabelValues("dead")); got != 1 {
		t.Errorf("expected 1 dead, got %f", got)
	}
}

func TestCollector_QuoteAndRouting(t *testing.T) {
	c := New("test")
	c.QuoteObserved("raydium", 200*time.Millisecond, nil)
	c.QuoteObserved("meteora", 0, errors.New("timeout"))
	c.VenueSelected("raydium")
	c.StatusChanged(order.StatusConfirmed)

	if got := testutil.ToFloat64(c.quoteErrors.WithLabelValues("meteora")); got != 1 {
		t.Errorf("expected 1 quote error, got %f", got)
	}
	if got := testutil.ToFloat64(c.venueSelected.WithLabelValues("raydium")); got != 1 {
		t.Errorf("expected 1 selection, got %f", got)
	}
	if got := testutil.ToFloat64(c.statusTransition.WithLabelValues("confirmed")); got != 1 {
		t.Errorf("expected 1 confirmed transition, got %f", got)
	}
	if n := testutil.CollectAndCount(c.quoteLatency); n != 1 {
		t.Errorf("expected 1 latency series, got %d", n)
	}
}

func TestCollector_QueueGauges(t *testing.T) {
	c := New("test")
	c.RegisterQueue(func() queue.Metrics {
		return queue.Metrics{Waiting: 3, Active: 2, Completed: 7, Failed: 1, Delayed: 4}
	})

	expected := `
# HELP test_queue_jobs Jobs currently in each queue bucket
# TYPE test_queue_jobs gauge
test_queue_jobs{bucket="active"} 2
test_queue_jobs{bucket="completed"} 7
test_queue_jobs{bucket="delayed"} 4
test_queue_jobs{bucket="failed"} 1
test_queue_jobs{bucket="waiting"} 3
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "test_queue_jobs"); err != nil {
		t.Fatal(err)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New("test")
	c.VenueSelected("raydium")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_routing_venue_selected_total{venue="raydium"} 1`) {
		t.Fatalf("metric missing from output")
	}
}
