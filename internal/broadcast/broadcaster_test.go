package broadcast

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"order-engine/internal/order"
)

func TestEmit_DeliversToSubscriber(t *testing.T) {
	b := New()
	var got []StatusEvent
	b.Subscribe("o1", func(e StatusEvent) { got = append(got, e) })

	b.Emit("o1", StatusEvent{Status: order.StatusRouting})
	b.Emit("o2", StatusEvent{Status: order.StatusRouting})

	if assert.Len(t, got, 1) {
		assert.Equal(t, "o1", got[0].OrderID)
		assert.Equal(t, order.StatusRouting, got[0].Status)
		assert.False(t, got[0].Timestamp.IsZero())
	}
}

func TestSubscribe_ReplacesPriorSink(t *testing.T) {
	b := New()
	var first, second int
	b.Subscribe("o1", func(StatusEvent) { first++ })
	b.Subscribe("o1", func(StatusEvent) { second++ })

	b.Emit("o1", StatusEvent{Status: order.StatusBuilding})

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, b.Subscribers())
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("o1", func(StatusEvent) { calls++ })
	b.Emit("o1", StatusEvent{Status: order.StatusRouting})

	b.Unsubscribe("o1")
	b.Unsubscribe("o1")
	b.Emit("o1", StatusEvent{Status: order.StatusBuilding})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Subscribers())
}

func TestRelease_KeepsReplacementSink(t *testing.T) {
	b := New()
	var stale, fresh int
	releaseStale := b.Subscribe("o1", func(StatusEvent) { stale++ })
	releaseFresh := b.Subscribe("o1", func(StatusEvent) { fresh++ })

	// 旧连接晚于新连接关闭。
	releaseStale()
	b.Emit("o1", StatusEvent{Status: order.StatusSubmitted})

	assert.Equal(t, 0, stale)
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, b.Subscribers())

	releaseFresh()
	releaseFresh()
	assert.Equal(t, 0, b.Subscribers())
}

func TestEmit_WithoutSubscriberIsDropped(t *testing.T) {
	b := New()
	b.Emit("nobody", StatusEvent{Status: order.StatusConfirmed})

	var got []StatusEvent
	b.Subscribe("nobody", func(e StatusEvent) { got = append(got, e) })
	assert.Empty(t, got)
}

func TestBroadcaster_ConcurrentAccess(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("o%d", i%5)
		wg.Add(3)
		go func() {
			defer wg.Done()
			b.Subscribe(id, func(StatusEvent) {})
		}()
		go func() {
			defer wg.Done()
			b.Emit(id, StatusEvent{Status: order.StatusRouting})
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe(id)
		}()
	}
	wg.Wait()
}
