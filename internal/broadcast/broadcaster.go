package broadcast

import (
	"sync"
	"time"

	"order-engine/internal/order"
)

// StatusEvent 为推送给订阅方的状态变化。
type StatusEvent struct {
	OrderID       string       `json:"orderId"`
	Status        order.Status `json:"status"`
	Message       string       `json:"message,omitempty"`
	Venue         string       `json:"dex,omitempty"`
	TxHash        string       `json:"txHash,omitempty"`
	ExecutedPrice *float64     `json:"executedPrice,omitempty"`
	AmountOut     *float64     `json:"amountOut,omitempty"`
	Error         string       `json:"error,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Sink 接收某个订单的状态事件。
type Sink func(StatusEvent)

// Broadcaster 为每个订单最多保留一个实时订阅方，可被多个 worker 与外部调用方并发访问。
type Broadcaster struct {
	mu    sync.RWMutex
	seq   uint64
	sinks map[string]subscription
}

type subscription struct {
	id   uint64
	sink Sink
}

// New 创建空的订阅注册表。
func New() *Broadcaster {
	return &Broadcaster{sinks: make(map[string]subscription)}
}

// Subscribe 注册订阅方，已存在时替换旧的订阅方。
// 返回的 release 只移除本次注册，订阅方已被替换时无操作。
func (b *Broadcaster) Subscribe(orderID string, sink Sink) (release func()) {
	if sink == nil {
		return func() {}
	}
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.sinks[orderID] = subscription{id: id, sink: sink}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if cur, ok := b.sinks[orderID]; ok && cur.id == id {
			delete(b.sinks, orderID)
		}
		b.mu.Unlock()
	}
}

// Unsubscribe 移除订阅方，未注册时无操作。
func (b *Broadcaster) Unsubscribe(orderID string) {
	b.mu.Lock()
	delete(b.sinks, orderID)
	b.mu.Unlock()
}

// Emit 同步投递事件，无订阅方时直接丢弃。
func (b *Broadcaster) Emit(orderID string, event StatusEvent) {
	b.mu.RLock()
	sub, ok := b.sinks[orderID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	if event.OrderID == "" {
		event.OrderID = orderID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	sub.sink(event)
}

// Subscribers 返回当前订阅数。
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}
