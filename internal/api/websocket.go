package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"order-engine/internal/broadcast"
	"order-engine/internal/order"
	"order-engine/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 跨域由外层 cors 处理。
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStatusStream 推送单个订单的状态变化，连接关闭时取消订阅。
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]
	logger := s.logger.With(zap.String("order_id", id))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket 升级失败", zap.Error(err))
		return
	}
	defer conn.Close()

	// 先订阅再读取快照，读取期间发生的状态变化缓存在 send 中，写完快照后再推送。
	send := make(chan broadcast.StatusEvent, sendBuffer)
	done := make(chan struct{})
	release := s.subs.Subscribe(id, func(e broadcast.StatusEvent) {
		select {
		case send <- e:
		case <-done:
		default:
			logger.Warn("订阅方积压，丢弃状态事件", zap.String("status", string(e.Status)))
		}
	})
	defer release()

	o, ok, err := s.orders.Get(r.Context(), id)
	if err != nil || !ok {
		release()
		msg := "order not found"
		if err != nil {
			msg = err.Error()
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(broadcast.StatusEvent{
			OrderID:   id,
			Status:    order.StatusFailed,
			Error:     msg,
			Timestamp: time.Now().UTC(),
		})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg))
		return
	}

	initial := pipeline.EventFromOrder(o)
	initial.Message = "Connected to order status stream"
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(initial); err != nil {
		logger.Debug("写入初始状态失败", zap.Error(err))
		return
	}
	logger.Debug("状态订阅已建立")

	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("WebSocket 读取失败", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug("推送状态失败", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			logger.Debug("状态订阅已关闭")
			return
		}
	}
}
