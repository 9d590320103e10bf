// Package api 暴露下单、查询与订单状态推送接口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"order-engine/internal/broadcast"
	"order-engine/internal/monitor"
	"order-engine/internal/order"
	"order-engine/internal/queue"
)

// Orders 为接口层所需的订单存取能力。
type Orders interface {
	Create(ctx context.Context, req order.Request) (order.Order, error)
	Get(ctx context.Context, id string) (order.Order, bool, error)
	List(ctx context.Context, limit, offset int) ([]order.Order, error)
}

// Queue 接收执行任务并报告队列计数。
type Queue interface {
	Enqueue(ctx context.Context, job queue.Job) (queue.Job, error)
	Metrics() queue.Metrics
}

// Subscriptions 管理订单状态订阅，Subscribe 返回仅移除本次注册的 release。
type Subscriptions interface {
	Subscribe(orderID string, sink broadcast.Sink) (release func())
	Subscribers() int
}

// Events 检索审计事件。
type Events interface {
	ListEvents(ctx context.Context, q monitor.Query) ([]monitor.Event, error)
}

// Deps 为服务依赖，Events 与 Metrics 可以为空。
type Deps struct {
	Orders        Orders
	Queue         Queue
	Subscriptions Subscriptions
	Events        Events
	Metrics       http.Handler
	Logger        *zap.Logger
}

// Options 控制跨域与关闭超时。
type Options struct {
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Server 处理 REST 与 WebSocket 请求。
type Server struct {
	orders  Orders
	queue   Queue
	subs    Subscriptions
	events  Events
	metrics http.Handler
	opts    Options
	router  *mux.Router
	logger  *zap.Logger
}

const (
	defaultListLimit   = 50
	maxListLimit       = 500
	defaultEventsLimit = 200
	maxEventsLimit     = 1000
)

// NewServer 创建接口服务并注册路由。
func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Orders == nil || deps.Queue == nil || deps.Subscriptions == nil {
		return nil, errors.New("api: orders、queue、subscriptions 均不能为空")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		orders:  deps.Orders,
		queue:   deps.Queue,
		subs:    deps.Subscriptions,
		events:  deps.Events,
		metrics: deps.Metrics,
		opts:    opts,
		router:  mux.NewRouter(),
		logger:  logger,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/orders/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{orderId}/status", s.handleStatusStream)
	api.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/queue/metrics", s.handleQueueMetrics).Methods(http.MethodGet)
	if s.events != nil {
		api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

// Handler 返回带跨域处理的根处理器。
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Run 监听 addr 直到 ctx 结束，随后在超时内优雅关闭。
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("接口服务已启动", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("关闭接口服务失败", zap.Error(err))
		return err
	}
	s.logger.Info("接口服务已关闭")
	return nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error(), nil)
		return
	}

	o, err := s.orders.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, order.ErrValidation) {
			respondError(w, http.StatusBadRequest, "validation failed", "", order.Problems(err))
			return
		}
		s.logger.Error("创建订单失败", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to create order", err.Error(), nil)
		return
	}

	job := queue.Job{
		OrderID:           o.ID,
		TokenIn:           o.TokenIn,
		TokenOut:          o.TokenOut,
		AmountIn:          o.AmountIn,
		SlippageTolerance: o.SlippageTolerance,
		LimitPrice:        o.LimitPrice,
	}
	if _, err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.logger.Error("订单入队失败", zap.String("order_id", o.ID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, "failed to enqueue order", err.Error(), nil)
		return
	}

	s.logger.Info("订单已受理",
		zap.String("order_id", o.ID),
		zap.String("type", string(o.Type)),
		zap.String("pair", o.TokenIn+"/"+o.TokenOut),
		zap.Float64("amount_in", o.AmountIn),
	)
	respondStatus(w, http.StatusCreated, ExecuteResponse{
		OrderID: o.ID,
		Status:  o.Status,
		Message: "Order received and queued for execution",
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]

	o, ok, err := s.orders.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load order", err.Error(), nil)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", id, nil)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), defaultListLimit, maxListLimit)
	offset := 0
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		offset = v
	}

	orders, err := s.orders.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list orders", err.Error(), nil)
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	respondJSON(w, ListResponse{Orders: orders, Limit: limit, Offset: offset})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, s.queue.Metrics())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
		if !eventType.Valid() {
			respondError(w, http.StatusBadRequest, "unknown event type", typ, nil)
			return
		}
	}

	events, err := s.events.ListEvents(r.Context(), monitor.Query{
		Type:    eventType,
		OrderID: strings.TrimSpace(q.Get("orderId")),
		Limit:   intParam(q.Get("limit"), defaultEventsLimit, maxEventsLimit),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events", err.Error(), nil)
		return
	}
	respondJSON(w, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, HealthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Subscribers: s.subs.Subscribers(),
	})
}

func intParam(raw string, def, max int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg, detail string, details []string) {
	respondStatus(w, status, ErrorResponse{
		Error:   msg,
		Message: detail,
		Details: details,
	})
}
