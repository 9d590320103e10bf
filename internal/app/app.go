package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"order-engine/internal/api"
	"order-engine/internal/broadcast"
	"order-engine/internal/config"
	"order-engine/internal/metrics"
	"order-engine/internal/monitor"
	"order-engine/internal/orderstore"
	"order-engine/internal/pipeline"
	"order-engine/internal/queue"
	"order-engine/internal/routing"
	"order-engine/internal/store"
	"order-engine/internal/venue"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	sqlite  *store.Store
	pebble  *store.PebbleOrderRepository
	orders  *orderstore.Service
	bus     *broadcast.Broadcaster
	queue   *queue.Queue
	server  *api.Server
	metrics *metrics.Collector
}

// New 按配置装配存储、路由、流水线、队列与接口服务。
func New(cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, bus: broadcast.New()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	if a.sqlite, err = store.NewSQLite(cfg.Database); err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	var durable orderstore.Durable
	switch cfg.Database.Driver {
	case config.DriverPebble:
		if a.pebble, err = store.NewPebble(cfg.Database.PebblePath); err != nil {
			return nil, fmt.Errorf("初始化 pebble 存储失败: %w", err)
		}
		durable = a.pebble
	default:
		repo, repoErr := store.NewOrderRepository(a.sqlite)
		if repoErr != nil {
			return nil, fmt.Errorf("初始化订单表失败: %w", repoErr)
		}
		durable = repo
	}

	jobs, err := store.NewJobRepository(a.sqlite)
	if err != nil {
		return nil, fmt.Errorf("初始化任务表失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(a.sqlite, logger.Named("monitor"))
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	a.orders, err = orderstore.NewService(
		orderstore.NewLRUCache(cfg.Cache.Size, cfg.Cache.TTL),
		durable,
		logger.Named("orderstore"),
	)
	if err != nil {
		return nil, err
	}

	venues, err := venue.FromConfig(cfg.Venues, cfg.Pairs, logger.Named("venue"))
	if err != nil {
		return nil, fmt.Errorf("初始化执行场所失败: %w", err)
	}

	var (
		quoteObserver routing.QuoteObserver
		jobObserver   queue.Observer
		pipeMetrics   pipeline.Metrics
	)
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
		quoteObserver, jobObserver, pipeMetrics = a.metrics, a.metrics, a.metrics
	}

	router, err := routing.NewAggregator(venues.All(), routing.Options{
		ReferenceLiquidity: cfg.Routing.ReferenceLiquidity,
		AllowPartial:       cfg.Routing.AllowPartial,
		QuoteTimeout:       cfg.Routing.QuoteTimeout,
	}, quoteObserver, logger.Named("routing"))
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Store:    a.orders,
		Router:   router,
		Venues:   venues,
		Emitter:  a.bus,
		Recorder: monitorSvc,
		Metrics:  pipeMetrics,
		Logger:   logger.Named("pipeline"),
	})
	if err != nil {
		return nil, err
	}

	a.queue, err = queue.New(queue.Options{
		Concurrency:        cfg.Queue.Concurrency,
		RateLimit:          cfg.Queue.RateLimit,
		RatePeriod:         time.Minute,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		Backoff:            cfg.Queue.Backoff,
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
	}, pipe, jobs, jobObserver, logger.Named("queue"))
	if err != nil {
		return nil, err
	}

	var metricsHandler http.Handler
	if a.metrics != nil {
		a.metrics.RegisterQueue(a.queue.Metrics)
		metricsHandler = a.metrics.Handler()
	}

	a.server, err = api.NewServer(api.Deps{
		Orders:        a.orders,
		Queue:         a.queue,
		Subscriptions: a.bus,
		Events:        monitorSvc,
		Metrics:       metricsHandler,
		Logger:        logger.Named("api"),
	}, api.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("订单执行引擎已初始化",
		zap.String("environment", cfg.App.Environment),
		zap.String("driver", cfg.Database.Driver),
		zap.Strings("venues", venues.Names()),
		zap.Bool("allow_partial", cfg.Routing.AllowPartial),
	)
	return a, nil
}

// Start 恢复未完成任务并启动 worker 池。
func (a *App) Start(ctx context.Context) error {
	return a.queue.Start(ctx)
}

// Handler 返回对外接口处理器。
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run 启动队列与接口服务，阻塞至 ctx 结束后依次关闭。
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	serveErr := a.server.Run(ctx, a.cfg.Server.Addr)
	if serveErr != nil {
		a.logger.Error("接口服务异常", zap.Error(serveErr))
	} else {
		a.logger.Info("系统收到退出信号，正在停止")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return multierr.Append(serveErr, a.queue.Close(closeCtx))
}

// Close 释放存储资源。
func (a *App) Close() error {
	var err error
	if a.pebble != nil {
		err = multierr.Append(err, a.pebble.Close())
	}
	if a.sqlite != nil {
		err = multierr.Append(err, a.sqlite.Close())
	}
	return err
}
