package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig          `mapstructure:"app"`
	Server   ServerConfig       `mapstructure:"server"`
	Database DatabaseConfig     `mapstructure:"database"`
	Cache    CacheConfig        `mapstructure:"cache"`
	Queue    QueueConfig        `mapstructure:"queue"`
	Routing  RoutingConfig      `mapstructure:"routing"`
	Venues   []VenueConfig      `mapstructure:"venues"`
	Pairs    map[string]float64 `mapstructure:"pairs"`
	Logging  LoggingConfig      `mapstructure:"logging"`
	Metrics  MetricsConfig      `mapstructure:"metrics"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 描述对外 HTTP/WebSocket 服务。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 管理持久化存储。
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	PebblePath      string        `mapstructure:"pebble_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// CacheConfig 控制订单缓存层。
type CacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Size int           `mapstructure:"size"`
}

// QueueConfig 控制订单执行队列。
type QueueConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	RateLimit          int           `mapstructure:"rate_limit"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	Backoff            time.Duration `mapstructure:"backoff"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	FailedRetention    time.Duration `mapstructure:"failed_retention"`
}

// RoutingConfig 控制多交易场所报价聚合。
type RoutingConfig struct {
	ReferenceLiquidity float64       `mapstructure:"reference_liquidity"`
	AllowPartial       bool          `mapstructure:"allow_partial"`
	QuoteTimeout       time.Duration `mapstructure:"quote_timeout"`
}

// VenueConfig 描述单个执行场所。kind 为 simulated 或 exchange。
type VenueConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	Latency      time.Duration `mapstructure:"latency"`
	VarianceMin  float64       `mapstructure:"variance_min"`
	VarianceMax  float64       `mapstructure:"variance_max"`
	Fee          float64       `mapstructure:"fee"`
	LiquidityMin float64       `mapstructure:"liquidity_min"`
	LiquidityMax float64       `mapstructure:"liquidity_max"`
	ExecutionMin time.Duration `mapstructure:"execution_min"`
	ExecutionMax time.Duration `mapstructure:"execution_max"`
	Slippage     float64       `mapstructure:"slippage"`

	Exchange   string `mapstructure:"exchange"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	APIPass    string `mapstructure:"api_password"`
	UseSandbox bool   `mapstructure:"use_sandbox"`
	BookDepth  int    `mapstructure:"book_depth"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

const (
	VenueKindSimulated = "simulated"
	VenueKindExchange  = "exchange"

	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout 必须大于0"))
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPebble:
		if c.Database.PebblePath == "" {
			err = multierr.Append(err, errors.New("database.pebble_path 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("database.driver 不支持: %q", c.Database.Driver))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Cache.TTL <= 0 {
		err = multierr.Append(err, errors.New("cache.ttl 必须大于0"))
	}
	if c.Cache.Size <= 0 {
		err = multierr.Append(err, errors.New("cache.size 必须大于0"))
	}
	if c.Queue.Concurrency <= 0 {
		err = multierr.Append(err, errors.New("queue.concurrency 必须大于0"))
	}
	if c.Queue.RateLimit <= 0 {
		err = multierr.Append(err, errors.New("queue.rate_limit 必须大于0"))
	}
	if c.Queue.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("queue.max_attempts 必须大于0"))
	}
	if c.Queue.Backoff <= 0 {
		err = multierr.Append(err, errors.New("queue.backoff 必须大于0"))
	}
	if c.Routing.ReferenceLiquidity <= 0 {
		err = multierr.Append(err, errors.New("routing.reference_liquidity 必须大于0"))
	}
	if c.Routing.QuoteTimeout <= 0 {
		err = multierr.Append(err, errors.New("routing.quote_timeout 必须大于0"))
	}
	if len(c.Venues) == 0 {
		err = multierr.Append(err, errors.New("venues 至少配置一个执行场所"))
	}
	seen := make(map[string]struct{}, len(c.Venues))
	for i, v := range c.Venues {
		err = multierr.Append(err, v.validate(i))
		if _, dup := seen[v.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("venues[%d].name 重复: %s", i, v.Name))
		}
		seen[v.Name] = struct{}{}
	}
	for pair, price := range c.Pairs {
		if !strings.Contains(pair, "-") {
			err = multierr.Append(err, fmt.Errorf("pairs.%s 应为 TOKENIN-TOKENOUT 格式", pair))
		}
		if price <= 0 {
			err = multierr.Append(err, fmt.Errorf("pairs.%s 价格必须大于0", pair))
		}
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (v VenueConfig) validate(i int) error {
	var err error

	if v.Name == "" {
		err = multierr.Append(err, fmt.Errorf("venues[%d].name 不能为空", i))
	}
	if v.Fee < 0 || v.Fee >= 1 {
		err = multierr.Append(err, fmt.Errorf("venues[%d].fee 应位于[0,1)", i))
	}

	switch strings.ToLower(v.Kind) {
	case VenueKindSimulated:
		if v.VarianceMin <= 0 || v.VarianceMax < v.VarianceMin {
			err = multierr.Append(err, fmt.Errorf("venues[%d] variance 区间无效", i))
		}
		if v.LiquidityMin <= 0 || v.LiquidityMax < v.LiquidityMin {
			err = multierr.Append(err, fmt.Errorf("venues[%d] liquidity 区间无效", i))
		}
		if v.Latency < 0 || v.ExecutionMin < 0 || v.ExecutionMax < v.ExecutionMin {
			err = multierr.Append(err, fmt.Errorf("venues[%d] 延迟配置无效", i))
		}
		if v.Slippage < 0 || v.Slippage > 0.2 {
			err = multierr.Append(err, fmt.Errorf("venues[%d].slippage 应位于[0,0.2]", i))
		}
	case VenueKindExchange:
		if v.Exchange == "" {
			err = multierr.Append(err, fmt.Errorf("venues[%d].exchange 不能为空", i))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("venues[%d].kind 不支持: %q", i, v.Kind))
	}

	return err
}
