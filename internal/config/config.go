package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "engine"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if len(cfg.Venues) == 0 {
		cfg.Venues = DefaultVenues()
	}
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = DefaultPairs()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/order_engine.db")
	v.SetDefault("database.pebble_path", "data/orders.pebble")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.size", 10000)

	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.rate_limit", 100)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff", "2s")
	v.SetDefault("queue.completed_retention", "1h")
	v.SetDefault("queue.failed_retention", "24h")

	v.SetDefault("routing.reference_liquidity", 100000)
	v.SetDefault("routing.allow_partial", false)
	v.SetDefault("routing.quote_timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "order_engine")
}

// DefaultVenues 返回两个模拟 DEX 场所的默认参数。
func DefaultVenues() []VenueConfig {
	return []VenueConfig{
		{
			Name:         "raydium",
			Kind:         VenueKindSimulated,
			Latency:      200 * time.Millisecond,
			VarianceMin:  0.98,
			VarianceMax:  1.02,
			Fee:          0.003,
			LiquidityMin: 1_000_000,
			LiquidityMax: 1_500_000,
			ExecutionMin: 2 * time.Second,
			ExecutionMax: 3 * time.Second,
			Slippage:     0.005,
		},
		{
			Name:         "meteora",
			Kind:         VenueKindSimulated,
			Latency:      200 * time.Millisecond,
			VarianceMin:  0.97,
			VarianceMax:  1.02,
			Fee:          0.002,
			LiquidityMin: 800_000,
			LiquidityMax: 1_200_000,
			ExecutionMin: 2 * time.Second,
			ExecutionMax: 3 * time.Second,
			Slippage:     0.005,
		},
	}
}

// DefaultPairs 返回默认基准价格表。
func DefaultPairs() map[string]float64 {
	return map[string]float64{
		"SOL-USDC": 100,
		"USDC-SOL": 0.01,
		"SOL-USDT": 100,
		"USDT-SOL": 0.01,
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
