package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"order-engine/internal/config"
	"order-engine/internal/order"
)

type exchangeClient interface {
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
}

// Exchange 为基于 ccxt 的中心化交易所场所。
// 直接市场 TOKENIN/TOKENOUT 上卖出 tokenIn；不存在时在反向市场 TOKENOUT/TOKENIN 上买入 tokenOut。
type Exchange struct {
	cfg    config.VenueConfig
	client exchangeClient
	logger *zap.Logger
}

// NewExchange 按配置创建 ccxt 客户端。
func NewExchange(cfg config.VenueConfig, logger *zap.Logger) (*Exchange, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	var client exchangeClient
	switch strings.ToLower(cfg.Exchange) {
	case "binance":
		ex := ccxt.NewBinance(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		client = ex
	case "binanceusdm":
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		client = ex
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		client = ex
	default:
		return nil, fmt.Errorf("venue: 不支持的交易所 %q", cfg.Exchange)
	}

	return newExchange(cfg, client, logger), nil
}

func newExchange(cfg config.VenueConfig, client exchangeClient, logger *zap.Logger) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 50
	}
	return &Exchange{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("venue", cfg.Name), zap.String("exchange", cfg.Exchange)),
	}
}

// Name 返回场所名称。
func (e *Exchange) Name() string {
	return e.cfg.Name
}

type market struct {
	symbol  string
	inverse bool
}

func symbolFor(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// book 优先读取直接市场，失败且不可重试时尝试反向市场。
func (e *Exchange) book(ctx context.Context, tokenIn, tokenOut string) (market, ccxt.OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return market{}, ccxt.OrderBook{}, err
	}

	direct := market{symbol: symbolFor(tokenIn, tokenOut)}
	ob, err := e.client.FetchOrderBook(direct.symbol, ccxt.WithFetchOrderBookLimit(int64(e.cfg.BookDepth)))
	if err == nil {
		return direct, ob, nil
	}
	if IsRetryable(err) {
		return market{}, ccxt.OrderBook{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, e.cfg.Name, err)
	}

	inverse := market{symbol: symbolFor(tokenOut, tokenIn), inverse: true}
	ob, invErr := e.client.FetchOrderBook(inverse.symbol, ccxt.WithFetchOrderBookLimit(int64(e.cfg.BookDepth)))
	if invErr != nil {
		if IsRetryable(invErr) {
			return market{}, ccxt.OrderBook{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, e.cfg.Name, invErr)
		}
		return market{}, ccxt.OrderBook{}, fmt.Errorf("venue: %s 无可用市场 %s 或 %s: %w", e.cfg.Name, direct.symbol, inverse.symbol, errors.Join(err, invErr))
	}
	return inverse, ob, nil
}

// fill 沿订单簿吃单，返回成交的 tokenOut 数量与以 tokenOut 计的深度。
func fill(m market, ob ccxt.OrderBook, amountIn float64) (out, depth float64) {
	remaining := amountIn
	if !m.inverse {
		// 卖出 base=tokenIn，按买盘成交，得到 quote=tokenOut。
		for _, level := range ob.Bids {
			if len(level) < 2 {
				continue
			}
			price, size := level[0], level[1]
			depth += price * size
			if remaining <= 0 {
				continue
			}
			take := min(size, remaining)
			out += take * price
			remaining -= take
		}
	} else {
		// 花费 quote=tokenIn，按卖盘买入 base=tokenOut。
		for _, level := range ob.Asks {
			if len(level) < 2 {
				continue
			}
			price, size := level[0], level[1]
			if price <= 0 {
				continue
			}
			depth += size
			if remaining <= 0 {
				continue
			}
			take := min(size, remaining/price)
			out += take
			remaining -= take * price
		}
	}
	return out, depth
}

// Quote 按当前订单簿估算成交量。
func (e *Exchange) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (Quote, error) {
	m, ob, err := e.book(ctx, tokenIn, tokenOut)
	if err != nil {
		return Quote{}, err
	}

	filled, depth := fill(m, ob, amountIn)
	if filled <= 0 {
		return Quote{}, fmt.Errorf("%w: %s 订单簿为空: %s", ErrUnavailable, e.cfg.Name, m.symbol)
	}

	price := filled / amountIn
	return Quote{
		Venue:     e.cfg.Name,
		Price:     price,
		Fee:       e.cfg.Fee,
		AmountOut: filled * (1 - e.cfg.Fee),
		Liquidity: depth,
	}, nil
}

// Execute 提交市价单，返回交易所订单号与以 tokenOut/tokenIn 计的成交均价。
func (e *Exchange) Execute(ctx context.Context, o order.Order) (Execution, error) {
	if o.Venue == "" {
		return Execution{}, order.ErrVenueNotSelected
	}

	m, ob, err := e.book(ctx, o.TokenIn, o.TokenOut)
	if err != nil {
		return Execution{}, err
	}

	side, amount := "sell", o.AmountIn
	if m.inverse {
		filled, _ := fill(m, ob, o.AmountIn)
		if filled <= 0 {
			return Execution{}, fmt.Errorf("%w: %s 订单簿为空: %s", ErrUnavailable, e.cfg.Name, m.symbol)
		}
		side, amount = "buy", filled
	}

	placed, err := e.client.CreateMarketOrder(m.symbol, side, amount)
	if err != nil {
		if IsRetryable(err) {
			return Execution{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, e.cfg.Name, err)
		}
		return Execution{}, fmt.Errorf("venue: %s 下单失败: %w", e.cfg.Name, err)
	}

	avg := placedPrice(placed)
	if avg <= 0 {
		return Execution{}, fmt.Errorf("venue: %s 回执缺少成交价格", e.cfg.Name)
	}
	executed := avg
	if m.inverse {
		executed = 1 / avg
	}

	var id string
	if placed.Id != nil {
		id = *placed.Id
	}

	e.logger.Info("交易所市价单已成交",
		zap.String("order_id", o.ID),
		zap.String("symbol", m.symbol),
		zap.String("side", side),
		zap.Float64("amount", amount),
		zap.Float64("executed_price", executed),
	)
	return Execution{TxHash: id, ExecutedPrice: executed}, nil
}

func placedPrice(o ccxt.Order) float64 {
	if o.Average != nil && *o.Average > 0 {
		return *o.Average
	}
	if o.Price != nil {
		return *o.Price
	}
	return 0
}
