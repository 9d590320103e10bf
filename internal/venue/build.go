package venue

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"order-engine/internal/config"
)

// FromConfig 按配置顺序构造全部场所。
func FromConfig(cfgs []config.VenueConfig, pairs map[string]float64, logger *zap.Logger) (*Registry, error) {
	prices := NewPriceTable(pairs)

	venues := make([]Venue, 0, len(cfgs))
	for _, vc := range cfgs {
		var (
			v   Venue
			err error
		)
		switch strings.ToLower(vc.Kind) {
		case config.VenueKindSimulated:
			v, err = NewSimulated(vc, prices, logger)
		case config.VenueKindExchange:
			v, err = NewExchange(vc, logger)
		default:
			err = fmt.Errorf("venue: 不支持的场所类型 %q", vc.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("venue: 初始化 %s 失败: %w", vc.Name, err)
		}
		venues = append(venues, v)
	}

	return NewRegistry(venues...)
}
