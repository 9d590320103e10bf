package order

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/multierr"
)

// Validate 校验创建请求，所有问题会合并后一次性返回。
func (r Request) Validate() error {
	var err error

	if !r.Type.Valid() {
		err = multierr.Append(err, fmt.Errorf("type 必须为 market、limit 或 sniper，实际为 %q", r.Type))
	}
	if strings.TrimSpace(r.TokenIn) == "" {
		err = multierr.Append(err, errors.New("tokenIn 不能为空"))
	}
	if strings.TrimSpace(r.TokenOut) == "" {
		err = multierr.Append(err, errors.New("tokenOut 不能为空"))
	}
	if !(r.AmountIn > 0) || math.IsInf(r.AmountIn, 0) {
		err = multierr.Append(err, errors.New("amountIn 必须为正数"))
	}
	if r.LimitPrice != nil && !(*r.LimitPrice > 0) {
		err = multierr.Append(err, errors.New("limitPrice 必须为正数"))
	}
	if r.SlippageTolerance != nil {
		s := *r.SlippageTolerance
		if !(s >= 0 && s <= 1) {
			err = multierr.Append(err, errors.New("slippageTolerance 必须位于[0,1]"))
		}
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// Slippage 返回请求的滑点容忍度，未指定时使用默认值。
func (r Request) Slippage() float64 {
	if r.SlippageTolerance == nil {
		return DefaultSlippageTolerance
	}
	return *r.SlippageTolerance
}

// Problems 将校验错误拆分为逐条描述，供接口层返回。
func Problems(err error) []string {
	if err == nil {
		return nil
	}
	var inner error = err
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range u.Unwrap() {
			if !errors.Is(e, ErrValidation) {
				inner = e
			}
		}
	}
	errs := multierr.Errors(inner)
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}
