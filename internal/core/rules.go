package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidIntent = errors.New("invalid intent")
	ErrBelowMinQty   = errors.New("qty below min")
)

// NormalizeIntent rounds volume to the qty step and the stop trigger to the
// price tick. Cancel intents pass through untouched.
func NormalizeIntent(intent OrderIntent, rules Rules) (OrderIntent, error) {
	if intent.Action == Cancel {
		return intent, nil
	}
	if intent.Volume.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidIntent
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		intent.Volume = RoundDown(intent.Volume, rules.QtyStep)
	}
	if intent.Volume.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidIntent
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && intent.Volume.Cmp(rules.MinQty) < 0 {
		return intent, ErrBelowMinQty
	}
	if intent.Kind != Stop {
		return intent, nil
	}
	if !intent.TriggerPrice.Valid || intent.TriggerPrice.Decimal.Cmp(decimal.Zero) <= 0 {
		return intent, ErrInvalidIntent
	}
	if rules.PriceTick.Cmp(decimal.Zero) > 0 {
		intent.TriggerPrice = decimal.NewNullDecimal(RoundDown(intent.TriggerPrice.Decimal, rules.PriceTick))
	}
	return intent, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
