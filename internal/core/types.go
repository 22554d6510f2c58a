package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type PositionSide string

type OrderKind string

type IntentAction string

type Purpose string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

const (
	Market OrderKind = "MARKET"
	Stop   OrderKind = "STOP"
)

const (
	Submit IntentAction = "SUBMIT"
	Cancel IntentAction = "CANCEL"
)

const (
	Open  Purpose = "OPEN"
	Close Purpose = "CLOSE"
)

// OpenSide is the order side that adds exposure to a position side.
func (p PositionSide) OpenSide() Side {
	if p == Short {
		return Sell
	}
	return Buy
}

// CloseSide is the order side that reduces exposure on a position side.
func (p PositionSide) CloseSide() Side {
	if p == Short {
		return Buy
	}
	return Sell
}

// Sign is +1 for long exposure and -1 for short exposure.
func (p PositionSide) Sign() decimal.Decimal {
	if p == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PriceBar is a candle delivered by the market data layer.
type PriceBar struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	IsFinal  bool
}

// OrderIntent is the only mutation request the ladder engine issues.
// TriggerPrice is valid for STOP intents only.
type OrderIntent struct {
	ID           string              `json:"id"`
	Action       IntentAction        `json:"action"`
	Side         Side                `json:"side"`
	PositionSide PositionSide        `json:"position_side"`
	Volume       decimal.Decimal     `json:"volume"`
	Kind         OrderKind           `json:"kind"`
	TriggerPrice decimal.NullDecimal `json:"trigger_price"`
	Purpose      Purpose             `json:"purpose"`
	Level        int                 `json:"level"`
	Reason       string              `json:"reason,omitempty"`
}

// FillReport is the terminal outcome of one submitted intent. A zero
// FilledVolume means the order was rejected.
type FillReport struct {
	OrderID      string          `json:"order_id"`
	Side         Side            `json:"side"`
	FilledPrice  decimal.Decimal `json:"filled_price"`
	FilledVolume decimal.Decimal `json:"filled_volume"`
	Time         time.Time       `json:"time"`
}

type PortfolioSnapshot struct {
	Equity          decimal.Decimal
	CurrentPosition decimal.Decimal
}

type Rules struct {
	MinQty    decimal.Decimal `json:"min_qty"`
	PriceTick decimal.Decimal `json:"price_tick"`
	QtyStep   decimal.Decimal `json:"qty_step"`
}
