package backtest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

var ErrNoPrice = errors.New("no market price yet")

type restingStop struct {
	intent core.OrderIntent
	// below stops trigger when price falls to the trigger, others when it
	// rises to it.
	below bool
	seq   int
}

// SimExchange executes order intents against bar data with a single netted
// position.
type SimExchange struct {
	symbol        string
	rules         core.Rules
	walletQuote   decimal.Decimal
	positionQty   decimal.Decimal
	positionEntry decimal.Decimal
	resting       map[string]restingStop
	seq           int
	lastPrice     decimal.Decimal
	makerFee      decimal.Decimal
	takerFee      decimal.Decimal
	feePaid       decimal.Decimal
	fills         int
	rejected      int
}

func NewSimExchange(symbol string, balance decimal.Decimal, rules core.Rules) *SimExchange {
	return &SimExchange{
		symbol:      symbol,
		rules:       rules,
		walletQuote: balance,
		resting:     make(map[string]restingStop),
		lastPrice:   decimal.Zero,
		makerFee:    decimal.Zero,
		takerFee:    decimal.Zero,
		feePaid:     decimal.Zero,
	}
}

func (s *SimExchange) SetFees(makerRate, takerRate decimal.Decimal) error {
	if makerRate.Cmp(decimal.Zero) < 0 || takerRate.Cmp(decimal.Zero) < 0 {
		return errors.New("fee rate must be >= 0")
	}
	s.makerFee = makerRate
	s.takerFee = takerRate
	return nil
}

type Snapshot struct {
	WalletQuote   decimal.Decimal `json:"wallet_quote"`
	PositionQty   decimal.Decimal `json:"position_qty"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	EquityQuote   decimal.Decimal `json:"equity_quote"`
	LockedCapital decimal.Decimal `json:"locked_capital"`
	FeePaidQuote  decimal.Decimal `json:"fee_paid_quote"`
}

func (s *SimExchange) Snapshot(price decimal.Decimal) Snapshot {
	if price.Cmp(decimal.Zero) <= 0 {
		price = s.lastPrice
	}
	unrealized := s.unrealizedPnL(price)
	return Snapshot{
		WalletQuote:   s.walletQuote,
		PositionQty:   s.positionQty,
		EntryPrice:    s.positionEntry,
		UnrealizedPnL: unrealized,
		EquityQuote:   s.walletQuote.Add(unrealized),
		LockedCapital: s.positionQty.Abs().Mul(price),
		FeePaidQuote:  s.feePaid,
	}
}

// Restore loads a persisted account. Resting stops are not part of a
// snapshot; callers re-submit them after marking the price.
func (s *SimExchange) Restore(snap Snapshot) {
	s.walletQuote = snap.WalletQuote
	s.positionQty = snap.PositionQty
	s.positionEntry = snap.EntryPrice
	s.feePaid = snap.FeePaidQuote
}

func (s *SimExchange) Portfolio() core.PortfolioSnapshot {
	snap := s.Snapshot(s.lastPrice)
	return core.PortfolioSnapshot{Equity: snap.EquityQuote, CurrentPosition: snap.PositionQty}
}

func (s *SimExchange) Name() string { return "backtest" }

func (s *SimExchange) Symbol() string { return s.symbol }

func (s *SimExchange) Rules() core.Rules { return s.rules }

func (s *SimExchange) Stats() (fills, rejected int) {
	return s.fills, s.rejected
}

func (s *SimExchange) LastPrice() decimal.Decimal {
	return s.lastPrice
}

// SetPrice marks the book without matching resting stops.
func (s *SimExchange) SetPrice(price decimal.Decimal) {
	if price.Cmp(decimal.Zero) > 0 {
		s.lastPrice = price
	}
}

// Execute applies one intent. Market orders fill at once at the last price;
// stops rest until Match triggers them. A market order under the minimum lot
// comes back as a zero-volume (rejected) fill, and so does a cancelled stop
// that was still resting.
func (s *SimExchange) Execute(intent core.OrderIntent, ts time.Time) ([]core.FillReport, error) {
	switch intent.Action {
	case core.Cancel:
		st, ok := s.resting[intent.ID]
		if !ok {
			return nil, nil
		}
		delete(s.resting, intent.ID)
		return []core.FillReport{{OrderID: st.intent.ID, Side: st.intent.Side, FilledVolume: decimal.Zero, Time: ts}}, nil
	case core.Submit:
	default:
		return nil, fmt.Errorf("unknown intent action %q", intent.Action)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("%w: missing id", core.ErrInvalidIntent)
	}
	normalized, err := core.NormalizeIntent(intent, s.rules)
	if errors.Is(err, core.ErrBelowMinQty) {
		s.rejected++
		return []core.FillReport{{OrderID: intent.ID, Side: intent.Side, FilledVolume: decimal.Zero, Time: ts}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: id=%q volume=%s", err, intent.ID, intent.Volume.String())
	}
	intent = normalized
	switch intent.Kind {
	case core.Market:
		if s.lastPrice.Cmp(decimal.Zero) <= 0 {
			return nil, ErrNoPrice
		}
		return []core.FillReport{s.fill(intent, s.lastPrice, s.takerFee, ts)}, nil
	case core.Stop:
		s.seq++
		s.resting[intent.ID] = restingStop{
			intent: intent,
			below:  s.lastPrice.Cmp(decimal.Zero) > 0 && intent.TriggerPrice.Decimal.Cmp(s.lastPrice) < 0,
			seq:    s.seq,
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown order kind %q", intent.Kind)
	}
}

func (s *SimExchange) Resting() []core.OrderIntent {
	stops := s.sortedResting()
	out := make([]core.OrderIntent, 0, len(stops))
	for _, st := range stops {
		out = append(out, st.intent)
	}
	return out
}

func (s *SimExchange) sortedResting() []restingStop {
	out := make([]restingStop, 0, len(s.resting))
	for _, st := range s.resting {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Match triggers resting stops the bar reached and marks the book at the
// close. A bar that opens past a trigger fills at the open.
func (s *SimExchange) Match(bar core.PriceBar) []core.FillReport {
	fills := make([]core.FillReport, 0)
	for _, st := range s.sortedResting() {
		trigger := st.intent.TriggerPrice.Decimal
		var (
			hit   bool
			price = trigger
		)
		if st.below {
			hit = bar.Low.Cmp(trigger) <= 0
			if bar.Open.Cmp(decimal.Zero) > 0 && bar.Open.Cmp(trigger) < 0 {
				price = bar.Open
			}
		} else {
			hit = bar.High.Cmp(trigger) >= 0
			if bar.Open.Cmp(trigger) > 0 {
				price = bar.Open
			}
		}
		if !hit {
			continue
		}
		delete(s.resting, st.intent.ID)
		fills = append(fills, s.fill(st.intent, price, s.takerFee, bar.OpenTime))
	}
	s.SetPrice(bar.Close)
	return fills
}

func (s *SimExchange) fill(intent core.OrderIntent, price, feeRate decimal.Decimal, ts time.Time) core.FillReport {
	s.applyFill(intent.Side, intent.Volume, price, feeRate)
	s.fills++
	return core.FillReport{
		OrderID:      intent.ID,
		Side:         intent.Side,
		FilledPrice:  price,
		FilledVolume: intent.Volume,
		Time:         ts,
	}
}

func (s *SimExchange) applyFill(side core.Side, qty, price, feeRate decimal.Decimal) {
	if qty.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return
	}
	fee := price.Mul(qty).Mul(feeRate)
	s.walletQuote = s.walletQuote.Sub(fee)
	s.feePaid = s.feePaid.Add(fee)

	switch side {
	case core.Buy:
		s.applyBuyFill(qty, price)
	case core.Sell:
		s.applySellFill(qty, price)
	}
}

func (s *SimExchange) applyBuyFill(qty, price decimal.Decimal) {
	if s.positionQty.Cmp(decimal.Zero) >= 0 {
		oldQty := s.positionQty
		if oldQty.IsZero() {
			s.positionEntry = price
		} else {
			s.positionEntry = weightedPrice(s.positionEntry, oldQty, price, qty)
		}
		s.positionQty = oldQty.Add(qty)
		return
	}

	closeQty := decimal.Min(qty, s.positionQty.Abs())
	s.walletQuote = s.walletQuote.Add(s.positionEntry.Sub(price).Mul(closeQty))
	s.positionQty = s.positionQty.Add(closeQty)
	if s.positionQty.IsZero() {
		s.positionEntry = decimal.Zero
	}
	if remain := qty.Sub(closeQty); remain.Cmp(decimal.Zero) > 0 {
		s.positionEntry = price
		s.positionQty = s.positionQty.Add(remain)
	}
}

func (s *SimExchange) applySellFill(qty, price decimal.Decimal) {
	if s.positionQty.Cmp(decimal.Zero) <= 0 {
		oldAbs := s.positionQty.Abs()
		if oldAbs.IsZero() {
			s.positionEntry = price
		} else {
			s.positionEntry = weightedPrice(s.positionEntry, oldAbs, price, qty)
		}
		s.positionQty = oldAbs.Add(qty).Neg()
		return
	}

	closeQty := decimal.Min(qty, s.positionQty)
	s.walletQuote = s.walletQuote.Add(price.Sub(s.positionEntry).Mul(closeQty))
	s.positionQty = s.positionQty.Sub(closeQty)
	if s.positionQty.IsZero() {
		s.positionEntry = decimal.Zero
	}
	if remain := qty.Sub(closeQty); remain.Cmp(decimal.Zero) > 0 {
		s.positionEntry = price
		s.positionQty = s.positionQty.Sub(remain)
	}
}

func (s *SimExchange) unrealizedPnL(markPrice decimal.Decimal) decimal.Decimal {
	if markPrice.Cmp(decimal.Zero) <= 0 || s.positionQty.IsZero() {
		return decimal.Zero
	}
	return markPrice.Sub(s.positionEntry).Mul(s.positionQty)
}

func weightedPrice(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}
