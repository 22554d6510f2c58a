package ladder

import (
	"github.com/shopspring/decimal"
)

// Exposure is derived from ladder entries and a mark price; it is never
// stored.
type Exposure struct {
	NetVolume     decimal.Decimal
	GrossVolume   decimal.Decimal
	AvgEntryPrice decimal.Decimal
	UnrealizedPnL decimal.Decimal
	// Cost is the signed entry notional, Σ price·signed volume.
	Cost decimal.Decimal
}

// Aggregate sums one or both sides. For a single side AvgEntryPrice is the
// volume-weighted entry; for a hedged net it is the break-even price, and is
// zero when the sides cancel out.
func Aggregate(price decimal.Decimal, states ...State) Exposure {
	net := decimal.Zero
	gross := decimal.Zero
	cost := decimal.Zero
	for _, st := range states {
		sign := st.Side.Sign()
		for _, e := range st.Entries {
			sv := e.Volume.Mul(sign)
			net = net.Add(sv)
			gross = gross.Add(e.Volume)
			cost = cost.Add(e.Price.Mul(sv))
		}
	}
	exp := Exposure{
		NetVolume:   net,
		GrossVolume: gross,
		Cost:        cost,
	}
	if !net.IsZero() {
		exp.AvgEntryPrice = cost.Div(net)
	}
	if price.Cmp(decimal.Zero) > 0 {
		exp.UnrealizedPnL = price.Mul(net).Sub(cost)
	}
	return exp
}

// PnLAt marks the exposure at another price without the original entries.
func (e Exposure) PnLAt(price decimal.Decimal) decimal.Decimal {
	return price.Mul(e.NetVolume).Sub(e.Cost)
}

func (e Exposure) Flat() bool {
	return e.GrossVolume.IsZero()
}
