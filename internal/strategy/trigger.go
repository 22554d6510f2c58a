package strategy

import (
	"github.com/shopspring/decimal"

	"grid-ladder/internal/grid"
	"grid-ladder/internal/ladder"
)

// Evaluator classifies a price against the ladder. It holds no state.
type Evaluator struct {
	LevelCount   int
	ProfitTarget decimal.Decimal
	StopLoss     decimal.Decimal
}

const (
	reasonProfitTarget = "profit_target"
	reasonStopLoss     = "stop_loss"
)

// Exit reports why an open exposure must be closed, if at all.
func (ev Evaluator) Exit(exp ladder.Exposure) (string, bool) {
	if exp.Flat() {
		return "", false
	}
	if ev.ProfitTarget.Cmp(decimal.Zero) > 0 && exp.UnrealizedPnL.Cmp(ev.ProfitTarget) >= 0 {
		return reasonProfitTarget, true
	}
	if ev.StopLoss.Cmp(decimal.Zero) > 0 && exp.UnrealizedPnL.Cmp(ev.StopLoss.Neg()) <= 0 {
		return reasonStopLoss, true
	}
	return "", false
}

// Capacity is how many units the side may hold.
func (ev Evaluator) Capacity(lad grid.Ladder) int {
	if lad.Len() < ev.LevelCount {
		return lad.Len()
	}
	return ev.LevelCount
}

// Crossings lists, in boundary order, every boundary price has reached
// beyond the current depth. A gap across several boundaries yields all of
// them, not only the nearest.
func (ev Evaluator) Crossings(lad grid.Ladder, depth int, price decimal.Decimal) []int {
	out := make([]int, 0)
	for idx := depth; idx < ev.Capacity(lad); idx++ {
		if !lad.Crossed(idx, price) {
			break
		}
		out = append(out, idx)
	}
	return out
}

// Exhausted reports a ladder holding every level it may hold.
func (ev Evaluator) Exhausted(lad grid.Ladder, depth int) bool {
	capacity := ev.Capacity(lad)
	return capacity > 0 && depth >= capacity
}
