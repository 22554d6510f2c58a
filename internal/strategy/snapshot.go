package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
	"grid-ladder/internal/grid"
	"grid-ladder/internal/ladder"
	"grid-ladder/internal/sizing"
)

// Snapshot is the persisted form of an engine. In-flight intents survive a
// restart only until the next bar: anything still unreported by then forces
// a close. Reconciled lists the order ids already applied, so a venue that
// replays fills after a restart cannot double count them.
type Snapshot struct {
	Symbol      string             `json:"symbol"`
	Phase       Phase              `json:"phase"`
	Levels      grid.Levels        `json:"levels"`
	Long        ladder.State       `json:"long"`
	Short       ladder.State       `json:"short"`
	Streak      sizing.Streak      `json:"streak"`
	Cycles      int                `json:"cycles"`
	Halted      bool               `json:"halted"`
	RealizedPnL decimal.Decimal    `json:"realized_pnl"`
	Open        []core.OrderIntent `json:"open,omitempty"`
	Resting     []core.OrderIntent `json:"resting,omitempty"`
	Orphans     []core.OrderIntent `json:"orphans,omitempty"`
	Closing     *ClosingSnapshot   `json:"closing,omitempty"`
	Reconciled  []string           `json:"reconciled,omitempty"`
	LastPrice   decimal.Decimal    `json:"last_price"`
	LastBarTime time.Time          `json:"last_bar_time"`
}

type ClosingSnapshot struct {
	Reason    string            `json:"reason"`
	NetVolume decimal.Decimal   `json:"net_volume"`
	Cost      decimal.Decimal   `json:"cost"`
	Traded    bool              `json:"traded"`
	Intent    *core.OrderIntent `json:"intent,omitempty"`
}

func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Symbol:      e.cfg.Symbol,
		Phase:       e.phase,
		Levels:      e.levels,
		Long:        e.long.Clone(),
		Short:       e.short.Clone(),
		Streak:      e.streak,
		Cycles:      e.cycles,
		Halted:      e.halted,
		RealizedPnL: e.realized,
		LastPrice:   e.lastPrice,
		LastBarTime: e.lastBarTime,
	}
	for _, in := range e.InFlight() {
		switch {
		case in.Purpose == core.Close:
		case in.Kind == core.Stop:
			s.Resting = append(s.Resting, in)
		default:
			s.Open = append(s.Open, in)
		}
	}
	for _, id := range e.liveOrphans() {
		s.Orphans = append(s.Orphans, e.orphans[id])
	}
	if len(e.reconciledOrder) > 0 {
		s.Reconciled = append([]string(nil), e.reconciledOrder...)
	}
	if c := e.closing; c != nil {
		cs := &ClosingSnapshot{Reason: c.reason, NetVolume: c.net, Cost: c.cost, Traded: c.traded}
		if c.intentID != "" {
			in := c.intent
			cs.Intent = &in
		}
		s.Closing = cs
	}
	return s
}

// Restore replaces the engine state with s. It must be called before the
// first bar.
func (e *Engine) Restore(s Snapshot) error {
	if s.Symbol != "" && e.cfg.Symbol != "" && s.Symbol != e.cfg.Symbol {
		return fmt.Errorf("snapshot symbol %q does not match %q", s.Symbol, e.cfg.Symbol)
	}
	switch s.Phase {
	case PhaseUnarmed, PhaseArmed, PhaseLevelOpen, PhaseClosing:
	default:
		return fmt.Errorf("snapshot phase %q is unknown", s.Phase)
	}
	if s.Phase == PhaseClosing && s.Closing == nil {
		return fmt.Errorf("snapshot in %s has no close record", PhaseClosing)
	}
	e.phase = s.Phase
	e.levels = s.Levels
	e.long = s.Long.Clone()
	e.long.Side = core.Long
	e.short = s.Short.Clone()
	e.short.Side = core.Short
	e.streak = s.Streak
	e.cycles = s.Cycles
	e.halted = s.Halted
	e.realized = s.RealizedPnL
	e.lastPrice = s.LastPrice
	e.lastBarTime = s.LastBarTime
	e.now = s.LastBarTime
	e.exhausted = make(map[core.PositionSide]bool)

	e.open = make(map[string]tracked)
	for _, in := range s.Open {
		e.open[in.ID] = tracked{intent: in, seq: e.seq}
	}
	e.resting = make(map[core.PositionSide]tracked)
	for _, in := range s.Resting {
		e.resting[in.PositionSide] = tracked{intent: in, seq: e.seq}
	}
	e.orphans = make(map[string]core.OrderIntent)
	e.orphanOrder = nil
	for _, in := range s.Orphans {
		e.addOrphan(in)
	}
	e.reconciled = make(map[string]struct{})
	e.reconciledOrder = nil
	for _, id := range s.Reconciled {
		if _, dup := e.reconciled[id]; !dup {
			e.markReconciled(id)
		}
	}
	e.closing = nil
	if cs := s.Closing; cs != nil {
		c := &closeState{reason: cs.Reason, net: cs.NetVolume, cost: cs.Cost, traded: cs.Traded, seq: e.seq}
		if cs.Intent != nil {
			c.intent = *cs.Intent
			c.intentID = cs.Intent.ID
		}
		e.closing = c
	}
	return nil
}
