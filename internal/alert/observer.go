package alert

import (
	"strconv"

	"grid-ladder/internal/strategy"
)

// EngineObserver forwards the engine events an operator has to see: forced
// closes, reconciliation trouble and finished cycles. Routine transitions and
// rebases stay in the logs.
type EngineObserver struct {
	alerter Alerter
}

func NewEngineObserver(alerter Alerter) *EngineObserver {
	return &EngineObserver{alerter: alerter}
}

func (o *EngineObserver) OnEvent(ev strategy.Event) {
	if o == nil || o.alerter == nil {
		return
	}
	switch ev.Kind {
	case strategy.EventReconciliationMismatch:
		fields := map[string]string{"reason": ev.Reason}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		o.alerter.Important("reconciliation_mismatch", fields)
	case strategy.EventLadderExhausted:
		o.alerter.Important("ladder_exhausted", map[string]string{
			"side":   string(ev.Side),
			"levels": strconv.Itoa(ev.Levels),
			"price":  ev.Price.String(),
			"reason": ev.Reason,
		})
	case strategy.EventCycleClosed:
		o.alerter.Important("cycle_closed", map[string]string{
			"reason":   ev.Reason,
			"realized": ev.Realized.String(),
			"price":    ev.Price.String(),
		})
	case strategy.EventGapSkip:
		o.alerter.Important("gap_skip", map[string]string{
			"side":   string(ev.Side),
			"levels": strconv.Itoa(ev.Levels),
			"price":  ev.Price.String(),
		})
	}
}

var _ strategy.Observer = (*EngineObserver)(nil)
