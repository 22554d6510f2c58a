package strategy

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

// PriceSink consumes bars in arrival order and answers with the intents the
// update produced.
type PriceSink interface {
	OnBar(bar core.PriceBar) ([]core.OrderIntent, error)
}

// FillSink consumes the terminal outcome of previously emitted intents.
type FillSink interface {
	OnFill(fill core.FillReport) ([]core.OrderIntent, error)
}

// OrderIntentSource lists intents still awaiting an outcome.
type OrderIntentSource interface {
	InFlight() []core.OrderIntent
}

type Resetter interface {
	Reset(price decimal.Decimal) []core.OrderIntent
}

var (
	ErrOutOfOrder             = errors.New("bar out of order")
	ErrInvalidPrice           = errors.New("invalid price")
	ErrInvalidFill            = errors.New("invalid fill report")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
)

type Phase string

const (
	PhaseUnarmed   Phase = "UNARMED"
	PhaseArmed     Phase = "ARMED"
	PhaseLevelOpen Phase = "LEVEL_OPEN"
	PhaseClosing   Phase = "CLOSING"
)

type EventKind string

const (
	EventStateChanged           EventKind = "state_changed"
	EventGapSkip                EventKind = "gap_skip"
	EventLadderExhausted        EventKind = "ladder_exhausted"
	EventReconciliationMismatch EventKind = "reconciliation_mismatch"
	EventCycleClosed            EventKind = "cycle_closed"
	EventGridRebased            EventKind = "grid_rebased"
)

// Event is emitted for observability only; the engine never waits on it.
type Event struct {
	Kind     EventKind
	From     Phase
	To       Phase
	Reason   string
	Side     core.PositionSide
	Levels   int
	Price    decimal.Decimal
	Realized decimal.Decimal
	Err      error
	Time     time.Time
}

type Observer interface {
	OnEvent(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) OnEvent(ev Event) {
	f(ev)
}

var (
	_ PriceSink         = (*Engine)(nil)
	_ FillSink          = (*Engine)(nil)
	_ OrderIntentSource = (*Engine)(nil)
	_ Resetter          = (*Engine)(nil)
)
