package strategy

import (
	"strings"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
	"grid-ladder/internal/grid"
	"grid-ladder/internal/sizing"
)

type ExhaustPolicy string

const (
	ExhaustForceClose ExhaustPolicy = "force_close"
	ExhaustHold       ExhaustPolicy = "hold"
)

func ParseExhaustPolicy(raw string) (ExhaustPolicy, bool) {
	switch p := ExhaustPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case ExhaustForceClose, ExhaustHold:
		return p, true
	case "":
		return ExhaustForceClose, true
	default:
		return p, false
	}
}

type Config struct {
	Symbol string
	// Grid.Reference may be zero; the first price then anchors the grid.
	Grid      grid.Spec
	Volume    sizing.Config
	Direction grid.Direction
	// ProfitTarget and StopLoss are quote amounts; zero disables them.
	ProfitTarget decimal.Decimal
	StopLoss     decimal.Decimal
	AutoRearm    bool
	// MaxCycles of zero means unlimited.
	MaxCycles   int
	OnExhausted ExhaustPolicy
	EntryOrder  core.OrderKind
	TickDriven  bool
	Rules       core.Rules
	// MaxEquityFraction gates new levels on gross notional versus equity
	// when a portfolio snapshot is known; zero disables it.
	MaxEquityFraction decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.Grid.Mode == "" {
		c.Grid.Mode = grid.ModeNeutral
	}
	if c.Grid.Policy == "" {
		c.Grid.Policy = grid.PolicyMoving
	}
	if c.Direction == "" {
		c.Direction = grid.TowardReference
	}
	if c.OnExhausted == "" {
		c.OnExhausted = ExhaustForceClose
	}
	if c.EntryOrder == "" {
		c.EntryOrder = core.Market
	}
	if c.Volume.Scheme == "" {
		c.Volume.Scheme = sizing.SchemeDepth
	}
	if c.Volume.MaxExponent == 0 && c.Grid.Levels > 1 {
		c.Volume.MaxExponent = c.Grid.Levels - 1
	}
}

func (c Config) Validate() error {
	spec := c.Grid
	if spec.Reference.Cmp(decimal.Zero) <= 0 {
		// checked again when the first price arms the grid
		spec.Reference = decimal.NewFromInt(1)
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	switch c.Direction {
	case grid.TowardReference, grid.AwayFromReference:
	default:
		return core.NewConfigError("trigger_direction", "must be toward_reference or away_from_reference")
	}
	switch c.OnExhausted {
	case ExhaustForceClose, ExhaustHold:
	default:
		return core.NewConfigError("on_exhausted", "must be force_close or hold")
	}
	switch c.EntryOrder {
	case core.Market, core.Stop:
	default:
		return core.NewConfigError("entry_order", "must be MARKET or STOP")
	}
	if c.ProfitTarget.Cmp(decimal.Zero) < 0 {
		return core.NewConfigError("profit_target", "must be >= 0")
	}
	if c.StopLoss.Cmp(decimal.Zero) < 0 {
		return core.NewConfigError("stop_loss", "must be >= 0")
	}
	if c.MaxCycles < 0 {
		return core.NewConfigError("max_cycles", "must be >= 0")
	}
	if c.MaxEquityFraction.Cmp(decimal.Zero) < 0 {
		return core.NewConfigError("max_equity_fraction", "must be >= 0")
	}
	return nil
}
