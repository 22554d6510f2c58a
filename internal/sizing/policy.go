// Package sizing decides how large each ladder level is.
package sizing

import (
	"strings"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

type Scheme string

const (
	// SchemeFixed always trades the base volume.
	SchemeFixed Scheme = "fixed"
	// SchemeMartingale scales by consecutive cycle outcomes.
	SchemeMartingale Scheme = "martingale"
	// SchemeDepth scales by the current ladder depth only.
	SchemeDepth Scheme = "depth"
)

type Outcome int

const (
	Loss Outcome = iota
	Win
)

func ParseScheme(raw string) (Scheme, bool) {
	switch s := Scheme(strings.ToLower(strings.TrimSpace(raw))); s {
	case SchemeFixed, SchemeMartingale, SchemeDepth:
		return s, true
	case "":
		return SchemeDepth, true
	default:
		return s, false
	}
}

type Config struct {
	BaseVolume     decimal.Decimal
	Multiplier     decimal.Decimal
	AntiMartingale bool
	Scheme         Scheme
	// MaxExponent caps the outcome streak exponent; callers pass
	// level_count-1 so one cycle can never outgrow the ladder.
	MaxExponent int
}

// Streak counts consecutive closed cycles with the same outcome.
type Streak struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
}

func (s Streak) Record(o Outcome) Streak {
	if o == Win {
		return Streak{Wins: s.Wins + 1}
	}
	return Streak{Losses: s.Losses + 1}
}

type Policy struct {
	cfg Config
}

func New(cfg Config) (Policy, error) {
	if cfg.BaseVolume.Cmp(decimal.Zero) <= 0 {
		return Policy{}, core.NewConfigError("base_volume", "must be > 0")
	}
	if cfg.Multiplier.Cmp(decimal.Zero) <= 0 {
		return Policy{}, core.NewConfigError("multiplier", "must be > 0")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = SchemeDepth
	}
	switch cfg.Scheme {
	case SchemeFixed, SchemeMartingale, SchemeDepth:
	default:
		return Policy{}, core.NewConfigError("scaling", "must be fixed, martingale, or depth")
	}
	if cfg.MaxExponent < 0 {
		cfg.MaxExponent = 0
	}
	return Policy{cfg: cfg}, nil
}

func (p Policy) Config() Config {
	return p.cfg
}

// Next sizes the unit opened at depth (the number of units already open on
// the side) given the outcome streak of previous cycles.
func (p Policy) Next(depth int, streak Streak) decimal.Decimal {
	switch p.cfg.Scheme {
	case SchemeFixed:
		return p.cfg.BaseVolume
	case SchemeDepth:
		if depth < 0 {
			depth = 0
		}
		return p.cfg.BaseVolume.Mul(PowInt(p.cfg.Multiplier, depth))
	default:
		n := streak.Losses
		if p.cfg.AntiMartingale {
			n = streak.Wins
		}
		if n > p.cfg.MaxExponent {
			n = p.cfg.MaxExponent
		}
		return p.cfg.BaseVolume.Mul(PowInt(p.cfg.Multiplier, n))
	}
}

// PowInt raises base to a non-negative integer power by squaring, keeping
// every intermediate product in decimal.
func PowInt(base decimal.Decimal, n int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	if n <= 0 {
		return result
	}
	b := base
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(b)
		}
		n >>= 1
		if n > 0 {
			b = b.Mul(b)
		}
	}
	return result
}

// Round applies the instrument's lot rules after scaling. A volume that
// rounds below the minimum tradable increment is lifted to it so a level is
// never sized at zero.
func Round(volume decimal.Decimal, rules core.Rules) decimal.Decimal {
	out := volume
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		out = core.RoundDown(volume, rules.QtyStep)
	}
	floor := rules.MinQty
	if rules.QtyStep.Cmp(floor) > 0 {
		floor = rules.QtyStep
	}
	if floor.Cmp(decimal.Zero) > 0 && out.Cmp(floor) < 0 {
		if rules.QtyStep.Cmp(decimal.Zero) > 0 {
			// smallest step multiple that is >= floor
			return floor.Div(rules.QtyStep).Ceil().Mul(rules.QtyStep)
		}
		return floor
	}
	return out
}
