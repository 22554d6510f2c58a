package grid

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

type Mode string

type Policy string

type Direction string

const (
	ModeNeutral   Mode = "neutral"
	ModeLongOnly  Mode = "long_only"
	ModeShortOnly Mode = "short_only"
)

const (
	PolicyMoving Policy = "moving"
	PolicyStatic Policy = "static"
)

const (
	// TowardReference opens levels against the move (grid/hedge/martingale).
	TowardReference Direction = "toward_reference"
	// AwayFromReference opens levels with the move (breakout/pyramiding).
	AwayFromReference Direction = "away_from_reference"
)

var ErrCollapsed = errors.New("grid collapsed after tick normalization")

type Spec struct {
	Reference decimal.Decimal
	Step      decimal.Decimal
	Levels    int
	Mode      Mode
	Policy    Policy
	Top       decimal.Decimal
	Bottom    decimal.Decimal
}

// Levels is an armed grid. Above is ascending, Below is descending; both
// start one step away from Reference.
type Levels struct {
	Reference decimal.Decimal   `json:"reference"`
	Step      decimal.Decimal   `json:"step"`
	Count     int               `json:"count"`
	Mode      Mode              `json:"mode"`
	Policy    Policy            `json:"policy"`
	Top       decimal.Decimal   `json:"top"`
	Bottom    decimal.Decimal   `json:"bottom"`
	Above     []decimal.Decimal `json:"above"`
	Below     []decimal.Decimal `json:"below"`
}

func ParseMode(raw string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeNeutral, ModeLongOnly, ModeShortOnly:
		return m, true
	case "":
		return ModeNeutral, true
	default:
		return m, false
	}
}

func ParseDirection(raw string) (Direction, bool) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(raw))); d {
	case TowardReference, AwayFromReference:
		return d, true
	case "":
		return TowardReference, true
	default:
		return d, false
	}
}

// NewStatic describes a grid fixed between bottom and top with levels
// evenly spaced boundaries, armed around reference.
func NewStatic(top, bottom decimal.Decimal, levels int, mode Mode, reference decimal.Decimal) Spec {
	spec := Spec{
		Reference: reference,
		Levels:    levels,
		Mode:      mode,
		Policy:    PolicyStatic,
		Top:       top,
		Bottom:    bottom,
	}
	if levels > 1 {
		spec.Step = top.Sub(bottom).Div(decimal.NewFromInt(int64(levels - 1)))
	}
	return spec
}

func (s Spec) Validate() error {
	if s.Levels < 1 {
		return core.NewConfigError("level_count", "must be >= 1")
	}
	if s.Reference.Cmp(decimal.Zero) <= 0 {
		return core.NewConfigError("reference_price", "must be > 0")
	}
	switch s.Mode {
	case ModeNeutral, ModeLongOnly, ModeShortOnly:
	default:
		return core.NewConfigError("mode", "must be neutral, long_only, or short_only")
	}
	switch s.Policy {
	case PolicyMoving:
	case PolicyStatic:
		if s.Levels < 2 {
			return core.NewConfigError("level_count", "must be >= 2 for static bounds")
		}
		if s.Bottom.Cmp(decimal.Zero) <= 0 || s.Top.Cmp(s.Bottom) <= 0 {
			return core.NewConfigError("static", "requires 0 < bottom < top")
		}
	default:
		return core.NewConfigError("policy", "must be moving or static")
	}
	if s.Step.Cmp(decimal.Zero) <= 0 {
		return core.NewConfigError("step", "must be > 0")
	}
	return nil
}

func Build(spec Spec) (Levels, error) {
	if spec.Mode == "" {
		spec.Mode = ModeNeutral
	}
	if spec.Policy == "" {
		spec.Policy = PolicyMoving
	}
	if err := spec.Validate(); err != nil {
		return Levels{}, err
	}
	lv := Levels{
		Reference: spec.Reference,
		Step:      spec.Step,
		Count:     spec.Levels,
		Mode:      spec.Mode,
		Policy:    spec.Policy,
		Top:       spec.Top,
		Bottom:    spec.Bottom,
	}
	if spec.Policy == PolicyStatic {
		lv.Above, lv.Below = staticBoundaries(spec)
	} else {
		lv.Above, lv.Below = movingBoundaries(spec)
	}
	if !lv.Enabled(core.Long) && !lv.Enabled(core.Short) {
		return Levels{}, core.NewConfigError("mode", "enables no side")
	}
	return lv, nil
}

func movingBoundaries(spec Spec) ([]decimal.Decimal, []decimal.Decimal) {
	above := make([]decimal.Decimal, 0, spec.Levels)
	below := make([]decimal.Decimal, 0, spec.Levels)
	for i := 1; i <= spec.Levels; i++ {
		offset := spec.Step.Mul(decimal.NewFromInt(int64(i)))
		above = append(above, spec.Reference.Add(offset))
		if p := spec.Reference.Sub(offset); p.Cmp(decimal.Zero) > 0 {
			below = append(below, p)
		}
	}
	return above, below
}

func staticBoundaries(spec Spec) ([]decimal.Decimal, []decimal.Decimal) {
	above := make([]decimal.Decimal, 0, spec.Levels)
	below := make([]decimal.Decimal, 0, spec.Levels)
	for k := spec.Levels - 1; k >= 0; k-- {
		p := spec.Bottom.Add(spec.Step.Mul(decimal.NewFromInt(int64(k))))
		if p.Cmp(spec.Reference) < 0 {
			below = append(below, p)
		}
	}
	for k := 0; k < spec.Levels; k++ {
		p := spec.Bottom.Add(spec.Step.Mul(decimal.NewFromInt(int64(k))))
		if p.Cmp(spec.Reference) > 0 {
			above = append(above, p)
		}
	}
	return above, below
}

func (l Levels) Enabled(side core.PositionSide) bool {
	switch l.Mode {
	case ModeLongOnly:
		return side == core.Long
	case ModeShortOnly:
		return side == core.Short
	default:
		return true
	}
}

func (l Levels) Spec() Spec {
	return Spec{
		Reference: l.Reference,
		Step:      l.Step,
		Levels:    l.Count,
		Mode:      l.Mode,
		Policy:    l.Policy,
		Top:       l.Top,
		Bottom:    l.Bottom,
	}
}

// Rebase re-centres a moving grid on price once price has travelled at
// least one step from the current reference. Static grids never move.
func (l Levels) Rebase(price decimal.Decimal) (Levels, bool) {
	if l.Policy != PolicyMoving || price.Cmp(decimal.Zero) <= 0 {
		return l, false
	}
	if price.Sub(l.Reference).Abs().Cmp(l.Step) < 0 {
		return l, false
	}
	spec := l.Spec()
	spec.Reference = price
	next, err := Build(spec)
	if err != nil {
		return l, false
	}
	return next, true
}

// Rearm rebuilds the grid around a new reference, keeping the static range.
func (l Levels) Rearm(reference decimal.Decimal) (Levels, error) {
	spec := l.Spec()
	spec.Reference = reference
	return Build(spec)
}

// Ladder is the ordered boundary sequence one position side walks through.
type Ladder struct {
	Prices     []decimal.Decimal
	Descending bool
}

func (l Levels) Ladder(side core.PositionSide, dir Direction) Ladder {
	if !l.Enabled(side) {
		return Ladder{}
	}
	useBelow := side == core.Long
	if dir == AwayFromReference {
		useBelow = !useBelow
	}
	if useBelow {
		return Ladder{Prices: l.Below, Descending: true}
	}
	return Ladder{Prices: l.Above}
}

func (l Ladder) Len() int {
	return len(l.Prices)
}

func (l Ladder) PriceAt(index int) decimal.Decimal {
	if index < 0 || index >= len(l.Prices) {
		return decimal.Zero
	}
	return l.Prices[index]
}

// Crossed reports whether price has touched or passed boundary index.
func (l Ladder) Crossed(index int, price decimal.Decimal) bool {
	if index < 0 || index >= len(l.Prices) {
		return false
	}
	if l.Descending {
		return price.Cmp(l.Prices[index]) <= 0
	}
	return price.Cmp(l.Prices[index]) >= 0
}

// Normalize rounds every boundary down to the price tick.
func Normalize(l Levels, tick decimal.Decimal) (Levels, error) {
	if tick.Cmp(decimal.Zero) <= 0 {
		return l, nil
	}
	above, err := normalizeSide(l.Above, tick)
	if err != nil {
		return Levels{}, err
	}
	below, err := normalizeSide(l.Below, tick)
	if err != nil {
		return Levels{}, err
	}
	l.Above = above
	l.Below = below
	return l, nil
}

func normalizeSide(prices []decimal.Decimal, tick decimal.Decimal) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(prices))
	for _, p := range prices {
		rp := core.RoundDown(p, tick)
		if len(out) > 0 && rp.Equal(out[len(out)-1]) {
			return nil, ErrCollapsed
		}
		if rp.Cmp(decimal.Zero) <= 0 {
			return nil, ErrCollapsed
		}
		out = append(out, rp)
	}
	return out, nil
}
