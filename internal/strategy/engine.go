package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-ladder/internal/core"
	"grid-ladder/internal/grid"
	"grid-ladder/internal/ladder"
	"grid-ladder/internal/sizing"
)

const (
	maxReconciledIDs = 10000
	trimReconciledTo = 8000
	// Cancelled intents kept for late fills. The oldest go first; a fill
	// for an evicted one is treated as unknown.
	maxOrphans = 64
)

var positionSides = []core.PositionSide{core.Long, core.Short}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithIDGenerator replaces the uuid intent ids, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

type tracked struct {
	intent core.OrderIntent
	seq    int64
}

// closeState is the flatten in progress. net and cost follow every fill of
// the cycle, so realized P&L is -cost once net is back at zero.
type closeState struct {
	reason string
	net    decimal.Decimal
	cost   decimal.Decimal
	traded bool
	intent core.OrderIntent
	// intentID is empty when no close order is in flight.
	intentID string
	seq      int64
}

func (c *closeState) absorb(fill core.FillReport) {
	if fill.FilledVolume.Cmp(decimal.Zero) <= 0 {
		return
	}
	sv := signedVolume(fill.Side, fill.FilledVolume)
	c.net = c.net.Add(sv)
	c.cost = c.cost.Add(fill.FilledPrice.Mul(sv))
	c.traded = true
}

func signedVolume(side core.Side, volume decimal.Decimal) decimal.Decimal {
	if side == core.Sell {
		return volume.Neg()
	}
	return volume
}

// Engine is the ladder state machine. It is synchronous and not safe for
// concurrent use; hosts serialise bars and fills onto one goroutine.
type Engine struct {
	cfg       Config
	policy    sizing.Policy
	eval      Evaluator
	log       *zap.Logger
	observers []Observer
	newID     func() string

	phase     Phase
	levels    grid.Levels
	long      ladder.State
	short     ladder.State
	halted    bool
	rearmOnce bool
	streak    sizing.Streak
	cycles    int
	realized  decimal.Decimal
	exhausted map[core.PositionSide]bool

	open        map[string]tracked
	resting     map[core.PositionSide]tracked
	orphans     map[string]core.OrderIntent
	orphanOrder []string
	closing     *closeState

	reconciled      map[string]struct{}
	reconciledOrder []string

	portfolio   *core.PortfolioSnapshot
	seq         int64
	lastBarTime time.Time
	lastPrice   decimal.Decimal
	now         time.Time
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := sizing.New(cfg.Volume)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		policy: policy,
		eval: Evaluator{
			LevelCount:   cfg.Grid.Levels,
			ProfitTarget: cfg.ProfitTarget,
			StopLoss:     cfg.StopLoss,
		},
		log:        zap.NewNop(),
		newID:      uuid.NewString,
		phase:      PhaseUnarmed,
		long:       ladder.NewState(core.Long),
		short:      ladder.NewState(core.Short),
		exhausted:  make(map[core.PositionSide]bool),
		open:       make(map[string]tracked),
		resting:    make(map[core.PositionSide]tracked),
		orphans:    make(map[string]core.OrderIntent),
		reconciled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.Symbol != "" {
		e.log = e.log.With(zap.String("symbol", cfg.Symbol))
	}
	return e, nil
}

// OnTick feeds a raw trade price. It is ignored unless the engine is tick
// driven.
func (e *Engine) OnTick(price decimal.Decimal, at time.Time) ([]core.OrderIntent, error) {
	return e.OnBar(core.PriceBar{OpenTime: at, Open: price, High: price, Low: price, Close: price})
}

func (e *Engine) OnBar(bar core.PriceBar) ([]core.OrderIntent, error) {
	if !bar.IsFinal && !e.cfg.TickDriven {
		return nil, nil
	}
	if !e.lastBarTime.IsZero() && bar.OpenTime.Before(e.lastBarTime) {
		e.log.Warn("bar_out_of_order",
			zap.Time("open_time", bar.OpenTime),
			zap.Time("last_open_time", e.lastBarTime),
		)
		return nil, ErrOutOfOrder
	}
	price := bar.Close
	if price.Cmp(decimal.Zero) <= 0 {
		return nil, fmt.Errorf("%w: close=%s", ErrInvalidPrice, price.String())
	}
	e.seq++
	e.lastBarTime = bar.OpenTime
	e.lastPrice = price
	e.now = bar.OpenTime

	if e.phase == PhaseUnarmed {
		if e.halted {
			return nil, nil
		}
		// A configured reference can already be behind the first price.
		configured := e.levels.Step.IsZero() && e.cfg.Grid.Reference.Cmp(decimal.Zero) > 0
		out, err := e.arm(price)
		if err != nil || !configured {
			return out, err
		}
		return append(out, e.openCrossed(price)...), nil
	}
	if id, ok := e.staleOpen(); ok {
		e.log.Warn("unreconciled_intent", zap.String("order_id", id))
		return e.beginClose("unreconciled_intent", price, nil), nil
	}
	if e.phase == PhaseClosing {
		return e.continueClose(), nil
	}
	if reason, ok := e.eval.Exit(e.Exposure(price)); ok {
		return e.beginClose(reason, price, nil), nil
	}

	out := e.openCrossed(price)
	if side, ok := e.exhaustedSide(price); ok {
		e.log.Warn("ladder_exhausted", zap.String("side", string(side)), zap.String("action", string(ExhaustForceClose)))
		return append(out, e.beginClose("ladder_exhausted", price, nil)...), nil
	}
	out = append(out, e.rebase(price)...)
	out = append(out, e.placeStops()...)
	return out, nil
}

func (e *Engine) OnFill(fill core.FillReport) ([]core.OrderIntent, error) {
	if fill.OrderID == "" || fill.FilledVolume.Cmp(decimal.Zero) < 0 {
		return nil, fmt.Errorf("%w: order_id=%q filled_volume=%s", ErrInvalidFill, fill.OrderID, fill.FilledVolume.String())
	}
	if _, done := e.reconciled[fill.OrderID]; done {
		e.log.Debug("duplicate_fill_ignored", zap.String("order_id", fill.OrderID))
		return nil, nil
	}
	e.markReconciled(fill.OrderID)
	if !fill.Time.IsZero() {
		e.now = fill.Time
	}

	if e.closing != nil && fill.OrderID == e.closing.intentID {
		return e.onCloseFill(fill), nil
	}
	if t, ok := e.open[fill.OrderID]; ok {
		return e.onOpenFill(t, fill), nil
	}
	for _, side := range positionSides {
		if t, ok := e.resting[side]; ok && t.intent.ID == fill.OrderID {
			return e.onStopFill(side, fill), nil
		}
	}
	if intent, ok := e.orphans[fill.OrderID]; ok {
		delete(e.orphans, fill.OrderID)
		return e.onLateFill(intent, fill), nil
	}
	return e.mismatch(fill, "unknown_order"), nil
}

func (e *Engine) UpdatePortfolio(snap core.PortfolioSnapshot) {
	s := snap
	e.portfolio = &s
}

// Reset abandons the current cycle. Open exposure is flattened first and the
// grid re-arms once flat, regardless of auto re-arm and the cycle limit.
func (e *Engine) Reset(price decimal.Decimal) []core.OrderIntent {
	if price.Cmp(decimal.Zero) <= 0 {
		price = e.lastPrice
	}
	e.halted = false
	if e.closing != nil {
		e.rearmOnce = true
		return nil
	}
	if !e.long.Empty() || !e.short.Empty() || len(e.open) > 0 {
		e.rearmOnce = true
		return e.beginClose("reset", price, nil)
	}
	out := e.cancelInFlight("reset")
	if price.Cmp(decimal.Zero) <= 0 {
		e.transition(PhaseUnarmed, "reset")
		return out
	}
	intents, err := e.arm(price)
	if err != nil {
		e.log.Error("rearm_failed", zap.Error(err))
		e.transition(PhaseUnarmed, "reset")
		return out
	}
	return append(out, intents...)
}

func (e *Engine) arm(price decimal.Decimal) ([]core.OrderIntent, error) {
	var (
		lv  grid.Levels
		err error
	)
	if e.levels.Step.IsZero() {
		spec := e.cfg.Grid
		if spec.Reference.Cmp(decimal.Zero) <= 0 {
			spec.Reference = price
		}
		lv, err = grid.Build(spec)
	} else {
		lv, err = e.levels.Rearm(price)
	}
	if err != nil {
		return nil, err
	}
	lv, err = grid.Normalize(lv, e.cfg.Rules.PriceTick)
	if err != nil {
		return nil, err
	}
	e.levels = lv
	e.long = ladder.NewState(core.Long)
	e.short = ladder.NewState(core.Short)
	e.exhausted = make(map[core.PositionSide]bool)
	e.log.Info("grid_armed",
		zap.String("reference", lv.Reference.String()),
		zap.String("step", lv.Step.String()),
		zap.Int("above", len(lv.Above)),
		zap.Int("below", len(lv.Below)),
	)
	e.transition(PhaseArmed, "armed")
	return e.placeStops(), nil
}

func (e *Engine) staleOpen() (string, bool) {
	for id, t := range e.open {
		if t.seq < e.seq {
			return id, true
		}
	}
	return "", false
}

func (e *Engine) continueClose() []core.OrderIntent {
	if e.closing.intentID != "" {
		e.log.Debug("close_awaiting_report", zap.String("order_id", e.closing.intentID))
		return nil
	}
	return e.submitClose()
}

func (e *Engine) openCrossed(price decimal.Decimal) []core.OrderIntent {
	out := make([]core.OrderIntent, 0)
	if e.cfg.EntryOrder != core.Market {
		return out
	}
	for _, side := range positionSides {
		lad := e.levels.Ladder(side, e.cfg.Direction)
		opened := 0
		for _, idx := range e.eval.Crossings(lad, e.state(side).LevelIndex(), price) {
			intent, ok := e.openLevel(side, lad, idx, "level_crossed")
			if !ok {
				break
			}
			out = append(out, intent)
			opened++
		}
		e.reportGap(side, opened, price)
	}
	return out
}

func (e *Engine) reportGap(side core.PositionSide, opened int, price decimal.Decimal) {
	if opened < 2 {
		return
	}
	e.log.Info("gap_skip", zap.String("side", string(side)), zap.Int("levels", opened), zap.String("price", price.String()))
	e.emit(Event{Kind: EventGapSkip, Side: side, Levels: opened, Price: price})
}

func (e *Engine) openLevel(side core.PositionSide, lad grid.Ladder, idx int, reason string) (core.OrderIntent, bool) {
	boundary := lad.PriceAt(idx)
	volume, ok := e.sizeLevel(side, idx, boundary)
	if !ok {
		return core.OrderIntent{}, false
	}
	intent := core.OrderIntent{
		ID:           e.newID(),
		Action:       core.Submit,
		Side:         side.OpenSide(),
		PositionSide: side,
		Volume:       volume,
		Kind:         core.Market,
		Purpose:      core.Open,
		Level:        idx + 1,
		Reason:       reason,
	}
	e.state(side).Append(ladder.Entry{
		OrderID: intent.ID,
		Level:   idx + 1,
		Price:   boundary,
		Volume:  volume,
		Pending: true,
	})
	e.open[intent.ID] = tracked{intent: intent, seq: e.seq}
	e.transition(PhaseLevelOpen, reason)
	return intent, true
}

func (e *Engine) sizeLevel(side core.PositionSide, idx int, price decimal.Decimal) (decimal.Decimal, bool) {
	volume := sizing.Round(e.policy.Next(idx, e.streak), e.cfg.Rules)
	if e.cfg.MaxEquityFraction.Cmp(decimal.Zero) <= 0 || e.portfolio == nil || e.portfolio.Equity.Cmp(decimal.Zero) <= 0 {
		return volume, true
	}
	gross := ladder.Aggregate(decimal.Zero, e.long, e.short).GrossVolume.Add(volume)
	limit := e.portfolio.Equity.Mul(e.cfg.MaxEquityFraction)
	if gross.Mul(price).Cmp(limit) > 0 {
		e.log.Warn("level_gated",
			zap.String("side", string(side)),
			zap.Int("level", idx+1),
			zap.String("notional", gross.Mul(price).String()),
			zap.String("limit", limit.String()),
		)
		return decimal.Zero, false
	}
	return volume, true
}

// exhaustedSide finds a side holding every level it may hold once all of
// its entries are reconciled. Under hold it only warns, once per cycle.
func (e *Engine) exhaustedSide(price decimal.Decimal) (core.PositionSide, bool) {
	for _, side := range positionSides {
		st := e.state(side)
		if len(st.Pending()) > 0 {
			continue
		}
		lad := e.levels.Ladder(side, e.cfg.Direction)
		if !e.eval.Exhausted(lad, st.LevelIndex()) {
			continue
		}
		if e.cfg.OnExhausted == ExhaustForceClose {
			e.emit(Event{Kind: EventLadderExhausted, Side: side, Levels: st.LevelIndex(), Reason: string(ExhaustForceClose), Price: price})
			return side, true
		}
		if !e.exhausted[side] {
			e.exhausted[side] = true
			e.log.Warn("ladder_exhausted", zap.String("side", string(side)), zap.String("action", string(ExhaustHold)))
			e.emit(Event{Kind: EventLadderExhausted, Side: side, Levels: st.LevelIndex(), Reason: string(ExhaustHold), Price: price})
		}
	}
	return "", false
}

func (e *Engine) rebase(price decimal.Decimal) []core.OrderIntent {
	if e.phase != PhaseArmed {
		return nil
	}
	next, moved := e.levels.Rebase(price)
	if !moved {
		return nil
	}
	next, err := grid.Normalize(next, e.cfg.Rules.PriceTick)
	if err != nil {
		e.log.Warn("grid_rebase_skipped", zap.Error(err))
		return nil
	}
	out := e.cancelResting("grid_rebased")
	from := e.levels.Reference
	e.levels = next
	e.log.Info("grid_rebased", zap.String("from", from.String()), zap.String("to", next.Reference.String()))
	e.emit(Event{Kind: EventGridRebased, Price: price})
	return out
}

// placeStops keeps one resting stop per enabled side at its next boundary.
func (e *Engine) placeStops() []core.OrderIntent {
	out := make([]core.OrderIntent, 0)
	if e.cfg.EntryOrder != core.Stop {
		return out
	}
	if e.phase != PhaseArmed && e.phase != PhaseLevelOpen {
		return out
	}
	for _, side := range positionSides {
		if _, ok := e.resting[side]; ok {
			continue
		}
		lad := e.levels.Ladder(side, e.cfg.Direction)
		idx := e.state(side).LevelIndex()
		if idx >= e.eval.Capacity(lad) {
			continue
		}
		trigger := lad.PriceAt(idx)
		volume, ok := e.sizeLevel(side, idx, trigger)
		if !ok {
			continue
		}
		intent := core.OrderIntent{
			ID:           e.newID(),
			Action:       core.Submit,
			Side:         side.OpenSide(),
			PositionSide: side,
			Volume:       volume,
			Kind:         core.Stop,
			TriggerPrice: decimal.NullDecimal{Decimal: trigger, Valid: true},
			Purpose:      core.Open,
			Level:        idx + 1,
			Reason:       "resting_entry",
		}
		e.resting[side] = tracked{intent: intent, seq: e.seq}
		out = append(out, intent)
	}
	return out
}

func cancelOf(intent core.OrderIntent, reason string) core.OrderIntent {
	c := intent
	c.Action = core.Cancel
	c.Reason = reason
	return c
}

func (e *Engine) cancelResting(reason string) []core.OrderIntent {
	out := make([]core.OrderIntent, 0)
	for _, side := range positionSides {
		t, ok := e.resting[side]
		if !ok {
			continue
		}
		out = append(out, cancelOf(t.intent, reason))
		e.addOrphan(t.intent)
		delete(e.resting, side)
	}
	return out
}

// cancelInFlight withdraws every open-purpose intent. Their fills may still
// arrive and are absorbed as late fills.
func (e *Engine) cancelInFlight(reason string) []core.OrderIntent {
	out := e.cancelResting(reason)
	pending := make([]tracked, 0, len(e.open))
	for _, t := range e.open {
		pending = append(pending, t)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].intent.PositionSide != pending[j].intent.PositionSide {
			return pending[i].intent.PositionSide < pending[j].intent.PositionSide
		}
		return pending[i].intent.Level < pending[j].intent.Level
	})
	for _, t := range pending {
		out = append(out, cancelOf(t.intent, reason))
		e.addOrphan(t.intent)
		delete(e.open, t.intent.ID)
	}
	return out
}

func (e *Engine) beginClose(reason string, price decimal.Decimal, extra *core.FillReport) []core.OrderIntent {
	out := e.cancelInFlight(reason)
	for _, st := range []*ladder.State{&e.long, &e.short} {
		for _, p := range st.Pending() {
			st.Drop(p.OrderID)
		}
	}
	exp := ladder.Aggregate(price, e.long, e.short)
	e.closing = &closeState{
		reason: reason,
		net:    exp.NetVolume,
		cost:   exp.Cost,
		traded: !exp.Flat(),
	}
	if extra != nil {
		e.closing.absorb(*extra)
	}
	e.long = ladder.NewState(core.Long)
	e.short = ladder.NewState(core.Short)
	e.transition(PhaseClosing, reason)
	e.log.Info("closing_started",
		zap.String("reason", reason),
		zap.String("net_volume", e.closing.net.String()),
		zap.String("unrealized_pnl", exp.UnrealizedPnL.String()),
	)
	return append(out, e.submitClose()...)
}

func (e *Engine) submitClose() []core.OrderIntent {
	c := e.closing
	if c.net.IsZero() {
		return e.finishCycle(e.lastPrice)
	}
	side, ps := core.Sell, core.Long
	if c.net.Cmp(decimal.Zero) < 0 {
		side, ps = core.Buy, core.Short
	}
	intent := core.OrderIntent{
		ID:           e.newID(),
		Action:       core.Submit,
		Side:         side,
		PositionSide: ps,
		Volume:       c.net.Abs(),
		Kind:         core.Market,
		Purpose:      core.Close,
		Reason:       c.reason,
	}
	c.intent = intent
	c.intentID = intent.ID
	c.seq = e.seq
	return []core.OrderIntent{intent}
}

func (e *Engine) finishCycle(price decimal.Decimal) []core.OrderIntent {
	c := e.closing
	e.closing = nil
	realized := c.cost.Neg()
	e.transition(PhaseUnarmed, "cycle_closed")
	if c.traded {
		outcome := sizing.Loss
		if realized.Cmp(decimal.Zero) >= 0 {
			outcome = sizing.Win
		}
		e.streak = e.streak.Record(outcome)
		e.cycles++
		e.realized = e.realized.Add(realized)
		e.log.Info("cycle_closed",
			zap.String("reason", c.reason),
			zap.String("realized_pnl", realized.String()),
			zap.Int("cycles", e.cycles),
			zap.Int("loss_streak", e.streak.Losses),
			zap.Int("win_streak", e.streak.Wins),
		)
		e.emit(Event{Kind: EventCycleClosed, Reason: c.reason, Realized: realized, Price: price})
	}

	rearm := e.cfg.AutoRearm && (e.cfg.MaxCycles == 0 || e.cycles < e.cfg.MaxCycles)
	if !rearm && !e.rearmOnce {
		e.halted = true
		e.log.Info("ladder_halted", zap.Int("cycles", e.cycles), zap.Bool("auto_rearm", e.cfg.AutoRearm))
		return nil
	}
	e.rearmOnce = false
	if price.Cmp(decimal.Zero) <= 0 {
		price = e.lastPrice
	}
	if price.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	out, err := e.arm(price)
	if err != nil {
		e.halted = true
		e.log.Error("rearm_failed", zap.Error(err))
		return nil
	}
	return out
}

func checkFill(intent core.OrderIntent, fill core.FillReport) string {
	if fill.Side != intent.Side {
		return "side_mismatch"
	}
	if fill.FilledVolume.Cmp(intent.Volume) > 0 {
		return "overfill"
	}
	if fill.FilledVolume.Cmp(decimal.Zero) > 0 && fill.FilledPrice.Cmp(decimal.Zero) <= 0 {
		return "invalid_price"
	}
	return ""
}

func (e *Engine) onOpenFill(t tracked, fill core.FillReport) []core.OrderIntent {
	delete(e.open, fill.OrderID)
	st := e.state(t.intent.PositionSide)
	if reason := checkFill(t.intent, fill); reason != "" {
		st.Drop(fill.OrderID)
		return e.mismatch(fill, reason)
	}
	st.Reconcile(fill.OrderID, fill.FilledPrice, fill.FilledVolume)
	switch {
	case fill.FilledVolume.IsZero():
		e.log.Warn("entry_rejected", zap.String("order_id", fill.OrderID), zap.Int("level", t.intent.Level))
		e.settle("entry_rejected")
	case fill.FilledVolume.Cmp(t.intent.Volume) < 0:
		e.log.Info("entry_partially_filled",
			zap.String("order_id", fill.OrderID),
			zap.String("requested", t.intent.Volume.String()),
			zap.String("filled", fill.FilledVolume.String()),
		)
	default:
		e.log.Debug("entry_filled", zap.String("order_id", fill.OrderID), zap.String("price", fill.FilledPrice.String()))
	}
	return nil
}

// onStopFill books a triggered resting entry, opens every later boundary the
// fill price already passed, and re-places the next stop.
func (e *Engine) onStopFill(side core.PositionSide, fill core.FillReport) []core.OrderIntent {
	t := e.resting[side]
	delete(e.resting, side)
	if reason := checkFill(t.intent, fill); reason != "" {
		return e.mismatch(fill, reason)
	}
	if fill.FilledVolume.IsZero() {
		// re-placed on the next bar
		e.log.Warn("entry_rejected", zap.String("order_id", fill.OrderID), zap.Int("level", t.intent.Level))
		return nil
	}
	st := e.state(side)
	st.Append(ladder.Entry{
		OrderID: fill.OrderID,
		Level:   st.LevelIndex() + 1,
		Price:   fill.FilledPrice,
		Volume:  fill.FilledVolume,
	})
	e.transition(PhaseLevelOpen, "stop_filled")

	out := make([]core.OrderIntent, 0)
	lad := e.levels.Ladder(side, e.cfg.Direction)
	opened := 1
	for _, idx := range e.eval.Crossings(lad, st.LevelIndex(), fill.FilledPrice) {
		intent, ok := e.openLevel(side, lad, idx, "level_gapped")
		if !ok {
			break
		}
		out = append(out, intent)
		opened++
	}
	e.reportGap(side, opened, fill.FilledPrice)
	return append(out, e.placeStops()...)
}

func (e *Engine) onCloseFill(fill core.FillReport) []core.OrderIntent {
	c := e.closing
	c.intentID = ""
	if reason := checkFill(c.intent, fill); reason != "" {
		return e.mismatch(fill, reason)
	}
	c.absorb(fill)
	if c.net.IsZero() {
		return e.finishCycle(fill.FilledPrice)
	}
	if fill.FilledVolume.IsZero() {
		e.log.Warn("close_rejected", zap.String("order_id", fill.OrderID), zap.String("remaining", c.net.Abs().String()))
	} else {
		e.log.Info("close_partially_filled", zap.String("order_id", fill.OrderID), zap.String("remaining", c.net.Abs().String()))
	}
	return nil
}

// onLateFill books a fill for an intent the engine already withdrew.
func (e *Engine) onLateFill(intent core.OrderIntent, fill core.FillReport) []core.OrderIntent {
	if fill.FilledVolume.IsZero() {
		return nil
	}
	e.log.Info("late_fill", zap.String("order_id", fill.OrderID), zap.String("filled", fill.FilledVolume.String()))
	if reason := checkFill(intent, fill); reason != "" {
		return e.mismatch(fill, reason)
	}
	if e.closing != nil {
		e.closing.absorb(fill)
		if e.closing.intentID == "" {
			return e.submitClose()
		}
		return nil
	}
	return e.beginClose("late_fill", e.markPrice(fill), &fill)
}

// mismatch handles a fill the ladder cannot explain. The fill's exposure is
// real, so it is flattened together with whatever the ladder holds.
func (e *Engine) mismatch(fill core.FillReport, reason string) []core.OrderIntent {
	err := fmt.Errorf("%w: %s order_id=%s", ErrReconciliationMismatch, reason, fill.OrderID)
	e.log.Error("reconciliation_mismatch",
		zap.String("reason", reason),
		zap.String("order_id", fill.OrderID),
		zap.String("side", string(fill.Side)),
		zap.String("filled_volume", fill.FilledVolume.String()),
		zap.String("filled_price", fill.FilledPrice.String()),
	)
	e.emit(Event{Kind: EventReconciliationMismatch, Reason: reason, Err: err, Price: fill.FilledPrice})
	if e.closing != nil {
		e.closing.absorb(fill)
		if e.closing.intentID == "" {
			return e.submitClose()
		}
		return nil
	}
	return e.beginClose("reconciliation_mismatch", e.markPrice(fill), &fill)
}

func (e *Engine) markPrice(fill core.FillReport) decimal.Decimal {
	if e.lastPrice.Cmp(decimal.Zero) > 0 {
		return e.lastPrice
	}
	return fill.FilledPrice
}

// settle drops back to ARMED when a rejection leaves nothing open.
func (e *Engine) settle(reason string) {
	if e.phase != PhaseLevelOpen {
		return
	}
	if e.long.Empty() && e.short.Empty() && len(e.open) == 0 {
		e.transition(PhaseArmed, reason)
	}
}

func (e *Engine) markReconciled(id string) {
	e.reconciled[id] = struct{}{}
	e.reconciledOrder = append(e.reconciledOrder, id)
	if len(e.reconciledOrder) <= maxReconciledIDs {
		return
	}
	drop := len(e.reconciledOrder) - trimReconciledTo
	for _, old := range e.reconciledOrder[:drop] {
		delete(e.reconciled, old)
	}
	e.reconciledOrder = append([]string(nil), e.reconciledOrder[drop:]...)
}

func (e *Engine) addOrphan(intent core.OrderIntent) {
	e.orphans[intent.ID] = intent
	e.orphanOrder = append(e.orphanOrder, intent.ID)
	for len(e.orphans) > maxOrphans {
		oldest := e.orphanOrder[0]
		e.orphanOrder = e.orphanOrder[1:]
		if _, ok := e.orphans[oldest]; ok {
			delete(e.orphans, oldest)
			e.log.Warn("orphan_evicted", zap.String("order_id", oldest))
		}
	}
	if len(e.orphanOrder) > 2*maxOrphans {
		e.orphanOrder = e.liveOrphans()
	}
}

// liveOrphans lists the orphan ids still awaiting a report, oldest first.
func (e *Engine) liveOrphans() []string {
	ids := make([]string, 0, len(e.orphans))
	for _, id := range e.orphanOrder {
		if _, ok := e.orphans[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) transition(to Phase, reason string) {
	if e.phase == to {
		return
	}
	from := e.phase
	e.phase = to
	e.log.Info("state_changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	e.emit(Event{Kind: EventStateChanged, From: from, To: to, Reason: reason, Price: e.lastPrice})
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now
	}
	for _, o := range e.observers {
		o.OnEvent(ev)
	}
}

func (e *Engine) state(side core.PositionSide) *ladder.State {
	if side == core.Short {
		return &e.short
	}
	return &e.long
}

func (e *Engine) Phase() Phase {
	return e.phase
}

func (e *Engine) Levels() grid.Levels {
	return e.levels
}

func (e *Engine) Ladder(side core.PositionSide) ladder.State {
	return e.state(side).Clone()
}

// Exposure marks the whole book at price: both ladders, or the flatten
// still in progress.
func (e *Engine) Exposure(price decimal.Decimal) ladder.Exposure {
	if e.closing == nil {
		return ladder.Aggregate(price, e.long, e.short)
	}
	c := e.closing
	exp := ladder.Exposure{
		NetVolume:   c.net,
		GrossVolume: c.net.Abs(),
		Cost:        c.cost,
	}
	if !c.net.IsZero() {
		exp.AvgEntryPrice = c.cost.Div(c.net)
	}
	if price.Cmp(decimal.Zero) > 0 {
		exp.UnrealizedPnL = exp.PnLAt(price)
	}
	return exp
}

func (e *Engine) InFlight() []core.OrderIntent {
	out := make([]core.OrderIntent, 0, len(e.open)+len(e.resting)+1)
	for _, t := range e.open {
		out = append(out, t.intent)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PositionSide != out[j].PositionSide {
			return out[i].PositionSide < out[j].PositionSide
		}
		return out[i].Level < out[j].Level
	})
	for _, side := range positionSides {
		if t, ok := e.resting[side]; ok {
			out = append(out, t.intent)
		}
	}
	if e.closing != nil && e.closing.intentID != "" {
		out = append(out, e.closing.intent)
	}
	return out
}

func (e *Engine) Streak() sizing.Streak {
	return e.streak
}

func (e *Engine) Cycles() int {
	return e.cycles
}

func (e *Engine) RealizedPnL() decimal.Decimal {
	return e.realized
}

func (e *Engine) Halted() bool {
	return e.halted
}

func (e *Engine) LastPrice() decimal.Decimal {
	return e.lastPrice
}

func (e *Engine) Config() Config {
	return e.cfg
}
