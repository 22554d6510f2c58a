package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
	"grid-ladder/internal/grid"
	"grid-ladder/internal/sizing"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) OnEvent(ev Event) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(kind EventKind) (Event, bool) {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func testConfig() Config {
	return Config{
		Symbol: "BTCUSDT",
		Grid: grid.Spec{
			Step:   d("10"),
			Levels: 3,
			Mode:   grid.ModeNeutral,
			Policy: grid.PolicyMoving,
		},
		Volume: sizing.Config{
			BaseVolume: d("1"),
			Multiplier: d("2"),
			Scheme:     sizing.SchemeFixed,
		},
		AutoRearm: true,
	}
}

func newEngineForTest(t *testing.T, cfg Config) (*Engine, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	next := 0
	e, err := New(cfg, WithObserver(rec), WithIDGenerator(func() string {
		next++
		return fmt.Sprintf("o-%d", next)
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, rec
}

func finalBar(minute int, price string) core.PriceBar {
	p := d(price)
	return core.PriceBar{
		OpenTime: time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC),
		Open:     p,
		High:     p,
		Low:      p,
		Close:    p,
		IsFinal:  true,
	}
}

func mustBar(t *testing.T, e *Engine, minute int, price string) []core.OrderIntent {
	t.Helper()
	out, err := e.OnBar(finalBar(minute, price))
	if err != nil {
		t.Fatalf("OnBar(%s) error = %v", price, err)
	}
	return out
}

func mustFill(t *testing.T, e *Engine, in core.OrderIntent, price string) []core.OrderIntent {
	t.Helper()
	out, err := e.OnFill(core.FillReport{OrderID: in.ID, Side: in.Side, FilledPrice: d(price), FilledVolume: in.Volume})
	if err != nil {
		t.Fatalf("OnFill(%s) error = %v", in.ID, err)
	}
	return out
}

func onlyIntent(t *testing.T, out []core.OrderIntent) core.OrderIntent {
	t.Helper()
	if len(out) != 1 {
		t.Fatalf("intents = %+v, want exactly one", out)
	}
	return out[0]
}

func TestEngineArmsOnFirstFinalBar(t *testing.T) {
	e, rec := newEngineForTest(t, testConfig())

	tick := finalBar(0, "100")
	tick.IsFinal = false
	if out, err := e.OnBar(tick); err != nil || len(out) != 0 {
		t.Fatalf("OnBar(in-progress) = %v, %v, want nothing", out, err)
	}
	if e.Phase() != PhaseUnarmed {
		t.Fatalf("Phase() = %s, want %s", e.Phase(), PhaseUnarmed)
	}

	mustBar(t, e, 0, "100")
	if e.Phase() != PhaseArmed {
		t.Fatalf("Phase() = %s, want %s", e.Phase(), PhaseArmed)
	}
	if !e.Levels().Reference.Equal(d("100")) {
		t.Fatalf("reference = %s, want 100", e.Levels().Reference)
	}
	ev, ok := rec.last(EventStateChanged)
	if !ok || ev.From != PhaseUnarmed || ev.To != PhaseArmed {
		t.Fatalf("state event = %+v, want UNARMED->ARMED", ev)
	}
}

func TestEngineArmingBarOpensLevelsBehindConfiguredReference(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Reference = d("100")
	e, _ := newEngineForTest(t, cfg)

	in := onlyIntent(t, mustBar(t, e, 0, "89"))
	if in.PositionSide != core.Long || in.Level != 1 || in.Kind != core.Market || in.Purpose != core.Open {
		t.Fatalf("intent = %+v, want market long level 1", in)
	}
	if !e.Levels().Reference.Equal(d("100")) {
		t.Fatalf("reference = %s, want the configured 100", e.Levels().Reference)
	}

	plain, _ := newEngineForTest(t, testConfig())
	if out := mustBar(t, plain, 0, "89"); len(out) != 0 {
		t.Fatalf("intents = %+v, want none when the first price is the reference", out)
	}
}

func TestEngineTickDrivenActsOnTicks(t *testing.T) {
	cfg := testConfig()
	cfg.TickDriven = true
	e, _ := newEngineForTest(t, cfg)

	if _, err := e.OnTick(d("100"), time.Unix(0, 0)); err != nil {
		t.Fatalf("OnTick() error = %v", err)
	}
	out, err := e.OnTick(d("110"), time.Unix(1, 0))
	if err != nil {
		t.Fatalf("OnTick() error = %v", err)
	}
	in := onlyIntent(t, out)
	if in.PositionSide != core.Short || in.Side != core.Sell {
		t.Fatalf("intent = %+v, want short entry", in)
	}
}

func TestEngineRejectsOutOfOrderBar(t *testing.T) {
	e, _ := newEngineForTest(t, testConfig())
	mustBar(t, e, 5, "100")

	_, err := e.OnBar(finalBar(4, "100"))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("OnBar(older) error = %v, want %v", err, ErrOutOfOrder)
	}
	if _, err := e.OnBar(finalBar(6, "0")); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("OnBar(zero) error = %v, want %v", err, ErrInvalidPrice)
	}
}

func TestEngineProfitTargetClosesWithAggregateIntent(t *testing.T) {
	cfg := testConfig()
	cfg.ProfitTarget = d("20")
	e, rec := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	entry := onlyIntent(t, mustBar(t, e, 1, "111"))
	if entry.Side != core.Sell || entry.PositionSide != core.Short || entry.Level != 1 || entry.Kind != core.Market {
		t.Fatalf("entry = %+v, want market SELL short level 1", entry)
	}
	if e.Phase() != PhaseLevelOpen {
		t.Fatalf("Phase() = %s, want %s", e.Phase(), PhaseLevelOpen)
	}
	mustFill(t, e, entry, "110")

	if out := mustBar(t, e, 2, "95"); len(out) != 0 {
		t.Fatalf("unrealized 15 below target, got intents %+v", out)
	}
	if pnl := e.Exposure(d("95")).UnrealizedPnL; !pnl.Equal(d("15")) {
		t.Fatalf("unrealized = %s, want 15", pnl)
	}

	closeIntent := onlyIntent(t, mustBar(t, e, 3, "90"))
	if closeIntent.Purpose != core.Close || closeIntent.Side != core.Buy || !closeIntent.Volume.Equal(d("1")) {
		t.Fatalf("close = %+v, want BUY 1 close", closeIntent)
	}
	if closeIntent.Reason != "profit_target" {
		t.Fatalf("close reason = %q", closeIntent.Reason)
	}
	if e.Phase() != PhaseClosing {
		t.Fatalf("Phase() = %s, want %s", e.Phase(), PhaseClosing)
	}

	mustFill(t, e, closeIntent, "90")
	if e.Phase() != PhaseArmed {
		t.Fatalf("Phase() after close = %s, want re-armed", e.Phase())
	}
	if !e.Levels().Reference.Equal(d("90")) {
		t.Fatalf("re-armed reference = %s, want 90", e.Levels().Reference)
	}
	if e.Cycles() != 1 || !e.RealizedPnL().Equal(d("20")) {
		t.Fatalf("cycles=%d realized=%s, want 1/20", e.Cycles(), e.RealizedPnL())
	}
	if e.Streak().Wins != 1 {
		t.Fatalf("Streak() = %+v, want one win", e.Streak())
	}
	ev, ok := rec.last(EventCycleClosed)
	if !ok || !ev.Realized.Equal(d("20")) {
		t.Fatalf("cycle event = %+v", ev)
	}
}

func TestEngineClosingWaitsForOutstandingCloseReport(t *testing.T) {
	cfg := testConfig()
	cfg.ProfitTarget = d("5")
	e, _ := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 1, "110")), "110")
	closeIntent := onlyIntent(t, mustBar(t, e, 2, "100"))

	if out := mustBar(t, e, 3, "100"); len(out) != 0 {
		t.Fatalf("duplicate close while report outstanding: %+v", out)
	}

	// half filled: the remainder goes out on the next bar
	half := core.FillReport{OrderID: closeIntent.ID, Side: core.Buy, FilledPrice: d("100"), FilledVolume: d("0.5")}
	if _, err := e.OnFill(half); err != nil {
		t.Fatalf("OnFill() error = %v", err)
	}
	if e.Phase() != PhaseClosing {
		t.Fatalf("Phase() = %s, want %s", e.Phase(), PhaseClosing)
	}
	rest := onlyIntent(t, mustBar(t, e, 4, "100"))
	if rest.Side != core.Buy || !rest.Volume.Equal(d("0.5")) || rest.ID == closeIntent.ID {
		t.Fatalf("resubmitted close = %+v, want new BUY 0.5", rest)
	}
	mustFill(t, e, rest, "100")
	if e.Phase() != PhaseArmed || !e.RealizedPnL().Equal(d("10")) {
		t.Fatalf("phase=%s realized=%s, want ARMED/10", e.Phase(), e.RealizedPnL())
	}
}

func TestEngineGapOpensEveryCrossedLevel(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	cfg.Volume.Scheme = sizing.SchemeDepth
	e, rec := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	out := mustBar(t, e, 1, "65")
	if len(out) != 3 {
		t.Fatalf("intents = %d, want 3", len(out))
	}
	wantVolumes := []string{"1", "2", "4"}
	for i, in := range out {
		if in.Level != i+1 || in.Side != core.Buy || !in.Volume.Equal(d(wantVolumes[i])) {
			t.Fatalf("intent[%d] = %+v, want level %d volume %s", i, in, i+1, wantVolumes[i])
		}
	}
	ev, ok := rec.last(EventGapSkip)
	if !ok || ev.Levels != 3 || ev.Side != core.Long {
		t.Fatalf("gap event = %+v, want 3 long levels", ev)
	}
	pending := e.Ladder(core.Long).Pending()
	if len(pending) != 3 || !pending[2].Price.Equal(d("70")) {
		t.Fatalf("pending entries = %+v, want three at boundary prices", pending)
	}
}

func TestEngineNearestBoundaryOnlyWithoutGap(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Step = d("5")
	e, _ := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	in := onlyIntent(t, mustBar(t, e, 1, "94"))
	if in.Level != 1 || in.PositionSide != core.Long {
		t.Fatalf("intent = %+v, want long level 1", in)
	}
	mustFill(t, e, in, "95")
	if out := mustBar(t, e, 2, "91"); len(out) != 0 {
		t.Fatalf("91 is above the 90 boundary, got %+v", out)
	}
	in = onlyIntent(t, mustBar(t, e, 3, "89"))
	if in.Level != 2 {
		t.Fatalf("intent level = %d, want 2", in.Level)
	}
}

func fillAll(t *testing.T, e *Engine, intents []core.OrderIntent, prices ...string) {
	t.Helper()
	for i, in := range intents {
		mustFill(t, e, in, prices[i])
	}
}

func TestEngineExhaustionForcesClose(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	cfg.Volume.Scheme = sizing.SchemeDepth
	e, rec := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	fillAll(t, e, mustBar(t, e, 1, "65"), "90", "80", "70")
	if rec.count(EventLadderExhausted) != 0 {
		t.Fatal("ladder is not exhausted while its last entries are in flight")
	}

	// full depth closes on the next bar even though price came back inside
	closeIntent := onlyIntent(t, mustBar(t, e, 2, "72"))
	if closeIntent.Side != core.Sell || !closeIntent.Volume.Equal(d("7")) || closeIntent.Reason != "ladder_exhausted" {
		t.Fatalf("close = %+v, want SELL 7 ladder_exhausted", closeIntent)
	}
	if e.Phase() != PhaseClosing {
		t.Fatalf("Phase() = %s, want %s", e.Phase(), PhaseClosing)
	}
	ev, ok := rec.last(EventLadderExhausted)
	if !ok || rec.count(EventLadderExhausted) != 1 || ev.Levels != 3 || ev.Reason != string(ExhaustForceClose) {
		t.Fatalf("exhausted event = %+v (count %d)", ev, rec.count(EventLadderExhausted))
	}

	mustFill(t, e, closeIntent, "72")
	// 90+160+280 - 7*72
	if !e.RealizedPnL().Equal(d("-26")) {
		t.Fatalf("realized = %s, want -26", e.RealizedPnL())
	}
	if e.Streak().Losses != 1 {
		t.Fatalf("Streak() = %+v, want one loss", e.Streak())
	}
}

func TestEngineExhaustionWithFixedVolume(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	e, _ := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	fillAll(t, e, mustBar(t, e, 1, "70"), "90", "80", "70")
	if depth := e.Ladder(core.Long).LevelIndex(); depth != 3 {
		t.Fatalf("depth = %d, want 3", depth)
	}
	closeIntent := onlyIntent(t, mustBar(t, e, 2, "72"))
	if closeIntent.Purpose != core.Close || !closeIntent.Volume.Equal(d("3")) {
		t.Fatalf("close = %+v, want close of 3", closeIntent)
	}
}

func TestEngineExhaustionHoldEmitsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	cfg.OnExhausted = ExhaustHold
	e, rec := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	fillAll(t, e, mustBar(t, e, 1, "70"), "90", "80", "70")

	for i, price := range []string{"72", "60", "40"} {
		if out := mustBar(t, e, 2+i, price); len(out) != 0 {
			t.Fatalf("hold policy emitted %+v", out)
		}
	}
	if rec.count(EventLadderExhausted) != 1 {
		t.Fatalf("exhausted events = %d, want 1", rec.count(EventLadderExhausted))
	}
	if e.Phase() != PhaseLevelOpen || e.Ladder(core.Long).LevelIndex() != 3 {
		t.Fatalf("phase=%s depth=%d, want LEVEL_OPEN with 3 units", e.Phase(), e.Ladder(core.Long).LevelIndex())
	}
}

func TestEngineDuplicateFillIsNoop(t *testing.T) {
	e, rec := newEngineForTest(t, testConfig())
	mustBar(t, e, 0, "100")
	entry := onlyIntent(t, mustBar(t, e, 1, "110"))
	mustFill(t, e, entry, "110")

	before := e.Exposure(d("100"))
	if out := mustFill(t, e, entry, "110"); len(out) != 0 {
		t.Fatalf("replayed fill emitted %+v", out)
	}
	after := e.Exposure(d("100"))
	if !before.NetVolume.Equal(after.NetVolume) || !before.UnrealizedPnL.Equal(after.UnrealizedPnL) {
		t.Fatalf("exposure changed on replay: %+v -> %+v", before, after)
	}
	if rec.count(EventReconciliationMismatch) != 0 {
		t.Fatal("replay must not count as a mismatch")
	}
}

func TestEngineUnknownFillForcesClose(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	e, rec := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 1, "90")), "90")

	out, err := e.OnFill(core.FillReport{OrderID: "ghost", Side: core.Buy, FilledPrice: d("88"), FilledVolume: d("0.5")})
	if err != nil {
		t.Fatalf("OnFill() error = %v", err)
	}
	closeIntent := onlyIntent(t, out)
	if closeIntent.Side != core.Sell || !closeIntent.Volume.Equal(d("1.5")) {
		t.Fatalf("close = %+v, want SELL 1.5 covering the unknown fill", closeIntent)
	}
	if e.Phase() != PhaseClosing || !e.Ladder(core.Long).Empty() {
		t.Fatalf("phase=%s entries=%d, want CLOSING with no entries", e.Phase(), e.Ladder(core.Long).LevelIndex())
	}
	ev, ok := rec.last(EventReconciliationMismatch)
	if !ok || !errors.Is(ev.Err, ErrReconciliationMismatch) {
		t.Fatalf("mismatch event = %+v", ev)
	}
}

func TestEngineOverfillIsMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	e, rec := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	entry := onlyIntent(t, mustBar(t, e, 1, "90"))
	out, err := e.OnFill(core.FillReport{OrderID: entry.ID, Side: core.Buy, FilledPrice: d("90"), FilledVolume: d("3")})
	if err != nil {
		t.Fatalf("OnFill() error = %v", err)
	}
	closeIntent := onlyIntent(t, out)
	if !closeIntent.Volume.Equal(d("3")) {
		t.Fatalf("close volume = %s, want 3", closeIntent.Volume)
	}
	ev, _ := rec.last(EventReconciliationMismatch)
	if ev.Reason != "overfill" {
		t.Fatalf("mismatch reason = %q, want overfill", ev.Reason)
	}
}

func TestEngineUnreconciledIntentForcesClose(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	e, rec := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	entry := onlyIntent(t, mustBar(t, e, 1, "90"))

	out := mustBar(t, e, 2, "91")
	cancel := onlyIntent(t, out)
	if cancel.Action != core.Cancel || cancel.ID != entry.ID {
		t.Fatalf("intent = %+v, want cancel of %s", cancel, entry.ID)
	}
	sawClosing := false
	for _, ev := range rec.events {
		if ev.Kind == EventStateChanged && ev.To == PhaseClosing && ev.Reason == "unreconciled_intent" {
			sawClosing = true
		}
	}
	if !sawClosing {
		t.Fatal("expected a forced transition to CLOSING")
	}
	if e.Phase() != PhaseArmed || e.Cycles() != 0 {
		t.Fatalf("phase=%s cycles=%d, want re-armed without counting a cycle", e.Phase(), e.Cycles())
	}

	// the withdrawn order filled after all
	closeIntent := onlyIntent(t, mustFill(t, e, entry, "90"))
	if closeIntent.Purpose != core.Close || closeIntent.Side != core.Sell || !closeIntent.Volume.Equal(d("1")) {
		t.Fatalf("close = %+v, want SELL 1", closeIntent)
	}
}

func TestEngineRejectedEntryReturnsToArmed(t *testing.T) {
	e, _ := newEngineForTest(t, testConfig())
	mustBar(t, e, 0, "100")
	entry := onlyIntent(t, mustBar(t, e, 1, "90"))

	out, err := e.OnFill(core.FillReport{OrderID: entry.ID, Side: entry.Side, FilledVolume: decimal.Zero})
	if err != nil || len(out) != 0 {
		t.Fatalf("OnFill(rejected) = %v, %v", out, err)
	}
	if e.Phase() != PhaseArmed || !e.Ladder(core.Long).Empty() {
		t.Fatalf("phase=%s depth=%d, want ARMED and empty", e.Phase(), e.Ladder(core.Long).LevelIndex())
	}
	if len(e.InFlight()) != 0 {
		t.Fatalf("InFlight() = %+v, want none", e.InFlight())
	}
	// still below the boundary: the level is retried
	if in := onlyIntent(t, mustBar(t, e, 2, "89")); in.Level != 1 {
		t.Fatalf("retry level = %d, want 1", in.Level)
	}
}

func TestEngineMartingaleScalesAfterLoss(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	cfg.Volume.Scheme = sizing.SchemeMartingale
	cfg.StopLoss = d("15")
	e, _ := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	first := onlyIntent(t, mustBar(t, e, 1, "90"))
	if !first.Volume.Equal(d("1")) {
		t.Fatalf("first volume = %s, want 1", first.Volume)
	}
	mustFill(t, e, first, "90")

	stop := onlyIntent(t, mustBar(t, e, 2, "75"))
	if stop.Reason != "stop_loss" {
		t.Fatalf("close reason = %q, want stop_loss", stop.Reason)
	}
	mustFill(t, e, stop, "75")
	if e.Streak().Losses != 1 {
		t.Fatalf("Streak() = %+v, want one loss", e.Streak())
	}

	next := onlyIntent(t, mustBar(t, e, 3, "65"))
	if !next.Volume.Equal(d("2")) {
		t.Fatalf("volume after loss = %s, want 2", next.Volume)
	}
}

func TestEngineMaxCyclesHalts(t *testing.T) {
	cfg := testConfig()
	cfg.ProfitTarget = d("5")
	cfg.MaxCycles = 1
	e, _ := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 1, "110")), "110")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 2, "100")), "100")

	if e.Phase() != PhaseUnarmed || !e.Halted() {
		t.Fatalf("phase=%s halted=%v, want halted UNARMED", e.Phase(), e.Halted())
	}
	if out := mustBar(t, e, 3, "50"); len(out) != 0 {
		t.Fatalf("halted engine emitted %+v", out)
	}
}

func TestEngineStopEntriesRestAndFillGaps(t *testing.T) {
	cfg := testConfig()
	cfg.EntryOrder = core.Stop
	e, _ := newEngineForTest(t, cfg)

	out := mustBar(t, e, 0, "100")
	if len(out) != 2 {
		t.Fatalf("resting stops = %+v, want one per side", out)
	}
	longStop, shortStop := out[0], out[1]
	if longStop.Kind != core.Stop || !longStop.TriggerPrice.Valid || !longStop.TriggerPrice.Decimal.Equal(d("90")) {
		t.Fatalf("long stop = %+v, want STOP at 90", longStop)
	}
	if shortStop.Side != core.Sell || !shortStop.TriggerPrice.Decimal.Equal(d("110")) {
		t.Fatalf("short stop = %+v, want SELL STOP at 110", shortStop)
	}

	next := onlyIntent(t, mustFill(t, e, longStop, "90"))
	if next.Kind != core.Stop || next.Level != 2 || !next.TriggerPrice.Decimal.Equal(d("80")) {
		t.Fatalf("replacement stop = %+v, want level 2 at 80", next)
	}

	// gapped through 80 and 70
	gapped := onlyIntent(t, mustFill(t, e, next, "68"))
	if gapped.Kind != core.Market || gapped.Level != 3 || gapped.Reason != "level_gapped" {
		t.Fatalf("gap intent = %+v, want market level 3", gapped)
	}

	reset := e.Reset(d("70"))
	if len(reset) != 3 {
		t.Fatalf("Reset() = %+v, want two cancels and a close", reset)
	}
	if reset[0].Action != core.Cancel || reset[0].ID != shortStop.ID {
		t.Fatalf("reset[0] = %+v, want cancel of the short stop", reset[0])
	}
	if reset[1].Action != core.Cancel || reset[1].ID != gapped.ID {
		t.Fatalf("reset[1] = %+v, want cancel of the unfilled gap entry", reset[1])
	}
	if reset[2].Purpose != core.Close || !reset[2].Volume.Equal(d("2")) {
		t.Fatalf("reset[2] = %+v, want close of 2", reset[2])
	}
}

func TestEngineRebasesArmedMovingGrid(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	e, rec := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	mustBar(t, e, 1, "112")
	lv := e.Levels()
	if !lv.Reference.Equal(d("112")) || !lv.Below[0].Equal(d("102")) {
		t.Fatalf("levels = %+v, want re-centred on 112", lv)
	}
	if rec.count(EventGridRebased) != 1 {
		t.Fatalf("rebase events = %d, want 1", rec.count(EventGridRebased))
	}
	mustBar(t, e, 2, "105")
	if !e.Levels().Reference.Equal(d("112")) {
		t.Fatalf("moved less than a step but rebased to %s", e.Levels().Reference)
	}
}

func TestEngineStaticGridDoesNotRebase(t *testing.T) {
	cfg := testConfig()
	cfg.Grid = grid.NewStatic(d("130"), d("70"), 7, grid.ModeLongOnly, decimal.Zero)
	e, _ := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	mustBar(t, e, 1, "125")
	if !e.Levels().Reference.Equal(d("100")) {
		t.Fatalf("static reference moved to %s", e.Levels().Reference)
	}
}

func TestEngineHedgeTargetUsesNetAcrossSides(t *testing.T) {
	cfg := testConfig()
	cfg.ProfitTarget = d("30")
	e, _ := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 1, "111")), "110")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 2, "90")), "90")
	if pnl := e.Exposure(d("90")).UnrealizedPnL; !pnl.Equal(d("20")) {
		t.Fatalf("locked hedge pnl = %s, want 20", pnl)
	}
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 3, "80")), "80")

	closeIntent := onlyIntent(t, mustBar(t, e, 4, "90"))
	if closeIntent.Side != core.Sell || closeIntent.PositionSide != core.Long || !closeIntent.Volume.Equal(d("1")) {
		t.Fatalf("close = %+v, want one SELL 1 for the net long", closeIntent)
	}
	mustFill(t, e, closeIntent, "90")
	if !e.RealizedPnL().Equal(d("30")) {
		t.Fatalf("realized = %s, want 30", e.RealizedPnL())
	}
}

func TestEngineLockedHedgeClosesWithoutOrder(t *testing.T) {
	cfg := testConfig()
	e, rec := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 1, "110")), "110")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 2, "90")), "90")

	out := e.Reset(d("95"))
	if len(out) != 0 {
		t.Fatalf("Reset() = %+v, want no order for a zero net", out)
	}
	ev, ok := rec.last(EventCycleClosed)
	if !ok || !ev.Realized.Equal(d("20")) {
		t.Fatalf("cycle event = %+v, want realized 20", ev)
	}
	if e.Phase() != PhaseArmed {
		t.Fatalf("Phase() = %s, want ARMED", e.Phase())
	}
}

func TestEngineResetRearmsWithoutAutoRearm(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRearm = false
	cfg.Grid.Mode = grid.ModeLongOnly
	e, _ := newEngineForTest(t, cfg)

	mustBar(t, e, 0, "100")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 1, "90")), "90")

	closeIntent := onlyIntent(t, e.Reset(d("95")))
	mustFill(t, e, closeIntent, "95")
	if e.Phase() != PhaseArmed || e.Halted() {
		t.Fatalf("phase=%s halted=%v, want ARMED after explicit reset", e.Phase(), e.Halted())
	}
	if !e.RealizedPnL().Equal(d("5")) {
		t.Fatalf("realized = %s, want 5", e.RealizedPnL())
	}
}

func TestEngineEquityGateSkipsLevels(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	cfg.MaxEquityFraction = d("0.5")
	e, _ := newEngineForTest(t, cfg)
	e.UpdatePortfolio(core.PortfolioSnapshot{Equity: d("200")})

	mustBar(t, e, 0, "100")
	out := mustBar(t, e, 1, "75")
	if len(out) != 1 || out[0].Level != 1 {
		t.Fatalf("intents = %+v, want only level 1 under the 100 notional cap", out)
	}
}

func TestEngineSnapshotRestore(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	e, _ := newEngineForTest(t, cfg)
	mustBar(t, e, 0, "100")
	mustFill(t, e, onlyIntent(t, mustBar(t, e, 1, "90")), "89")

	raw, err := json.Marshal(e.Snapshot())
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	restored, _ := newEngineForTest(t, cfg)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.Phase() != PhaseLevelOpen {
		t.Fatalf("Phase() = %s, want %s", restored.Phase(), PhaseLevelOpen)
	}
	a, b := e.Exposure(d("85")), restored.Exposure(d("85"))
	if !a.NetVolume.Equal(b.NetVolume) || !a.UnrealizedPnL.Equal(b.UnrealizedPnL) {
		t.Fatalf("restored exposure %+v, want %+v", b, a)
	}
	if _, err := restored.OnBar(finalBar(0, "80")); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("bar older than the snapshot error = %v, want %v", err, ErrOutOfOrder)
	}
	in := onlyIntent(t, mustBar(t, restored, 2, "80"))
	if in.Level != 2 {
		t.Fatalf("next level = %d, want 2", in.Level)
	}

	other := testConfig()
	other.Symbol = "ETHUSDT"
	mismatched, _ := newEngineForTest(t, other)
	if err := mismatched.Restore(snap); err == nil {
		t.Fatal("Restore() across symbols should fail")
	}
}

func TestEngineSnapshotKeepsReconciledIDs(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	e, _ := newEngineForTest(t, cfg)
	mustBar(t, e, 0, "100")
	entry := onlyIntent(t, mustBar(t, e, 1, "90"))
	mustFill(t, e, entry, "90")

	snap := e.Snapshot()
	if len(snap.Reconciled) != 1 || snap.Reconciled[0] != entry.ID {
		t.Fatalf("reconciled = %v, want [%s]", snap.Reconciled, entry.ID)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	restored, rec := newEngineForTest(t, cfg)
	if err := restored.Restore(decoded); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if out := mustFill(t, restored, entry, "90"); len(out) != 0 {
		t.Fatalf("replayed fill = %+v, want no intents", out)
	}
	if rec.count(EventReconciliationMismatch) != 0 || restored.Phase() != PhaseLevelOpen {
		t.Fatalf("phase=%s mismatches=%d, want the replay ignored", restored.Phase(), rec.count(EventReconciliationMismatch))
	}
	if lvl := restored.Ladder(core.Long).LevelIndex(); lvl != 1 {
		t.Fatalf("long level = %d, want 1", lvl)
	}
}

func TestEngineOrphansStayBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.Mode = grid.ModeLongOnly
	cfg.EntryOrder = core.Stop
	e, _ := newEngineForTest(t, cfg)

	var last []core.OrderIntent
	for i := 0; i < 200; i++ {
		last = mustBar(t, e, i, fmt.Sprintf("%d", 100+10*i))
	}
	orphans := e.Snapshot().Orphans
	if len(orphans) != maxOrphans {
		t.Fatalf("orphans = %d after 199 rebases, want the cap of %d", len(orphans), maxOrphans)
	}
	if len(last) != 2 || last[0].Action != core.Cancel {
		t.Fatalf("last bar intents = %+v, want a cancel and a new stop", last)
	}
	if orphans[len(orphans)-1].ID != last[0].ID {
		t.Fatalf("newest orphan = %s, want %s", orphans[len(orphans)-1].ID, last[0].ID)
	}

	ack := core.FillReport{OrderID: last[0].ID, Side: last[0].Side, FilledVolume: decimal.Zero}
	out, err := e.OnFill(ack)
	if err != nil || len(out) != 0 {
		t.Fatalf("OnFill(cancel ack) = %+v, %v, want nothing", out, err)
	}
	if n := len(e.Snapshot().Orphans); n != maxOrphans-1 {
		t.Fatalf("orphans = %d after the ack, want %d", n, maxOrphans-1)
	}
	if e.Phase() != PhaseArmed {
		t.Fatalf("Phase() = %s, want %s", e.Phase(), PhaseArmed)
	}
}

func TestNewRejectsDegenerateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "no levels", mutate: func(c *Config) { c.Grid.Levels = 0 }, field: "level_count"},
		{name: "zero step", mutate: func(c *Config) { c.Grid.Step = decimal.Zero }, field: "step"},
		{name: "zero base volume", mutate: func(c *Config) { c.Volume.BaseVolume = decimal.Zero }, field: "base_volume"},
		{name: "bad direction", mutate: func(c *Config) { c.Direction = "sideways" }, field: "trigger_direction"},
		{name: "negative target", mutate: func(c *Config) { c.ProfitTarget = d("-1") }, field: "profit_target"},
		{name: "bad exhaust policy", mutate: func(c *Config) { c.OnExhausted = "explode" }, field: "on_exhausted"},
		{name: "limit entries", mutate: func(c *Config) { c.EntryOrder = "LIMIT" }, field: "entry_order"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			_, err := New(cfg)
			var cfgErr *core.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("New() error = %v, want ConfigError", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("ConfigError.Field = %q, want %q", cfgErr.Field, tc.field)
			}
		})
	}
}
