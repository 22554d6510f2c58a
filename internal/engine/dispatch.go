package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-ladder/internal/core"
	"grid-ladder/internal/metrics"
	"grid-ladder/internal/strategy"
)

// maxDispatchRounds bounds the intent/fill exchange of one update. A healthy
// engine settles in a handful of rounds.
const maxDispatchRounds = 1000

var ErrDispatchLoop = errors.New("intent dispatch did not settle")

// LadderEngine is the engine surface the runners drive.
type LadderEngine interface {
	strategy.PriceSink
	strategy.FillSink
	strategy.OrderIntentSource
	metrics.LadderView
	UpdatePortfolio(snap core.PortfolioSnapshot)
	Cycles() int
	LastPrice() decimal.Decimal
}

// Executor carries intents to a venue. Fills that are known at once come back
// directly; resting orders report later.
type Executor interface {
	Execute(intent core.OrderIntent, ts time.Time) ([]core.FillReport, error)
	Portfolio() core.PortfolioSnapshot
}

// fillHook sees every fill before the engine does; skip=true drops it.
type fillHook func(fill core.FillReport, intent core.OrderIntent) (skip bool, err error)

type dispatcher struct {
	engine  LadderEngine
	exec    Executor
	metrics *metrics.Collector
	log     *zap.Logger
	onFill  fillHook

	intents int
	fills   int
	cancels int
}

// intentFor finds the in-flight intent a fill answers, for journaling.
func (d *dispatcher) intentFor(orderID string) core.OrderIntent {
	for _, in := range d.engine.InFlight() {
		if in.ID == orderID {
			return in
		}
	}
	return core.OrderIntent{ID: orderID}
}

// applyFills feeds venue fills to the engine and executes whatever it answers.
func (d *dispatcher) applyFills(fills []core.FillReport, ts time.Time) error {
	pending := make([]core.OrderIntent, 0)
	for _, fill := range fills {
		out, err := d.applyFill(fill)
		if err != nil {
			return err
		}
		pending = append(pending, out...)
	}
	return d.run(pending, ts)
}

func (d *dispatcher) applyFill(fill core.FillReport) ([]core.OrderIntent, error) {
	if d.onFill != nil {
		skip, err := d.onFill(fill, d.intentFor(fill.OrderID))
		if err != nil {
			return nil, err
		}
		if skip {
			d.log.Debug("fill_skipped_seen", zap.String("order_id", fill.OrderID))
			return nil, nil
		}
	}
	d.fills++
	d.metrics.ObserveFill(fill)
	out, err := d.engine.OnFill(fill)
	if err != nil {
		return nil, fmt.Errorf("apply fill %s: %w", fill.OrderID, err)
	}
	return out, nil
}

// applyCancelAcks hands the venue's answer to a cancel straight to the
// engine. A zero-volume report releases the cancelled intent; it is neither
// journaled nor counted as a fill.
func (d *dispatcher) applyCancelAcks(fills []core.FillReport) ([]core.OrderIntent, error) {
	out := make([]core.OrderIntent, 0)
	for _, fill := range fills {
		if fill.FilledVolume.Sign() > 0 {
			more, err := d.applyFill(fill)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
			continue
		}
		d.cancels++
		more, err := d.engine.OnFill(fill)
		if err != nil {
			return nil, fmt.Errorf("apply cancel %s: %w", fill.OrderID, err)
		}
		out = append(out, more...)
	}
	return out, nil
}

// run executes intents until the engine stops answering with new ones.
func (d *dispatcher) run(intents []core.OrderIntent, ts time.Time) error {
	queue := append([]core.OrderIntent(nil), intents...)
	for round := 0; len(queue) > 0; round++ {
		if round >= maxDispatchRounds {
			return fmt.Errorf("%w after %d rounds", ErrDispatchLoop, round)
		}
		batch := queue
		queue = nil
		d.metrics.ObserveIntents(batch)
		for _, in := range batch {
			d.intents++
			d.log.Debug("intent",
				zap.String("id", in.ID),
				zap.String("action", string(in.Action)),
				zap.String("side", string(in.Side)),
				zap.String("position_side", string(in.PositionSide)),
				zap.String("kind", string(in.Kind)),
				zap.String("purpose", string(in.Purpose)),
				zap.Int("level", in.Level),
				zap.String("volume", in.Volume.String()),
				zap.String("reason", in.Reason),
			)
			fills, err := d.exec.Execute(in, ts)
			if err != nil {
				return fmt.Errorf("execute intent %s: %w", in.ID, err)
			}
			if in.Action == core.Cancel {
				out, err := d.applyCancelAcks(fills)
				if err != nil {
					return err
				}
				queue = append(queue, out...)
				continue
			}
			for _, fill := range fills {
				out, err := d.applyFill(fill)
				if err != nil {
					return err
				}
				queue = append(queue, out...)
			}
		}
		d.engine.UpdatePortfolio(d.exec.Portfolio())
	}
	return nil
}

// step runs one bar through the engine. Out-of-order and unusable bars are
// logged and skipped rather than ending the run.
func (d *dispatcher) step(bar core.PriceBar, matched []core.FillReport) (bool, error) {
	if err := d.applyFills(matched, bar.OpenTime); err != nil {
		return false, err
	}
	d.engine.UpdatePortfolio(d.exec.Portfolio())
	intents, err := d.engine.OnBar(bar)
	if err != nil {
		if errors.Is(err, strategy.ErrOutOfOrder) || errors.Is(err, strategy.ErrInvalidPrice) {
			d.log.Warn("bar_skipped", zap.Time("open_time", bar.OpenTime), zap.Error(err))
			return false, nil
		}
		return false, err
	}
	if err := d.run(intents, bar.OpenTime); err != nil {
		return false, err
	}
	d.metrics.Sample(d.engine, bar.Close)
	return true, nil
}
