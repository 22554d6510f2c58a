package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-ladder/internal/alert"
	"grid-ladder/internal/backtest"
	"grid-ladder/internal/core"
	"grid-ladder/internal/metrics"
	"grid-ladder/internal/safety"
	"grid-ladder/internal/store"
	"grid-ladder/internal/strategy"
)

// ErrFatalLocal marks failures of local state (disk, snapshot) that a
// reconnect cannot fix.
var ErrFatalLocal = errors.New("fatal local error")

const maxReconnectBackoff = 30 * time.Second

type BarStream interface {
	Subscribe(ctx context.Context) (<-chan core.PriceBar, <-chan error, error)
}

// SnapshotEngine is a LadderEngine that can be persisted.
type SnapshotEngine interface {
	LadderEngine
	Snapshot() strategy.Snapshot
	Restore(s strategy.Snapshot) error
	Reset(price decimal.Decimal) []core.OrderIntent
}

// PaperRunner trades a live bar stream against the simulated exchange and
// persists the engine after every update so a restart resumes the cycle.
type PaperRunner struct {
	Stream     BarStream
	Exchange   *backtest.SimExchange
	Engine     SnapshotEngine
	Store      *store.Store
	Breaker    *safety.Breaker
	Alerts     alert.Alerter
	Metrics    *metrics.Collector
	Log        *zap.Logger
	Symbol     string
	Mode       string
	InstanceID string
	// InitialBackoff is the first reconnect delay; it doubles up to 30s.
	InitialBackoff time.Duration
	// Resets abandons the current cycle on every receive: exposure is
	// flattened and the grid re-arms at the last price.
	Resets <-chan struct{}
}

func (r *PaperRunner) logger() *zap.Logger {
	if r.Log == nil {
		r.Log = zap.NewNop()
	}
	return r.Log
}

// Resume restores the last persisted state, if any. It must run before Run.
func (r *PaperRunner) Resume() (bool, error) {
	if r.Store == nil {
		return false, nil
	}
	state, ok, err := r.Store.LoadLadderState()
	if err != nil {
		return false, fmt.Errorf("%w: load ladder state: %v", ErrFatalLocal, err)
	}
	if !ok {
		return false, nil
	}
	if err := r.Engine.Restore(state.Engine); err != nil {
		return false, fmt.Errorf("%w: restore engine: %v", ErrFatalLocal, err)
	}
	if state.Account != nil {
		r.Exchange.Restore(*state.Account)
	}
	r.Exchange.SetPrice(state.Engine.LastPrice)
	for _, in := range state.Engine.Resting {
		if _, err := r.Exchange.Execute(in, time.Now().UTC()); err != nil {
			return false, fmt.Errorf("%w: re-place resting %s: %v", ErrFatalLocal, in.ID, err)
		}
	}
	r.Engine.UpdatePortfolio(r.Exchange.Portfolio())
	r.logger().Info("state_resumed",
		zap.String("snapshot_id", state.SnapshotID),
		zap.String("phase", string(state.Engine.Phase)),
		zap.Int("cycles", state.Engine.Cycles),
		zap.Int("resting", len(state.Engine.Resting)),
	)
	return true, nil
}

func (r *PaperRunner) Run(ctx context.Context) (runErr error) {
	log := r.logger()
	d := &dispatcher{engine: r.Engine, exec: r.Exchange, metrics: r.Metrics, log: log, onFill: r.journalFill}
	initialBackoff := r.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	backoff := initialBackoff
	reconnectAttempts := 0
	disconnectStartedAt := time.Time{}
	startedAt := time.Now().UTC()

	r.persistRuntimeStatus("starting", startedAt, reconnectAttempts, disconnectStartedAt, nil)
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.persistRuntimeStatus("stopped", startedAt, reconnectAttempts, disconnectStartedAt, err)
	}()

	for {
		reconnect := reconnectAttempts > 0
		if reconnect {
			if allowErr := r.Breaker.Allow(); allowErr != nil {
				r.persistRuntimeStatus("degraded", startedAt, reconnectAttempts, disconnectStartedAt, allowErr)
				wait := time.Second
				if rem := r.Breaker.CooldownRemaining(); rem > wait {
					wait = rem
				}
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
				continue
			}
		}
		r.persistRuntimeStatus("running", startedAt, reconnectAttempts, disconnectStartedAt, nil)
		err := r.runOnce(ctx, d, func() {
			if !disconnectStartedAt.IsZero() {
				r.alertImportant("market_stream_reconnected", map[string]string{
					"reconnect_attempts": strconv.Itoa(reconnectAttempts),
					"downtime_sec":       strconv.FormatInt(int64(time.Since(disconnectStartedAt)/time.Second), 10),
				})
				r.Metrics.IncReconnect()
			}
			disconnectStartedAt = time.Time{}
			reconnectAttempts = 0
			backoff = initialBackoff
			r.Breaker.Reset()
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrFatalLocal) {
			log.Error("runner_stopped", zap.Error(err))
			r.alertImportant("runner_stopped", map[string]string{"reason": err.Error()})
			r.alertImportant("manual_intervention_required", map[string]string{
				"reason": "local_state_failure",
				"detail": err.Error(),
			})
			return err
		}
		if disconnectStartedAt.IsZero() {
			disconnectStartedAt = time.Now().UTC()
			r.alertImportant("market_stream_disconnected", map[string]string{"reason": err.Error()})
		}
		log.Warn("market_stream_disconnected", zap.Error(err), zap.Int("reconnect_attempts", reconnectAttempts+1))
		reconnectAttempts++
		r.persistRuntimeStatus("degraded", startedAt, reconnectAttempts, disconnectStartedAt, err)

		wait := backoff
		if trip := r.Breaker.Record(err); errors.Is(trip, safety.ErrCircuitOpen) {
			if rem := r.Breaker.CooldownRemaining(); rem > wait {
				wait = rem
			}
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		if backoff < maxReconnectBackoff {
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
		}
	}
}

// runOnce consumes one connection. It returns nil only when the stream ends
// because ctx was cancelled.
func (r *PaperRunner) runOnce(ctx context.Context, d *dispatcher, connected func()) error {
	bars, errs, err := r.Stream.Subscribe(ctx)
	if err != nil {
		return err
	}
	connected()
loop:
	for {
		select {
		case bar, ok := <-bars:
			if !ok {
				break loop
			}
			if err := r.step(d, bar); err != nil {
				return err
			}
		case <-r.Resets:
			if err := r.reset(d); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	select {
	case err := <-errs:
		if err != nil {
			return err
		}
	default:
	}
	return errors.New("market stream ended")
}

func (r *PaperRunner) step(d *dispatcher, bar core.PriceBar) error {
	// intrabar updates still trigger resting stops; the engine only acts on
	// them when tick driven
	matched := r.Exchange.Match(bar)
	applied, err := d.step(bar, matched)
	if err != nil {
		if errors.Is(err, ErrFatalLocal) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrFatalLocal, err)
	}
	if !applied && len(matched) == 0 {
		return nil
	}
	return r.persist()
}

func (r *PaperRunner) reset(d *dispatcher) error {
	price := r.Engine.LastPrice()
	intents := r.Engine.Reset(price)
	r.logger().Warn("ladder_reset", zap.String("price", price.String()), zap.Int("intents", len(intents)))
	r.alertImportant("ladder_reset", map[string]string{"price": price.String()})
	if err := d.run(intents, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrFatalLocal, err)
	}
	return r.persist()
}

func (r *PaperRunner) persist() error {
	if r.Store == nil {
		return nil
	}
	account := r.Exchange.Snapshot(r.Engine.LastPrice())
	state := store.LadderState{
		InstanceID: r.InstanceID,
		Engine:     r.Engine.Snapshot(),
		Account:    &account,
	}
	if err := r.Store.SaveLadderState(state); err != nil {
		return fmt.Errorf("%w: save ladder state: %v", ErrFatalLocal, err)
	}
	return nil
}

// journalFill dedupes fills by order id across restarts and journals them.
func (r *PaperRunner) journalFill(fill core.FillReport, intent core.OrderIntent) (bool, error) {
	if r.Store == nil {
		return false, nil
	}
	seen, err := r.Store.HasFillKey(fill.OrderID)
	if err != nil {
		return false, fmt.Errorf("%w: fill ledger: %v", ErrFatalLocal, err)
	}
	if seen {
		return true, nil
	}
	rec := store.FillRecord{Fill: fill, Purpose: intent.Purpose, PositionSide: intent.PositionSide, Level: intent.Level}
	if err := r.Store.AppendFill(rec); err != nil {
		return false, fmt.Errorf("%w: fill journal: %v", ErrFatalLocal, err)
	}
	if err := r.Store.RecordFillKey(fill.OrderID, fill.Time); err != nil {
		return false, fmt.Errorf("%w: fill ledger: %v", ErrFatalLocal, err)
	}
	return false, nil
}

func (r *PaperRunner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

func (r *PaperRunner) persistRuntimeStatus(state string, startedAt time.Time, reconnectAttempts int, disconnectStartedAt time.Time, lastErr error) {
	if r.Store == nil {
		return
	}
	mode := r.Mode
	if mode == "" {
		mode = "paper"
	}
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	status := store.RuntimeStatus{
		Mode:              mode,
		Symbol:            r.Symbol,
		InstanceID:        instanceID,
		PID:               os.Getpid(),
		State:             state,
		Phase:             string(r.Engine.Phase()),
		StartedAt:         startedAt,
		ReconnectAttempts: reconnectAttempts,
	}
	if !disconnectStartedAt.IsZero() {
		t := disconnectStartedAt
		status.DisconnectedAt = &t
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		r.logger().Warn("runtime_status_write_failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
