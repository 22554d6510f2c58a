package engine

import (
	"context"
	"errors"
	"io"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-ladder/internal/backtest"
	"grid-ladder/internal/metrics"
	"grid-ladder/internal/strategy"
)

type BacktestRunner struct {
	Exchange *backtest.SimExchange
	Feed     backtest.Feed
	Engine   LadderEngine
	Metrics  *metrics.Collector
	Log      *zap.Logger
}

type BacktestResult struct {
	Bars                int
	SkippedBars         int
	Intents             int
	Fills               int
	RejectedFills       int
	CancelledOrders     int
	Cycles              int
	RealizedPnL         decimal.Decimal
	FinalPhase          strategy.Phase
	Halted              bool
	StartPrice          decimal.Decimal
	EndPrice            decimal.Decimal
	StartEquityQuote    decimal.Decimal
	EndEquityQuote      decimal.Decimal
	TotalReturnPct      decimal.Decimal
	MaxDrawdownPct      decimal.Decimal
	MaxDrawdownQuote    decimal.Decimal
	MaxCapitalUsagePct  decimal.Decimal
	FeesPaidQuote       decimal.Decimal
	DailyPnLQuoteSeries []DailyPnL
}

type DailyPnL struct {
	Date     string
	PnLQuote decimal.Decimal
}

// equityTracker follows account equity bar by bar for drawdown, capital
// usage and the daily series.
type equityTracker struct {
	started          bool
	start            decimal.Decimal
	highWatermark    decimal.Decimal
	maxDrawdown      decimal.Decimal
	maxDrawdownQuote decimal.Decimal
	maxUsage         decimal.Decimal
	dailyClose       map[string]decimal.Decimal
	dayOrder         []string
}

func newEquityTracker() *equityTracker {
	return &equityTracker{dailyClose: make(map[string]decimal.Decimal)}
}

func (t *equityTracker) record(snap backtest.Snapshot, day string) {
	if !t.started {
		t.started = true
		t.start = snap.EquityQuote
	}
	if snap.EquityQuote.Cmp(t.highWatermark) > 0 {
		t.highWatermark = snap.EquityQuote
	}
	if t.highWatermark.Cmp(decimal.Zero) > 0 {
		drawdownQuote := t.highWatermark.Sub(snap.EquityQuote)
		if drawdownQuote.Cmp(t.maxDrawdownQuote) > 0 {
			t.maxDrawdownQuote = drawdownQuote
		}
		if dd := drawdownQuote.Div(t.highWatermark); dd.Cmp(t.maxDrawdown) > 0 {
			t.maxDrawdown = dd
		}
	}
	if snap.EquityQuote.Cmp(decimal.Zero) > 0 {
		if usage := snap.LockedCapital.Div(snap.EquityQuote); usage.Cmp(t.maxUsage) > 0 {
			t.maxUsage = usage
		}
	}
	if _, ok := t.dailyClose[day]; !ok {
		t.dayOrder = append(t.dayOrder, day)
	}
	t.dailyClose[day] = snap.EquityQuote
}

func (t *equityTracker) dailySeries() []DailyPnL {
	out := make([]DailyPnL, 0, len(t.dayOrder))
	prevClose := t.start
	for _, day := range t.dayOrder {
		closeEquity := t.dailyClose[day]
		out = append(out, DailyPnL{Date: day, PnLQuote: closeEquity.Sub(prevClose)})
		prevClose = closeEquity
	}
	return out
}

func (r *BacktestRunner) Run(ctx context.Context) (BacktestResult, error) {
	var result BacktestResult
	if r.Feed == nil || r.Exchange == nil || r.Engine == nil {
		return result, errors.New("backtest runner needs a feed, an exchange and an engine")
	}
	defer r.Feed.Close()
	logger := r.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &dispatcher{engine: r.Engine, exec: r.Exchange, metrics: r.Metrics, log: logger}
	tracker := newEquityTracker()

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		bar, err := r.Feed.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, err
		}
		if result.Bars == 0 {
			result.StartPrice = bar.Close
			r.Exchange.SetPrice(bar.Open)
			tracker.record(r.Exchange.Snapshot(bar.Open), bar.OpenTime.UTC().Format("2006-01-02"))
		}
		result.Bars++
		applied, err := d.step(bar, r.Exchange.Match(bar))
		if err != nil {
			return result, err
		}
		if !applied {
			result.SkippedBars++
		}
		tracker.record(r.Exchange.Snapshot(bar.Close), bar.OpenTime.UTC().Format("2006-01-02"))
		result.EndPrice = bar.Close
	}

	final := r.Exchange.Snapshot(result.EndPrice)
	_, result.RejectedFills = r.Exchange.Stats()
	result.Intents = d.intents
	result.Fills = d.fills - result.RejectedFills
	result.CancelledOrders = d.cancels
	result.Cycles = r.Engine.Cycles()
	result.RealizedPnL = r.Engine.RealizedPnL()
	result.FinalPhase = r.Engine.Phase()
	result.Halted = r.Engine.Halted()
	result.StartEquityQuote = tracker.start
	result.EndEquityQuote = final.EquityQuote
	result.FeesPaidQuote = final.FeePaidQuote
	result.MaxDrawdownPct = tracker.maxDrawdown.Mul(decimal.NewFromInt(100))
	result.MaxDrawdownQuote = tracker.maxDrawdownQuote
	result.MaxCapitalUsagePct = tracker.maxUsage.Mul(decimal.NewFromInt(100))
	if result.StartEquityQuote.Cmp(decimal.Zero) > 0 {
		result.TotalReturnPct = result.EndEquityQuote.Sub(result.StartEquityQuote).Div(result.StartEquityQuote).Mul(decimal.NewFromInt(100))
	}
	result.DailyPnLQuoteSeries = tracker.dailySeries()
	logger.Info("backtest_finished",
		zap.Int("bars", result.Bars),
		zap.Int("cycles", result.Cycles),
		zap.String("realized_pnl", result.RealizedPnL.String()),
		zap.String("end_equity", result.EndEquityQuote.String()),
		zap.String("max_drawdown_pct", result.MaxDrawdownPct.StringFixed(2)),
	)
	return result, nil
}
