// Package metrics exports ladder engine state as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-ladder/internal/core"
	"grid-ladder/internal/ladder"
	"grid-ladder/internal/strategy"
)

type Config struct {
	Namespace string
	Symbol    string
}

// LadderView is the read side of the engine the collector samples.
type LadderView interface {
	Phase() strategy.Phase
	Ladder(side core.PositionSide) ladder.State
	Exposure(price decimal.Decimal) ladder.Exposure
	RealizedPnL() decimal.Decimal
	Halted() bool
}

var phases = []strategy.Phase{
	strategy.PhaseUnarmed,
	strategy.PhaseArmed,
	strategy.PhaseLevelOpen,
	strategy.PhaseClosing,
}

type Collector struct {
	registry *prometheus.Registry

	phase      *prometheus.GaugeVec
	depth      *prometheus.GaugeVec
	netVolume  prometheus.Gauge
	grossVol   prometheus.Gauge
	unrealized prometheus.Gauge
	realized   prometheus.Gauge
	halted     prometheus.Gauge
	lastPrice  prometheus.Gauge

	events     *prometheus.CounterVec
	mismatches *prometheus.CounterVec
	cycles     *prometheus.CounterVec
	intents    *prometheus.CounterVec
	fills      *prometheus.CounterVec
	rejects    prometheus.Counter
	reconnects prometheus.Counter
}

// New registers every collector on reg. A nil reg gets a private registry.
func New(cfg Config, reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "ladder"
	}
	labels := prometheus.Labels{}
	if cfg.Symbol != "" {
		labels["symbol"] = cfg.Symbol
	}
	factory := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: cfg.Namespace, Name: name, Help: help, ConstLabels: labels})
	}
	counterVec := func(name, help string, keys ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help, ConstLabels: labels}, keys)
	}

	return &Collector{
		registry: reg,
		phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "phase",
			Help:        "1 for the current engine phase, 0 for the others.",
			ConstLabels: labels,
		}, []string{"phase"}),
		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "level_depth",
			Help:        "Filled ladder entries per position side.",
			ConstLabels: labels,
		}, []string{"side"}),
		netVolume:  gauge("net_volume", "Signed net volume across both sides."),
		grossVol:   gauge("gross_volume", "Gross volume across both sides."),
		unrealized: gauge("unrealized_pnl", "Unrealized P&L of the open ladder at the last price."),
		realized:   gauge("realized_pnl", "Realized P&L summed over closed cycles."),
		halted:     gauge("halted", "1 when the engine stopped re-arming."),
		lastPrice:  gauge("last_price", "Last price seen by the engine."),
		events:     counterVec("events_total", "Engine events by kind.", "kind"),
		mismatches: counterVec("reconciliation_mismatches_total", "Fills that did not match engine state.", "reason"),
		cycles:     counterVec("cycles_total", "Closed cycles by close reason and outcome.", "reason", "outcome"),
		intents:    counterVec("intents_total", "Order intents emitted.", "action", "purpose", "kind"),
		fills:      counterVec("fills_total", "Fill reports applied, by side.", "side"),
		rejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "rejected_fills_total", Help: "Fill reports with zero volume.", ConstLabels: labels,
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: "stream_reconnects_total", Help: "Market data stream reconnects.", ConstLabels: labels,
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) OnEvent(ev strategy.Event) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case strategy.EventReconciliationMismatch:
		c.mismatches.WithLabelValues(ev.Reason).Inc()
	case strategy.EventCycleClosed:
		outcome := "win"
		if ev.Realized.Sign() < 0 {
			outcome = "loss"
		}
		c.cycles.WithLabelValues(ev.Reason, outcome).Inc()
	case strategy.EventStateChanged:
		c.setPhase(ev.To)
	}
}

// Sample copies the engine's current state into the gauges.
func (c *Collector) Sample(v LadderView, price decimal.Decimal) {
	if c == nil || v == nil {
		return
	}
	c.setPhase(v.Phase())
	for _, side := range []core.PositionSide{core.Long, core.Short} {
		c.depth.WithLabelValues(string(side)).Set(float64(v.Ladder(side).LevelIndex()))
	}
	exp := v.Exposure(price)
	c.netVolume.Set(exp.NetVolume.InexactFloat64())
	c.grossVol.Set(exp.GrossVolume.InexactFloat64())
	c.unrealized.Set(exp.UnrealizedPnL.InexactFloat64())
	c.realized.Set(v.RealizedPnL().InexactFloat64())
	if v.Halted() {
		c.halted.Set(1)
	} else {
		c.halted.Set(0)
	}
	if price.Sign() > 0 {
		c.lastPrice.Set(price.InexactFloat64())
	}
}

func (c *Collector) ObserveIntents(intents []core.OrderIntent) {
	if c == nil {
		return
	}
	for _, in := range intents {
		c.intents.WithLabelValues(string(in.Action), string(in.Purpose), string(in.Kind)).Inc()
	}
}

func (c *Collector) ObserveFill(fill core.FillReport) {
	if c == nil {
		return
	}
	if fill.FilledVolume.Sign() <= 0 {
		c.rejects.Inc()
		return
	}
	c.fills.WithLabelValues(string(fill.Side)).Inc()
}

func (c *Collector) IncReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collector) setPhase(current strategy.Phase) {
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		c.phase.WithLabelValues(string(p)).Set(v)
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics_listen", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

var _ strategy.Observer = (*Collector)(nil)
