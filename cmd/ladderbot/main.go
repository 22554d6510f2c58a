package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"grid-ladder/internal/alert"
	"grid-ladder/internal/backtest"
	"grid-ladder/internal/config"
	"grid-ladder/internal/engine"
	"grid-ladder/internal/logger"
	"grid-ladder/internal/marketdata"
	"grid-ladder/internal/metrics"
	"grid-ladder/internal/safety"
	"grid-ladder/internal/store"
	"grid-ladder/internal/strategy"
)

func main() {
	var (
		configPath string
		modeFlag   string
		dataFlag   string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&modeFlag, "mode", "", "override mode: backtest or paper")
	flag.StringVar(&dataFlag, "data", "", "override backtest data_path")
	flag.Parse()

	cfg, err := config.LoadWithOverrides(configPath, config.Overrides{Mode: config.Mode(modeFlag), DataPath: dataFlag})
	if err != nil {
		fatal(err.Error())
	}
	log, closeLog, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = closeLog() }()
	log = log.With(zap.String("mode", string(cfg.Mode)), zap.String("symbol", cfg.Symbol), zap.String("instance_id", cfg.InstanceID))

	alerts := buildAlertManager(cfg, log)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.Warn("alert_manager_close_failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.New(cfg.MetricsConfig(), prometheus.NewRegistry())
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.Metrics.ListenAddr, log); err != nil {
				log.Error("metrics_listener_failed", zap.Error(err))
			}
		}()
	}

	switch cfg.Mode {
	case config.ModeBacktest:
		err = runBacktest(ctx, cfg, log, collector)
	case config.ModePaper:
		err = runPaper(ctx, cfg, log, collector, alerts)
	default:
		err = fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("run_failed", zap.Error(err))
		_ = closeLog()
		fatal(err.Error())
	}
}

func newEngine(cfg config.Config, log *zap.Logger, observers ...strategy.Observer) (*strategy.Engine, error) {
	sc, err := cfg.StrategyConfig()
	if err != nil {
		return nil, err
	}
	opts := []strategy.Option{strategy.WithLogger(log.Named("engine"))}
	for _, o := range observers {
		opts = append(opts, strategy.WithObserver(o))
	}
	return strategy.New(sc, opts...)
}

func newExchange(cfg config.Config, balance config.Decimal) (*backtest.SimExchange, error) {
	ex := backtest.NewSimExchange(cfg.Symbol, balance.Decimal, cfg.Rules())
	if err := ex.SetFees(cfg.Backtest.Fees.MakerRate.Decimal, cfg.Backtest.Fees.TakerRate.Decimal); err != nil {
		return nil, err
	}
	return ex, nil
}

func runBacktest(ctx context.Context, cfg config.Config, log *zap.Logger, collector *metrics.Collector) error {
	feed, err := backtest.NewJSONLFeed(cfg.Backtest.DataPath)
	if err != nil {
		return err
	}
	ex, err := newExchange(cfg, cfg.Backtest.InitialQuote)
	if err != nil {
		return err
	}
	// replayed cycles stay off the alert channel
	eng, err := newEngine(cfg, log, collector)
	if err != nil {
		return err
	}
	runner := engine.BacktestRunner{Exchange: ex, Feed: feed, Engine: eng, Metrics: collector, Log: log}
	result, err := runner.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("backtest canceled")
		}
		return err
	}
	if skipped := feed.Skipped(); skipped > 0 {
		log.Warn("feed_rows_skipped", zap.Int("rows", skipped))
	}
	fmt.Println(formatSummary(cfg.InstanceID, result))
	return nil
}

func formatSummary(instanceID string, result engine.BacktestResult) string {
	return fmt.Sprintf(
		"summary instance=%s bars=%d skipped_bars=%d intents=%d fills=%d rejected_fills=%d cancelled_orders=%d cycles=%d realized_pnl=%s final_phase=%s halted=%t total_return_pct=%s max_drawdown_pct=%s max_drawdown_quote=%s max_capital_usage_pct=%s start_equity_quote=%s end_equity_quote=%s fees_paid_quote=%s",
		instanceID,
		result.Bars,
		result.SkippedBars,
		result.Intents,
		result.Fills,
		result.RejectedFills,
		result.CancelledOrders,
		result.Cycles,
		result.RealizedPnL.String(),
		result.FinalPhase,
		result.Halted,
		result.TotalReturnPct.StringFixed(4),
		result.MaxDrawdownPct.StringFixed(4),
		result.MaxDrawdownQuote.String(),
		result.MaxCapitalUsagePct.StringFixed(4),
		result.StartEquityQuote.String(),
		result.EndEquityQuote.String(),
		result.FeesPaidQuote.String(),
	)
}

func stateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.Symbol, cfg.InstanceID)
}

func runPaper(ctx context.Context, cfg config.Config, log *zap.Logger, collector *metrics.Collector, alerts *alert.Manager) error {
	dir := stateDir(cfg)
	st, err := store.New(dir, log)
	if err != nil {
		return err
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	instanceLock, err := store.AcquireInstanceLock(dir, store.LockOptions{
		InstanceID:      cfg.InstanceID,
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			log.Warn("instance_lock_release_failed", zap.Error(relErr))
		}
	}()

	ex, err := newExchange(cfg, cfg.Paper.InitialQuote)
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, log, collector, alert.NewEngineObserver(alerts))
	if err != nil {
		return err
	}
	stream, err := marketdata.NewKlineStream(cfg.StreamConfig(), log)
	if err != nil {
		return err
	}
	breaker := safety.NewBreaker(cfg.BreakerConfig(), log)
	breaker.SetAlerter(alerts)

	runner := &engine.PaperRunner{
		Stream:     stream,
		Exchange:   ex,
		Engine:     eng,
		Store:      st,
		Breaker:    breaker,
		Alerts:     alerts,
		Metrics:    collector,
		Log:        log.Named("paper"),
		Symbol:     cfg.Symbol,
		Mode:       string(cfg.Mode),
		InstanceID: cfg.InstanceID,
		Resets:     resetSignals(ctx),
	}
	resumed, err := runner.Resume()
	if err != nil {
		return err
	}
	log.Info("paper_starting", zap.String("state_dir", dir), zap.Bool("resumed", resumed), zap.String("stream", stream.URL()))
	return runner.Run(ctx)
}

// resetSignals turns SIGHUP into ladder resets until ctx ends.
func resetSignals(ctx context.Context) <-chan struct{} {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	resets := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				select {
				case resets <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return resets
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config, log *zap.Logger) *alert.Manager {
	if !cfg.Observability.Telegram.Enabled {
		return nil
	}
	opts := cfg.AlertOptions()
	opts.Logger = log
	return alert.NewManager(string(cfg.Mode), cfg.Symbol, alert.NewTelegramNotifier(cfg.TelegramConfig()), opts)
}
