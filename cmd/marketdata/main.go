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

	"go.uber.org/zap"

	"grid-ladder/internal/logger"
	"grid-ladder/internal/marketdata"
)

const (
	defaultBaseURL = "https://api.binance.com"
	defaultOutDir  = "data/binance"
)

func main() {
	var (
		baseURL  string
		symbol   string
		interval string
		months   int
		startRaw string
		endRaw   string
		outDir   string
		timeout  int
		logLevel string
	)

	flag.StringVar(&baseURL, "base-url", defaultBaseURL, "exchange REST base url")
	flag.StringVar(&symbol, "symbol", "BTCUSDT", "symbol, e.g. BTCUSDT")
	flag.StringVar(&interval, "interval", "1m", "kline interval, e.g. 1m/5m/15m/1h")
	flag.IntVar(&months, "months", 6, "how many months to fetch back from now")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.IntVar(&timeout, "timeout-sec", 20, "http timeout seconds")
	flag.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Parse()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.TrimSpace(interval)
	if symbol == "" || interval == "" || strings.TrimSpace(baseURL) == "" {
		fatal("base-url/symbol/interval are required")
	}
	start, end, err := marketdata.ResolveWindow(time.Now(), months, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = logLevel
	logCfg.Format = "console"
	logCfg.Outputs = []string{"stderr"}
	log, closeLog, err := logger.New(logCfg)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = closeLog() }()

	targetDir := filepath.Join(outDir, symbol, interval)
	if err := download(baseURL, symbol, interval, start, end, targetDir, time.Duration(timeout)*time.Second, log); err != nil {
		log.Error("download_failed", zap.Error(err))
		_ = closeLog()
		fatal(err.Error())
	}
}

func download(baseURL, symbol, interval string, start, end time.Time, targetDir string, timeout time.Duration, log *zap.Logger) error {
	writer, err := marketdata.NewDailyWriter(targetDir, symbol, interval)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := writer.Close(); closeErr != nil {
			log.Warn("close_writer_failed", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("download_starting",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Time("from", start),
		zap.Time("to", end.Add(-time.Millisecond)),
	)
	client := marketdata.NewHistoryClient(baseURL, timeout, log)
	total, err := client.Download(ctx, symbol, interval, start, end, writer)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("download_interrupted", zap.Int("records", total))
		}
		return err
	}
	log.Info("download_done", zap.Int("records", total), zap.String("output", targetDir))
	return nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
