package marketdata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"grid-ladder/internal/core"
)

// barLine is the JSONL row the backtest feed reads.
type barLine struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	Final     bool   `json:"final"`
}

// DailyWriter writes bars to one <root>/YYYY-MM-DD.jsonl file per UTC day.
// A day file is truncated when first opened.
type DailyWriter struct {
	root        string
	symbol      string
	interval    string
	currentDate string
	currentFile *os.File
}

func NewDailyWriter(root, symbol, interval string) (*DailyWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DailyWriter{root: root, symbol: symbol, interval: interval}, nil
}

func (w *DailyWriter) WriteBar(bar core.PriceBar) error {
	ts := bar.OpenTime.UTC()
	if err := w.rotate(ts.Format("2006-01-02")); err != nil {
		return err
	}
	line, err := json.Marshal(barLine{
		Time:      ts.Format(time.RFC3339),
		Timestamp: ts.UnixMilli(),
		Symbol:    w.symbol,
		Interval:  w.interval,
		Open:      bar.Open.String(),
		High:      bar.High.String(),
		Low:       bar.Low.String(),
		Close:     bar.Close.String(),
		Volume:    bar.Volume.String(),
		Final:     bar.IsFinal,
	})
	if err != nil {
		return err
	}
	_, err = w.currentFile.Write(append(line, '\n'))
	return err
}

func (w *DailyWriter) rotate(date string) error {
	if date == w.currentDate && w.currentFile != nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.root, date+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentDate = date
	return nil
}

func (w *DailyWriter) Close() error {
	if w == nil || w.currentFile == nil {
		return nil
	}
	f := w.currentFile
	w.currentFile = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
