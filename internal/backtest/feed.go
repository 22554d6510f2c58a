package backtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

// Feed yields bars in file order. Bars without a final flag are treated as
// closed candles.
type Feed interface {
	Next() (core.PriceBar, error)
	Close() error
}

type JSONLFeed struct {
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
	skipped int
}

func NewJSONLFeed(path string) (*JSONLFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	feed := &JSONLFeed{paths: paths}
	if err := feed.openCurrent(); err != nil {
		return nil, err
	}
	return feed, nil
}

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

func (f *JSONLFeed) Next() (core.PriceBar, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return core.PriceBar{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return core.PriceBar{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return core.PriceBar{}, io.EOF
			}
			continue
		}
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]interface{}
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			f.skipped++
			continue
		}
		bar, ok := parseBar(raw)
		if !ok {
			f.skipped++
			continue
		}
		return bar, nil
	}
}

// Skipped counts lines that were not valid bars.
func (f *JSONLFeed) Skipped() int {
	return f.skipped
}

func parseBar(raw map[string]interface{}) (core.PriceBar, bool) {
	var (
		bar core.PriceBar
		ok  bool
	)
	v, found := first(raw, "open_time", "time", "timestamp", "ts", "t")
	if !found {
		return core.PriceBar{}, false
	}
	if bar.OpenTime, ok = parseTimeValue(v); !ok {
		return core.PriceBar{}, false
	}
	v, found = first(raw, "close", "c", "price", "p")
	if !found {
		return core.PriceBar{}, false
	}
	if bar.Close, ok = parseDecimalValue(v); !ok || bar.Close.Cmp(decimal.Zero) <= 0 {
		return core.PriceBar{}, false
	}
	bar.Open = optionalDecimal(raw, bar.Close, "open", "o")
	bar.High = optionalDecimal(raw, decimal.Max(bar.Open, bar.Close), "high", "h")
	bar.Low = optionalDecimal(raw, decimal.Min(bar.Open, bar.Close), "low", "l")
	bar.Volume = optionalDecimal(raw, decimal.Zero, "volume", "v")
	bar.IsFinal = true
	if v, found := first(raw, "is_final", "final", "x"); found {
		if b, isBool := v.(bool); isBool {
			bar.IsFinal = b
		}
	}
	return bar, true
}

func optionalDecimal(raw map[string]interface{}, fallback decimal.Decimal, keys ...string) decimal.Decimal {
	v, found := first(raw, keys...)
	if !found {
		return fallback
	}
	dec, ok := parseDecimalValue(v)
	if !ok {
		return fallback
	}
	return dec
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	f.file = file
	f.scanner = scanner
	return nil
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, name))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}

func first(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func parseTimeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		return parseTimeString(t)
	case json.Number:
		if iv, err := t.Int64(); err == nil {
			return parseTimeNumber(iv), true
		}
		if fv, err := t.Float64(); err == nil {
			return parseTimeNumber(int64(fv)), true
		}
	case float64:
		return parseTimeNumber(int64(t)), true
	case int64:
		return parseTimeNumber(t), true
	case int:
		return parseTimeNumber(int64(t)), true
	case uint64:
		return parseTimeNumber(int64(t)), true
	case uint:
		return parseTimeNumber(int64(t)), true
	}
	return time.Time{}, false
}

func parseTimeString(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if allDigits(raw) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return parseTimeNumber(v), true
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimeNumber(v int64) time.Time {
	if v >= 1_000_000_000_000 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

func parseDecimalValue(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case json.Number:
		dec, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case string:
		if t == "" {
			return decimal.Zero, false
		}
		dec, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case float64:
		return decimal.NewFromFloat(t), true
	case int64:
		return decimal.NewFromInt(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case uint64:
		return decimal.NewFromInt(int64(t)), true
	case uint:
		return decimal.NewFromInt(int64(t)), true
	}
	return decimal.Zero, false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var _ Feed = (*JSONLFeed)(nil)

// SliceFeed replays bars held in memory.
type SliceFeed struct {
	bars   []core.PriceBar
	next   int
	closed bool
}

func NewSliceFeed(bars []core.PriceBar) *SliceFeed {
	return &SliceFeed{bars: append([]core.PriceBar(nil), bars...)}
}

func (f *SliceFeed) Next() (core.PriceBar, error) {
	if f.closed || f.next >= len(f.bars) {
		return core.PriceBar{}, io.EOF
	}
	bar := f.bars[f.next]
	f.next++
	return bar, nil
}

func (f *SliceFeed) Close() error {
	f.closed = true
	return nil
}

var _ Feed = (*SliceFeed)(nil)
