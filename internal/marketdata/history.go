package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-ladder/internal/core"
)

const (
	defaultRESTBaseURL = "https://api.binance.com"
	maxKlinesPerPage   = 1000
	fetchAttempts      = 5
)

// HistoryClient pages through the REST kline endpoint.
type HistoryClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
	// pace is the pause between pages.
	pace time.Duration
	// retryDelay scales the backoff between failed attempts.
	retryDelay time.Duration
	now        func() time.Time
}

func NewHistoryClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HistoryClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultRESTBaseURL
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryClient{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: timeout},
		log:        logger.Named("history"),
		pace:       120 * time.Millisecond,
		retryDelay: 500 * time.Millisecond,
		now:        time.Now,
	}
}

// BarSink receives downloaded bars in open time order.
type BarSink interface {
	WriteBar(bar core.PriceBar) error
}

// Download fetches [start, end) and hands every bar to sink. It returns the
// number of bars written.
func (c *HistoryClient) Download(ctx context.Context, symbol, interval string, start, end time.Time, sink BarSink) (int, error) {
	startMs := start.UnixMilli()
	endMs := end.UnixMilli()
	total := 0
	requests := 0
	for startMs < endMs {
		batch, err := c.FetchBars(ctx, symbol, interval, startMs, endMs-1, maxKlinesPerPage)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		requests++
		advanced := false
		for _, bar := range batch {
			openMs := bar.OpenTime.UnixMilli()
			if openMs >= endMs || openMs < startMs {
				continue
			}
			if err := sink.WriteBar(bar); err != nil {
				return total, err
			}
			total++
			startMs = openMs + 1
			advanced = true
		}
		if !advanced {
			break
		}
		if requests%20 == 0 {
			c.log.Info("download_progress",
				zap.Int("requests", requests),
				zap.Int("records", total),
				zap.Time("last", time.UnixMilli(startMs).UTC()),
			)
		}
		if err := sleepContext(ctx, c.pace); err != nil {
			return total, err
		}
	}
	return total, nil
}

// FetchBars returns one page of klines between startMs and endMs inclusive.
func (c *HistoryClient) FetchBars(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]core.PriceBar, error) {
	values := url.Values{}
	values.Set("symbol", strings.ToUpper(symbol))
	values.Set("interval", interval)
	values.Set("startTime", strconv.FormatInt(startMs, 10))
	values.Set("endTime", strconv.FormatInt(endMs, 10))
	values.Set("limit", strconv.Itoa(limit))
	endpoint := c.baseURL + "/api/v3/klines?" + values.Encode()

	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if err := sleepContext(ctx, time.Duration(attempt+1)*c.retryDelay); err != nil {
				return nil, err
			}
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
			c.log.Warn("klines_retry", zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))
			if err := sleepContext(ctx, time.Duration(attempt+1)*2*c.retryDelay); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return c.parseKlines(body)
	}
	if lastErr == nil {
		lastErr = errors.New("fetch klines failed")
	}
	return nil, lastErr
}

// parseKlines reads the REST array-of-arrays layout. Rows that do not carry
// a usable bar are dropped.
func (c *HistoryClient) parseKlines(body []byte) ([]core.PriceBar, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	now := c.now().UnixMilli()
	out := make([]core.PriceBar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		openTime, err := parseInt64(row[0])
		if err != nil {
			continue
		}
		closeTime, err := parseInt64(row[6])
		if err != nil {
			closeTime = 0
		}
		bar := core.PriceBar{
			OpenTime: time.UnixMilli(openTime).UTC(),
			IsFinal:  closeTime > 0 && closeTime < now,
		}
		valid := true
		for i, dst := range []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume} {
			v, err := decimal.NewFromString(parseStr(row[i+1]))
			if err != nil {
				valid = false
				break
			}
			*dst = v
		}
		if !valid || bar.Close.Cmp(decimal.Zero) <= 0 {
			c.log.Debug("kline_row_skipped", zap.Int64("open_time", openTime))
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

func parseInt64(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return 0, errors.New("invalid int64")
}

func parseStr(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return strings.TrimSpace(string(raw))
}

// ResolveWindow turns either a month count back from now or an explicit
// start/end pair into a UTC range. A date-only end includes that whole day.
func ResolveWindow(now time.Time, months int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if months < 1 {
			return time.Time{}, time.Time{}, errors.New("months must be >= 1")
		}
		end := now.UTC()
		return end.AddDate(0, -months, 0), end, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, startDateOnly, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endDateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if startDateOnly {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	}
	if endDateOnly {
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start.UTC(), end.UTC(), nil
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	if len(raw) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
