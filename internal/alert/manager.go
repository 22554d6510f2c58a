package alert

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultInboxSize = 128
	notifyTimeout    = 20 * time.Second
)

// digestTotals names, per routine event, the field whose values a digest adds
// up. Only these events are folded; everything else is delivered one by one.
var digestTotals = map[string]string{
	"cycle_closed": "realized",
	"gap_skip":     "levels",
}

type ManagerOptions struct {
	// QueueSize bounds the alerts waiting for delivery.
	QueueSize int
	// DigestWindow is how long repeats of a routine event are folded after
	// the first one went out. Zero sends every alert.
	DigestWindow time.Duration
	// DropReportInterval spaces the log summaries of dropped alerts.
	DropReportInterval time.Duration
	Logger             *zap.Logger
}

// Manager delivers operator alerts on its own goroutine. A fast-cycling ladder
// can finish cycles or skip gaps many times a minute, so after the first
// cycle_closed or gap_skip of a window the rest are folded into one digest
// per event. Intake never blocks: alerts that do not fit are dropped and
// counted.
type Manager struct {
	header     string
	notifier   Notifier
	log        *zap.Logger
	inbox      chan pendingAlert
	window     time.Duration
	dropReport time.Duration
	quit       chan struct{}
	finished   chan struct{}

	dropped         atomic.Uint64
	droppedUnlogged atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

type pendingAlert struct {
	event  string
	fields map[string]string
	at     time.Time
}

// digest accumulates the repeats of one routine event.
type digest struct {
	opened time.Time
	folded int
	total  decimal.Decimal
	last   pendingAlert
}

// NewManager returns nil when notifier is nil; a nil Manager is a valid no-op
// Alerter.
func NewManager(mode, symbol string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultInboxSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		header:     "[grid-ladder] " + mode + " " + symbol,
		notifier:   notifier,
		log:        log.Named("alert"),
		inbox:      make(chan pendingAlert, size),
		window:     opts.DigestWindow,
		dropReport: opts.DropReportInterval,
		quit:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	a := pendingAlert{event: event, fields: copyFields(fields), at: time.Now().UTC()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.inbox <- a:
	default:
		total := m.dropped.Add(1)
		if m.droppedUnlogged.Add(1) == 1 {
			m.log.Warn("alert_dropped", zap.String("event", event), zap.Uint64("dropped_total", total), zap.Int("queue_cap", cap(m.inbox)))
		}
	}
}

// Close stops intake, delivers what is queued plus any open digests, and
// waits for that or ctx.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.quit)
	}
	m.mu.Unlock()

	select {
	case <-m.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.finished)
	open := make(map[string]*digest)

	var windowTick, dropTick <-chan time.Time
	if m.window > 0 {
		every := m.window / 4
		if every < time.Millisecond {
			every = m.window
		}
		t := time.NewTicker(every)
		defer t.Stop()
		windowTick = t.C
	}
	if m.dropReport > 0 {
		t := time.NewTicker(m.dropReport)
		defer t.Stop()
		dropTick = t.C
	}

	for {
		select {
		case a := <-m.inbox:
			m.accept(open, a)
		case now := <-windowTick:
			m.flush(open, func(d *digest) bool { return now.Sub(d.opened) >= m.window })
		case <-dropTick:
			m.logDrops()
		case <-m.quit:
			for {
				select {
				case a := <-m.inbox:
					m.accept(open, a)
				default:
					m.flush(open, func(*digest) bool { return true })
					m.logDrops()
					return
				}
			}
		}
	}
}

func (m *Manager) accept(open map[string]*digest, a pendingAlert) {
	if _, routine := digestTotals[a.event]; !routine || m.window <= 0 {
		m.deliver(a)
		return
	}
	d, ok := open[a.event]
	if !ok {
		open[a.event] = &digest{opened: a.at, total: decimal.Zero}
		m.deliver(a)
		return
	}
	d.folded++
	d.last = a
	if v, err := decimal.NewFromString(a.fields[digestTotals[a.event]]); err == nil {
		d.total = d.total.Add(v)
	}
}

// flush sends a summary for every due digest that folded something and
// forgets it, so the next occurrence opens a fresh window.
func (m *Manager) flush(open map[string]*digest, due func(*digest) bool) {
	events := make([]string, 0, len(open))
	for event := range open {
		events = append(events, event)
	}
	sort.Strings(events)
	for _, event := range events {
		d := open[event]
		if !due(d) {
			continue
		}
		delete(open, event)
		if d.folded == 0 {
			continue
		}
		fields := map[string]string{
			"folded": strconv.Itoa(d.folded),
			"since":  d.opened.Format(time.RFC3339),
		}
		fields[digestTotals[event]+"_sum"] = d.total.String()
		if p, ok := d.last.fields["price"]; ok {
			fields["last_price"] = p
		}
		m.deliver(pendingAlert{event: event + "_digest", fields: fields, at: d.last.at})
	}
}

func (m *Manager) logDrops() {
	n := m.droppedUnlogged.Swap(0)
	if n == 0 {
		return
	}
	m.log.Warn("alert_dropped_summary",
		zap.Uint64("dropped", n),
		zap.Uint64("dropped_total", m.dropped.Load()),
		zap.Int("queue_len", len(m.inbox)),
	)
}

func (m *Manager) deliver(a pendingAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.render(a)); err != nil {
		m.log.Error("alert_notify_failed", zap.String("event", a.event), zap.Error(err))
	}
}

// render lays an alert out as the header, the event line and one sorted
// key: value line per field.
func (m *Manager) render(a pendingAlert) string {
	var b strings.Builder
	b.WriteString(m.header)
	b.WriteString("\n")
	b.WriteString(a.event)
	b.WriteString(" @ ")
	b.WriteString(a.at.Format(time.RFC3339))
	keys := make([]string, 0, len(a.fields))
	for k := range a.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(a.fields[k])
	}
	return b.String()
}

func copyFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
