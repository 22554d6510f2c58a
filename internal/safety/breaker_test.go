package safety

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func newTestBreaker(maxFailures int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(BreakerConfig{Name: "market_stream", Enabled: true, MaxFailures: maxFailures, Cooldown: time.Minute}, nil)
	b.now = clock.now
	return b, clock
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(2)
	spy := &alertSpy{}
	b.SetAlerter(spy)

	if err := b.Record(errors.New("dial failed 1")); err != nil {
		t.Fatalf("Record(first) error = %v, want nil", err)
	}
	tripErr := b.Record(errors.New("dial failed 2"))
	if !errors.Is(tripErr, ErrCircuitOpen) {
		t.Fatalf("Record(second) error = %v, want ErrCircuitOpen", tripErr)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() error = %v, want ErrCircuitOpen while cooling down", err)
	}
	if rem := b.CooldownRemaining(); rem != time.Minute {
		t.Fatalf("CooldownRemaining() = %s, want 1m", rem)
	}

	clock.advance(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow(after cooldown) error = %v, want nil", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() = %s, want %s", got, StateHalfOpen)
	}
	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %s, want %s after recovery", got, StateClosed)
	}
	if rem := b.CooldownRemaining(); rem != 0 {
		t.Fatalf("CooldownRemaining() = %s, want 0 after recovery", rem)
	}

	want := []string{"circuit_breaker_near_trip", "circuit_breaker_trip", "circuit_breaker_half_open", "circuit_breaker_recovered"}
	if len(spy.events) != len(want) {
		t.Fatalf("alerts = %v, want %v", spy.events, want)
	}
	for i := range want {
		if spy.events[i] != want[i] {
			t.Fatalf("alerts = %v, want %v", spy.events, want)
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1)

	if err := b.Record(errors.New("dial failed")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Record(trip) error = %v, want ErrCircuitOpen", err)
	}
	clock.advance(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow(after cooldown) error = %v, want nil", err)
	}
	if err := b.Record(errors.New("probe failed")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Record(half-open failure) error = %v, want ErrCircuitOpen", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() error = %v, want ErrCircuitOpen after re-open", err)
	}
}

func TestBreakerDisabledNeverOpens(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1}, nil)
	for i := 0; i < 3; i++ {
		if err := b.Record(errors.New("boom")); err != nil {
			t.Fatalf("Record() error = %v, want nil", err)
		}
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() error = %v, want nil", err)
	}

	var nilBreaker *Breaker
	if err := nilBreaker.Allow(); err != nil {
		t.Fatalf("nil Allow() error = %v", err)
	}
	if got := nilBreaker.State(); got != StateClosed {
		t.Fatalf("nil State() = %s", got)
	}
}
