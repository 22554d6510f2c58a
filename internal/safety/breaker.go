package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-ladder/internal/alert"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type BreakerConfig struct {
	// Name labels logs and alerts, e.g. "market_stream".
	Name              string
	Enabled           bool
	MaxFailures       int
	Cooldown          time.Duration
	HalfOpenSuccesses int
}

// Breaker guards a reconnect loop. After MaxFailures consecutive failures it
// opens; once Cooldown passes a single probe is let through (half open) and
// HalfOpenSuccesses successes close it again.
type Breaker struct {
	cfg BreakerConfig
	log *zap.Logger
	now func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
	alerter         alert.Alerter
}

func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "reconnect"
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.HalfOpenSuccesses < 1 {
		cfg.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:   cfg,
		log:   logger.Named("breaker").With(zap.String("action", cfg.Name)),
		now:   func() time.Time { return time.Now().UTC() },
		state: StateClosed,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether an attempt may run now. An open circuit past its
// cooldown moves to half open and allows the probe.
func (b *Breaker) Allow() error {
	if b == nil || !b.cfg.Enabled {
		return nil
	}
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		err := b.openErr
		b.mu.Unlock()
		return err
	}
	b.state = StateHalfOpen
	b.halfOpenSuccess = 0
	b.failures = 0
	b.openErr = nil
	alerter := b.alerter
	b.mu.Unlock()

	cooldown := strconv.FormatInt(int64(b.cfg.Cooldown/time.Second), 10)
	b.log.Info("circuit_breaker_half_open", zap.Duration("cooldown", b.cfg.Cooldown))
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{"action": b.cfg.Name, "cooldown_sec": cooldown})
	}
	return nil
}

func (b *Breaker) CooldownRemaining() time.Duration {
	if b == nil || !b.cfg.Enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cfg.Cooldown {
		return 0
	}
	return b.cfg.Cooldown - elapsed
}

// Record feeds the outcome of one attempt. It returns a non-nil error wrapping
// ErrCircuitOpen when the circuit is, or just became, open.
func (b *Breaker) Record(err error) error {
	if b == nil || !b.cfg.Enabled || b.cfg.MaxFailures < 1 {
		return nil
	}
	if err == nil {
		b.recordSuccess()
		return nil
	}

	b.mu.Lock()
	switch b.state {
	case StateOpen:
		openErr := b.openErr
		b.mu.Unlock()
		return openErr
	case StateHalfOpen:
		openErr := b.tripLocked(err, 1, "half_open_probe_failed")
		alerter := b.alerter
		b.mu.Unlock()
		b.reportTrip(alerter, err, 1, "half_open")
		return openErr
	}

	b.failures++
	failures := b.failures
	alerter := b.alerter
	if failures < b.cfg.MaxFailures {
		nearTrip := b.cfg.MaxFailures > 1 && failures == b.cfg.MaxFailures-1
		b.mu.Unlock()
		if nearTrip {
			b.log.Warn("circuit_breaker_near_trip", zap.Int("consecutive_failures", failures), zap.Int("threshold", b.cfg.MaxFailures), zap.Error(err))
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               b.cfg.Name,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(b.cfg.MaxFailures),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}
	openErr := b.tripLocked(err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(alerter, err, failures, "closed")
	return openErr
}

// Reset closes the circuit after a successful connection.
func (b *Breaker) Reset() {
	_ = b.Record(nil)
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	prevFailures := b.failures
	prevState := b.state
	recovered := false
	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenSuccesses {
			recovered = true
			b.state = StateClosed
			b.failures = 0
			b.openErr = nil
			b.openedAt = time.Time{}
			b.halfOpenSuccess = 0
		}
	case StateOpen:
		// no probe was allowed; wait for Allow to move to half open
	case StateClosed:
		if b.failures > 0 {
			recovered = true
			b.failures = 0
		}
	}
	alerter := b.alerter
	b.mu.Unlock()
	if !recovered {
		return
	}
	b.log.Info("circuit_breaker_recovered", zap.Int("previous_consecutive_failures", prevFailures), zap.String("from_state", string(prevState)))
	if alerter != nil {
		alerter.Important("circuit_breaker_recovered", map[string]string{
			"action":                        b.cfg.Name,
			"previous_consecutive_failures": strconv.Itoa(prevFailures),
			"from_state":                    string(prevState),
		})
	}
}

func (b *Breaker) tripLocked(err error, failures int, reason string) error {
	b.state = StateOpen
	b.openedAt = b.now()
	b.halfOpenSuccess = 0
	b.failures = failures
	b.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, b.cfg.Name, failures, b.cfg.Cooldown, reason, err)
	return b.openErr
}

func (b *Breaker) reportTrip(alerter alert.Alerter, err error, failures int, from string) {
	b.log.Error("circuit_breaker_trip",
		zap.String("from_state", from),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", b.cfg.MaxFailures),
		zap.Error(err),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               b.cfg.Name,
			"from_state":           from,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(b.cfg.MaxFailures),
			"last_error":           err.Error(),
		})
	}
}
