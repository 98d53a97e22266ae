package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is what a guarded call reports back to its breaker.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeCancelled is a call abandoned by its caller; it never counts
	// toward opening the circuit.
	OutcomeCancelled
)

type BreakerConfig struct {
	FailureThreshold int
	Window           time.Duration
	ResetTimeout     time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

type CircuitOpenError struct {
	Source  string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for source %s until %s", e.Source, e.RetryAt.Format(time.RFC3339))
}

// Breaker is the per-source circuit breaker state machine.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	streakStart   time.Time
	lastFailureAt time.Time
	openedAt      time.Time
	probing       bool
}

func NewBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	return &Breaker{name: name, cfg: cfg, now: now}
}

func (b *Breaker) Name() string {
	return b.name
}

// Allow admits a call or rejects it with *CircuitOpenError. An admitted
// call must report its outcome exactly once through done.
func (b *Breaker) Allow() (done func(Outcome), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateOpen {
		if now.Sub(b.openedAt) < b.cfg.ResetTimeout {
			return nil, &CircuitOpenError{Source: b.name, RetryAt: b.openedAt.Add(b.cfg.ResetTimeout)}
		}
		b.state = StateHalfOpen
		b.probing = false
	}

	if b.state == StateHalfOpen {
		if b.probing {
			return nil, &CircuitOpenError{Source: b.name, RetryAt: now}
		}
		b.probing = true
		return b.doneFunc(true), nil
	}

	return b.doneFunc(false), nil
}

func (b *Breaker) doneFunc(probe bool) func(Outcome) {
	var once sync.Once
	return func(o Outcome) {
		once.Do(func() {
			b.record(probe, o)
		})
	}
}

func (b *Breaker) record(probe bool, o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if probe {
		b.probing = false
		switch o {
		case OutcomeSuccess:
			b.state = StateClosed
			b.failures = 0
		case OutcomeFailure:
			b.state = StateOpen
			b.openedAt = now
			b.lastFailureAt = now
		}
		return
	}

	// Stragglers admitted before the circuit opened do not move it.
	if b.state != StateClosed {
		return
	}

	switch o {
	case OutcomeSuccess:
		b.failures = 0
	case OutcomeFailure:
		if b.failures == 0 || now.Sub(b.streakStart) > b.cfg.Window {
			b.failures = 1
			b.streakStart = now
		} else {
			b.failures++
		}
		b.lastFailureAt = now
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	}
}

// Execute runs fn under the breaker. A non-nil error after ctx is done
// counts as a cancellation.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		done(OutcomeSuccess)
	case ctx.Err() != nil:
		done(OutcomeCancelled)
	default:
		done(OutcomeFailure)
	}
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type SourceHealth struct {
	Source              string     `json:"source"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

func (b *Breaker) Health() SourceHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := SourceHealth{
		Source:              b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		h.LastFailureAt = &t
	}
	if b.state != StateClosed {
		t := b.openedAt
		h.OpenedAt = &t
	}
	return h
}
