// Package breaker provides a three-state circuit breaker guarding remote
// provider calls. One breaker exists per named dependency and lives for the
// process lifetime; transitions are atomic with respect to concurrent
// success/failure records.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrOpen is returned by Execute when the breaker rejects a call and no
// fallback is provided.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type Config struct {
	// FailureThreshold consecutive failures trip CLOSED -> OPEN.
	FailureThreshold int
	// ResetTimeout since the last failure before OPEN -> HALF_OPEN.
	ResetTimeout time.Duration
	// HalfOpenMax concurrent probe calls admitted in HALF_OPEN.
	HalfOpenMax int
	// CloseThreshold successes in HALF_OPEN before closing again.
	CloseThreshold int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      2,
		CloseThreshold:   2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = d.HalfOpenMax
	}
	if c.CloseThreshold <= 0 {
		c.CloseThreshold = d.CloseThreshold
	}
	return c
}

// Status is a point-in-time snapshot for health endpoints.
type Status struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	LastChange  time.Time `json:"last_change,omitempty"`
}

type Breaker struct {
	name string
	cfg  Config
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
	lastChange  time.Time

	clock        func() time.Time
	transitions  metric.Int64Counter
	onTransition func(name, from, to string)
}

// SetTransitionHook registers a callback invoked on every state change.
// The hook must not call back into the breaker.
func (b *Breaker) SetTransitionHook(fn func(name, from, to string)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

func New(name string, cfg Config, log *slog.Logger) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		log:   log.With(slog.String("component", "breaker"), slog.String("breaker", name)),
		state: StateClosed,
		clock: time.Now,
	}
	meter := otel.Meter("github.com/smartflowcrm/voicecore/breaker")
	if counter, err := meter.Int64Counter("voicecore.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err == nil {
		b.transitions = counter
	}
	return b
}

// IsAvailable reports whether a call would currently be let through. An OPEN
// breaker whose reset timeout has elapsed moves to HALF_OPEN here.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.probes < b.cfg.HalfOpenMax
	default:
		return false
	}
}

// allow reserves a probe slot in HALF_OPEN. Callers that received true must
// follow up with RecordSuccess or RecordFailure.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenMax {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// maybeProbe transitions OPEN -> HALF_OPEN once the reset timeout elapsed.
// Caller holds b.mu.
func (b *Breaker) maybeProbe() {
	if b.state == StateOpen && b.clock().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		// Slots reserved in an earlier HALF_OPEN window do not carry over.
		b.probes = 0
		b.successes = 0
		b.transition(StateHalfOpen)
	}
}

// RecordSuccess notes a successful call. In CLOSED it decrements the failure
// count (floor zero) rather than resetting it, which dampens flapping.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.successes++
		if b.successes >= b.cfg.CloseThreshold {
			b.failures = 0
			b.successes = 0
			b.probes = 0
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed call. Reaching the failure threshold in CLOSED
// opens the breaker; any failure in HALF_OPEN reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.clock()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.successes = 0
		b.transition(StateOpen)
	}
}

// caller holds b.mu
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastChange = b.clock()
	b.log.Info("breaker state change",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("failures", b.failures))
	if b.transitions != nil {
		b.transitions.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("breaker", b.name),
				attribute.String("from", from.String()),
				attribute.String("to", to.String())))
	}
	if b.onTransition != nil {
		b.onTransition(b.name, from.String(), to.String())
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		LastChange:  b.lastChange,
	}
}

// Execute runs fn through the breaker. When the breaker rejects the call the
// fallback is invoked if present, otherwise ErrOpen is returned. Failures from
// fn are recorded and then routed to the fallback when one is provided.
func Execute[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error), fallback func(context.Context) (T, error)) (T, error) {
	var zero T
	if !b.allow() {
		if fallback != nil {
			return fallback(ctx)
		}
		return zero, ErrOpen
	}
	result, err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		if fallback != nil {
			return fallback(ctx)
		}
		return zero, err
	}
	b.RecordSuccess()
	return result, nil
}
