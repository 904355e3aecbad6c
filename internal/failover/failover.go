// Package failover wraps breaker-protected provider calls with bounded
// exponential-backoff retry and fallback orchestration. It also tracks
// per-provider consecutive-failure health independently of the breakers so
// dashboards can show degradation before a circuit trips.
package failover

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/smartflowcrm/voicecore/internal/breaker"
)

// unhealthyAfter consecutive failures mark a provider unhealthy.
const unhealthyAfter = 3

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Multiplier <= 1 {
		o.Multiplier = d.Multiplier
	}
	if o.Jitter <= 0 {
		o.Jitter = d.Jitter
	}
	return o
}

type Executor struct {
	breakers *breaker.Registry
	log      *slog.Logger

	mu     sync.Mutex
	health map[string]int // consecutive failures per provider name
}

func NewExecutor(breakers *breaker.Registry, log *slog.Logger) *Executor {
	return &Executor{
		breakers: breakers,
		log:      log.With(slog.String("component", "failover")),
		health:   make(map[string]int),
	}
}

func (e *Executor) record(name string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.health[name] = 0
		return
	}
	e.health[name]++
	if e.health[name] == unhealthyAfter {
		e.log.Warn("provider marked unhealthy", slog.String("provider", name))
	}
}

// Observe feeds one out-of-band call outcome into provider health. Paths
// that cannot run through Execute, such as long-lived recognition streams,
// use it to keep the health view current.
func (e *Executor) Observe(name string, err error) {
	e.record(name, err == nil)
}

// Healthy reports whether the named provider is below the consecutive-failure
// threshold. Unknown providers are considered healthy.
func (e *Executor) Healthy(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health[name] < unhealthyAfter
}

// TextOnlyDegraded reports the degraded mode entered when both the STT and
// TTS providers are unhealthy at once.
func (e *Executor) TextOnlyDegraded(sttName, ttsName string) bool {
	return !e.Healthy(sttName) && !e.Healthy(ttsName)
}

// Breaker exposes the named breaker for availability checks.
func (e *Executor) Breaker(name string) *breaker.Breaker {
	return e.breakers.Get(name)
}

// Execute runs primary through the named breaker with retry; on exhaustion it
// invokes fallback. A fallback failure propagates the fallback's error.
func Execute[T any](ctx context.Context, e *Executor, name string, primary func(context.Context) (T, error), fallback func(context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()
	br := e.breakers.Get(name)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = opts.BaseDelay
	expo.MaxInterval = opts.MaxDelay
	expo.Multiplier = opts.Multiplier
	expo.RandomizationFactor = opts.Jitter

	operation := func() (T, error) {
		result, err := breaker.Execute(ctx, br, primary, nil)
		if err != nil && errors.Is(err, breaker.ErrOpen) {
			// No point retrying against an open circuit.
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(opts.MaxAttempts)))
	if err == nil {
		e.record(name, true)
		return result, nil
	}
	e.record(name, false)

	if fallback == nil {
		var zero T
		return zero, err
	}
	e.log.Warn("primary exhausted, using fallback",
		slog.String("provider", name),
		slog.String("error", err.Error()))
	result, ferr := fallback(ctx)
	if ferr != nil {
		var zero T
		return zero, ferr
	}
	return result, nil
}
