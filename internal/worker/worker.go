// Package worker wraps one media worker process: it registers capacity
// with the registry, heartbeats its load, hands out call slots, and
// drains gracefully on shutdown.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/smartflowcrm/voicecore/internal/config"
	"github.com/smartflowcrm/voicecore/internal/registry"
)

// ErrDraining is returned for new calls once shutdown has begun.
var ErrDraining = errors.New("worker: draining, not accepting calls")

// ErrAtCapacity is returned when every call slot is taken.
var ErrAtCapacity = errors.New("worker: at capacity")

type Worker struct {
	cfg      config.WorkerConfig
	registry *registry.Registry
	log      *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	active   map[string]struct{}
	draining bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.WorkerConfig, reg *registry.Registry, log *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		registry: reg,
		log:      log.With(slog.String("component", "media-worker"), slog.String("worker", cfg.ID)),
		clock:    time.Now,
		active:   make(map[string]struct{}),
	}
}

// Start registers the worker and begins heartbeating.
func (w *Worker) Start(ctx context.Context) error {
	err := w.registry.Register(ctx, registry.WorkerEntry{
		ID:       w.cfg.ID,
		Host:     w.cfg.Host,
		Port:     w.cfg.Port,
		Capacity: w.cfg.Capacity,
		Tags:     w.cfg.Tags,
	})
	if err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runHeartbeat(ctx)
	w.log.Info("worker started", slog.Int("capacity", w.cfg.Capacity))
	return nil
}

func (w *Worker) runHeartbeat(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Duration(w.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.registry.Heartbeat(ctx, w.cfg.ID, w.Load()); err != nil {
				w.log.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Acquire claims a call slot. Fails when draining or at capacity.
func (w *Worker) Acquire(callID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draining {
		return ErrDraining
	}
	if len(w.active) >= w.cfg.Capacity {
		return ErrAtCapacity
	}
	w.active[callID] = struct{}{}
	return nil
}

// Release frees a call slot and tells the registry.
func (w *Worker) Release(ctx context.Context, callID string) {
	w.mu.Lock()
	_, held := w.active[callID]
	delete(w.active, callID)
	w.mu.Unlock()
	if !held {
		return
	}
	if err := w.registry.Release(ctx, w.cfg.ID, callID); err != nil {
		w.log.Warn("release failed", slog.String("call", callID), slog.String("error", err.Error()))
	}
}

// Load reports the number of active calls.
func (w *Worker) Load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Draining reports whether shutdown has begun.
func (w *Worker) Draining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draining
}

// Drain stops accepting new calls and waits for in-flight calls to
// finish, polling until the hard timeout, then deregisters. Returns an
// error when calls were still active at the deadline.
func (w *Worker) Drain(ctx context.Context) error {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.log.Info("drain started", slog.Int("active_calls", w.Load()))

	poll := time.Duration(w.cfg.DrainPoll) * time.Millisecond
	deadline := w.clock().Add(time.Duration(w.cfg.DrainTimeout) * time.Millisecond)

	var drainErr error
	for w.Load() > 0 {
		if w.clock().After(deadline) {
			drainErr = errors.New("worker: drain timeout with calls still active")
			w.log.Error("drain timed out, forcing shutdown", slog.Int("active_calls", w.Load()))
			break
		}
		select {
		case <-ctx.Done():
			drainErr = ctx.Err()
		case <-time.After(poll):
		}
		if drainErr != nil {
			break
		}
	}

	if err := w.registry.Deregister(ctx, w.cfg.ID); err != nil {
		w.log.Warn("deregister failed", slog.String("error", err.Error()))
	}
	return drainErr
}

// Close stops heartbeating without draining; used after Drain or on
// abrupt teardown.
func (w *Worker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
