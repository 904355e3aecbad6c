// Package registry tracks the fleet of media worker processes and
// routes new calls to the least-loaded live worker, with sticky
// affinity per call id so reconnects land on the same worker.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/smartflowcrm/voicecore/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrNoCapacity is returned when every live worker is at capacity.
// There is no queueing at this layer; the admission caller retries or
// rejects the call.
var ErrNoCapacity = errors.New("registry: no worker with spare capacity")

// ErrUnknownWorker is returned for operations on unregistered workers.
var ErrUnknownWorker = errors.New("registry: unknown worker")

type Registry struct {
	store            Store
	sticky           *expirable.LRU[string, string]
	heartbeatTimeout time.Duration
	log              *slog.Logger
	clock            func() time.Time

	// Serializes read-modify-write cycles against the store.
	mu sync.Mutex
}

func New(cfg config.RegistryConfig, store Store, heartbeatTimeout time.Duration, log *slog.Logger) *Registry {
	capacity := cfg.StickyCapacity
	if capacity <= 0 {
		capacity = 4096
	}
	r := &Registry{
		store:            store,
		sticky:           expirable.NewLRU[string, string](capacity, nil, time.Duration(cfg.StickyTTL)*time.Millisecond),
		heartbeatTimeout: heartbeatTimeout,
		log:              log.With(slog.String("component", "worker-registry")),
		clock:            time.Now,
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register adds or replaces a worker entry with zero load.
func (r *Registry) Register(ctx context.Context, entry WorkerEntry) error {
	now := r.clock().UTC()
	entry.Load = 0
	entry.ActiveCalls = nil
	entry.RegisteredAt = now
	entry.LastHeartbeat = now

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Put(ctx, entry); err != nil {
		return err
	}
	r.log.Info("worker registered",
		slog.String("worker", entry.ID),
		slog.String("host", fmt.Sprintf("%s:%d", entry.Host, entry.Port)),
		slog.Int("capacity", entry.Capacity))
	return nil
}

// Heartbeat refreshes a worker's liveness and reported load.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok, err := r.store.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownWorker
	}
	entry.LastHeartbeat = r.clock().UTC()
	if load >= 0 {
		entry.Load = load
	}
	return r.store.Put(ctx, entry)
}

// Deregister removes a worker and clears its sticky routes.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Delete(ctx, workerID); err != nil {
		return err
	}
	r.clearStickyFor(workerID)
	r.log.Info("worker deregistered", slog.String("worker", workerID))
	return nil
}

// Route picks the worker for a call. A live sticky route wins; otherwise
// the worker with the lowest load/capacity ratio among those with spare
// capacity, first found on ties. The chosen worker's load is bumped and
// the call recorded.
func (r *Registry) Route(ctx context.Context, callID string) (WorkerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if workerID, ok := r.sticky.Get(callID); ok {
		entry, found, err := r.store.Get(ctx, workerID)
		if err != nil {
			return WorkerEntry{}, err
		}
		if found && r.alive(entry, now) {
			return r.assign(ctx, entry, callID)
		}
		r.sticky.Remove(callID)
	}

	entries, err := r.store.List(ctx)
	if err != nil {
		return WorkerEntry{}, err
	}
	var best *WorkerEntry
	var bestRatio float64
	for i := range entries {
		entry := entries[i]
		if !r.alive(entry, now) || entry.Load >= entry.Capacity {
			continue
		}
		ratio := float64(entry.Load) / float64(entry.Capacity)
		if best == nil || ratio < bestRatio {
			best = &entries[i]
			bestRatio = ratio
		}
	}
	if best == nil {
		return WorkerEntry{}, ErrNoCapacity
	}
	return r.assign(ctx, *best, callID)
}

func (r *Registry) assign(ctx context.Context, entry WorkerEntry, callID string) (WorkerEntry, error) {
	for _, id := range entry.ActiveCalls {
		if id == callID {
			// Reconnect of a call the worker already holds.
			r.sticky.Add(callID, entry.ID)
			return entry, nil
		}
	}
	entry.Load++
	entry.ActiveCalls = append(entry.ActiveCalls, callID)
	if err := r.store.Put(ctx, entry); err != nil {
		return WorkerEntry{}, err
	}
	r.sticky.Add(callID, entry.ID)
	return entry, nil
}

// Release drops a finished call from its worker.
func (r *Registry) Release(ctx context.Context, workerID, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok, err := r.store.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownWorker
	}
	for i, id := range entry.ActiveCalls {
		if id == callID {
			entry.ActiveCalls = append(entry.ActiveCalls[:i], entry.ActiveCalls[i+1:]...)
			if entry.Load > 0 {
				entry.Load--
			}
			break
		}
	}
	return r.store.Put(ctx, entry)
}

// EvictStale deregisters workers that missed the heartbeat timeout and
// clears their sticky routes. Returns the evicted worker ids.
func (r *Registry) EvictStale(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock()
	var evicted []string
	for _, entry := range entries {
		if r.alive(entry, now) {
			continue
		}
		if err := r.store.Delete(ctx, entry.ID); err != nil {
			return evicted, err
		}
		r.clearStickyFor(entry.ID)
		evicted = append(evicted, entry.ID)
		r.log.Warn("worker evicted",
			slog.String("worker", entry.ID),
			slog.Time("last_heartbeat", entry.LastHeartbeat))
	}
	return evicted, nil
}

// RunEviction scans for dead workers every second until ctx ends.
func (r *Registry) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.EvictStale(ctx); err != nil {
				r.log.Warn("eviction scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Workers returns a snapshot of all registered workers.
func (r *Registry) Workers(ctx context.Context) ([]WorkerEntry, error) {
	return r.store.List(ctx)
}

// StickyWorker reports the current sticky route for a call, if any.
func (r *Registry) StickyWorker(callID string) (string, bool) {
	return r.sticky.Get(callID)
}

func (r *Registry) alive(entry WorkerEntry, now time.Time) bool {
	return now.Sub(entry.LastHeartbeat) <= r.heartbeatTimeout
}

func (r *Registry) clearStickyFor(workerID string) {
	for _, callID := range r.sticky.Keys() {
		if id, ok := r.sticky.Peek(callID); ok && id == workerID {
			r.sticky.Remove(callID)
		}
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/smartflowcrm/voicecore/registry")
	workerGauge, err := meter.Int64ObservableGauge("voicecore.registry.workers",
		metric.WithDescription("Number of registered workers"))
	if err != nil {
		return err
	}
	loadGauge, err := meter.Int64ObservableGauge("voicecore.registry.active_calls",
		metric.WithDescription("Total active calls across workers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		entries, err := r.store.List(ctx)
		if err != nil {
			return err
		}
		var load int64
		for _, entry := range entries {
			load += int64(entry.Load)
		}
		obs.ObserveInt64(workerGauge, int64(len(entries)))
		obs.ObserveInt64(loadGauge, load)
		return nil
	}, workerGauge, loadGauge)
	return err
}
