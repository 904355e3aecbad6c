package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/smartflowcrm/voicecore/internal/config"
)

func testRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(config.RegistryConfig{StickyTTL: 3600000, StickyCapacity: 64}, NewMemoryStore(), 15*time.Second, log)
	now := time.Now()
	r.clock = func() time.Time { return now }
	return r, &now
}

func register(t *testing.T, r *Registry, id string, capacity int) {
	t.Helper()
	err := r.Register(context.Background(), WorkerEntry{ID: id, Host: "127.0.0.1", Port: 8080, Capacity: capacity})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func setLoad(t *testing.T, r *Registry, id string, load int) {
	t.Helper()
	if err := r.Heartbeat(context.Background(), id, load); err != nil {
		t.Fatalf("heartbeat %s: %v", id, err)
	}
}

func TestRouteLeastLoaded(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	register(t, r, "a", 10)
	register(t, r, "b", 10)
	setLoad(t, r, "a", 3)
	setLoad(t, r, "b", 1)

	entry, err := r.Route(ctx, "call-1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if entry.ID != "b" {
		t.Fatalf("expected least-loaded worker b, got %q", entry.ID)
	}
	if entry.Load != 2 {
		t.Fatalf("expected load bumped to 2, got %d", entry.Load)
	}
}

func TestRoutePrefersSpareCapacityOverRatio(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	register(t, r, "a", 10)
	register(t, r, "b", 10)
	setLoad(t, r, "a", 9)
	setLoad(t, r, "b", 10)

	entry, err := r.Route(ctx, "call-1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if entry.ID != "a" {
		t.Fatalf("expected worker a (only one with spare capacity), got %q", entry.ID)
	}
}

func TestRouteFailsAtFullCapacity(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	register(t, r, "a", 2)
	register(t, r, "b", 2)
	setLoad(t, r, "a", 2)
	setLoad(t, r, "b", 2)

	if _, err := r.Route(ctx, "call-1"); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
}

func TestStickyRoutingIdempotence(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	register(t, r, "a", 10)
	register(t, r, "b", 10)
	setLoad(t, r, "a", 5)
	setLoad(t, r, "b", 6)

	first, err := r.Route(ctx, "call-1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	// A lower-loaded worker appearing later must not move the call.
	register(t, r, "c", 10)
	second, err := r.Route(ctx, "call-1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("sticky route broken: %q then %q", first.ID, second.ID)
	}
	// Re-routing the same held call must not double-count load.
	if second.Load != first.Load {
		t.Fatalf("load double-counted on reroute: %d then %d", first.Load, second.Load)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	register(t, r, "a", 1)
	entry, err := r.Route(ctx, "call-1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if _, err := r.Route(ctx, "call-2"); !errors.Is(err, ErrNoCapacity) {
		t.Fatal("expected capacity exhausted")
	}

	if err := r.Release(ctx, entry.ID, "call-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := r.Route(ctx, "call-2"); err != nil {
		t.Fatalf("route after release: %v", err)
	}
}

func TestEvictionClearsWorkerAndStickyRoutes(t *testing.T) {
	r, now := testRegistry(t)
	ctx := context.Background()

	register(t, r, "a", 10)
	if _, err := r.Route(ctx, "call-1"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if _, ok := r.StickyWorker("call-1"); !ok {
		t.Fatal("expected sticky route recorded")
	}

	// 16 seconds of silence exceeds the 15s heartbeat timeout.
	*now = now.Add(16 * time.Second)
	evicted, err := r.EvictStale(ctx)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected worker a evicted, got %v", evicted)
	}
	if _, ok := r.StickyWorker("call-1"); ok {
		t.Fatal("sticky route must be cleared on eviction")
	}
	workers, err := r.Workers(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected empty fleet, got %+v", workers)
	}
}

func TestHeartbeatKeepsWorkerAlive(t *testing.T) {
	r, now := testRegistry(t)
	ctx := context.Background()

	register(t, r, "a", 10)
	*now = now.Add(10 * time.Second)
	setLoad(t, r, "a", 0)
	*now = now.Add(10 * time.Second)

	// 20s since registration but only 10s since last heartbeat.
	evicted, err := r.EvictStale(ctx)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("live worker evicted: %v", evicted)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r, _ := testRegistry(t)
	if err := r.Heartbeat(context.Background(), "ghost", 1); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestRegisterResetsLoad(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	register(t, r, "a", 10)
	setLoad(t, r, "a", 7)
	// Re-registration (worker restart) starts clean.
	register(t, r, "a", 10)

	workers, err := r.Workers(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(workers) != 1 || workers[0].Load != 0 {
		t.Fatalf("expected reset load, got %+v", workers)
	}
}
