package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := New("test", DefaultConfig(), newLogger())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("breaker should be open after 5 failures, got %v", b.State())
	}
	if b.IsAvailable() {
		t.Fatal("open breaker must not admit calls before reset timeout")
	}
}

func TestSuccessDecrementsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("success should have decremented the failure count")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected open after reaching threshold again")
	}
}

func TestHalfOpenProbeLimitAndClose(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	*now = now.Add(31 * time.Second)

	// Exactly HalfOpenMax concurrent probes are admitted.
	if !b.allow() {
		t.Fatal("first half-open probe should be admitted")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if !b.allow() {
		t.Fatal("second half-open probe should be admitted")
	}
	if b.allow() {
		t.Fatal("third concurrent probe must be rejected")
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after %d successes, got %v", DefaultConfig().CloseThreshold, b.State())
	}
	st := b.Status()
	if st.Failures != 0 || st.Successes != 0 {
		t.Fatalf("counters should reset on close: %+v", st)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	*now = now.Add(31 * time.Second)
	if !b.allow() {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("half-open failure should reopen, got %v", b.State())
	}
}

func TestProbeSlotsResetOnNextHalfOpenWindow(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	*now = now.Add(31 * time.Second)

	// Two concurrent probes, both fail. The first failure reopens the
	// breaker; the second lands while already OPEN and must not keep a
	// probe slot reserved.
	if !b.allow() || !b.allow() {
		t.Fatal("both half-open probes should be admitted")
	}
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after probe failures, got %v", b.State())
	}

	*now = now.Add(31 * time.Second)
	if !b.allow() {
		t.Fatal("first probe of the new window should be admitted")
	}
	if !b.allow() {
		t.Fatal("second probe of the new window should be admitted")
	}
	if b.allow() {
		t.Fatal("third concurrent probe must be rejected")
	}
}

func TestExecuteRoutesThroughFallback(t *testing.T) {
	b, _ := newTestBreaker(t)
	boom := errors.New("boom")

	got, err := Execute(context.Background(), b,
		func(context.Context) (string, error) { return "", boom },
		func(context.Context) (string, error) { return "fallback", nil })
	if err != nil {
		t.Fatalf("fallback should have recovered: %v", err)
	}
	if got != "fallback" {
		t.Fatalf("unexpected result %q", got)
	}
	if b.Status().Failures != 1 {
		t.Fatalf("primary failure should be recorded")
	}

	_, err = Execute(context.Background(), b,
		func(context.Context) (string, error) { return "", boom }, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected primary error without fallback, got %v", err)
	}
}

func TestExecuteOpenWithoutFallback(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	_, err := Execute(context.Background(), b,
		func(context.Context) (int, error) { return 1, nil }, nil)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestRegistryReusesBreakers(t *testing.T) {
	r := NewRegistry(DefaultConfig(), newLogger())
	a := r.Get("openai_llm")
	if r.Get("openai_llm") != a {
		t.Fatal("registry should return the same breaker per name")
	}
	r.Get("deepgram_stt")
	if len(r.Statuses()) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(r.Statuses()))
	}
}
