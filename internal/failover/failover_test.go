package failover

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/smartflowcrm/voicecore/internal/breaker"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastOptions() Options {
	return Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, Jitter: 0.1}
}

func newExecutor() *Executor {
	return NewExecutor(breaker.NewRegistry(breaker.DefaultConfig(), newLogger()), newLogger())
}

func TestRetriesThenSucceeds(t *testing.T) {
	e := newExecutor()
	attempts := 0
	got, err := Execute(context.Background(), e, "stt",
		func(context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		}, nil, fastOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || attempts != 3 {
		t.Fatalf("got %q after %d attempts", got, attempts)
	}
	if !e.Healthy("stt") {
		t.Fatal("provider should be healthy after success")
	}
}

func TestFallbackOnExhaustion(t *testing.T) {
	e := newExecutor()
	attempts := 0
	got, err := Execute(context.Background(), e, "llm",
		func(context.Context) (string, error) {
			attempts++
			return "", errors.New("down")
		},
		func(context.Context) (string, error) { return "local", nil },
		fastOptions())
	if err != nil {
		t.Fatalf("fallback should have recovered: %v", err)
	}
	if got != "local" {
		t.Fatalf("unexpected result %q", got)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestFallbackErrorPropagates(t *testing.T) {
	e := newExecutor()
	fallbackErr := errors.New("fallback broken")
	_, err := Execute(context.Background(), e, "tts",
		func(context.Context) (string, error) { return "", errors.New("down") },
		func(context.Context) (string, error) { return "", fallbackErr },
		fastOptions())
	if !errors.Is(err, fallbackErr) {
		t.Fatalf("expected fallback error, got %v", err)
	}
}

func TestUnhealthyAfterConsecutiveFailures(t *testing.T) {
	e := newExecutor()
	for i := 0; i < 3; i++ {
		_, _ = Execute(context.Background(), e, "deepgram_stt",
			func(context.Context) (string, error) { return "", errors.New("down") },
			nil, fastOptions())
	}
	if e.Healthy("deepgram_stt") {
		t.Fatal("provider should be unhealthy after 3 consecutive failures")
	}
	if e.TextOnlyDegraded("deepgram_stt", "eleven_tts") {
		t.Fatal("degraded mode needs both STT and TTS unhealthy")
	}
	for i := 0; i < 3; i++ {
		_, _ = Execute(context.Background(), e, "eleven_tts",
			func(context.Context) (string, error) { return "", errors.New("down") },
			nil, fastOptions())
	}
	if !e.TextOnlyDegraded("deepgram_stt", "eleven_tts") {
		t.Fatal("expected text-only degraded mode")
	}
}

func TestOpenBreakerShortCircuitsRetry(t *testing.T) {
	e := newExecutor()
	br := e.Breaker("remote")
	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	attempts := 0
	_, err := Execute(context.Background(), e, "remote",
		func(context.Context) (string, error) {
			attempts++
			return "ok", nil
		}, nil, fastOptions())
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if attempts != 0 {
		t.Fatalf("open breaker must not invoke the primary, got %d attempts", attempts)
	}
}
