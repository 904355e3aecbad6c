package stt

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/smartflowcrm/voicecore/internal/config"
)

func drainEvents(t *testing.T, s Stream) []Event {
	t.Helper()
	var events []Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events
}

func TestLocalEngineDeterministicFinal(t *testing.T) {
	engine := NewLocalEngine()
	ctx := context.Background()

	run := func() Event {
		stream, err := engine.OpenStream(ctx, "tr")
		if err != nil {
			t.Fatalf("open stream: %v", err)
		}
		if err := stream.Feed(ctx, make([]byte, 6400)); err != nil {
			t.Fatalf("feed: %v", err)
		}
		if err := stream.Flush(ctx); err != nil {
			t.Fatalf("flush: %v", err)
		}
		stream.Close()
		events := drainEvents(t, stream)
		if len(events) == 0 {
			t.Fatal("expected at least one event")
		}
		final := events[len(events)-1]
		if final.Kind != EventFinal {
			t.Fatalf("expected final event, got %v", final.Kind)
		}
		return final
	}

	first := run()
	second := run()
	if first.Text != second.Text {
		t.Fatalf("same audio should produce same transcript: %q vs %q", first.Text, second.Text)
	}
	if first.Text == "" {
		t.Fatal("expected non-empty transcript for non-empty audio")
	}
	if first.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", first.Confidence)
	}
}

func TestLocalEngineEmptyUtterance(t *testing.T) {
	engine := NewLocalEngine()
	ctx := context.Background()

	stream, err := engine.OpenStream(ctx, "tr")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := stream.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	stream.Close()

	events := drainEvents(t, stream)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Text != "" || events[0].Confidence != 0 {
		t.Fatalf("expected empty zero-confidence transcript, got %+v", events[0])
	}
}

func TestLocalEnginePartials(t *testing.T) {
	engine := NewLocalEngine()
	ctx := context.Background()

	stream, err := engine.OpenStream(ctx, "en")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	// Two full seconds of audio in 100ms frames should produce interim
	// updates before the final.
	for i := 0; i < 20; i++ {
		if err := stream.Feed(ctx, make([]byte, 3200)); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
	if err := stream.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	stream.Close()

	events := drainEvents(t, stream)
	var partials int
	for _, ev := range events {
		if ev.Kind == EventPartial {
			partials++
		}
	}
	if partials == 0 {
		t.Fatal("expected interim events during long feed")
	}
	if events[len(events)-1].Kind != EventFinal {
		t.Fatal("expected stream to end with final event")
	}
}

func TestFeedAfterCloseIsNoop(t *testing.T) {
	engine := NewLocalEngine()
	ctx := context.Background()

	stream, err := engine.OpenStream(ctx, "tr")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	stream.Close()
	if err := stream.Feed(ctx, make([]byte, 3200)); err != nil {
		t.Fatalf("feed after close should be a noop, got %v", err)
	}
	if err := stream.Flush(ctx); err != nil {
		t.Fatalf("flush after close should be a noop, got %v", err)
	}
}

func TestSelectEngine(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := Select(config.STTConfig{Mode: "auto", SampleRate: 16000, Channels: 1}, log)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if engine.Name() != "local_stt" {
		t.Fatalf("expected local fallback without credentials, got %q", engine.Name())
	}

	engine, err = Select(config.STTConfig{Mode: "auto", APIKey: "dg-key", SampleRate: 16000, Channels: 1}, log)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if engine.Name() != "remote_stt" {
		t.Fatalf("expected remote engine with credential, got %q", engine.Name())
	}

	engine, err = Select(config.STTConfig{Mode: "exec", Command: "recognizer --fast", SampleRate: 16000, Channels: 1}, log)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if engine.Name() != "exec_stt" {
		t.Fatalf("expected exec engine, got %q", engine.Name())
	}

	if _, err := Select(config.STTConfig{Mode: "remote"}, log); err == nil {
		t.Fatal("remote without api key should fail")
	}
}
