// Package stt provides speech-to-text engines behind a uniform streaming
// contract. Every engine yields partial and final transcript events on a
// channel; the concrete engine is picked once at process start and absence
// of remote credentials always degrades to the deterministic local engine.
package stt

import (
	"context"
	"log/slog"
	"sync"

	"github.com/smartflowcrm/voicecore/internal/config"
)

type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
)

// Event is one transcript update from a recognition stream.
type Event struct {
	Kind       EventKind
	Text       string
	Confidence float64
}

// Stream is a long-lived per-utterance recognition handle. Feed pushes
// one PCM frame, Flush forces an utterance boundary, Close releases the
// handle and closes the event channel.
type Stream interface {
	Feed(ctx context.Context, pcm []byte) error
	Flush(ctx context.Context) error
	Close() error
	Events() <-chan Event
}

// Engine opens recognition streams.
type Engine interface {
	Name() string
	OpenStream(ctx context.Context, language string) (Stream, error)
}

// eventBuffer caps how many unread transcript events a stream holds
// before older updates are dropped.
const eventBuffer = 16

// Select picks the concrete engine from configuration. Mode "auto"
// prefers remote when a credential is present, then exec when a command
// is configured, then the local engine.
func Select(cfg config.STTConfig, log *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case "remote":
		return NewRemoteEngine(cfg, log)
	case "exec":
		return NewExecEngine(cfg)
	case "local":
		return NewLocalEngine(), nil
	default: // auto
		if cfg.APIKey != "" {
			return NewRemoteEngine(cfg, log)
		}
		if cfg.Command != "" {
			return NewExecEngine(cfg)
		}
		return NewLocalEngine(), nil
	}
}

// transcribeFunc is the batch core shared by the local and exec engines.
type transcribeFunc func(ctx context.Context, pcm []byte, language string) (Event, error)

// batchStream adapts a whole-utterance transcriber to the streaming
// contract by buffering frames until Flush.
type batchStream struct {
	mu         sync.Mutex
	buf        []byte
	language   string
	transcribe transcribeFunc
	partial    func(buf []byte, language string) (Event, bool)
	fed        int
	events     chan Event
	closed     bool
}

func newBatchStream(language string, transcribe transcribeFunc, partial func([]byte, string) (Event, bool)) *batchStream {
	return &batchStream{
		language:   language,
		transcribe: transcribe,
		partial:    partial,
		events:     make(chan Event, eventBuffer),
	}
}

func (s *batchStream) Feed(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.buf = append(s.buf, pcm...)
	s.fed += len(pcm)
	if s.partial != nil {
		if ev, ok := s.partial(s.buf, s.language); ok {
			s.emit(ev)
		}
	}
	return nil
}

func (s *batchStream) Flush(ctx context.Context) error {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil
	}
	ev, err := s.transcribe(ctx, buf, s.language)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.emit(ev)
	}
	return nil
}

func (s *batchStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *batchStream) Events() <-chan Event {
	return s.events
}

// emit drops the event when the consumer has fallen behind; transcript
// updates are superseded by later ones anyway.
func (s *batchStream) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
