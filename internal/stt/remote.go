package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smartflowcrm/voicecore/internal/config"
)

const defaultRemoteSTTURL = "wss://api.deepgram.com/v1/listen"

// remoteEngine streams audio to a hosted recognizer over a WebSocket and
// relays interim and final results as they arrive.
type remoteEngine struct {
	cfg config.STTConfig
	log *slog.Logger
}

func NewRemoteEngine(cfg config.STTConfig, log *slog.Logger) (Engine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("remote stt requires an api key")
	}
	return &remoteEngine{cfg: cfg, log: log.With(slog.String("component", "stt-remote"))}, nil
}

func (e *remoteEngine) Name() string { return "remote_stt" }

func (e *remoteEngine) OpenStream(ctx context.Context, language string) (Stream, error) {
	endpoint := e.cfg.RemoteURL
	if endpoint == "" {
		endpoint = defaultRemoteSTTURL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse remote stt url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", e.cfg.SampleRate))
	q.Set("channels", fmt.Sprintf("%d", e.cfg.Channels))
	q.Set("interim_results", "true")
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+e.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial remote stt: %w", err)
	}

	s := &remoteStream{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		log:    e.log,
	}
	go s.readLoop()
	return s, nil
}

type remoteStream struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
	events  chan Event
	log     *slog.Logger

	closeOnce sync.Once
}

// remoteResult is the provider's transcript message shape.
type remoteResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *remoteStream) Feed(_ context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

func (s *remoteStream) Flush(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(map[string]string{"type": "Finalize"}); err != nil {
		return fmt.Errorf("finalize stream: %w", err)
	}
	return nil
}

func (s *remoteStream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *remoteStream) Events() <-chan Event {
	return s.events
}

func (s *remoteStream) readLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("remote stt stream ended", slog.String("error", err.Error()))
			}
			return
		}
		var result remoteResult
		if err := json.Unmarshal(data, &result); err != nil {
			s.log.Warn("undecodable remote stt message", slog.String("error", err.Error()))
			continue
		}
		if result.Type != "Results" || len(result.Channel.Alternatives) == 0 {
			continue
		}
		alt := result.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		kind := EventPartial
		if result.IsFinal {
			kind = EventFinal
		}
		select {
		case s.events <- Event{Kind: kind, Text: alt.Transcript, Confidence: alt.Confidence}:
		default:
		}
	}
}
