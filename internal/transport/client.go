package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartflowcrm/voicecore/internal/protocol"
	"github.com/smartflowcrm/voicecore/internal/session"
	"github.com/smartflowcrm/voicecore/internal/tts"
	"github.com/smartflowcrm/voicecore/internal/worker"
)

// HandleClient serves one browser voice client. The tenant comes from
// the tenant query parameter; the session starts on the client's start
// message. Malformed messages get an error reply, the connection stays
// open.
func (s *Server) HandleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("client upgrade failed", slog.String("error", err.Error()))
		return
	}
	ws := &wsConn{conn: conn}
	defer ws.Close()

	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		tenantID = "default"
	}

	ctx := r.Context()
	var (
		sess   *session.Session
		callID string
	)
	defer func() {
		if sess != nil {
			sess.Close(context.Background())
			s.worker.Release(context.Background(), callID)
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("client read ended", slog.String("error", err.Error()))
			}
			return
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var derr *protocol.DecodeError
			if errors.As(err, &derr) {
				s.sendError(ws, derr.Reason)
				continue
			}
			return
		}

		switch msg.Type {
		case protocol.ClientStart:
			if sess != nil {
				s.sendError(ws, "session already started")
				continue
			}
			callID = msg.CallID
			if callID == "" {
				callID = "web-" + time.Now().UTC().Format("20060102150405.000")
			}
			if err := s.worker.Acquire(callID); err != nil {
				if errors.Is(err, worker.ErrDraining) || errors.Is(err, worker.ErrAtCapacity) {
					s.sendError(ws, "no capacity, try again later")
					return
				}
				s.log.Error("slot acquire failed", slog.String("error", err.Error()))
				return
			}
			sink := &clientSink{ws: ws}
			sess, err = session.New(ctx, s.deps, sink, "client", tenantID, callID, msg.Language)
			if err != nil {
				s.worker.Release(context.Background(), callID)
				s.log.Error("session start failed", slog.String("error", err.Error()))
				s.sendError(ws, "session start failed")
				return
			}
			reply, merr := protocol.EncodeSessionStart(sess.ID, sess.Providers())
			if merr == nil {
				_ = ws.WriteText(reply)
			}

		case protocol.ClientAudio:
			if sess == nil {
				s.sendError(ws, "audio before start")
				continue
			}
			pcm, err := msg.AudioPayload()
			if err != nil {
				s.sendError(ws, "bad audio payload")
				continue
			}
			if len(pcm) > s.maxChunk() {
				s.sendError(ws, "audio chunk too large")
				continue
			}
			if err := sess.HandleAudio(ctx, pcm, pcmVoiced(pcm)); err != nil {
				s.log.Warn("audio feed failed", slog.String("error", err.Error()))
			}

		case protocol.ClientEnd:
			if sess == nil {
				continue
			}
			sess.End(ctx)
			return

		case protocol.ClientText:
			if sess == nil {
				s.sendError(ws, "text before start")
				continue
			}
			sess.HandleText(ctx, msg.Data)

		case protocol.ClientSetLanguage:
			if sess == nil {
				continue
			}
			sess.SetLanguage(msg.Language)
		}
	}
}

// pcmVoiced reports whether any 16-bit little-endian sample exceeds the
// silence threshold.
func pcmVoiced(pcm []byte) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		if v < 0 {
			v = -v
		}
		if v > silenceAmplitude {
			return true
		}
	}
	return false
}

func (s *Server) sendError(ws *wsConn, message string) {
	data, err := protocol.EncodeError(message)
	if err != nil {
		return
	}
	if err := ws.WriteText(data); err != nil {
		s.log.Debug("error reply failed", slog.String("error", err.Error()))
	}
}

// clientSink renders session output as client JSON messages.
type clientSink struct {
	ws *wsConn
}

func (c *clientSink) SendPartialTranscript(text string) error {
	data, err := protocol.EncodePartialTranscript(text)
	if err != nil {
		return err
	}
	return c.ws.WriteText(data)
}

func (c *clientSink) SendTranscript(text string) error {
	data, err := protocol.EncodeTranscript(text)
	if err != nil {
		return err
	}
	return c.ws.WriteText(data)
}

func (c *clientSink) SendResponseText(text string, final bool) error {
	data, err := protocol.EncodeResponseText(text, final)
	if err != nil {
		return err
	}
	return c.ws.WriteText(data)
}

func (c *clientSink) SendAudio(p tts.Payload) error {
	data, err := protocol.EncodeResponseAudio(p.Map())
	if err != nil {
		return err
	}
	return c.ws.WriteText(data)
}

func (c *clientSink) SendHandoff(reason, handoffID string) error {
	data, err := protocol.EncodeHandoff(reason, handoffID)
	if err != nil {
		return err
	}
	return c.ws.WriteText(data)
}

func (c *clientSink) SendLatency(report protocol.LatencyReport) error {
	data, err := protocol.EncodeLatency(report)
	if err != nil {
		return err
	}
	return c.ws.WriteText(data)
}

func (c *clientSink) SendError(message string) error {
	data, err := protocol.EncodeError(message)
	if err != nil {
		return err
	}
	return c.ws.WriteText(data)
}

// Clear has no browser-side buffer to drop; barge-in is handled by the
// client player itself.
func (c *clientSink) Clear() error { return nil }
