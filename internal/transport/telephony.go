package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartflowcrm/voicecore/internal/audio"
	"github.com/smartflowcrm/voicecore/internal/protocol"
	"github.com/smartflowcrm/voicecore/internal/session"
	"github.com/smartflowcrm/voicecore/internal/tts"
	"github.com/smartflowcrm/voicecore/internal/worker"
)

const (
	// telephonyFrameBytes is one 20ms mu-law frame at 8kHz.
	telephonyFrameBytes = 160
	// silenceFlushFrames of consecutive silence force an utterance
	// boundary: 25 frames is 500ms.
	silenceFlushFrames = 25
	// silenceAmplitude is the peak-sample threshold below which a frame
	// counts as silence.
	silenceAmplitude = 500
)

// HandleTelephony serves one telephony media stream. The bridge sends
// connected, start and media frames and a final stop; responses go back
// as media frames followed by a mark. Malformed frames are logged and
// skipped, the connection stays open.
func (s *Server) HandleTelephony(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("telephony upgrade failed", slog.String("error", err.Error()))
		return
	}
	ws := &wsConn{conn: conn}
	defer ws.Close()

	ctx := r.Context()
	var (
		sess      *session.Session
		callID    string
		voiced    bool
		silentRun int
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
				s.log.Debug("telephony read ended", slog.String("error", err.Error()))
			}
			return
		}

		frame, err := protocol.DecodeTelephonyFrame(data)
		if err != nil {
			var derr *protocol.DecodeError
			if errors.As(err, &derr) {
				s.log.Warn("malformed telephony frame", slog.String("reason", derr.Reason))
				continue
			}
			return
		}

		switch frame.Event {
		case protocol.TelephonyConnected:
			// Handshake preamble.

		case protocol.TelephonyStart:
			if sess != nil {
				s.log.Warn("duplicate start frame ignored", slog.String("call_id", callID))
				continue
			}
			callID = frame.Start.CallSid
			if err := s.worker.Acquire(callID); err != nil {
				if errors.Is(err, worker.ErrDraining) || errors.Is(err, worker.ErrAtCapacity) {
					s.log.Warn("call rejected", slog.String("call_id", callID), slog.String("error", err.Error()))
					return
				}
				s.log.Error("slot acquire failed", slog.String("error", err.Error()))
				return
			}
			sink := &telephonySink{ws: ws, streamSid: frame.StreamSid}
			sess, err = session.New(ctx, s.deps, sink, "telephony", frame.TenantID(), callID, "")
			if err != nil {
				s.worker.Release(context.Background(), callID)
				s.log.Error("session start failed", slog.String("error", err.Error()))
				return
			}

		case protocol.TelephonyMedia:
			if sess == nil {
				s.log.Warn("media before start ignored")
				continue
			}
			ulaw, err := frame.AudioPayload()
			if err != nil {
				s.log.Warn("bad media payload", slog.String("error", err.Error()))
				continue
			}
			if len(ulaw) > s.maxChunk() {
				s.log.Warn("oversized media frame dropped", slog.Int("bytes", len(ulaw)))
				continue
			}
			silent := frameSilent(ulaw)
			if silent {
				silentRun++
				if voiced && silentRun >= silenceFlushFrames {
					voiced = false
					silentRun = 0
					if err := sess.FlushInput(ctx); err != nil {
						s.log.Warn("flush failed", slog.String("error", err.Error()))
					}
				}
			} else {
				silentRun = 0
				voiced = true
			}
			if err := sess.HandleAudio(ctx, audio.MulawToPCM(ulaw), !silent); err != nil {
				s.log.Warn("audio feed failed", slog.String("error", err.Error()))
			}

		case protocol.TelephonyStop:
			if sess != nil && voiced {
				sess.End(ctx)
			}
			return
		}
	}
}

// frameSilent reports whether every sample in the mu-law frame is below
// the silence threshold.
func frameSilent(ulaw []byte) bool {
	for _, b := range ulaw {
		sample := audio.DecodeSample(b)
		if sample < 0 {
			sample = -sample
		}
		if sample > silenceAmplitude {
			return false
		}
	}
	return true
}

// telephonySink renders session output onto the media stream. Text-only
// messages have no telephony representation and are dropped.
type telephonySink struct {
	ws        *wsConn
	streamSid string
}

func (t *telephonySink) SendPartialTranscript(string) error       { return nil }
func (t *telephonySink) SendTranscript(string) error              { return nil }
func (t *telephonySink) SendResponseText(string, bool) error      { return nil }
func (t *telephonySink) SendHandoff(string, string) error         { return nil }
func (t *telephonySink) SendLatency(protocol.LatencyReport) error { return nil }
func (t *telephonySink) SendError(string) error                   { return nil }

// SendAudio transcodes synthesized PCM back to mu-law and streams it in
// 20ms frames, then sends a mark so the bridge can signal playback end.
func (t *telephonySink) SendAudio(p tts.Payload) error {
	pcm, ok, err := p.PCM()
	if err != nil {
		return err
	}
	if !ok {
		// Instruction payloads carry no audio for the phone leg.
		return nil
	}
	ulaw := audio.PCMToMulaw(pcm)
	for off := 0; off < len(ulaw); off += telephonyFrameBytes {
		end := off + telephonyFrameBytes
		if end > len(ulaw) {
			end = len(ulaw)
		}
		data, err := protocol.EncodeTelephonyMedia(t.streamSid, ulaw[off:end])
		if err != nil {
			return err
		}
		if err := t.ws.WriteText(data); err != nil {
			return err
		}
	}
	data, err := protocol.EncodeTelephonyMark(t.streamSid, "response")
	if err != nil {
		return err
	}
	return t.ws.WriteText(data)
}

func (t *telephonySink) Clear() error {
	data, err := protocol.EncodeTelephonyClear(t.streamSid)
	if err != nil {
		return err
	}
	return t.ws.WriteText(data)
}
