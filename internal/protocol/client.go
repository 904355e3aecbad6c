package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Browser/client message types, inbound.
const (
	ClientStart       = "start"
	ClientAudio       = "audio"
	ClientText        = "text"
	ClientEnd         = "end"
	ClientSetLanguage = "set_language"
)

// Server message types, outbound to browser clients.
const (
	ServerSessionStart      = "session_start"
	ServerPartialTranscript = "partial_transcript"
	ServerTranscript        = "transcript"
	ServerResponseText      = "response_text"
	ServerResponseAudio     = "response_audio"
	ServerHandoff           = "handoff"
	ServerLatency           = "latency"
	ServerError             = "error"
)

// ClientMessage is one inbound browser frame after validation.
type ClientMessage struct {
	Type     string `json:"type"`
	CallID   string `json:"callId,omitempty"`
	Data     string `json:"data,omitempty"`
	Language string `json:"language,omitempty"`
}

// AudioPayload decodes the base64 PCM payload of an audio message.
func (m ClientMessage) AudioPayload() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid base64 audio payload: %v", err)}
	}
	return data, nil
}

// DecodeClientMessage parses and validates one inbound client message.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, &DecodeError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	switch msg.Type {
	case ClientStart, ClientEnd:
	case ClientAudio:
		if msg.Data == "" {
			return msg, &DecodeError{Reason: "audio message missing data"}
		}
	case ClientText:
		if msg.Data == "" {
			return msg, &DecodeError{Reason: "text message missing data"}
		}
	case ClientSetLanguage:
		if msg.Language == "" {
			return msg, &DecodeError{Reason: "set_language message missing language"}
		}
	case "":
		return msg, &DecodeError{Reason: "message missing type field"}
	default:
		return msg, &DecodeError{Reason: "unknown message type " + msg.Type}
	}
	return msg, nil
}

type SessionProviders struct {
	STT string `json:"stt"`
	LLM string `json:"llm"`
	TTS string `json:"tts"`
}

func EncodeSessionStart(sessionID string, providers SessionProviders) ([]byte, error) {
	return json.Marshal(struct {
		Type      string           `json:"type"`
		SessionID string           `json:"sessionId"`
		Providers SessionProviders `json:"providers"`
	}{ServerSessionStart, sessionID, providers})
}

func EncodePartialTranscript(text string) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{ServerPartialTranscript, text})
}

func EncodeTranscript(text string) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{ServerTranscript, text})
}

func EncodeResponseText(text string, isFinal bool) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		IsFinal bool   `json:"isFinal"`
	}{ServerResponseText, text, isFinal})
}

// EncodeResponseAudio flattens a synthesis payload into a response_audio
// message. The payload's own fields ride alongside the type tag.
func EncodeResponseAudio(payload map[string]any) ([]byte, error) {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["type"] = ServerResponseAudio
	return json.Marshal(out)
}

func EncodeHandoff(reason, handoffID string) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		Reason    string `json:"reason"`
		HandoffID string `json:"handoffId"`
	}{ServerHandoff, reason, handoffID})
}

type LatencyReport struct {
	STTMS    int64  `json:"stt_ms"`
	LLMMS    int64  `json:"llm_ms"`
	TTSMS    int64  `json:"tts_ms"`
	TotalMS  int64  `json:"total_ms"`
	Provider string `json:"provider"`
}

func EncodeLatency(report LatencyReport) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		LatencyReport
	}{Type: ServerLatency, LatencyReport: report})
}

func EncodeError(message string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{ServerError, message})
}
