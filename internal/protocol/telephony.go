// Package protocol defines the JSON wire frames exchanged with the
// telephony bridge and browser voice clients. Frames are parsed and
// validated here, at the transport boundary, before any pipeline code
// sees them.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Telephony frame events, inbound from the bridge.
const (
	TelephonyConnected = "connected"
	TelephonyStart     = "start"
	TelephonyMedia     = "media"
	TelephonyStop      = "stop"
	// Outbound only.
	TelephonyClear = "clear"
	TelephonyMark  = "mark"
)

// DecodeError reports a malformed or unrecognized frame. The connection
// stays open, the caller replies with an error frame.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "protocol: " + e.Reason
}

type TelephonyStartInfo struct {
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type TelephonyMediaInfo struct {
	Payload string `json:"payload"`
}

type TelephonyMarkInfo struct {
	Name string `json:"name"`
}

// TelephonyFrame is one JSON message on the telephony media stream.
type TelephonyFrame struct {
	Event     string              `json:"event"`
	StreamSid string              `json:"streamSid,omitempty"`
	Start     *TelephonyStartInfo `json:"start,omitempty"`
	Media     *TelephonyMediaInfo `json:"media,omitempty"`
	Mark      *TelephonyMarkInfo  `json:"mark,omitempty"`
}

// TenantID extracts the tenant identifier from a start frame's custom
// parameters, or "" when absent.
func (f TelephonyFrame) TenantID() string {
	if f.Start == nil {
		return ""
	}
	return f.Start.CustomParameters["tenantId"]
}

// AudioPayload decodes the base64 μ-law payload of a media frame.
func (f TelephonyFrame) AudioPayload() ([]byte, error) {
	if f.Media == nil {
		return nil, &DecodeError{Reason: "media frame missing media body"}
	}
	data, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid base64 media payload: %v", err)}
	}
	return data, nil
}

// DecodeTelephonyFrame parses and validates one inbound telephony frame.
func DecodeTelephonyFrame(data []byte) (TelephonyFrame, error) {
	var frame TelephonyFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, &DecodeError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	switch frame.Event {
	case TelephonyConnected, TelephonyStop:
	case TelephonyStart:
		if frame.Start == nil {
			return frame, &DecodeError{Reason: "start frame missing start body"}
		}
	case TelephonyMedia:
		if frame.Media == nil {
			return frame, &DecodeError{Reason: "media frame missing media body"}
		}
	case "":
		return frame, &DecodeError{Reason: "frame missing event field"}
	default:
		return frame, &DecodeError{Reason: "unknown event " + frame.Event}
	}
	return frame, nil
}

// EncodeTelephonyMedia builds an outbound media frame carrying μ-law audio.
func EncodeTelephonyMedia(streamSid string, ulaw []byte) ([]byte, error) {
	return json.Marshal(TelephonyFrame{
		Event:     TelephonyMedia,
		StreamSid: streamSid,
		Media:     &TelephonyMediaInfo{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// EncodeTelephonyClear builds the barge-in control frame telling the
// bridge to flush any buffered outbound audio.
func EncodeTelephonyClear(streamSid string) ([]byte, error) {
	return json.Marshal(TelephonyFrame{
		Event:     TelephonyClear,
		StreamSid: streamSid,
	})
}

// EncodeTelephonyMark builds a playback-position marker frame.
func EncodeTelephonyMark(streamSid, name string) ([]byte, error) {
	return json.Marshal(TelephonyFrame{
		Event:     TelephonyMark,
		StreamSid: streamSid,
		Mark:      &TelephonyMarkInfo{Name: name},
	})
}
