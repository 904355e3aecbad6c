package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeTelephonyStart(t *testing.T) {
	raw := `{"event":"start","streamSid":"MZ123","start":{"callSid":"CA456","customParameters":{"tenantId":"acme"}}}`
	frame, err := DecodeTelephonyFrame([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.StreamSid != "MZ123" {
		t.Fatalf("unexpected streamSid %q", frame.StreamSid)
	}
	if frame.Start.CallSid != "CA456" {
		t.Fatalf("unexpected callSid %q", frame.Start.CallSid)
	}
	if frame.TenantID() != "acme" {
		t.Fatalf("unexpected tenant %q", frame.TenantID())
	}
}

func TestDecodeTelephonyMediaPayload(t *testing.T) {
	audio := []byte{0xFF, 0x7F, 0x00, 0x80}
	raw := `{"event":"media","media":{"payload":"` + base64.StdEncoding.EncodeToString(audio) + `"}}`
	frame, err := DecodeTelephonyFrame([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	payload, err := frame.AudioPayload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload) != 4 || payload[0] != 0xFF {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestDecodeTelephonyRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"streamSid":"MZ1"}`,
		`{"event":"dance"}`,
		`{"event":"start"}`,
		`{"event":"media"}`,
	}
	for _, raw := range cases {
		_, err := DecodeTelephonyFrame([]byte(raw))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: expected DecodeError, got %v", raw, err)
		}
	}
}

func TestEncodeTelephonyClear(t *testing.T) {
	data, err := EncodeTelephonyClear("MZ123")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var frame TelephonyFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Event != TelephonyClear || frame.StreamSid != "MZ123" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestDecodeClientMessages(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"set_language","language":"en"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Language != "en" {
		t.Fatalf("unexpected language %q", msg.Language)
	}

	bad := []string{
		`{"type":"audio"}`,
		`{"type":"set_language"}`,
		`{"type":"telepathy"}`,
		`{}`,
	}
	for _, raw := range bad {
		if _, err := DecodeClientMessage([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", raw)
		}
	}
}

func TestEncodeResponseAudioFlattensPayload(t *testing.T) {
	data, err := EncodeResponseAudio(map[string]any{"engine": "browser_tts", "text": "merhaba"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != ServerResponseAudio {
		t.Fatalf("unexpected type %v", out["type"])
	}
	if out["engine"] != "browser_tts" || out["text"] != "merhaba" {
		t.Fatalf("payload fields not flattened: %v", out)
	}
}

func TestEncodeLatencyFieldNames(t *testing.T) {
	data, err := EncodeLatency(LatencyReport{STTMS: 40, LLMMS: 200, TTSMS: 60, TotalMS: 300, Provider: "local_llm"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"stt_ms", "llm_ms", "tts_ms", "total_ms", "provider"} {
		if _, ok := out[key]; !ok {
			t.Fatalf("missing key %q in %v", key, out)
		}
	}
}
