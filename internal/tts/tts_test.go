package tts

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smartflowcrm/voicecore/internal/config"
)

func TestLocalSynthNeverFails(t *testing.T) {
	synth := NewLocalSynth("tr-standard-1")
	payload, err := synth.Synthesize(context.Background(), "Merhaba, nasıl yardımcı olabilirim?", "", "tr")
	if err != nil {
		t.Fatalf("local synth must not fail: %v", err)
	}
	if payload.Engine != EngineBrowser {
		t.Fatalf("expected browser instruction, got %q", payload.Engine)
	}
	if payload.Voice != "tr-standard-1" {
		t.Fatalf("expected default voice, got %q", payload.Voice)
	}
	if _, ok, err := payload.PCM(); ok || err != nil {
		t.Fatalf("instruction payload should carry no audio: ok=%v err=%v", ok, err)
	}
}

func TestPayloadMapTagsEngine(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	payload := Payload{
		Engine:      EngineAudio,
		Text:        "hello",
		Voice:       "v1",
		AudioBase64: audio,
		Format:      "pcm16",
		SampleRate:  16000,
	}
	m := payload.Map()
	if m["engine"] != EngineAudio || m["audio"] != audio || m["format"] != "pcm16" {
		t.Fatalf("unexpected payload map: %v", m)
	}

	pcm, ok, err := payload.PCM()
	if err != nil || !ok {
		t.Fatalf("expected decodable pcm: ok=%v err=%v", ok, err)
	}
	if len(pcm) != 4 {
		t.Fatalf("unexpected pcm length %d", len(pcm))
	}
}

func TestRemoteSynth(t *testing.T) {
	audio := []byte{10, 20, 30, 40}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(r.URL.Path, "tr-standard-1") {
			t.Errorf("expected voice in path, got %s", r.URL.Path)
		}
		w.Write(audio)
	}))
	defer server.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	synth, err := NewRemoteSynth(config.TTSConfig{
		APIKey:     "test-key",
		RemoteURL:  server.URL,
		Voice:      "tr-standard-1",
		SampleRate: 16000,
	}, log)
	if err != nil {
		t.Fatalf("new remote synth: %v", err)
	}

	payload, err := synth.Synthesize(context.Background(), "merhaba", "", "tr")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if payload.Engine != EngineAudio {
		t.Fatalf("expected audio payload, got %q", payload.Engine)
	}
	pcm, ok, err := payload.PCM()
	if err != nil || !ok {
		t.Fatalf("expected pcm payload: ok=%v err=%v", ok, err)
	}
	if len(pcm) != len(audio) || pcm[0] != 10 {
		t.Fatalf("unexpected audio %v", pcm)
	}
}

func TestRemoteSynthErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	synth, err := NewRemoteSynth(config.TTSConfig{APIKey: "k", RemoteURL: server.URL, SampleRate: 16000}, log)
	if err != nil {
		t.Fatalf("new remote synth: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), "hi", "v", "en"); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestSelectSynth(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	synth, err := Select(config.TTSConfig{Mode: "auto", Voice: "v"}, log)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if synth.Name() != "local_tts" {
		t.Fatalf("expected local fallback, got %q", synth.Name())
	}

	synth, err = Select(config.TTSConfig{Mode: "auto", APIKey: "k", SampleRate: 16000}, log)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if synth.Name() != "remote_tts" {
		t.Fatalf("expected remote engine, got %q", synth.Name())
	}

	if _, err := Select(config.TTSConfig{Mode: "remote"}, log); err == nil {
		t.Fatal("remote without api key should fail")
	}
}
