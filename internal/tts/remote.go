package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/smartflowcrm/voicecore/internal/config"
)

const defaultRemoteTTSURL = "https://api.elevenlabs.io/v1/text-to-speech"

// remoteSynth posts text to a hosted synthesis API and returns the
// rendered PCM audio as a base64 payload.
type remoteSynth struct {
	cfg    config.TTSConfig
	url    string
	client *http.Client
	log    *slog.Logger
}

type remoteRequest struct {
	Text     string `json:"text"`
	Language string `json:"language_code,omitempty"`
}

func NewRemoteSynth(cfg config.TTSConfig, log *slog.Logger) (Synthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("remote tts requires an api key")
	}
	url := cfg.RemoteURL
	if url == "" {
		url = defaultRemoteTTSURL
	}
	return &remoteSynth{
		cfg:    cfg,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With(slog.String("component", "tts-remote")),
	}, nil
}

func (s *remoteSynth) Name() string { return "remote_tts" }

func (s *remoteSynth) Synthesize(ctx context.Context, text, voice, language string) (Payload, error) {
	if voice == "" {
		voice = s.cfg.Voice
	}
	body, err := json.Marshal(remoteRequest{Text: text, Language: language})
	if err != nil {
		return Payload{}, err
	}

	endpoint := fmt.Sprintf("%s/%s?output_format=pcm_%d", s.url, voice, s.cfg.SampleRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Payload{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("remote tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Payload{}, fmt.Errorf("remote tts status %d: %s", resp.StatusCode, detail)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Payload{}, fmt.Errorf("read remote tts audio: %w", err)
	}

	return Payload{
		Engine:      EngineAudio,
		Text:        text,
		Voice:       voice,
		Language:    language,
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		Format:      "pcm16",
		SampleRate:  s.cfg.SampleRate,
	}, nil
}
