// Package tts provides text-to-speech engines. Synthesis returns a
// tagged payload: either a browser-side speech instruction (the local
// engine, which never fails) or rendered audio with its format. The
// concrete engine is selected once at process start.
package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/smartflowcrm/voicecore/internal/config"
)

// Payload engine tags.
const (
	EngineBrowser = "browser_tts"
	EngineAudio   = "audio"
)

// Payload is one synthesized response unit.
type Payload struct {
	Engine      string
	Text        string
	Voice       string
	Language    string
	AudioBase64 string
	Format      string
	SampleRate  int
}

// Map flattens the payload for the client response_audio message.
func (p Payload) Map() map[string]any {
	out := map[string]any{
		"engine": p.Engine,
		"text":   p.Text,
		"voice":  p.Voice,
	}
	if p.Language != "" {
		out["language"] = p.Language
	}
	if p.Engine == EngineAudio {
		out["audio"] = p.AudioBase64
		out["format"] = p.Format
		out["sampleRate"] = p.SampleRate
	}
	return out
}

// PCM decodes the payload's audio when it carries raw 16-bit PCM.
// Instruction payloads have no audio to decode.
func (p Payload) PCM() ([]byte, bool, error) {
	if p.Engine != EngineAudio || p.Format != "pcm16" {
		return nil, false, nil
	}
	data, err := base64.StdEncoding.DecodeString(p.AudioBase64)
	if err != nil {
		return nil, false, fmt.Errorf("decode synthesized audio: %w", err)
	}
	return data, true, nil
}

// Synthesizer renders one sentence of response text.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text, voice, language string) (Payload, error)
}

// Select picks the concrete engine from configuration. Mode "auto"
// prefers remote when a credential is present, then exec when a command
// is configured, then the local instruction engine.
func Select(cfg config.TTSConfig, log *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "remote":
		return NewRemoteSynth(cfg, log)
	case "exec":
		return NewExecSynth(cfg)
	case "local":
		return NewLocalSynth(cfg.Voice), nil
	default: // auto
		if cfg.APIKey != "" {
			return NewRemoteSynth(cfg, log)
		}
		if cfg.Command != "" {
			return NewExecSynth(cfg)
		}
		return NewLocalSynth(cfg.Voice), nil
	}
}
