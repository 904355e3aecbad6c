// Package llm provides language-model generators behind a streaming
// contract: chunks of response text are pushed to a consumer callback as
// they are produced, so downstream synthesis can begin before the full
// response exists.
package llm

import (
	"context"
	"log/slog"

	"github.com/smartflowcrm/voicecore/internal/config"
)

// Request describes one generation turn.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Context     string
	Intent      string
	Language    string
	MaxTokens   int
	Temperature float64
}

// Chunk is one streamed piece of model output.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
}

// Generator is a pluggable model backend. Generate blocks until the
// response is complete or ctx is cancelled, pushing chunks in order.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Select builds the local generator and, when configured, the remote
// one. The local generator always exists so routing always has a
// destination.
func Select(cfg config.LLMConfig, log *slog.Logger) (local, remote Generator) {
	local = NewLocalGenerator()
	switch cfg.Mode {
	case "local":
		return local, nil
	case "remote":
		return local, NewRemoteGenerator(cfg, log)
	default: // auto
		if cfg.Endpoint != "" {
			return local, NewRemoteGenerator(cfg, log)
		}
		return local, nil
	}
}
