package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/smartflowcrm/voicecore/internal/config"
)

// execSynth shells out to an external synthesizer. The command reads a
// JSON request on stdin and prints one JSON chunk per line on stdout;
// chunks are concatenated into a single PCM payload.
type execSynth struct {
	cmd        []string
	voice      string
	sampleRate int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(cfg config.TTSConfig) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, voice: cfg.Voice, sampleRate: cfg.SampleRate}, nil
}

func (e *execSynth) Name() string { return "exec_tts" }

func (e *execSynth) Synthesize(ctx context.Context, text, voice, language string) (Payload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if voice == "" {
		voice = e.voice
	}
	data, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      voice,
		Language:   language,
		SampleRate: e.sampleRate,
	})
	if err != nil {
		return Payload{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Payload{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Payload{}, err
	}
	if err := cmd.Start(); err != nil {
		return Payload{}, err
	}

	if _, err := stdin.Write(data); err != nil {
		cmd.Wait()
		return Payload{}, err
	}
	stdin.Close()

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return Payload{}, fmt.Errorf("decode tts chunk: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			cmd.Wait()
			return Payload{}, fmt.Errorf("decode tts audio: %w", err)
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		return Payload{}, fmt.Errorf("tts command failed: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return Payload{}, err
	}

	return Payload{
		Engine:      EngineAudio,
		Text:        text,
		Voice:       voice,
		Language:    language,
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		Format:      "pcm16",
		SampleRate:  e.sampleRate,
	}, nil
}
