package tts

import "context"

// localSynth emits a browser-side speech instruction instead of
// rendering audio. It has no failure modes, which makes it the terminal
// fallback for the whole synthesis chain: apologies and degraded-mode
// notices must always be speakable.
type localSynth struct {
	defaultVoice string
}

func NewLocalSynth(defaultVoice string) Synthesizer {
	return &localSynth{defaultVoice: defaultVoice}
}

func (s *localSynth) Name() string { return "local_tts" }

func (s *localSynth) Synthesize(_ context.Context, text, voice, language string) (Payload, error) {
	if voice == "" {
		voice = s.defaultVoice
	}
	return Payload{
		Engine:   EngineBrowser,
		Text:     text,
		Voice:    voice,
		Language: language,
	}, nil
}
