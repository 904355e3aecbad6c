package stt

import (
	"context"
)

// localEngine is the deterministic offline recognizer. It never fails
// and never touches the network, so the pipeline stays functional with
// zero provider configuration. Transcripts are picked from a fixed demo
// phrase list keyed by utterance length, which keeps tests reproducible.
type localEngine struct{}

func NewLocalEngine() Engine {
	return localEngine{}
}

func (localEngine) Name() string { return "local_stt" }

var demoPhrases = map[string][]string{
	"tr": {
		"merhaba",
		"randevu almak istiyorum",
		"çalışma saatleriniz nedir",
		"fiyat bilgisi alabilir miyim",
		"bir şikayetim var",
		"teşekkür ederim iyi günler",
	},
	"en": {
		"hello",
		"i would like to book an appointment",
		"what are your opening hours",
		"can i get pricing information",
		"i have a complaint",
		"thank you goodbye",
	},
}

// 100ms of 16kHz 16-bit mono.
const phraseBucketBytes = 3200

func demoPhrase(buf []byte, language string) string {
	phrases, ok := demoPhrases[language]
	if !ok {
		phrases = demoPhrases["tr"]
	}
	if len(buf) == 0 {
		return ""
	}
	return phrases[(len(buf)/phraseBucketBytes)%len(phrases)]
}

func (localEngine) OpenStream(_ context.Context, language string) (Stream, error) {
	transcribe := func(_ context.Context, pcm []byte, lang string) (Event, error) {
		text := demoPhrase(pcm, lang)
		conf := 0.9
		if text == "" {
			conf = 0
		}
		return Event{Kind: EventFinal, Text: text, Confidence: conf}, nil
	}
	// Interim update each time another half second of audio accumulates.
	next := phraseBucketBytes * 5
	partial := func(buf []byte, lang string) (Event, bool) {
		if len(buf) < next {
			return Event{}, false
		}
		next += phraseBucketBytes * 5
		return Event{Kind: EventPartial, Text: demoPhrase(buf, lang), Confidence: 0.5}, true
	}
	return newBatchStream(language, transcribe, partial), nil
}
