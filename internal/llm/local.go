package llm

import (
	"context"
	"strings"
)

// localGenerator is the deterministic offline model. It answers from a
// fixed per-intent template table and is the terminal fallback for every
// routing decision, so it must not fail.
type localGenerator struct{}

func NewLocalGenerator() Generator {
	return localGenerator{}
}

func (localGenerator) Name() string { return "local_llm" }

var localResponses = map[string]map[string]string{
	"tr": {
		"greeting":      "Merhaba! Size nasıl yardımcı olabilirim?",
		"farewell":      "İyi günler dileriz. Tekrar görüşmek üzere!",
		"appointment":   "Randevu talebinizi aldım. Hangi tarih ve saat uygun olur?",
		"complaint":     "Yaşadığınız sorunu anlıyorum. Detayları alabilir miyim?",
		"pricing":       "Fiyat bilgisi için size yardımcı olabilirim. Hangi hizmetle ilgileniyorsunuz?",
		"hours":         "Çalışma saatlerimiz hafta içi 09:00 - 18:00 arasıdır.",
		"status":        "Talebinizin durumunu kontrol ediyorum. Bir dakika lütfen.",
		"thanks":        "Rica ederim! Başka bir konuda yardımcı olabilir miyim?",
		"cancellation":  "İptal talebinizi not aldım.",
		"info_request":  "Size bu konuda bilgi verebilirim.",
		"human_request": "Sizi bir müşteri temsilcisine aktarıyorum. Lütfen hatta kalın.",
	},
	"en": {
		"greeting":      "Hello! How can I help you today?",
		"farewell":      "Have a great day. Talk to you soon!",
		"appointment":   "I have your appointment request. Which date and time would suit you?",
		"complaint":     "I understand the issue you are facing. Could you give me the details?",
		"pricing":       "I can help with pricing. Which service are you interested in?",
		"hours":         "We are open weekdays from 9am to 6pm.",
		"status":        "Let me check the status of your request. One moment please.",
		"thanks":        "You are welcome! Is there anything else I can help with?",
		"cancellation":  "I have noted your cancellation request.",
		"info_request":  "I can give you information about that.",
		"human_request": "I am transferring you to an agent. Please hold the line.",
	},
}

var localFallback = map[string]string{
	"tr": "Anlıyorum, size nasıl yardımcı olabilirim?",
	"en": "I understand. How can I help you with that?",
}

func localResponse(intent, language string) string {
	table, ok := localResponses[language]
	if !ok {
		table = localResponses["tr"]
		language = "tr"
	}
	if resp, ok := table[intent]; ok {
		return resp
	}
	return localFallback[language]
}

// Generate streams the templated response one sentence at a time so the
// consumer sees the same cadence as a real streaming model.
func (localGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	response := localResponse(req.Intent, req.Language)
	sentences := splitSentences(response)
	tokens := len(strings.Fields(response))
	for i, sentence := range sentences {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := Chunk{Content: sentence}
		if i == len(sentences)-1 {
			chunk.Done = true
			chunk.CompletionTokens = tokens
		}
		if err := consumer(chunk); err != nil {
			return err
		}
	}
	return nil
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '?' || r == '!' {
			atEnd := i == len(runes)-1
			if atEnd || runes[i+1] == ' ' {
				sentences = append(sentences, strings.TrimSpace(current.String()))
				current.Reset()
			}
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	if len(sentences) == 0 {
		sentences = []string{""}
	}
	return sentences
}
