package llm

import "strings"

// SentenceAssembler buffers streamed model output and emits one callback
// per completed sentence, detected by trailing `.`, `?` or `!`. This is
// what lets speech synthesis for sentence one start while the model is
// still generating sentence two.
type SentenceAssembler struct {
	emit  func(sentence string, index int) error
	buf   strings.Builder
	index int
}

func NewSentenceAssembler(emit func(sentence string, index int) error) *SentenceAssembler {
	return &SentenceAssembler{emit: emit}
}

// Write appends streamed text and flushes any sentences it completes.
func (a *SentenceAssembler) Write(text string) error {
	a.buf.WriteString(text)
	return a.flushComplete()
}

// Flush emits whatever remains as the final sentence, completed or not.
func (a *SentenceAssembler) Flush() error {
	rest := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if rest == "" {
		return nil
	}
	err := a.emit(rest, a.index)
	a.index++
	return err
}

// Sentences returns how many sentences have been emitted so far.
func (a *SentenceAssembler) Sentences() int {
	return a.index
}

func (a *SentenceAssembler) flushComplete() error {
	text := a.buf.String()
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '?' && r != '!' {
			continue
		}
		// Only treat the punctuation as a boundary when followed by
		// whitespace; "09:00." mid-token stays buffered.
		if i+1 < len(runes) && !isSpace(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			if err := a.emit(sentence, a.index); err != nil {
				return err
			}
			a.index++
		}
		start = i + 1
	}
	a.buf.Reset()
	a.buf.WriteString(string(runes[start:]))
	return nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}
