// Package intent provides the intent-classification collaborator interface
// plus a deterministic keyword classifier used whenever no external NLP
// service is configured, and the utterance complexity scoring consumed by the
// LLM router.
package intent

import (
	"context"
	"strings"
)

const (
	IntentGreeting     = "greeting"
	IntentFarewell     = "farewell"
	IntentAppointment  = "appointment"
	IntentComplaint    = "complaint"
	IntentPricing      = "pricing"
	IntentHours        = "hours"
	IntentStatus       = "status"
	IntentThanks       = "thanks"
	IntentCancellation = "cancellation"
	IntentInfoRequest  = "info_request"
	IntentHumanRequest = "human_request"
	IntentUnknown      = "unknown"
)

// Result is one classification outcome.
type Result struct {
	Intent     string
	Confidence float64
}

// Classifier abstracts the external intent-classification collaborator.
type Classifier interface {
	Classify(ctx context.Context, text, language string) (Result, error)
}

// keyword sets cover Turkish (the platform default) and English.
var keywordIntents = []struct {
	intent     string
	confidence float64
	words      []string
}{
	{IntentHumanRequest, 0.95, []string{"human", "real person", "operator", "temsilci", "gerçek biri", "canlı destek"}},
	{IntentGreeting, 0.9, []string{"merhaba", "selam", "hello", "hi ", "good morning", "günaydın", "iyi günler"}},
	{IntentFarewell, 0.9, []string{"hoşça kal", "görüşürüz", "goodbye", "bye", "iyi akşamlar"}},
	{IntentThanks, 0.9, []string{"teşekkür", "sağ ol", "thank", "thanks"}},
	{IntentAppointment, 0.9, []string{"randevu", "görüşme", "tarih", "saat", "appointment", "schedule", "booking"}},
	{IntentComplaint, 0.85, []string{"şikayet", "sorun", "problem", "memnun değil", "complaint", "not working", "broken"}},
	{IntentCancellation, 0.9, []string{"iptal", "vazgeç", "istemiyorum", "cancel"}},
	{IntentPricing, 0.8, []string{"fiyat", "ücret", "ne kadar", "price", "pricing", "cost", "how much"}},
	{IntentHours, 0.8, []string{"çalışma saat", "açık mı", "kaçta", "opening hours", "open today", "what time do you"}},
	{IntentStatus, 0.8, []string{"durum", "sipariş nerede", "status", "where is my", "tracking"}},
	{IntentInfoRequest, 0.8, []string{"bilgi", "nasıl", "nedir", "info", "tell me about"}},
}

// KeywordClassifier is the local offline classifier.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

func (c *KeywordClassifier) Classify(_ context.Context, text, _ string) (Result, error) {
	lower := strings.ToLower(text)
	for _, entry := range keywordIntents {
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				return Result{Intent: entry.intent, Confidence: entry.confidence}, nil
			}
		}
	}
	return Result{Intent: IntentUnknown, Confidence: 0.5}, nil
}

// Complexity buckets an utterance for routing.
type Complexity int

const (
	ComplexityLow Complexity = iota
	ComplexityMedium
	ComplexityHigh
)

func (c Complexity) String() string {
	switch c {
	case ComplexityHigh:
		return "high"
	case ComplexityMedium:
		return "medium"
	}
	return "low"
}

var complexityIndicators = []string{
	"explain in detail",
	"step by step",
	"compare",
	"difference between",
	"pros and cons",
	"why does",
	"detaylı anlat",
	"adım adım",
	"karşılaştır",
	"arasındaki fark",
}

// ClassifyComplexity is high when the message contains a complexity indicator
// phrase, has more than one question mark, or exceeds 30 words; medium above
// 15 words; low otherwise.
func ClassifyComplexity(text string) Complexity {
	lower := strings.ToLower(text)
	for _, phrase := range complexityIndicators {
		if strings.Contains(lower, phrase) {
			return ComplexityHigh
		}
	}
	if strings.Count(text, "?") > 1 {
		return ComplexityHigh
	}
	words := len(strings.Fields(text))
	if words > 30 {
		return ComplexityHigh
	}
	if words > 15 {
		return ComplexityMedium
	}
	return ComplexityLow
}

// Simple reports membership in the simple-intent set that routes to the local
// engine when complexity allows.
func Simple(name string) bool {
	switch name {
	case IntentGreeting, IntentFarewell, IntentAppointment, IntentComplaint,
		IntentPricing, IntentHours, IntentStatus, IntentThanks:
		return true
	}
	return false
}
