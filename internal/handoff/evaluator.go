// Package handoff decides when a human agent must take over a call and
// records the resulting handoff requests. The evaluator runs before
// every language-model call so policy-sensitive or low-confidence
// utterances never reach the model.
package handoff

import (
	"strings"

	"github.com/smartflowcrm/voicecore/internal/intent"
	"github.com/smartflowcrm/voicecore/internal/tenant"
)

// Decision is the evaluator outcome for one utterance.
type Decision struct {
	ShouldHandoff bool
	Reason        string
	Priority      string
}

const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Evaluate applies the handoff policy, first match wins: explicit
// human-request intent, tenant forbidden topic, confidence below the
// tenant threshold, then escalation keywords.
func Evaluate(transcript, intentName string, confidence float64, settings tenant.Settings, escalationKeywords []string) Decision {
	if intentName == intent.IntentHumanRequest {
		return Decision{ShouldHandoff: true, Reason: "human_request", Priority: PriorityHigh}
	}
	if topic := settings.ForbiddenTopicMatch(transcript); topic != "" {
		return Decision{ShouldHandoff: true, Reason: "forbidden_topic:" + topic, Priority: PriorityHigh}
	}
	threshold := settings.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.3
	}
	if confidence < threshold {
		return Decision{ShouldHandoff: true, Reason: "low_confidence", Priority: PriorityNormal}
	}
	lower := strings.ToLower(transcript)
	for _, keyword := range escalationKeywords {
		if keyword == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return Decision{ShouldHandoff: true, Reason: "escalation_keyword:" + keyword, Priority: PriorityNormal}
		}
	}
	return Decision{}
}
