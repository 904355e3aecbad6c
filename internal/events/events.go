// Package events carries the structured event stream the pipeline
// produces for billing, audit, and handoff alerting. Two interchangeable
// publishers implement the same contract: an in-process dispatcher and a
// NATS-backed one for cross-process consumers.
package events

import (
	"context"
	"time"
)

// Subjects.
const (
	SubjectBilling = "voicecore.billing"
	SubjectAudit   = "voicecore.audit"
	SubjectHandoff = "voicecore.handoff"
	SubjectBreaker = "voicecore.breaker"
	SubjectSession = "voicecore.session"
)

// Event types.
const (
	TypeBillingMinutes    = "billing.minutes"
	TypeBillingTokens     = "billing.tokens"
	TypeAuditTurn         = "audit.turn"
	TypeHandoffRequested  = "handoff.requested"
	TypeBreakerTransition = "breaker.transition"
	TypeSessionStarted    = "session.started"
	TypeSessionEnded      = "session.ended"
)

// Event is one structured pipeline event.
type Event struct {
	Type      string         `json:"type"`
	TenantID  string         `json:"tenantId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	CallID    string         `json:"callId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher emits events; Subscribe registers a handler and returns an
// unsubscribe function.
type Publisher interface {
	Publish(ctx context.Context, subject string, evt Event) error
	Subscribe(subject string, handler func(Event)) (func(), error)
	Close()
}

// BillingMinutes builds the per-call minutes event emitted on session close.
func BillingMinutes(tenantID, sessionID, callID string, minutes float64) Event {
	return Event{
		Type:      TypeBillingMinutes,
		TenantID:  tenantID,
		SessionID: sessionID,
		CallID:    callID,
		Data:      map[string]any{"minutes": minutes},
	}
}

// BillingTokens builds the per-turn token usage event.
func BillingTokens(tenantID, sessionID, provider string, tokens int) Event {
	return Event{
		Type:      TypeBillingTokens,
		TenantID:  tenantID,
		SessionID: sessionID,
		Data:      map[string]any{"tokens": tokens, "provider": provider},
	}
}

// AuditTurn builds the per-turn audit record.
func AuditTurn(tenantID, sessionID, transcript, response, provider, reason string) Event {
	return Event{
		Type:      TypeAuditTurn,
		TenantID:  tenantID,
		SessionID: sessionID,
		Data: map[string]any{
			"transcript":  transcript,
			"response":    response,
			"provider":    provider,
			"routeReason": reason,
		},
	}
}

// HandoffRequested builds the handoff alert event.
func HandoffRequested(tenantID, sessionID, callID, handoffID, reason, priority string) Event {
	return Event{
		Type:      TypeHandoffRequested,
		TenantID:  tenantID,
		SessionID: sessionID,
		CallID:    callID,
		Data:      map[string]any{"handoffId": handoffID, "reason": reason, "priority": priority},
	}
}

// SessionStarted builds the session open event.
func SessionStarted(tenantID, sessionID, callID, transport string) Event {
	return Event{
		Type:      TypeSessionStarted,
		TenantID:  tenantID,
		SessionID: sessionID,
		CallID:    callID,
		Data:      map[string]any{"transport": transport},
	}
}

// SessionEnded builds the session close event.
func SessionEnded(tenantID, sessionID, callID string, turns int, durationSec float64) Event {
	return Event{
		Type:      TypeSessionEnded,
		TenantID:  tenantID,
		SessionID: sessionID,
		CallID:    callID,
		Data:      map[string]any{"turns": turns, "durationSec": durationSec},
	}
}

// BreakerTransition builds the circuit state-change event.
func BreakerTransition(name, from, to string) Event {
	return Event{
		Type: TypeBreakerTransition,
		Data: map[string]any{"breaker": name, "from": from, "to": to},
	}
}
