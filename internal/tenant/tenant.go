// Package tenant resolves per-tenant runtime settings for active calls.
package tenant

import (
	"context"
	"strings"
	"sync"

	"github.com/smartflowcrm/voicecore/internal/config"
)

// BudgetState reflects how much of a tenant's monthly spend remains.
type BudgetState string

const (
	BudgetOK       BudgetState = "ok"
	BudgetDegraded BudgetState = "degraded"
	BudgetExceeded BudgetState = "exceeded"
)

// Settings is an immutable snapshot of a tenant's configuration, taken
// once at session start so mid-call updates never change behavior.
type Settings struct {
	TenantID            string
	Persona             string
	Language            string
	Voice               string
	ForbiddenTopics     []string
	ConfidenceThreshold float64
	Budget              BudgetState
}

// Store looks up tenant settings. Implementations must return a
// defensive copy so callers can hold the snapshot for a session's lifetime.
type Store interface {
	Lookup(ctx context.Context, tenantID string) (Settings, error)
}

// StaticStore serves settings from configuration, falling back to the
// default profile for unknown tenants. Updates replace whole profiles,
// existing snapshots are unaffected.
type StaticStore struct {
	mu       sync.RWMutex
	fallback Settings
	profiles map[string]Settings
}

func NewStaticStore(cfg config.TenantsConfig) *StaticStore {
	s := &StaticStore{
		fallback: fromProfile(cfg.Default),
		profiles: make(map[string]Settings, len(cfg.Profiles)),
	}
	for _, p := range cfg.Profiles {
		s.profiles[p.ID] = fromProfile(p)
	}
	return s
}

func fromProfile(p config.TenantProfile) Settings {
	st := Settings{
		TenantID:            p.ID,
		Persona:             p.Persona,
		Language:            p.Language,
		Voice:               p.Voice,
		ForbiddenTopics:     append([]string(nil), p.ForbiddenTopics...),
		ConfidenceThreshold: p.ConfidenceThreshold,
		Budget:              BudgetState(p.Budget),
	}
	if st.Language == "" {
		st.Language = "tr"
	}
	if st.ConfidenceThreshold <= 0 {
		st.ConfidenceThreshold = 0.3
	}
	switch st.Budget {
	case BudgetOK, BudgetDegraded, BudgetExceeded:
	default:
		st.Budget = BudgetOK
	}
	return st
}

// Lookup returns the tenant's settings snapshot. Unknown tenants get the
// default profile with the requested tenant ID stamped on.
func (s *StaticStore) Lookup(_ context.Context, tenantID string) (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.profiles[tenantID]; ok {
		return st.clone(), nil
	}
	st := s.fallback.clone()
	st.TenantID = tenantID
	return st, nil
}

// Update replaces a tenant profile. Sessions already holding a snapshot
// keep the old settings until they end.
func (s *StaticStore) Update(p config.TenantProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = fromProfile(p)
}

func (s Settings) clone() Settings {
	s.ForbiddenTopics = append([]string(nil), s.ForbiddenTopics...)
	return s
}

// ForbiddenTopicMatch reports the first forbidden topic contained in
// text, case-insensitively, or "" when none matches.
func (s Settings) ForbiddenTopicMatch(text string) string {
	lower := strings.ToLower(text)
	for _, topic := range s.ForbiddenTopics {
		if topic == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(topic)) {
			return topic
		}
	}
	return ""
}
