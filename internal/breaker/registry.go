package breaker

import (
	"log/slog"
	"sync"
)

// Registry hands out one long-lived breaker per dependency name, created
// lazily on first use.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	breakers     map[string]*Breaker
	onTransition func(name, from, to string)
}

// SetTransitionHook applies a state-change callback to every breaker in
// the registry, existing and future.
func (r *Registry) SetTransitionHook(fn func(name, from, to string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
	for _, b := range r.breakers {
		b.SetTransitionHook(fn)
	}
}

func NewRegistry(cfg Config, log *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg, r.log)
		if r.onTransition != nil {
			b.SetTransitionHook(r.onTransition)
		}
		r.breakers[name] = b
	}
	return b
}

// Statuses snapshots every known breaker for health reporting.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Status())
	}
	return out
}
