package resilience

import (
	"sort"
	"sync"
	"time"
)

// Registry owns one breaker per source. Construct it once and pass it to
// the components that need it.
type Registry struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg BreakerConfig, now func() time.Time) *Registry {
	return &Registry{
		cfg:      cfg,
		now:      now,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Breaker(source string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[source]
	if !ok {
		b = NewBreaker(source, r.cfg, r.now)
		r.breakers[source] = b
	}
	return b
}

func (r *Registry) Health() []SourceHealth {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	health := make([]SourceHealth, 0, len(breakers))
	for _, b := range breakers {
		health = append(health, b.Health())
	}
	sort.Slice(health, func(i, j int) bool {
		return health[i].Source < health[j].Source
	})
	return health
}

func (r *Registry) AnyOpen() bool {
	for _, h := range r.Health() {
		if h.State != StateClosed {
			return true
		}
	}
	return false
}
