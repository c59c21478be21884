package breaker

import (
	"fmt"
	"sort"
	"time"

	"notifyhub/internal/metrics"
)

// Dependency names a guarded downstream. The set is fixed at startup.
type Dependency string

const (
	UserService     Dependency = "user-service"
	TemplateService Dependency = "template-service"
	Broker          Dependency = "broker"
	StatusCallback  Dependency = "status-callback"
)

var AllDependencies = []Dependency{UserService, TemplateService, Broker, StatusCallback}

// Registry owns one Breaker per known dependency.
type Registry struct {
	breakers map[Dependency]*Breaker
}

type Option func(*registryOptions)

type registryOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *registryOptions) { o.now = now }
}

func NewRegistry(s Settings, deps []Dependency, opts ...Option) *Registry {
	o := registryOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	def := DefaultSettings()
	if s.Threshold <= 0 {
		s.Threshold = def.Threshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = def.Cooldown
	}
	if s.HalfOpenRequests <= 0 {
		s.HalfOpenRequests = def.HalfOpenRequests
	}

	r := &Registry{breakers: make(map[Dependency]*Breaker, len(deps))}
	for _, d := range deps {
		r.breakers[d] = newBreaker(string(d), s, o.now, reportState)
		metrics.BreakerState.WithLabelValues(string(d)).Set(float64(Closed))
	}
	return r
}

func reportState(name string, _, to State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
}

// Get returns the breaker for d. Asking for an unregistered dependency is a
// programming error and panics.
func (r *Registry) Get(d Dependency) *Breaker {
	b, ok := r.breakers[d]
	if !ok {
		panic(fmt.Sprintf("breaker: dependency %q not registered", d))
	}
	return b
}

func (r *Registry) Stats(d Dependency) (Stats, bool) {
	b, ok := r.breakers[d]
	if !ok {
		return Stats{}, false
	}
	return b.Stats(), true
}

// All returns stats for every registered dependency, sorted by name.
func (r *Registry) All() []Stats {
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
