package provider

import (
	"fmt"
	"sort"

	"github.com/kiranshivaraju/researchops/pkg/models"
	"golang.org/x/time/rate"
)

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]models.ResearchProvider
	def       string
}

// NewRegistry builds a registry. def names the provider used when a request
// does not pick one.
func NewRegistry(def string, providers ...models.ResearchProvider) *Registry {
	r := &Registry{providers: make(map[string]models.ResearchProvider, len(providers)), def: def}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named adapter. An empty name selects the default.
func (r *Registry) Get(name string) (models.ResearchProvider, error) {
	if name == "" {
		name = r.def
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q: configured providers are %v", ErrUnknownProvider, name, r.Names())
	}
	return p, nil
}

// Resolve returns the provider name a request with name would use.
func (r *Registry) Resolve(name string) string {
	if name == "" {
		return r.def
	}
	return name
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewLimiter paces requests to one provider. A non-positive rate disables pacing.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
