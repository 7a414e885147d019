package adapter

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/marko911/pulse-ledger/internal/ledger"
	"github.com/marko911/pulse-ledger/internal/platform/metrics"
)

// Deps is what a factory receives to build an adapter.
type Deps struct {
	Settings Settings
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Factory func(ctx context.Context, deps Deps) (Adapter, error)

// Registry maps adapter kinds to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *Registry) Get(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New validates the node set and builds an adapter of deps.Settings.Kind.
func (r *Registry) New(ctx context.Context, deps Deps) (Adapter, error) {
	f, ok := r.Get(deps.Settings.Kind)
	if !ok {
		return nil, &ledger.ConfigurationError{
			Chain:   deps.Settings.Chain,
			Setting: "adapter",
			Reason:  "names unknown kind " + deps.Settings.Kind,
		}
	}
	if err := deps.Settings.Nodes.Validate(deps.Settings.Chain); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return f(ctx, deps)
}
