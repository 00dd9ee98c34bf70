package transport

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
)

// Registry maps pub/sub system names, as configured by PUBSUB_SYSTEM, to the
// notification transports that implement them.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]system
}

type system struct {
	build Builder
	caps  Capabilities
}

// DefaultRegistry holds the transports registered by their packages' init.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{systems: map[string]system{}}
}

// Register makes a transport available under name. A later registration of
// the same name replaces the earlier one. caps.Name defaults to name.
func (r *Registry) Register(name string, build Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systems[name] = system{build: build, caps: caps}
}

// Capabilities reports what the named transport offers to listeners. An
// unknown name yields capabilities with only the name set.
func (r *Registry) Capabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.systems[name]; ok {
		return s.caps
	}
	return Capabilities{Name: name}
}

// Build opens the transport of cfg's pub/sub system for group. Publishers
// pass an empty group; each listener passes its own id.
func (r *Registry) Build(ctx context.Context, cfg Config, group string, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := cfg.GetPubSubSystem()
	r.mu.RLock()
	s, ok := r.systems[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown notification transport %q (known: %v)", name, r.Names())
	}
	return s.build(ctx, cfg, group, logger)
}

// Names lists the registered pub/sub systems in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.systems))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.systems[name]
	return ok
}

// Register adds a transport to DefaultRegistry.
func Register(name string, build Builder, caps Capabilities) {
	DefaultRegistry.Register(name, build, caps)
}

// Build opens a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, group string, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, group, logger)
}
