package pbc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/pkg/logger"
)

// Step is a pluggable decision function
type Step func(ctx context.Context, in Context) (Context, error)

// Invoker runs a named step; coordinators depend on this
type Invoker interface {
	Invoke(ctx context.Context, name string, in Context) (Context, error)
}

// Registry holds step definitions and implementations and enforces the
// declared inputs and outputs on every invocation
// ⭐ SSOT: PBC invocation contract
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	steps map[string]Step
	log   *logger.Logger
}

// NewRegistry creates a registry with the given definitions
func NewRegistry(log *logger.Logger, defs []Definition) *Registry {
	r := &Registry{
		defs:  make(map[string]Definition),
		steps: make(map[string]Step),
		log:   log.Component("pbc"),
	}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

// Define adds or replaces a definition
func (r *Registry) Define(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Name] = d
}

// Register binds an implementation to a step name
func (r *Registry) Register(name string, step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = step
}

// Names lists the defined steps and whether each has an implementation
func (r *Registry) Names() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.defs))
	for name := range r.defs {
		_, ok := r.steps[name]
		out[name] = ok
	}
	return out
}

// Invoke runs the step on a copy of in. Missing definitions,
// implementations, inputs or outputs are ConfigurationErrors; errors
// returned by the step itself pass through unchanged.
func (r *Registry) Invoke(ctx context.Context, name string, in Context) (Context, error) {
	r.mu.RLock()
	def, defined := r.defs[name]
	step, implemented := r.steps[name]
	r.mu.RUnlock()

	if !defined {
		return nil, contracts.NewConfigurationError(describe(name), "no definition")
	}
	if !implemented {
		return nil, contracts.NewConfigurationError(describe(name), "no implementation registered")
	}
	for _, key := range def.RequiredInputs {
		if _, ok := in[key]; !ok {
			return nil, contracts.NewConfigurationError(describe(name), "missing required input %s", key)
		}
	}

	start := time.Now()
	out, err := step(ctx, in.Clone())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", describe(name), err)
	}
	for _, key := range def.RequiredOutputs {
		if _, ok := out[key]; !ok {
			return nil, contracts.NewConfigurationError(describe(name), "missing required output %s", key)
		}
	}

	r.log.WithFields(map[string]interface{}{
		"step":        name,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("pbc step invoked")
	return out, nil
}
