package capability

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotAvailable means no capability is registered under a URI. This
// is deliberately distinct from ErrUnauthorized: handlers must be able
// to tell "not offered" from "forbidden".
var ErrNotAvailable = errors.New("capability not available")

// Capability is a narrow, per-kind interface handed to a handler.
// Implementations are resolved once per run from the registry and carry
// that run's minted token; they never outlive the run.
type Capability interface {
	URI() string
}

// RunParams is what a factory gets to build a capability instance for
// one run.
type RunParams struct {
	ContextID string
	TaskID    string
	Subject   string

	// Token is the run's minted capability token in wire form.
	Token []byte

	// Verify re-checks the token against a requirement at resolve time.
	// Factories for privileged capabilities call it so that a forbidden
	// capability fails with ErrUnauthorized instead of masquerading as
	// absent.
	Verify func(Requirement) error

	// Params is the extension block from the inbound message, passed
	// through untouched.
	Params map[string]any
}

// Factory builds a capability instance for one run.
type Factory func(RunParams) (Capability, error)

// Registry maps extension URIs to capability factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(uri string, factory Factory) {
	if uri == "" || factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[uri] = factory
}

// Resolve builds the capability registered under uri for this run.
func (r *Registry) Resolve(uri string, params RunParams) (Capability, error) {
	r.mu.RLock()
	factory, ok := r.factories[uri]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAvailable, uri)
	}
	return factory(params)
}

func (r *Registry) URIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for uri := range r.factories {
		out = append(out, uri)
	}
	return out
}
