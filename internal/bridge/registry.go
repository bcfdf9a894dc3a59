package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/inletworks/inlet/internal/schema"
	"github.com/inletworks/inlet/internal/tasks"
)

// DefaultCancelGrace bounds how long Cancel waits for a handler to
// unwind before the execution is abandoned.
const DefaultCancelGrace = 5 * time.Second

// Registry tracks live executions by task id so a later request can
// resume or cancel them.
type Registry struct {
	mu    sync.Mutex
	execs map[string]*Execution
	grace time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCancelGrace overrides the cancellation grace period.
func WithCancelGrace(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.grace = d
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		execs: make(map[string]*Execution),
		grace: DefaultCancelGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches handler for the given task and registers the
// execution. The registration is removed once the handler exits.
func (r *Registry) Start(handler Handler, taskID, contextID string, initial schema.Message, caps CapabilityResolver) *Execution {
	exec := newExecution(handler, taskID, contextID, initial, caps)

	r.mu.Lock()
	r.execs[taskID] = exec
	r.mu.Unlock()

	go func() {
		<-exec.Done()
		r.mu.Lock()
		if r.execs[taskID] == exec {
			delete(r.execs, taskID)
		}
		r.mu.Unlock()
	}()
	return exec
}

// Get returns the live execution for taskID, if any.
func (r *Registry) Get(taskID string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[taskID]
	return exec, ok
}

// Resume delivers msg to a suspended execution and returns it so the
// caller can consume the next stream segment. A task that is not live
// or not parked yields ErrTaskNotResumable.
func (r *Registry) Resume(ctx context.Context, taskID string, msg schema.Message) (*Execution, error) {
	exec, ok := r.Get(taskID)
	if !ok {
		return nil, tasks.ErrTaskNotResumable
	}
	if err := exec.Resume(ctx, msg); err != nil {
		return nil, err
	}
	return exec, nil
}

// Cancel stops the execution for taskID. It reports whether a live
// execution was found; the caller still owns the task state update.
func (r *Registry) Cancel(taskID string) bool {
	exec, ok := r.Get(taskID)
	if !ok {
		return false
	}
	exec.Cancel(r.grace)
	return true
}

// Len reports the number of live executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.execs)
}
