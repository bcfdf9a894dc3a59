// Package bridge hands envelopes between a handler goroutine and the
// caller that streams them out. A handler runs once per task; when it
// needs input it parks on a resume channel and the stream segment ends.
package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/inletworks/inlet/internal/capability"
	"github.com/inletworks/inlet/internal/runcontext"
	"github.com/inletworks/inlet/internal/schema"
	"github.com/inletworks/inlet/internal/tasks"
)

// Handler executes a task. Run is called exactly once; a handler that
// suspends via RequireInput or RequireAuth blocks inside Run until the
// task is resumed or its context is canceled.
type Handler interface {
	Run(ctx context.Context, t *Turn) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t *Turn) error

func (f HandlerFunc) Run(ctx context.Context, t *Turn) error {
	return f(ctx, t)
}

// CapabilityResolver resolves a capability URI for the running task.
type CapabilityResolver func(uri string) (capability.Capability, error)

// Turn is the handler's view of one execution.
type Turn struct {
	exec *Execution
	caps CapabilityResolver

	mu  sync.Mutex
	msg schema.Message
}

// Message returns the most recent inbound message: the initial message
// at the start of Run, or the resume message after a suspension.
func (t *Turn) Message() schema.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msg
}

func (t *Turn) setMessage(msg schema.Message) {
	t.mu.Lock()
	t.msg = msg
	t.mu.Unlock()
}

// Yield normalizes v into an envelope and hands it to the stream.
// It blocks until the consumer takes it or the execution ends.
func (t *Turn) Yield(ctx context.Context, v any) error {
	env := schema.Normalize(v)
	if env == nil {
		return fmt.Errorf("yield: unsupported value %T", v)
	}
	return t.exec.push(ctx, env)
}

// RequireInput suspends the task in the input_required state and blocks
// until a resume message arrives. The prompt tells the caller what to
// send back.
func (t *Turn) RequireInput(ctx context.Context, prompt string) (schema.Message, error) {
	return t.suspend(ctx, schema.StateInputRequired, prompt, nil)
}

// RequireAuth suspends the task in the auth_required state. Metadata, if
// non-nil, rides on the prompting message so the caller knows which
// credential or consent is being asked for.
func (t *Turn) RequireAuth(ctx context.Context, prompt string, metadata map[string]any) (schema.Message, error) {
	return t.suspend(ctx, schema.StateAuthRequired, prompt, metadata)
}

func (t *Turn) suspend(ctx context.Context, state schema.TaskState, prompt string, metadata map[string]any) (schema.Message, error) {
	promptMsg := schema.AgentMessage(prompt)
	promptMsg.Metadata = metadata
	update := schema.StatusUpdate{
		TaskID:    t.exec.TaskID,
		ContextID: t.exec.ContextID,
		Status: schema.TaskStatus{
			State:   state,
			Message: &promptMsg,
		},
	}

	// Mark suspended before the status update goes out so a resume that
	// races the stream consumer still finds the execution parked.
	t.exec.setSuspended(true)
	if err := t.exec.push(ctx, update); err != nil {
		t.exec.setSuspended(false)
		return schema.Message{}, err
	}

	select {
	case msg := <-t.exec.resume:
		t.setMessage(msg)
		return msg, nil
	case <-ctx.Done():
		t.exec.setSuspended(false)
		return schema.Message{}, ctx.Err()
	case <-t.exec.stop:
		t.exec.setSuspended(false)
		return schema.Message{}, tasks.ErrTaskNotResumable
	}
}

// Capability resolves a capability negotiated for this run.
func (t *Turn) Capability(uri string) (capability.Capability, error) {
	if t.caps == nil {
		return nil, capability.ErrNotAvailable
	}
	return t.caps(uri)
}

// Execution is one running handler. Envelopes the handler yields arrive
// on Events; the channel closes when the handler returns.
type Execution struct {
	TaskID    string
	ContextID string

	yield  chan schema.Envelope
	resume chan schema.Message
	done   chan struct{}
	stop   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	suspended bool
	stopped   bool
	err       error
}

// newExecution starts handler in its own goroutine. The handler context
// is detached from the caller so the execution can outlive a dropped
// connection; it carries the task and context ids for logging.
func newExecution(handler Handler, taskID, contextID string, initial schema.Message, caps CapabilityResolver) *Execution {
	hctx, cancel := context.WithCancel(context.Background())
	hctx = runcontext.WithTaskID(hctx, taskID)
	hctx = runcontext.WithContextID(hctx, contextID)

	exec := &Execution{
		TaskID:    taskID,
		ContextID: contextID,
		yield:     make(chan schema.Envelope),
		resume:    make(chan schema.Message),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
		cancel:    cancel,
	}
	turn := &Turn{exec: exec, caps: caps, msg: initial}

	go func() {
		err := runHandler(hctx, handler, turn)
		exec.finish(hctx, err)
	}()
	return exec
}

// runHandler invokes the handler and converts a panic into an error so
// one bad handler cannot take the process down.
func runHandler(ctx context.Context, handler Handler, turn *Turn) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return handler.Run(ctx, turn)
}

// finish emits the terminal status update and closes the stream. A nil
// handler error completes the task; context cancellation cancels it;
// anything else fails it with the full error chain attached.
func (e *Execution) finish(ctx context.Context, err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()

	status := schema.TaskStatus{State: schema.StateCompleted}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = schema.TaskStatus{State: schema.StateCanceled}
	default:
		status = schema.TaskStatus{
			State:  schema.StateFailed,
			Errors: schema.ErrorDetails(err),
		}
	}
	final := schema.StatusUpdate{
		TaskID:    e.TaskID,
		ContextID: e.ContextID,
		Status:    status,
		Final:     true,
	}

	select {
	case e.yield <- final:
	case <-e.stop:
	}
	close(e.yield)
	close(e.done)
}

// Events is the stream of envelopes the handler yields. The consumer
// reads until a suspended status update (segment over, handler parked)
// or until the channel closes (handler returned).
func (e *Execution) Events() <-chan schema.Envelope {
	return e.yield
}

// Done is closed once the handler goroutine has exited.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Err reports the handler's error. Only meaningful after Done.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Suspended reports whether the handler is parked waiting for a resume.
func (e *Execution) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

func (e *Execution) setSuspended(v bool) {
	e.mu.Lock()
	e.suspended = v
	e.mu.Unlock()
}

// Resume delivers msg to the parked handler. Exactly one caller wins;
// everyone else gets ErrTaskNotResumable.
func (e *Execution) Resume(ctx context.Context, msg schema.Message) error {
	e.mu.Lock()
	if !e.suspended {
		e.mu.Unlock()
		return tasks.ErrTaskNotResumable
	}
	e.suspended = false
	e.mu.Unlock()

	select {
	case e.resume <- msg:
		return nil
	case <-e.done:
		return tasks.ErrTaskNotResumable
	case <-ctx.Done():
		e.setSuspended(true)
		return ctx.Err()
	}
}

// push hands env to the consumer. It returns an error once the handler
// context is canceled or the execution is abandoned so a handler that
// keeps yielding unwinds promptly.
func (e *Execution) push(ctx context.Context, env schema.Envelope) error {
	select {
	case e.yield <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return tasks.ErrTaskNotResumable
	}
}

// Cancel asks the handler to stop and waits up to grace for it to exit.
// A handler that does not return within the grace period is abandoned:
// its future yields fail fast and its goroutine unwinds on its own time.
func (e *Execution) Cancel(grace time.Duration) {
	e.cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
	}
	e.abandon()
}

func (e *Execution) abandon() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.stop)
}
