// Package run glues the stores, the bridge and the capability service
// into the per-turn entry point: one inbound message in, one ordered
// stream of persisted envelopes out.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inletworks/inlet/internal/bridge"
	"github.com/inletworks/inlet/internal/capability"
	"github.com/inletworks/inlet/internal/history"
	"github.com/inletworks/inlet/internal/idgen"
	"github.com/inletworks/inlet/internal/schema"
	"github.com/inletworks/inlet/internal/tasks"
)

// Inbound is one turn of the protocol. ContextID and TaskID are both
// optional: a missing context starts a new one, a task id targets a
// specific suspended task instead of whichever the context finds.
type Inbound struct {
	ContextID string         `json:"context_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Message   schema.Message `json:"message"`
}

// Stream is one segment of a task's output. The channel closes when the
// task reaches a terminal state, suspends, or the run aborts; Err is
// non-nil only for the abort case.
type Stream struct {
	TaskID    string
	ContextID string

	events chan schema.Envelope

	mu  sync.Mutex
	err error
}

// Events yields envelopes in the order they were persisted.
func (s *Stream) Events() <-chan schema.Envelope {
	return s.events
}

// Err reports a storage abort. Only meaningful after Events closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type contextLock struct {
	mu   sync.Mutex
	refs int
}

// Runner orchestrates runs. Inbounds for the same context are
// serialized; distinct contexts run concurrently.
type Runner struct {
	history history.Store
	tasks   *tasks.Store
	execs   *bridge.Registry
	handler bridge.Handler

	tokens   *capability.Service
	caps     *capability.Registry
	feed     *history.Feed
	subject  string
	runGrant capability.Grant
	tokenTTL time.Duration

	log     *slog.Logger
	newIDFn func() string
	nowFn   func() time.Time

	mu    sync.Mutex
	locks map[string]*contextLock
}

type Option func(*Runner)

// WithTokenService wires capability token minting into each run. The
// grant is the context-scoped permission set minted for the subject.
func WithTokenService(svc *capability.Service, subject string, grant capability.Grant, ttl time.Duration) Option {
	return func(r *Runner) {
		r.tokens = svc
		r.subject = subject
		r.runGrant = grant
		r.tokenTTL = ttl
	}
}

// WithCapabilityRegistry makes capabilities resolvable from handlers.
func WithCapabilityRegistry(reg *capability.Registry) Option {
	return func(r *Runner) {
		r.caps = reg
	}
}

// WithFeed publishes persisted items to live subscribers.
func WithFeed(feed *history.Feed) Option {
	return func(r *Runner) {
		r.feed = feed
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(r *Runner) {
		if newIDFn != nil {
			r.newIDFn = newIDFn
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(r *Runner) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

func NewRunner(hist history.Store, taskStore *tasks.Store, execs *bridge.Registry, handler bridge.Handler, opts ...Option) *Runner {
	r := &Runner{
		history: hist,
		tasks:   taskStore,
		execs:   execs,
		handler: handler,
		subject: "agent",
		log:     slog.Default(),
		newIDFn: idgen.New,
		nowFn:   func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*contextLock),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// lockContext serializes inbounds per context. The lock entry is
// refcounted so idle contexts do not accumulate in the map.
func (r *Runner) lockContext(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &contextLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			r.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(r.locks, id)
			}
			r.mu.Unlock()
		})
	}
}

// HandleInbound routes one turn: a fresh message starts a task, a
// message for a context holding a suspended task resumes it. The
// returned stream is already being pumped; the caller only reads.
func (r *Runner) HandleInbound(ctx context.Context, in Inbound) (*Stream, error) {
	if len(in.Message.Parts) == 0 {
		return nil, fmt.Errorf("message has no parts")
	}
	in.Message.Role = schema.RoleUser
	if in.Message.MessageID == "" {
		in.Message.MessageID = r.newIDFn()
	}

	contextID := in.ContextID
	if contextID == "" {
		contextID = r.newIDFn()
		if _, err := r.history.CreateContext(ctx, contextID); err != nil {
			return nil, fmt.Errorf("create context: %w", err)
		}
	} else {
		if _, err := r.history.GetContext(ctx, contextID); err != nil {
			return nil, err
		}
	}

	release := r.lockContext(contextID)
	stream, err := r.dispatch(ctx, contextID, in, release)
	if err != nil {
		release()
		return nil, err
	}
	return stream, nil
}

// dispatch runs under the context lock; the lock travels into the pump
// and is released when the stream segment ends.
func (r *Runner) dispatch(ctx context.Context, contextID string, in Inbound, release func()) (*Stream, error) {
	if err := r.history.TouchContext(ctx, contextID); err != nil {
		return nil, fmt.Errorf("touch context: %w", err)
	}

	target, resuming, err := r.route(ctx, contextID, in)
	if err != nil {
		return nil, err
	}
	if resuming {
		return r.resume(ctx, contextID, target, in.Message, release)
	}
	return r.start(ctx, contextID, in, release)
}

// route decides between resume and fresh start. An explicit task id
// must name a suspended task; without one, any suspended task in the
// context captures the message. A task the store calls suspended but
// whose execution is gone (process restart) is reaped to canceled
// rather than advertised as resumable.
func (r *Runner) route(ctx context.Context, contextID string, in Inbound) (tasks.Task, bool, error) {
	if in.TaskID != "" {
		task, err := r.tasks.Get(ctx, in.TaskID)
		if errors.Is(err, tasks.ErrTaskNotFound) {
			return tasks.Task{}, false, nil // fresh task with a custom id
		}
		if err != nil {
			return tasks.Task{}, false, err
		}
		if task.ContextID != contextID {
			return tasks.Task{}, false, fmt.Errorf("task %s does not belong to context %s", in.TaskID, contextID)
		}
		if !task.Status.State.Suspended() {
			return tasks.Task{}, false, tasks.ErrTaskNotResumable
		}
		if _, ok := r.execs.Get(task.ID); !ok {
			r.reap(contextID, task.ID)
			return tasks.Task{}, false, tasks.ErrTaskNotResumable
		}
		return task, true, nil
	}

	task, found, err := r.tasks.FindSuspended(ctx, contextID)
	if err != nil {
		return tasks.Task{}, false, err
	}
	if found {
		if _, ok := r.execs.Get(task.ID); !ok {
			r.reap(contextID, task.ID)
			return tasks.Task{}, false, nil // treat the message as a fresh run
		}
	}
	return task, found, nil
}

func (r *Runner) start(ctx context.Context, contextID string, in Inbound, release func()) (*Stream, error) {
	// Minting the run token can fail, so it happens before the task row
	// exists; otherwise the task would be stuck in a non-terminal state
	// with no execution behind it.
	newResolver, err := r.resolver(ctx, contextID, in.Message)
	if err != nil {
		return nil, err
	}

	task, err := r.tasks.Create(ctx, tasks.Spec{ID: in.TaskID, ContextID: contextID})
	if err != nil {
		return nil, err
	}

	item, err := r.history.Append(ctx, contextID, task.ID, in.Message)
	if err != nil {
		return nil, fmt.Errorf("append inbound message: %w", err)
	}
	r.publish(item)

	working := schema.TaskStatus{State: schema.StateWorking, Timestamp: r.nowFn()}
	if _, err := r.tasks.SetStatus(ctx, task.ID, working); err != nil {
		return nil, err
	}

	var caps bridge.CapabilityResolver
	if newResolver != nil {
		caps = newResolver(task.ID)
	}
	exec := r.execs.Start(r.handler, task.ID, contextID, in.Message, caps)
	return r.startPump(ctx, exec, contextID, task.ID, release), nil
}

func (r *Runner) resume(ctx context.Context, contextID string, task tasks.Task, msg schema.Message, release func()) (*Stream, error) {
	// Deliver first, persist second: if the registry refuses the resume
	// the message never entered a handler, so it must not enter the log.
	exec, err := r.execs.Resume(ctx, task.ID, msg)
	if err != nil {
		return nil, err
	}

	item, err := r.history.Append(ctx, contextID, task.ID, msg)
	if err != nil {
		// The handler already woke up; stop it rather than leave it
		// yielding into a stream nobody consumes.
		go exec.Cancel(bridge.DefaultCancelGrace)
		return nil, fmt.Errorf("append resume message: %w", err)
	}
	r.publish(item)

	working := schema.TaskStatus{State: schema.StateWorking, Timestamp: r.nowFn()}
	if _, err := r.tasks.SetStatus(ctx, task.ID, working); err != nil {
		go exec.Cancel(bridge.DefaultCancelGrace)
		return nil, err
	}
	return r.startPump(ctx, exec, contextID, task.ID, release), nil
}

// resolver mints the run token and returns a factory binding it to a
// task id once one exists. Extension params are lifted from the inbound
// message and carried through untouched.
func (r *Runner) resolver(ctx context.Context, contextID string, msg schema.Message) (func(taskID string) bridge.CapabilityResolver, error) {
	if r.caps == nil {
		return nil, nil
	}

	var wire []byte
	var verify func(capability.Requirement) error
	if r.tokens != nil {
		spec := capability.MintSpec{
			Subject:   r.subject,
			ContextID: contextID,
			Context:   r.runGrant,
		}
		if r.tokenTTL > 0 {
			spec.ExpiresAt = r.nowFn().Add(r.tokenTTL)
		}
		minted, _, err := r.tokens.Mint(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("mint run token: %w", err)
		}
		wire = minted
		verify = func(req capability.Requirement) error {
			if req.ContextID == "" {
				req.ContextID = contextID
			}
			_, err := r.tokens.Verify(wire, req)
			return err
		}
	}

	metadata := msg.Metadata
	subject := r.subject
	return func(taskID string) bridge.CapabilityResolver {
		return func(uri string) (capability.Capability, error) {
			return r.caps.Resolve(uri, capability.RunParams{
				ContextID: contextID,
				TaskID:    taskID,
				Subject:   subject,
				Token:     wire,
				Verify:    verify,
				Params:    schema.ExtensionBlock(metadata, uri),
			})
		}
	}, nil
}

func (r *Runner) startPump(ctx context.Context, exec *bridge.Execution, contextID, taskID string, release func()) *Stream {
	stream := &Stream{
		TaskID:    taskID,
		ContextID: contextID,
		events:    make(chan schema.Envelope),
	}
	go r.pump(ctx, exec, stream, release)
	return stream
}

// pump is the consumer side of the bridge: persist first, forward
// second, always in yield order. It owns the context lock until the
// segment ends.
func (r *Runner) pump(consumer context.Context, exec *bridge.Execution, stream *Stream, release func()) {
	defer release()
	defer close(stream.events)

	// Persistence outlives the caller's request context: envelopes the
	// handler already produced are recorded even if the caller is gone.
	ctx := context.Background()

	log := r.log.With("task_id", stream.TaskID, "context_id", stream.ContextID)
	sawTerminal := false
	canceling := false

	for env := range exec.Events() {
		if sawTerminal {
			log.Warn("dropping envelope yielded after terminal status", "kind", env.EnvelopeKind())
			continue
		}
		env = r.stamp(env, stream)
		suspending := false

		if update, ok := env.(schema.StatusUpdate); ok {
			if _, err := r.tasks.SetStatus(ctx, stream.TaskID, update.Status); err != nil {
				var transition *tasks.StatusTransitionError
				if errors.As(err, &transition) {
					log.Warn("dropping status update", "from", transition.From, "to", transition.To)
					continue
				}
				r.abort(stream, exec, err)
				return
			}
			sawTerminal = update.Status.State.Terminal()
			suspending = update.Status.State.Suspended()
		}

		item, err := r.history.Append(ctx, stream.ContextID, stream.TaskID, env)
		if err != nil {
			r.abort(stream, exec, err)
			return
		}
		r.publish(item)

		if !canceling {
			select {
			case stream.events <- env:
			case <-consumer.Done():
				if suspending {
					// The task just parked; losing the caller at that
					// moment must not wake the handler. It stays
					// suspended for a later turn.
					log.Info("consumer disconnected at suspension, task stays parked")
					r.watchParked(exec, stream.ContextID, stream.TaskID)
					return
				}
				// Caller is gone: cancel the handler but keep draining so
				// the terminal status still gets recorded.
				canceling = true
				log.Info("consumer disconnected, canceling run")
				go exec.Cancel(bridge.DefaultCancelGrace)
			}
		}
		if suspending {
			r.watchParked(exec, stream.ContextID, stream.TaskID)
			return
		}
	}

	if !sawTerminal {
		// The execution was abandoned without a recorded terminal state.
		status := schema.TaskStatus{State: schema.StateCanceled, Timestamp: r.nowFn()}
		if _, err := r.tasks.SetStatus(ctx, stream.TaskID, status); err != nil {
			log.Error("marking abandoned task canceled", "error", err)
			return
		}
		update := schema.StatusUpdate{TaskID: stream.TaskID, ContextID: stream.ContextID, Status: status, Final: true}
		if item, err := r.history.Append(ctx, stream.ContextID, stream.TaskID, update); err == nil {
			r.publish(item)
		}
	}
}

// watchParked fires when a parked execution dies without being resumed
// and moves the stored task out of the suspended state, so the store
// never advertises a resume that cannot happen.
func (r *Runner) watchParked(exec *bridge.Execution, contextID, taskID string) {
	go func() {
		<-exec.Done()
		task, err := r.tasks.Get(context.Background(), taskID)
		if err != nil {
			r.log.Error("checking parked task after execution ended", "task_id", taskID, "error", err)
			return
		}
		if !task.Status.State.Suspended() {
			return // resumed; the next segment's pump recorded the outcome
		}
		r.reap(contextID, taskID)
	}()
}

// reap marks a suspended task whose execution is gone as canceled and
// records the final update. Safe to call concurrently; the transition
// table lets exactly one caller through.
func (r *Runner) reap(contextID, taskID string) {
	ctx := context.Background()
	status := schema.TaskStatus{State: schema.StateCanceled, Timestamp: r.nowFn()}
	if _, err := r.tasks.SetStatus(ctx, taskID, status); err != nil {
		var transition *tasks.StatusTransitionError
		if !errors.As(err, &transition) {
			r.log.Error("marking lost task canceled", "task_id", taskID, "error", err)
		}
		return
	}
	r.log.Info("reaped suspended task with no execution", "task_id", taskID, "context_id", contextID)
	update := schema.StatusUpdate{TaskID: taskID, ContextID: contextID, Status: status, Final: true}
	if item, err := r.history.Append(ctx, contextID, taskID, update); err == nil {
		r.publish(item)
	} else {
		r.log.Error("recording canceled update for reaped task", "task_id", taskID, "error", err)
	}
}

// abort handles a storage failure: the run cannot make durable progress
// so the handler is stopped and the error surfaces at the transport.
func (r *Runner) abort(stream *Stream, exec *bridge.Execution, err error) {
	r.log.Error("run aborted on storage failure",
		"task_id", stream.TaskID, "context_id", stream.ContextID, "error", err)
	stream.setErr(err)
	go exec.Cancel(bridge.DefaultCancelGrace)

	status := schema.TaskStatus{
		State:     schema.StateFailed,
		Errors:    []schema.ErrorDetail{{Title: "storage", Message: err.Error()}},
		Timestamp: r.nowFn(),
	}
	if _, serr := r.tasks.SetStatus(context.Background(), stream.TaskID, status); serr != nil {
		r.log.Error("marking aborted task failed", "task_id", stream.TaskID, "error", serr)
	}
}

// stamp fills in identity fields the handler left blank.
func (r *Runner) stamp(env schema.Envelope, stream *Stream) schema.Envelope {
	switch v := env.(type) {
	case schema.Message:
		if v.MessageID == "" {
			v.MessageID = r.newIDFn()
		}
		return v
	case schema.Artifact:
		if v.ArtifactID == "" {
			v.ArtifactID = r.newIDFn()
		}
		return v
	case schema.StatusUpdate:
		if v.TaskID == "" {
			v.TaskID = stream.TaskID
		}
		if v.ContextID == "" {
			v.ContextID = stream.ContextID
		}
		if v.Status.Timestamp.IsZero() {
			v.Status.Timestamp = r.nowFn()
		}
		return v
	}
	return env
}

func (r *Runner) publish(item history.Item) {
	if r.feed != nil {
		r.feed.Publish(item)
	}
}
