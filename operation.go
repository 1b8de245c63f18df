package dispatchqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationState represents the lifecycle state of an [Operation].
//
// State Machine:
//
//	Waiting → Canceled              [Cancel, shutdown discard]
//	Waiting → Executing             [worker dequeue]
//	Executing → Executing           [async continuation re-entry]
//	Executing → Finished            [body returned a value]
//	Executing → Exception           [body returned an error or panicked]
//	Executing → Aborted             [hard cancel during teardown]
//	Executing → Canceled            [body outcome was canceled]
//
// Terminal states (Finished, Canceled, Aborted, Exception) are absorbing.
type OperationState int32

const (
	// StateWaiting indicates the operation is enqueued and not yet started.
	StateWaiting OperationState = iota
	// StateExecuting indicates the worker is inside the body, or the body is
	// suspended on an asynchronous continuation.
	StateExecuting
	// StateFinished indicates the body completed with a result.
	StateFinished
	// StateCanceled indicates the operation was canceled before execution,
	// or its continuation handle was canceled.
	StateCanceled
	// StateAborted indicates the operation was hard-canceled while executing
	// (shutdown teardown).
	StateAborted
	// StateException indicates the body surfaced an error.
	StateException
)

// String returns a human-readable representation of the state.
func (s OperationState) String() string {
	switch s {
	case StateWaiting:
		return "Waiting"
	case StateExecuting:
		return "Executing"
	case StateFinished:
		return "Finished"
	case StateCanceled:
		return "Canceled"
	case StateAborted:
		return "Aborted"
	case StateException:
		return "Exception"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the state is absorbing.
func (s OperationState) IsTerminal() bool {
	switch s {
	case StateFinished, StateCanceled, StateAborted, StateException:
		return true
	}
	return false
}

// SyncCallable is a synchronous operation body: it receives the bound
// arguments and returns a result or an error.
type SyncCallable func(args []any) (any, error)

// AsyncCallable is an asynchronous operation body: it receives the bound
// arguments and returns a [*Completion] handle that settles later. A handle
// that is already settled on return terminates the operation immediately.
type AsyncCallable func(args []any) *Completion

// errNilCompletion surfaces an asynchronous body that returned a nil handle.
var errNilCompletion = errors.New("dispatchqueue: asynchronous body returned a nil completion handle")

// bodyKind discriminates the callable shape, probed once at submission.
type bodyKind uint8

const (
	bodySync bodyKind = iota
	bodyAsync
)

// body is the bound callable with its discriminant.
type body struct {
	sync  SyncCallable
	async AsyncCallable
	kind  bodyKind
}

// bindCallable probes the callable shape once, so execution never needs
// reflection. Supported shapes: [SyncCallable], [AsyncCallable], and the
// common niladic conveniences.
func bindCallable(callable any) (body, error) {
	switch fn := callable.(type) {
	case nil:
		return body{}, ErrNilCallable
	case SyncCallable:
		return body{kind: bodySync, sync: fn}, nil
	case func(args []any) (any, error):
		return body{kind: bodySync, sync: fn}, nil
	case AsyncCallable:
		return body{kind: bodyAsync, async: fn}, nil
	case func(args []any) *Completion:
		return body{kind: bodyAsync, async: fn}, nil
	case func() (any, error):
		return body{kind: bodySync, sync: func([]any) (any, error) { return fn() }}, nil
	case func() error:
		return body{kind: bodySync, sync: func([]any) (any, error) { return nil, fn() }}, nil
	case func():
		return body{kind: bodySync, sync: func([]any) (any, error) { fn(); return nil, nil }}, nil
	case func() *Completion:
		return body{kind: bodyAsync, async: func([]any) *Completion { return fn() }}, nil
	default:
		return body{}, ErrUnsupportedCallable
	}
}

// invoke runs the body. For an asynchronous body the returned value is its
// [*Completion] handle.
func (b body) invoke(args []any) (any, error) {
	if b.kind == bodyAsync {
		return b.async(args), nil
	}
	return b.sync(args)
}

// Operation is the unit of work submitted to a [Dispatcher]: a bound
// callable with its arguments, resolved priority and capture options, a
// captured [ExecutionContext], and a state machine driven by the worker.
//
// All exported accessors are safe from any goroutine.
type Operation struct {
	id         uuid.UUID
	dispatcher *Dispatcher
	context    *ExecutionContext
	body       body
	args       []any
	priority   int
	options    CaptureOptions

	// done is closed on entry to any terminal state.
	done chan struct{}
	// future settles alongside done: the result on Finished, a
	// DispatcherError on Exception, ErrOperationCanceled on Canceled/Aborted.
	future *Future

	// mu guards everything below.
	mu               sync.Mutex
	state            OperationState
	result           any
	err              error
	pending          *Completion
	dispatchedAt     time.Time
	firstExecutionAt time.Time
	lastExecutionAt  time.Time
	runTime          time.Duration
	bodyElapsed      time.Duration
	watchdogTime     time.Duration
	watchdogEvents   int
}

func newOperation(d *Dispatcher, ec *ExecutionContext, priority int, options CaptureOptions, b body, args []any) *Operation {
	bound := make([]any, len(args))
	copy(bound, args)
	return &Operation{
		id:           uuid.New(),
		dispatcher:   d,
		context:      ec,
		body:         b,
		args:         bound,
		priority:     priority,
		options:      options,
		done:         make(chan struct{}),
		future:       newFuture(),
		state:        StateWaiting,
		dispatchedAt: time.Now().UTC(),
	}
}

// ID returns the operation's unique identifier.
func (o *Operation) ID() uuid.UUID { return o.id }

// Priority returns the resolved priority bound at submission.
func (o *Operation) Priority() int { return o.priority }

// Options returns the resolved capture options bound at submission.
func (o *Operation) Options() CaptureOptions { return o.options }

// State returns the current [OperationState].
func (o *Operation) State() OperationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Result returns the value produced on Finished, else nil.
func (o *Operation) Result() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Err returns the error surfaced on Exception, else nil.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// DispatchedAt returns the UTC submission timestamp.
func (o *Operation) DispatchedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dispatchedAt
}

// FirstExecutionAt returns the UTC timestamp of the first entry into the
// body, or the zero time if the body never ran. Set once, never changed.
func (o *Operation) FirstExecutionAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.firstExecutionAt
}

// LastExecutionAt returns the UTC timestamp of the most recent entry into
// the body.
func (o *Operation) LastExecutionAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastExecutionAt
}

// RunTime returns the cumulative time the worker spent inside the body,
// excluding suspension. Non-decreasing; zero before the first execution.
func (o *Operation) RunTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runTime
}

// WatchdogEvents returns the count of watchdog firings attributed to this
// operation.
func (o *Operation) WatchdogEvents() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watchdogEvents
}

// WatchdogTime returns the body time accumulated since the last watchdog
// event.
func (o *Operation) WatchdogTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watchdogTime
}

// Done returns a channel closed when the operation reaches a terminal state.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Future returns the operation's done-future: resolved with the result on
// Finished, rejected with a [DispatcherError] on Exception and with
// [ErrOperationCanceled] on Canceled or Aborted.
func (o *Operation) Future() *Future { return o.future }

// Cancel transitions a Waiting operation to Canceled, signals waiters, and
// releases the dispatcher's keep-alive reference. It reports whether the
// transition happened; an operation past Waiting is unaffected.
func (o *Operation) Cancel() bool {
	o.mu.Lock()
	if o.state != StateWaiting {
		o.mu.Unlock()
		return false
	}
	o.terminateLocked(StateCanceled, nil, nil)
	o.mu.Unlock()
	o.dispatcher.releaseKeepAlive(o)
	return true
}

// hardCancel unconditionally terminates a live operation: Waiting becomes
// Canceled, Executing becomes Aborted. Used during shutdown teardown. It
// reports whether a transition happened.
func (o *Operation) hardCancel() bool {
	o.mu.Lock()
	var to OperationState
	switch o.state {
	case StateWaiting:
		to = StateCanceled
	case StateExecuting:
		to = StateAborted
	default:
		o.mu.Unlock()
		return false
	}
	o.terminateLocked(to, nil, nil)
	o.mu.Unlock()
	o.dispatcher.releaseKeepAlive(o)
	return true
}

// Wait blocks the calling goroutine until the operation reaches a terminal
// state, the timeout elapses, or ctx is done. A zero timeout waits
// indefinitely; a negative timeout is rejected. It returns true on
// termination within the deadline and false on timeout or wait cancellation
// (which affect the wait only, never the operation).
//
// Wait fails with [ErrWaitFromWorker] on the worker goroutine: a synchronous
// wait cannot be serviced from within the single worker.
func (o *Operation) Wait(timeout time.Duration, ctx context.Context) (bool, error) {
	if timeout < 0 {
		return false, ErrInvalidTimeout
	}
	if o.dispatcher != nil && o.dispatcher.IsInThread() {
		return false, ErrWaitFromWorker
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-o.done:
		return true, nil
	case <-deadline:
		return false, nil
	case <-ctx.Done():
		return false, nil
	}
}

// WaitAsync is [Operation.Wait] as a future, callable from the worker
// goroutine. The future resolves to true on termination within the deadline
// and false on timeout or cancellation of the wait.
func (o *Operation) WaitAsync(timeout time.Duration, ctx context.Context) (*Future, error) {
	if timeout < 0 {
		return nil, ErrInvalidTimeout
	}
	if ctx == nil {
		ctx = context.Background()
	}

	f := newFuture()
	go func() {
		var deadline <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-o.done:
			f.resolve(true)
		case <-deadline:
			f.resolve(false)
		case <-ctx.Done():
			f.resolve(false)
		}
	}()
	return f, nil
}

// execute drives one worker entry into the operation: the first entry runs
// the body through the captured context; a re-entry after an asynchronous
// suspension extracts the continuation outcome instead. Driven by the
// dispatcher, never by callers.
func (o *Operation) execute(d *Dispatcher) {
	o.mu.Lock()
	reentry := o.pending != nil
	if (!reentry && o.state != StateWaiting) || (reentry && o.state != StateExecuting) {
		o.mu.Unlock()
		return
	}
	o.state = StateExecuting
	now := time.Now().UTC()
	if o.firstExecutionAt.IsZero() {
		o.firstExecutionAt = now
	}
	o.lastExecutionAt = now
	pending := o.pending
	o.mu.Unlock()

	if reentry {
		value, err, canceled, done := pending.Outcome()
		if !done {
			// Spurious re-entry; the completion callback will requeue again.
			return
		}
		o.terminate(d, value, err, canceled)
		return
	}

	started := time.Now()
	value, err := o.context.run(o.options, func() (any, error) { return o.body.invoke(o.args) })
	o.recordBodyTime(time.Since(started))

	if o.body.kind == bodyAsync && err == nil {
		completion, _ := value.(*Completion)
		if completion == nil {
			o.terminate(d, nil, errNilCompletion, false)
			return
		}
		if !completion.IsComplete() {
			o.mu.Lock()
			o.pending = completion
			o.mu.Unlock()
			// Re-enqueue through the dispatcher so the re-entry happens on
			// the worker, after all higher-priority work queued by then.
			completion.onComplete(func() { d.requeue(o) })
			return
		}
		cv, cerr, canceled, _ := completion.Outcome()
		o.terminate(d, cv, cerr, canceled)
		return
	}

	o.terminate(d, value, err, false)
}

// terminate maps a body outcome onto the terminal state and releases the
// keep-alive reference.
func (o *Operation) terminate(d *Dispatcher, value any, err error, canceled bool) {
	o.mu.Lock()
	if o.state != StateExecuting {
		o.mu.Unlock()
		return
	}
	switch {
	case canceled || errors.Is(err, ErrOperationCanceled):
		o.terminateLocked(StateCanceled, nil, nil)
	case err != nil:
		o.terminateLocked(StateException, nil, err)
	default:
		o.terminateLocked(StateFinished, value, nil)
	}
	o.mu.Unlock()
	d.releaseKeepAlive(o)
}

// terminateLocked sets the terminal state and signals waiters. Caller holds
// the operation lock; the future settles outside any dispatcher lock.
func (o *Operation) terminateLocked(to OperationState, value any, err error) {
	o.state = to
	o.result = value
	o.err = err
	o.pending = nil
	close(o.done)
	switch to {
	case StateFinished:
		o.future.resolve(value)
	case StateException:
		o.future.reject(&DispatcherError{Operation: o, Cause: err})
	default:
		o.future.reject(ErrOperationCanceled)
	}
}

// recordBodyTime reconciles the cumulative runtime against a precise
// enter/exit measurement. The watchdog's 20ms sampling drives the value
// while the body runs; the precise measurement only ever adjusts upward, so
// the total stays non-decreasing.
func (o *Operation) recordBodyTime(elapsed time.Duration) {
	o.mu.Lock()
	o.bodyElapsed += elapsed
	if o.bodyElapsed > o.runTime {
		o.runTime = o.bodyElapsed
	}
	o.mu.Unlock()
}

// addWatchdogSample credits a sampled delta to the runtime counters and
// reports whether the watchdog threshold was crossed (resetting the
// per-event accumulator when it was).
func (o *Operation) addWatchdogSample(delta, threshold time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runTime += delta
	o.watchdogTime += delta
	if threshold > 0 && o.watchdogTime > threshold {
		o.watchdogTime = 0
		o.watchdogEvents++
		return true
	}
	return false
}
