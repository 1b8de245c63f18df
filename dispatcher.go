package dispatchqueue

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// PriorityDefault is the sentinel priority meaning "resolve against the
// dispatcher default at submission time".
const PriorityDefault = -1

// ShutdownMode selects the discipline applied to pending work when a
// dispatcher shuts down.
type ShutdownMode int32

const (
	// ShutdownNone indicates no shutdown is in progress. It is not a valid
	// argument to the shutdown operations.
	ShutdownNone ShutdownMode = iota
	// ShutdownDiscardPending cancels every waiting operation (including ones
	// enqueued later by timers); the currently executing body is allowed to
	// finish.
	ShutdownDiscardPending
	// ShutdownFinishPending drains the queue fully before terminating; new
	// submissions fail.
	ShutdownFinishPending
	// ShutdownAllowNew keeps accepting new submissions (e.g. follow-up work
	// from idle handlers) but terminates once the queue empties with no
	// operation running.
	ShutdownAllowNew
)

// String returns a human-readable representation of the mode.
func (m ShutdownMode) String() string {
	switch m {
	case ShutdownNone:
		return "None"
	case ShutdownDiscardPending:
		return "DiscardPending"
	case ShutdownFinishPending:
		return "FinishPending"
	case ShutdownAllowNew:
		return "AllowNew"
	default:
		return "Unknown"
	}
}

// stackEntry is one frame of the reentrant execution stack: the operation
// the worker is currently inside, with its resolved priority and options.
type stackEntry struct {
	op       *Operation
	priority int
	options  CaptureOptions
}

var dispatcherIDCounter atomic.Uint64

// Dispatcher is a thread-bound prioritized dispatcher: it owns one worker
// goroutine (the caller of [Dispatcher.Run]), accepts operations from any
// goroutine, and drains them in strict priority order.
type Dispatcher struct {
	id              uint64
	logger          *logiface.Logger[logiface.Event]
	defaultPriority int
	defaultOptions  CaptureOptions
	watchdogTimeout time.Duration
	catchExceptions bool

	// ambient is this dispatcher's own ambient state; dispatchers never share
	// ambient dimensions, so concurrent dispatchers cannot disturb each
	// other's installed hook or locales.
	ambient *AmbientState

	// signal is the posted-signal: buffered size 1, send-or-drop, so wakeups
	// deduplicate while the worker services the queue.
	signal chan struct{}

	exceptionListeners listenerRegistry[ExceptionListener]
	watchdogListeners  listenerRegistry[WatchdogListener]
	idleListeners      listenerRegistry[IdleListener]

	// mu guards everything below.
	mu           sync.Mutex
	workerID     uint64 // goroutine ID of the worker; 0 while not running
	queue        *PriorityQueue
	preRunQueue  *PriorityQueue
	shutdownMode ShutdownMode
	keepAlives   map[any]struct{}
	stack        []stackEntry
	watchdog     *Watchdog
	finished     chan struct{} // closed at teardown; recreated per run
	fatal        error
}

// New creates a dispatcher. The dispatcher accepts submissions immediately
// (into its pre-run queue) but executes nothing until [Dispatcher.Run] is
// called on the goroutine that will become the worker.
func New(opts ...Option) (*Dispatcher, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		id:              dispatcherIDCounter.Add(1),
		logger:          cfg.logger,
		defaultPriority: cfg.defaultPriority,
		defaultOptions:  cfg.defaultOptions,
		watchdogTimeout: cfg.watchdogTimeout,
		catchExceptions: cfg.catchExceptions,
		ambient:         NewAmbientState(),
		signal:          make(chan struct{}, 1),
		queue:           NewPriorityQueue(),
		preRunQueue:     NewPriorityQueue(),
		keepAlives:      make(map[any]struct{}),
	}, nil
}

// ID returns the dispatcher's process-unique identifier.
func (d *Dispatcher) ID() uint64 { return d.id }

// Ambient returns this dispatcher's ambient state. Submissions with a nil
// context capture from it, and bodies observe it through their captured
// [ExecutionContext].
func (d *Dispatcher) Ambient() *AmbientState { return d.ambient }

// DefaultPriority returns the priority that [PriorityDefault] resolves to.
func (d *Dispatcher) DefaultPriority() int { return d.defaultPriority }

// DefaultOptions returns the options that [OptionsDefault] resolves to.
func (d *Dispatcher) DefaultOptions() CaptureOptions { return d.defaultOptions }

// CatchExceptions reports whether the worker keeps running after a body
// exception.
func (d *Dispatcher) CatchExceptions() bool { return d.catchExceptions }

// WatchdogTimeout returns the surveillance threshold, or zero when disabled.
func (d *Dispatcher) WatchdogTimeout() time.Duration { return d.watchdogTimeout }

// IsRunning reports whether the dispatcher currently has a worker goroutine.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workerID != 0
}

// IsShuttingDown reports whether the dispatcher is running and a shutdown
// mode has been requested.
func (d *Dispatcher) IsShuttingDown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workerID != 0 && d.shutdownMode != ShutdownNone
}

// IsInThread reports whether the caller is the worker goroutine. A
// dispatcher that is not running reports false.
func (d *Dispatcher) IsInThread() bool {
	gid := getGoroutineID()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workerID != 0 && d.workerID == gid
}

// CurrentPriority returns the priority of the innermost currently executing
// operation. ok is false off the worker goroutine or when nothing is
// executing.
func (d *Dispatcher) CurrentPriority() (priority int, ok bool) {
	gid := getGoroutineID()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workerID == 0 || d.workerID != gid || len(d.stack) == 0 {
		return 0, false
	}
	return d.stack[len(d.stack)-1].priority, true
}

// CurrentOptions returns the capture options of the innermost currently
// executing operation. ok is false off the worker goroutine or when nothing
// is executing.
func (d *Dispatcher) CurrentOptions() (options CaptureOptions, ok bool) {
	gid := getGoroutineID()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workerID == 0 || d.workerID != gid || len(d.stack) == 0 {
		return CaptureNothing, false
	}
	return d.stack[len(d.stack)-1].options, true
}

// resolveSubmission maps the sentinels onto the dispatcher defaults and
// validates the resolved values.
func (d *Dispatcher) resolveSubmission(priority int, options CaptureOptions) (int, CaptureOptions, error) {
	if priority == PriorityDefault {
		priority = d.defaultPriority
	}
	if priority < 0 {
		return 0, 0, ErrInvalidPriority
	}
	if options == OptionsDefault {
		options = d.defaultOptions
	}
	if !options.valid() {
		return 0, 0, ErrInvalidOptions
	}
	return priority, options, nil
}

// Post enqueues a new operation without waiting and returns it.
//
// ec is cloned when non-nil, otherwise a fresh capture is taken on the
// calling goroutine. priority and options accept the [PriorityDefault] and
// [OptionsDefault] sentinels. Submissions before Run accumulate in the
// pre-run queue; submissions while shutting down fail with [ErrShuttingDown]
// unless the mode is [ShutdownAllowNew].
func (d *Dispatcher) Post(ec *ExecutionContext, priority int, options CaptureOptions, callable any, args ...any) (*Operation, error) {
	priority, options, err := d.resolveSubmission(priority, options)
	if err != nil {
		return nil, err
	}
	b, err := bindCallable(callable)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		if ec, err = d.ambient.Capture(options); err != nil {
			return nil, err
		}
	} else {
		ec = ec.Clone()
	}

	op := newOperation(d, ec, priority, options, b, args)

	d.mu.Lock()
	if d.workerID != 0 && d.shutdownMode != ShutdownNone && d.shutdownMode != ShutdownAllowNew {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	d.keepAlives[op] = struct{}{}
	if d.workerID == 0 {
		d.preRunQueue.Enqueue(op, priority)
	} else {
		d.queue.Enqueue(op, priority)
		d.raiseSignal()
	}
	d.mu.Unlock()

	d.logger.Debug().
		Stringer("operation", op.ID()).
		Int("priority", priority).
		Log("operation posted")
	return op, nil
}

// Send submits an operation and waits for its result.
//
// On the worker goroutine Send does not block: it opens a nested frame that
// services the queue until the submitted operation terminates, enabling
// reentrant cascading. On any other goroutine the caller blocks on the
// operation, up to timeout (zero waits indefinitely) or ctx cancellation.
//
// The result maps as: Finished returns the body's value; Exception returns a
// [*DispatcherError] wrapping the body error; Canceled and Aborted return
// [ErrOperationCanceled]; an expired deadline returns [ErrTimeout] (the
// operation continues and remains observable via its handle).
func (d *Dispatcher) Send(ec *ExecutionContext, priority int, options CaptureOptions, timeout time.Duration, ctx context.Context, callable any, args ...any) (any, error) {
	if timeout < 0 {
		return nil, ErrInvalidTimeout
	}
	op, err := d.Post(ec, priority, options, callable, args...)
	if err != nil {
		return nil, err
	}

	if d.IsInThread() {
		if err := d.frame(op); err != nil {
			return nil, err
		}
		return sendOutcome(op)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ok, err := op.Wait(timeout, ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if ctx.Err() != nil {
			return nil, ErrOperationCanceled
		}
		return nil, ErrTimeout
	}
	return sendOutcome(op)
}

// SendAsync is [Dispatcher.Send] as a future. Submission errors surface
// immediately; the future settles with the send outcome. Callable from the
// worker goroutine: the returned future is settled off-worker, so an
// asynchronous body can await it through its [Completion] handle.
func (d *Dispatcher) SendAsync(ec *ExecutionContext, priority int, options CaptureOptions, timeout time.Duration, ctx context.Context, callable any, args ...any) (*Future, error) {
	if timeout < 0 {
		return nil, ErrInvalidTimeout
	}
	op, err := d.Post(ec, priority, options, callable, args...)
	if err != nil {
		return nil, err
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
		case <-op.done:
			value, err := sendOutcome(op)
			if err != nil {
				f.reject(err)
			} else {
				f.resolve(value)
			}
		case <-deadline:
			f.reject(ErrTimeout)
		case <-ctx.Done():
			f.reject(ErrOperationCanceled)
		}
	}()
	return f, nil
}

// sendOutcome maps a terminal operation onto the send result contract.
func sendOutcome(op *Operation) (any, error) {
	switch op.State() {
	case StateFinished:
		return op.Result(), nil
	case StateException:
		return nil, &DispatcherError{Operation: op, Cause: op.Err()}
	case StateCanceled, StateAborted:
		return nil, ErrOperationCanceled
	default:
		// Only reachable when a nested frame unwound under shutdown before
		// the trigger terminated; teardown aborts it.
		return nil, ErrOperationCanceled
	}
}

// Run binds the calling goroutine as the worker and services the queue until
// a shutdown mode completes. It fails with [ErrAlreadyRunning] on a running
// dispatcher.
//
// Run replaces the ambient synchronization hook with a dispatcher-backed one
// for the duration of the run, moves the pre-run queue into the live queue,
// starts the watchdog, and enters the frame loop. With catch-exceptions
// disabled, the first body exception tears the dispatcher down and Run
// returns the wrapped error.
func (d *Dispatcher) Run() error {
	gid := getGoroutineID()

	d.mu.Lock()
	if d.workerID != 0 {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.workerID = gid
	d.shutdownMode = ShutdownNone
	d.fatal = nil
	d.finished = make(chan struct{})
	wd := newWatchdog(d)
	d.watchdog = wd
	d.preRunQueue.MoveTo(d.queue)
	if d.queue.Len() > 0 {
		d.raiseSignal()
	}
	d.mu.Unlock()

	prevHook := d.ambient.SetSynchronizationHook(&dispatcherHook{dispatcher: d})
	wd.start()
	d.logger.Info().
		Uint64("dispatcher", d.id).
		Log("dispatcher running")

	err := d.frame(nil)

	d.teardown(wd, prevHook)
	return err
}

// frame services the queue until an exit condition. The top-level frame
// (trigger == nil) exits when a shutdown mode completes; a reentrant frame
// exits once its trigger operation terminates.
func (d *Dispatcher) frame(trigger *Operation) error {
	for {
		// Inner servicing loop: drain by strict priority.
		for {
			if trigger != nil && trigger.State().IsTerminal() {
				// Terminated outside this frame: canceled by another caller,
				// or executed by a deeper nested frame.
				return nil
			}

			d.mu.Lock()
			if d.fatal != nil {
				err := d.fatal
				d.mu.Unlock()
				return err
			}
			mode := d.shutdownMode

			if mode == ShutdownDiscardPending {
				ops := d.queue.drain()
				d.mu.Unlock()
				for _, op := range ops {
					op.hardCancel()
				}
				d.signalIdle()
				return nil
			}

			if (mode == ShutdownFinishPending || mode == ShutdownAllowNew) && d.queue.Len() == 0 {
				d.mu.Unlock()
				d.signalIdle()
				if mode == ShutdownAllowNew {
					// Idle handlers may have enqueued follow-up work, which
					// AllowNew accepts until the queue truly empties.
					d.mu.Lock()
					again := d.queue.Len() > 0
					d.mu.Unlock()
					if again {
						continue
					}
				}
				return nil
			}

			if d.queue.Len() == 0 {
				d.mu.Unlock()
				break
			}

			op := d.queue.Dequeue()
			d.stack = append(d.stack, stackEntry{op: op, priority: op.priority, options: op.options})
			wd := d.watchdog
			d.mu.Unlock()

			wd.StartSurveillance(op)
			func() {
				defer func() {
					wd.StopSurveillance(op)
					d.mu.Lock()
					d.stack = d.stack[:len(d.stack)-1]
					d.mu.Unlock()
				}()
				op.execute(d)
			}()

			if op.State() == StateException {
				err := op.Err()
				d.raiseException(err, d.catchExceptions, op)
				if !d.catchExceptions {
					d.mu.Lock()
					if d.fatal == nil {
						d.fatal = &DispatcherError{Operation: op, Cause: err}
					}
					d.mu.Unlock()
				}
			}

			// A suspended trigger (async continuation) keeps the frame alive:
			// the frame exits only once the trigger terminates.
			if op == trigger && op.State().IsTerminal() {
				d.mu.Lock()
				empty := d.queue.Len() == 0
				fatal := d.fatal
				d.mu.Unlock()
				if empty {
					d.signalIdle()
				}
				return fatal
			}
		}

		// Consume a stale posted-signal before sleeping, re-scanning in case
		// a submission raced with the drain; otherwise the leftover token
		// would wake the worker into an empty queue.
		select {
		case <-d.signal:
			continue
		default:
		}

		// Queue empty: the worker would go to sleep.
		d.signalIdle()

		if trigger != nil {
			select {
			case <-d.signal:
			case <-trigger.done:
			}
		} else {
			<-d.signal
		}
	}
}

// teardown runs on the worker after the top-level frame exits: stop the
// watchdog, hard-cancel any remaining work, restore the ambient hook, clear
// the collections, and release shutdown waiters.
func (d *Dispatcher) teardown(wd *Watchdog, prevHook SynchronizationHook) {
	wd.halt()

	d.mu.Lock()
	stack := d.stack
	d.stack = nil
	ops := d.queue.drain()
	pre := d.preRunQueue.drain()
	keep := d.keepAlives
	d.keepAlives = make(map[any]struct{})
	finished := d.finished
	mode := d.shutdownMode
	d.workerID = 0
	d.shutdownMode = ShutdownNone
	d.watchdog = nil
	d.mu.Unlock()

	for i := len(stack) - 1; i >= 0; i-- {
		stack[i].op.hardCancel()
	}
	for _, op := range ops {
		op.hardCancel()
	}
	for _, op := range pre {
		op.hardCancel()
	}
	for obj := range keep {
		switch v := obj.(type) {
		case *Timer:
			v.Stop()
		case *Operation:
			// Covers operations suspended on an asynchronous continuation,
			// which sit in neither the stack nor the queues.
			v.hardCancel()
		}
	}

	d.signalIdle()
	d.ambient.SetSynchronizationHook(prevHook)

	// Clear any stale posted-signal so a later run starts clean.
	select {
	case <-d.signal:
	default:
	}

	d.logger.Info().
		Uint64("dispatcher", d.id).
		Stringer("mode", mode).
		Log("dispatcher terminated")
	close(finished)
}

// BeginShutdown requests shutdown in the given mode and wakes the worker. It
// does not wait; it may be called from the worker goroutine.
func (d *Dispatcher) BeginShutdown(mode ShutdownMode) error {
	if mode != ShutdownDiscardPending && mode != ShutdownFinishPending && mode != ShutdownAllowNew {
		return ErrInvalidShutdownMode
	}
	d.mu.Lock()
	if d.workerID == 0 {
		d.mu.Unlock()
		return ErrNotRunning
	}
	if d.shutdownMode != ShutdownNone {
		d.mu.Unlock()
		return ErrAlreadyShuttingDown
	}
	d.shutdownMode = mode
	d.raiseSignal()
	d.mu.Unlock()

	d.logger.Info().
		Uint64("dispatcher", d.id).
		Stringer("mode", mode).
		Log("shutdown requested")
	return nil
}

// Shutdown requests shutdown and blocks until the worker terminates. It
// fails with [ErrShutdownFromWorker] on the worker goroutine (the worker
// cannot wait for its own termination); use [Dispatcher.BeginShutdown]
// there.
func (d *Dispatcher) Shutdown(mode ShutdownMode) error {
	if d.IsInThread() {
		return ErrShutdownFromWorker
	}
	finished, err := d.beginShutdownWaitable(mode)
	if err != nil {
		return err
	}
	<-finished
	return nil
}

// ShutdownAsync requests shutdown and returns a future that settles when the
// worker terminates. Like [Dispatcher.Shutdown] it is rejected on the worker
// goroutine.
func (d *Dispatcher) ShutdownAsync(mode ShutdownMode) (*Future, error) {
	if d.IsInThread() {
		return nil, ErrShutdownFromWorker
	}
	finished, err := d.beginShutdownWaitable(mode)
	if err != nil {
		return nil, err
	}
	f := newFuture()
	go func() {
		<-finished
		f.resolve(nil)
	}()
	return f, nil
}

// beginShutdownWaitable is BeginShutdown plus an atomic grab of the finished
// channel, so waiters observe the termination of this run.
func (d *Dispatcher) beginShutdownWaitable(mode ShutdownMode) (<-chan struct{}, error) {
	if mode != ShutdownDiscardPending && mode != ShutdownFinishPending && mode != ShutdownAllowNew {
		return nil, ErrInvalidShutdownMode
	}
	d.mu.Lock()
	if d.workerID == 0 {
		d.mu.Unlock()
		return nil, ErrNotRunning
	}
	if d.shutdownMode != ShutdownNone {
		d.mu.Unlock()
		return nil, ErrAlreadyShuttingDown
	}
	d.shutdownMode = mode
	finished := d.finished
	d.raiseSignal()
	d.mu.Unlock()

	d.logger.Info().
		Uint64("dispatcher", d.id).
		Stringer("mode", mode).
		Log("shutdown requested")
	return finished, nil
}

// WaitForShutdown blocks until a dispatcher that is already shutting down
// terminates, or ctx is done. It fails with [ErrNotShuttingDown] when no
// shutdown is in progress, and with [ErrShutdownFromWorker] on the worker
// goroutine.
func (d *Dispatcher) WaitForShutdown(ctx context.Context) error {
	if d.IsInThread() {
		return ErrShutdownFromWorker
	}
	d.mu.Lock()
	if d.workerID == 0 || d.shutdownMode == ShutdownNone {
		d.mu.Unlock()
		return ErrNotShuttingDown
	}
	finished := d.finished
	d.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForShutdownAsync is [Dispatcher.WaitForShutdown] as a future, callable
// from the worker goroutine.
func (d *Dispatcher) WaitForShutdownAsync() (*Future, error) {
	d.mu.Lock()
	if d.workerID == 0 || d.shutdownMode == ShutdownNone {
		d.mu.Unlock()
		return nil, ErrNotShuttingDown
	}
	finished := d.finished
	d.mu.Unlock()

	f := newFuture()
	go func() {
		<-finished
		f.resolve(nil)
	}()
	return f, nil
}

// DoProcessing blocks until all operations at priority >= minPriority,
// including ones added during the wait, have been processed. On the worker
// goroutine it services the queue through nested frames instead of blocking.
//
// The barrier works by submitting sentinel no-ops at minPriority and waiting
// for them, repeating until the queue holds no work at or above that
// priority at inspection time.
func (d *Dispatcher) DoProcessing(minPriority int, ctx context.Context) error {
	if minPriority < 0 {
		return ErrInvalidPriority
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		d.mu.Lock()
		running := d.workerID != 0
		d.mu.Unlock()
		if !running {
			return ErrNotRunning
		}
		if _, err := d.Send(nil, minPriority, CaptureNothing, 0, ctx, func() {}); err != nil {
			return err
		}
		d.mu.Lock()
		pending := d.queue.HighestPriority() >= minPriority
		d.mu.Unlock()
		if !pending {
			return nil
		}
	}
}

// DoProcessingAsync is [Dispatcher.DoProcessing] as a future, callable from
// the worker goroutine.
func (d *Dispatcher) DoProcessingAsync(minPriority int) (*Future, error) {
	if minPriority < 0 {
		return nil, ErrInvalidPriority
	}
	f := newFuture()
	go func() {
		if err := d.DoProcessing(minPriority, context.Background()); err != nil {
			f.reject(err)
		} else {
			f.resolve(nil)
		}
	}()
	return f, nil
}

// AddKeepAlive stores a strong reference to obj until removed or torn down.
// It reports whether the dispatcher was running and the reference was added.
func (d *Dispatcher) AddKeepAlive(obj any) bool {
	if obj == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workerID == 0 {
		return false
	}
	d.keepAlives[obj] = struct{}{}
	return true
}

// RemoveKeepAlive removes a previously stored reference. It reports whether
// the dispatcher was running and the reference was present.
func (d *Dispatcher) RemoveKeepAlive(obj any) bool {
	if obj == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workerID == 0 {
		return false
	}
	if _, ok := d.keepAlives[obj]; !ok {
		return false
	}
	delete(d.keepAlives, obj)
	return true
}

// releaseKeepAlive drops the keep-alive reference for a terminal operation
// or stopped timer. Tolerates a torn-down dispatcher.
func (d *Dispatcher) releaseKeepAlive(obj any) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.keepAlives, obj)
	d.mu.Unlock()
}

// requeue re-enqueues a suspended operation at its original priority after
// its continuation handle completed. If the dispatcher tore down while the
// operation was suspended, the operation is aborted instead.
func (d *Dispatcher) requeue(op *Operation) {
	d.mu.Lock()
	if d.workerID == 0 {
		d.mu.Unlock()
		op.hardCancel()
		return
	}
	d.keepAlives[op] = struct{}{}
	d.queue.Enqueue(op, op.priority)
	d.raiseSignal()
	d.mu.Unlock()
}

// submitTimerOperation enqueues a timer-produced operation under the
// dispatcher lock, reporting whether the dispatcher was running and accepted
// it.
func (d *Dispatcher) submitTimerOperation(op *Operation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workerID == 0 {
		return false
	}
	if d.shutdownMode != ShutdownNone && d.shutdownMode != ShutdownAllowNew {
		return false
	}
	d.keepAlives[op] = struct{}{}
	d.queue.Enqueue(op, op.priority)
	d.raiseSignal()
	return true
}

// raiseSignal raises the posted-signal. Send-or-drop: the buffered channel
// deduplicates wakeups.
func (d *Dispatcher) raiseSignal() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// signalIdle notifies subscribers that the worker is about to sleep or that
// a shutdown mode completed. Raised on the worker goroutine.
func (d *Dispatcher) signalIdle() {
	d.raiseIdle()
}

// dispatcherHook is the dispatcher-backed synchronization hook installed for
// the duration of a run: continuations scheduled through the ambient hook
// re-enter through Post at current-or-default priority and options.
type dispatcherHook struct {
	dispatcher *Dispatcher
}

func (h *dispatcherHook) Post(fn func()) error {
	d := h.dispatcher
	priority := PriorityDefault
	options := OptionsDefault
	if p, ok := d.CurrentPriority(); ok {
		priority = p
	}
	if o, ok := d.CurrentOptions(); ok {
		options = o
	}
	_, err := d.Post(nil, priority, options, fn)
	return err
}

// getGoroutineID returns the current goroutine's ID, parsed from the runtime
// stack header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
