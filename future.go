package dispatchqueue

import (
	"context"
	"sync"
)

// FutureState represents the lifecycle state of a [Future]. A future starts
// Pending and settles exactly once to Resolved or Rejected; transitions are
// irreversible.
type FutureState int32

const (
	// FuturePending indicates the future has not settled.
	FuturePending FutureState = iota
	// FutureResolved indicates the future settled with a value.
	FutureResolved
	// FutureRejected indicates the future settled with an error.
	FutureRejected
)

// String returns a human-readable representation of the state.
func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "Pending"
	case FutureResolved:
		return "Resolved"
	case FutureRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// FutureResult is the settled outcome of a [Future]: a value on resolution,
// or an error on rejection.
type FutureResult struct {
	Value any
	Err   error
}

// Future is a read-only view of a result produced later, used by the async
// variants of send, shutdown, and the processing barrier.
//
// Futures are safe for concurrent use; the resolve/reject side is internal to
// the dispatcher.
type Future struct {
	value       any
	err         error
	subscribers []chan FutureResult
	state       FutureState
	mu          sync.Mutex
}

func newFuture() *Future {
	return &Future{}
}

// State returns the current [FutureState].
func (f *Future) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Result returns the settled outcome, or (nil, nil) while pending. A
// resolved future can legitimately carry a nil value.
func (f *Future) Result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// ToChannel returns a channel that receives the outcome when the future
// settles. The channel is buffered and closed after sending; an
// already-settled future returns a pre-filled channel.
func (f *Future) ToChannel() <-chan FutureResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan FutureResult, 1)
	if f.state != FuturePending {
		ch <- FutureResult{Value: f.value, Err: f.err}
		close(ch)
		return ch
	}
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Await blocks until the future settles or ctx is done. It must not be
// called on the worker goroutine of the dispatcher that will settle the
// future; use [Future.ToChannel] together with an asynchronous callable
// there.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case r := <-f.ToChannel():
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve settles the future with a value. No effect once settled.
func (f *Future) resolve(value any) {
	f.settle(value, nil)
}

// reject settles the future with an error. No effect once settled.
func (f *Future) reject(err error) {
	f.settle(nil, err)
}

func (f *Future) settle(value any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != FuturePending {
		return
	}
	if err != nil {
		f.state = FutureRejected
	} else {
		f.state = FutureResolved
	}
	f.value = value
	f.err = err
	for _, ch := range f.subscribers {
		ch <- FutureResult{Value: value, Err: err}
		close(ch)
	}
	f.subscribers = nil
}

// Completion is the handle returned by an asynchronous operation body. The
// body returns a pending handle, arranges for it to complete later (from any
// goroutine), and the dispatcher re-enqueues the suspended operation once the
// handle settles. The operation's terminal state is derived from the handle
// outcome: Complete yields Finished, Fail yields Exception, and Cancel yields
// Canceled.
type Completion struct {
	value     any
	err       error
	callbacks []func()
	done      bool
	canceled  bool
	mu        sync.Mutex
}

// NewCompletion creates a pending completion handle.
func NewCompletion() *Completion {
	return &Completion{}
}

// Complete settles the handle with a value, reporting whether this call
// settled it.
func (c *Completion) Complete(value any) bool {
	return c.settle(value, nil, false)
}

// Fail settles the handle with an error, reporting whether this call settled
// it.
func (c *Completion) Fail(err error) bool {
	return c.settle(nil, err, false)
}

// Cancel settles the handle as canceled, reporting whether this call settled
// it.
func (c *Completion) Cancel() bool {
	return c.settle(nil, nil, true)
}

// IsComplete reports whether the handle has settled.
func (c *Completion) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Outcome returns the settled outcome. done is false while pending.
func (c *Completion) Outcome() (value any, err error, canceled bool, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err, c.canceled, c.done
}

// onComplete registers fn to run once the handle settles. If already
// settled, fn runs synchronously on the calling goroutine; otherwise it runs
// on the goroutine that settles the handle.
func (c *Completion) onComplete(fn func()) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *Completion) settle(value any, err error, canceled bool) bool {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.done = true
	c.value = value
	c.err = err
	c.canceled = canceled
	callbacks := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return true
}
