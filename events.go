package dispatchqueue

import (
	"sync"
	"time"
)

// ListenerID uniquely identifies a registered event listener for removal.
// Functions cannot be reliably compared in Go, so each registration is
// assigned a unique ID.
type ListenerID uint64

// ExceptionListener observes body exceptions. canContinue reports whether
// the dispatcher will keep running (its catch-exceptions setting); op is the
// operation whose body failed.
type ExceptionListener func(err error, canContinue bool, op *Operation)

// WatchdogListener observes watchdog firings: the configured threshold and
// the operation that exceeded it. Invoked on the watchdog goroutine.
type WatchdogListener func(threshold time.Duration, op *Operation)

// IdleListener observes the worker draining its queue and shutdown
// completion. Invoked on the worker goroutine.
type IdleListener func(d *Dispatcher)

// listenerRegistry is a minimal listener set with generated IDs, shared by
// the dispatcher's three event surfaces.
type listenerRegistry[T any] struct {
	mu        sync.RWMutex
	listeners map[ListenerID]T
	nextID    ListenerID
}

func (r *listenerRegistry[T]) add(listener T) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners == nil {
		r.listeners = make(map[ListenerID]T)
	}
	r.nextID++
	id := r.nextID
	r.listeners[id] = listener
	return id
}

func (r *listenerRegistry[T]) remove(id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[id]; !ok {
		return false
	}
	delete(r.listeners, id)
	return true
}

// snapshot returns the current listeners; dispatch iterates the snapshot so
// listeners may add or remove registrations from within a callback.
func (r *listenerRegistry[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.listeners) == 0 {
		return nil
	}
	out := make([]T, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

// OnException subscribes to body exceptions. The listener fires for every
// body error, regardless of the catch-exceptions setting.
func (d *Dispatcher) OnException(listener ExceptionListener) ListenerID {
	return d.exceptionListeners.add(listener)
}

// RemoveExceptionListener removes a subscription, reporting whether it
// existed.
func (d *Dispatcher) RemoveExceptionListener(id ListenerID) bool {
	return d.exceptionListeners.remove(id)
}

// OnWatchdog subscribes to watchdog firings. Raised on the watchdog
// goroutine; the firing is advisory and never affects operation state.
func (d *Dispatcher) OnWatchdog(listener WatchdogListener) ListenerID {
	return d.watchdogListeners.add(listener)
}

// RemoveWatchdogListener removes a subscription, reporting whether it
// existed.
func (d *Dispatcher) RemoveWatchdogListener(id ListenerID) bool {
	return d.watchdogListeners.remove(id)
}

// OnIdle subscribes to idle notifications: the queue was drained, or a
// shutdown mode completed. Raised on the worker goroutine.
func (d *Dispatcher) OnIdle(listener IdleListener) ListenerID {
	return d.idleListeners.add(listener)
}

// RemoveIdleListener removes a subscription, reporting whether it existed.
func (d *Dispatcher) RemoveIdleListener(id ListenerID) bool {
	return d.idleListeners.remove(id)
}

func (d *Dispatcher) raiseException(err error, canContinue bool, op *Operation) {
	for _, l := range d.exceptionListeners.snapshot() {
		l(err, canContinue, op)
	}
}

func (d *Dispatcher) raiseWatchdog(threshold time.Duration, op *Operation) {
	d.logger.Info().
		Stringer("operation", op.ID()).
		Dur("threshold", threshold).
		Int("events", op.WatchdogEvents()).
		Log("watchdog threshold exceeded")
	for _, l := range d.watchdogListeners.snapshot() {
		l(threshold, op)
	}
}

func (d *Dispatcher) raiseIdle() {
	for _, l := range d.idleListeners.snapshot() {
		l(d)
	}
}
