// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatchqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimerMode selects between one-shot and periodic timers.
type TimerMode int32

const (
	// TimerOneShot fires once after the interval, then stops.
	TimerOneShot TimerMode = iota
	// TimerPeriodic fires repeatedly every interval until stopped.
	TimerPeriodic
)

// String returns a human-readable representation of the mode.
func (m TimerMode) String() string {
	switch m {
	case TimerOneShot:
		return "OneShot"
	case TimerPeriodic:
		return "Periodic"
	default:
		return "Unknown"
	}
}

// Timer submits a bound operation template into its dispatcher on a delay or
// on a fixed period. Firing is driven by the host timer facility, never by
// the worker; each fire briefly takes the dispatcher's lock to enqueue and
// never blocks on operation execution.
//
// At most one operation produced by a timer is outstanding at any time:
// fires that land while the previous operation is still live are counted as
// misses instead of submitting.
//
// Create timers with [Dispatcher.PostDelayed]; a new timer is stopped and
// must be armed with [Timer.Start].
type Timer struct {
	id         uuid.UUID
	dispatcher *Dispatcher
	mode       TimerMode

	// Bound operation template.
	context  *ExecutionContext
	priority int
	options  CaptureOptions
	body     body
	args     []any

	mu             sync.Mutex
	interval       time.Duration
	running        bool
	cancel         context.CancelFunc
	executionCount int
	missCount      int
	previous       *Operation
}

// PostDelayed creates a stopped [Timer] bound to the given work: when
// started, the timer submits an operation built from the template once after
// the interval (one-shot) or repeatedly every interval (periodic).
//
// delay is the timer's initial interval; [Timer.Start] arms it. The
// dispatcher must be running.
func (d *Dispatcher) PostDelayed(mode TimerMode, delay time.Duration, ec *ExecutionContext, priority int, options CaptureOptions, callable any, args ...any) (*Timer, error) {
	if mode != TimerOneShot && mode != TimerPeriodic {
		return nil, ErrInvalidTimerMode
	}
	if delay <= 0 {
		return nil, ErrInvalidInterval
	}
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
	if !d.IsRunning() {
		return nil, ErrNotRunning
	}

	bound := make([]any, len(args))
	copy(bound, args)
	return &Timer{
		id:         uuid.New(),
		dispatcher: d,
		mode:       mode,
		context:    ec,
		priority:   priority,
		options:    options,
		body:       b,
		args:       bound,
		interval:   delay,
	}, nil
}

// ID returns the timer's unique identifier.
func (t *Timer) ID() uuid.UUID { return t.id }

// Mode returns the timer mode.
func (t *Timer) Mode() TimerMode { return t.mode }

// Interval returns the currently configured interval.
func (t *Timer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// IsRunning reports whether the timer is armed.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// ExecutionCount returns the number of operations this timer has submitted
// since it was last started.
func (t *Timer) ExecutionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executionCount
}

// MissCount returns the number of fires skipped because the previous
// operation was still live, since the timer was last started.
func (t *Timer) MissCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missCount
}

// PreviousOperation returns the most recently submitted operation, or nil.
func (t *Timer) PreviousOperation() *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previous
}

// Start arms the timer with the given interval, resetting the execution and
// miss counters. It fails on a running timer and for non-positive intervals.
// The timer joins the dispatcher's keep-alive set for the duration.
func (t *Timer) Start(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrTimerAlreadyRunning
	}
	t.running = true
	t.interval = interval
	t.executionCount = 0
	t.missCount = 0
	t.previous = nil
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	t.dispatcher.AddKeepAlive(t)
	go t.fireLoop(ctx, interval)
	return nil
}

// Stop disarms the timer, removes it from the dispatcher's keep-alive set,
// and reports whether it was running.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return false
	}
	t.running = false
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	cancel()
	t.dispatcher.releaseKeepAlive(t)
	return true
}

// Restart is [Timer.Stop] followed by [Timer.Start] with the given interval.
func (t *Timer) Restart(interval time.Duration) error {
	t.Stop()
	return t.Start(interval)
}

// fireLoop drives the host timer: a single delay for one-shot, a fixed-rate
// ticker for periodic. It runs off the worker goroutine.
func (t *Timer) fireLoop(ctx context.Context, interval time.Duration) {
	if t.mode == TimerOneShot {
		host := time.NewTimer(interval)
		defer host.Stop()
		select {
		case <-ctx.Done():
		case <-host.C:
			t.fire()
		}
		return
	}

	host := time.NewTicker(interval)
	defer host.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-host.C:
			t.fire()
		}
	}
}

// fire executes the per-fire contract under the timer's lock: skip if
// stopped, count a miss if the previous operation is still live, otherwise
// submit a fresh operation under the dispatcher's lock. One-shot timers and
// timers whose dispatcher is no longer accepting work stop themselves.
func (t *Timer) fire() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}

	if prev := t.previous; prev != nil && !prev.State().IsTerminal() {
		t.missCount++
		t.mu.Unlock()
		t.dispatcher.logger.Debug().
			Stringer("timer", t.id).
			Log("timer fire missed, previous operation still live")
		return
	}

	op := newOperation(t.dispatcher, t.context.Clone(), t.priority, t.options, t.body, t.args)
	submitted := t.dispatcher.submitTimerOperation(op)
	if submitted {
		t.previous = op
		t.executionCount++
	}
	stop := t.mode == TimerOneShot || !submitted
	t.mu.Unlock()

	if stop {
		t.Stop()
	}
}
