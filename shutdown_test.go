package dispatchqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdown_Validation(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	if err := d.BeginShutdown(ShutdownNone); !errors.Is(err, ErrInvalidShutdownMode) {
		t.Errorf("BeginShutdown(None) = %v, want ErrInvalidShutdownMode", err)
	}
	if err := d.BeginShutdown(ShutdownMode(99)); !errors.Is(err, ErrInvalidShutdownMode) {
		t.Errorf("BeginShutdown(99) = %v, want ErrInvalidShutdownMode", err)
	}
	if err := d.WaitForShutdown(context.Background()); !errors.Is(err, ErrNotShuttingDown) {
		t.Errorf("WaitForShutdown without shutdown = %v, want ErrNotShuttingDown", err)
	}
}

// TestShutdown_DiscardPending: with five slow bodies queued, a discard
// shutdown completes fewer than all of them; the rest end Canceled.
func TestShutdown_DiscardPending(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	var completed atomic.Int32
	ops := make([]*Operation, 5)
	for i := range ops {
		op, err := d.Post(nil, 0, OptionsDefault, func() {
			time.Sleep(100 * time.Millisecond)
			completed.Add(1)
		})
		if err != nil {
			t.Fatal(err)
		}
		ops[i] = op
	}

	time.Sleep(150 * time.Millisecond) // let the first body (or two) run
	if err := d.Shutdown(ShutdownDiscardPending); err != nil {
		t.Fatal(err)
	}

	if d.IsRunning() {
		t.Error("dispatcher still running after Shutdown returned")
	}
	done := int(completed.Load())
	if done >= 5 || done < 1 {
		t.Errorf("completed %d of 5 bodies, want at least 1 and fewer than 5", done)
	}
	canceled := 0
	for _, op := range ops {
		switch op.State() {
		case StateCanceled:
			canceled++
		case StateFinished:
		default:
			t.Errorf("operation ended %v, want Finished or Canceled", op.State())
		}
	}
	if canceled != 5-done {
		t.Errorf("canceled %d, want %d", canceled, 5-done)
	}
}

// TestShutdown_FinishPending: every operation queued at shutdown-request
// time reaches a terminal state before termination; new submissions fail.
func TestShutdown_FinishPending(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	var completed atomic.Int32
	ops := make([]*Operation, 5)
	for i := range ops {
		op, err := d.Post(nil, 0, OptionsDefault, func() {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
		})
		if err != nil {
			t.Fatal(err)
		}
		ops[i] = op
	}

	if err := d.BeginShutdown(ShutdownFinishPending); err != nil {
		t.Fatal(err)
	}
	if !d.IsShuttingDown() {
		t.Error("IsShuttingDown false after BeginShutdown")
	}
	if _, err := d.Post(nil, 0, OptionsDefault, func() {}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Post while finishing = %v, want ErrShuttingDown", err)
	}
	if err := d.WaitForShutdown(context.Background()); err != nil && !errors.Is(err, ErrNotShuttingDown) {
		t.Fatal(err)
	}
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	if got := completed.Load(); got != 5 {
		t.Errorf("completed %d of 5 queued bodies, want all", got)
	}
	for i, op := range ops {
		if op.State() != StateFinished {
			t.Errorf("operation %d ended %v, want Finished", i, op.State())
		}
	}
}

// TestShutdown_AllowNewAcceptsFollowUps: running bodies (and the idle
// handler) may enqueue follow-up work during an AllowNew shutdown; the
// dispatcher terminates once the queue empties with nothing running.
func TestShutdown_AllowNewAcceptsFollowUps(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	var followUp atomic.Bool
	var followUpErr error
	first, err := d.Post(nil, 0, OptionsDefault, func() {
		time.Sleep(50 * time.Millisecond) // shutdown arrives while running
		_, followUpErr = d.Post(nil, 0, OptionsDefault, func() { followUp.Store(true) })
	})
	if err != nil {
		t.Fatal(err)
	}

	waitExecuting(t, first)
	f, err := d.ShutdownAsync(ShutdownAllowNew)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Await(context.Background()); err != nil {
		t.Fatal(err)
	}

	if followUpErr != nil {
		t.Errorf("follow-up Post during AllowNew shutdown failed: %v", followUpErr)
	}
	if !followUp.Load() {
		t.Error("follow-up body never ran before termination")
	}
}

// TestShutdown_AllowNewIdleHandlerFollowUp: a submission from the Idle
// handler during an AllowNew shutdown is accepted.
func TestShutdown_AllowNewIdleHandlerFollowUp(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	var posted atomic.Bool
	var ran atomic.Bool
	d.OnIdle(func(d *Dispatcher) {
		if d.IsShuttingDown() && posted.CompareAndSwap(false, true) {
			if _, err := d.Post(nil, 0, OptionsDefault, func() { ran.Store(true) }); err != nil {
				t.Errorf("Post from idle handler during AllowNew shutdown: %v", err)
			}
		}
	})

	holder := postAndWaitExecuting(t, d, 0, 50*time.Millisecond)
	_ = holder
	if err := d.Shutdown(ShutdownAllowNew); err != nil {
		t.Fatal(err)
	}
	if !posted.Load() {
		t.Fatal("idle handler never observed the shutdown")
	}
	if !ran.Load() {
		t.Error("idle-handler follow-up never ran")
	}
}

func TestShutdown_FromWorkerFails(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	var shutdownErr, asyncErr, beginErr error
	op, err := d.Post(nil, PriorityDefault, OptionsDefault, func() {
		shutdownErr = d.Shutdown(ShutdownFinishPending)
		_, asyncErr = d.ShutdownAsync(ShutdownFinishPending)
		beginErr = d.BeginShutdown(ShutdownFinishPending)
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, op)
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	if !errors.Is(shutdownErr, ErrShutdownFromWorker) {
		t.Errorf("Shutdown on worker = %v, want ErrShutdownFromWorker", shutdownErr)
	}
	if !errors.Is(asyncErr, ErrShutdownFromWorker) {
		t.Errorf("ShutdownAsync on worker = %v, want ErrShutdownFromWorker", asyncErr)
	}
	if beginErr != nil {
		t.Errorf("BeginShutdown on worker = %v, want nil", beginErr)
	}
}

func TestShutdown_DoubleShutdownFails(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	holder := postAndWaitExecuting(t, d, 0, 100*time.Millisecond)
	if err := d.BeginShutdown(ShutdownFinishPending); err != nil {
		t.Fatal(err)
	}
	if err := d.BeginShutdown(ShutdownDiscardPending); !errors.Is(err, ErrAlreadyShuttingDown) {
		t.Errorf("second BeginShutdown = %v, want ErrAlreadyShuttingDown", err)
	}
	// The dispatcher may finish draining before the wait begins.
	if err := d.WaitForShutdown(context.Background()); err != nil && !errors.Is(err, ErrNotShuttingDown) {
		t.Fatal(err)
	}
	if err := stop(); err != nil {
		t.Fatal(err)
	}
	if holder.State() != StateFinished {
		t.Errorf("holder ended %v, want Finished", holder.State())
	}
}

// TestShutdown_CurrentBodyRunsToCompletion: a discard shutdown lets the
// executing body finish normally and reports it as Finished.
func TestShutdown_CurrentBodyRunsToCompletion(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	var finished atomic.Bool
	entered := make(chan struct{})
	op, err := d.Post(nil, 0, OptionsDefault, func() {
		close(entered)
		time.Sleep(80 * time.Millisecond)
		finished.Store(true)
	})
	if err != nil {
		t.Fatal(err)
	}
	<-entered

	if err := d.Shutdown(ShutdownDiscardPending); err != nil {
		t.Fatal(err)
	}
	if !finished.Load() {
		t.Error("executing body did not run to completion through the discard shutdown")
	}
	if op.State() != StateFinished {
		t.Errorf("current operation ended %v, want Finished", op.State())
	}
}

// waitExecuting spins until op reports Executing.
func waitExecuting(t *testing.T, op *Operation) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for op.State() != StateExecuting {
		if op.State().IsTerminal() {
			t.Fatalf("operation terminated (%v) before it was observed executing", op.State())
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for operation to start executing")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
