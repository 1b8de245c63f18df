package dispatchqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_DoubleRunFails(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	if err := d.Run(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
}

func TestRun_ConcurrentRunRace(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatal(err)
	}

	var successes, failures atomic.Int32
	var wg sync.WaitGroup
	const count = 32
	wg.Add(count)
	for i := 0; i < count; i++ {
		go func() {
			defer wg.Done()
			waitForRunning(t, d)
			if err := d.Run(); errors.Is(err, ErrAlreadyRunning) {
				failures.Add(1)
			} else if err == nil {
				successes.Add(1)
			}
		}()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()
	waitForRunning(t, d)
	wg.Wait()

	if failures.Load() != count {
		t.Errorf("expected %d ErrAlreadyRunning results, got %d", count, failures.Load())
	}
	_ = d.BeginShutdown(ShutdownDiscardPending)
	<-runDone
}

func TestPost_PreRunQueueDrainsOnRun(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	var ops []*Operation
	for i := 0; i < 3; i++ {
		v := i
		op, err := d.Post(nil, PriorityDefault, OptionsDefault, func() { rec.append(v) })
		if err != nil {
			t.Fatal(err)
		}
		ops = append(ops, op)
	}
	if d.IsRunning() {
		t.Fatal("dispatcher unexpectedly running")
	}

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()
	for _, op := range ops {
		waitTerminal(t, op)
	}
	if got := rec.snapshot(); !equalSeq(got, []int{0, 1, 2}) {
		t.Errorf("pre-run submissions ran as %v, want [0 1 2]", got)
	}

	_ = d.BeginShutdown(ShutdownFinishPending)
	<-runDone
}

// TestOrdering_StrictPriority is the end-to-end ordering scenario: five
// operations at priorities [0, 0, 1, 1, 123456789], the first one sleeping
// so the rest queue behind it. The worker must drain highest priority first,
// FIFO within a priority.
func TestOrdering_StrictPriority(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	rec := &recorder{}
	postAndWaitExecuting(t, d, 0, 100*time.Millisecond)

	for _, sub := range []struct{ priority, value int }{
		{0, 0}, {1, 1}, {1, 2}, {123456789, 3},
	} {
		v := sub.value
		if _, err := d.Post(nil, sub.priority, OptionsDefault, func() { rec.append(v) }); err != nil {
			t.Fatal(err)
		}
	}

	if err := d.DoProcessing(0, context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rec.snapshot(); !equalSeq(got, []int{3, 1, 2, 0}) {
		t.Errorf("execution order = %v, want [3 1 2 0]", got)
	}
}

// TestOrdering_DefaultPriority exercises the PriorityDefault sentinel with a
// configured default of 100: explicit priorities 0, 1, and 123456789
// interleave with two default submissions.
func TestOrdering_DefaultPriority(t *testing.T) {
	d, stop := startDispatcher(t, WithDefaultPriority(100))
	defer stop()

	rec := &recorder{}
	postAndWaitExecuting(t, d, 0, 100*time.Millisecond)

	for _, sub := range []struct{ priority, value int }{
		{PriorityDefault, 0}, {PriorityDefault, 1}, {1, 2}, {123456789, 3},
	} {
		v := sub.value
		if _, err := d.Post(nil, sub.priority, OptionsDefault, func() { rec.append(v) }); err != nil {
			t.Fatal(err)
		}
	}

	if err := d.DoProcessing(0, context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rec.snapshot(); !equalSeq(got, []int{3, 0, 1, 2}) {
		t.Errorf("execution order = %v, want [3 0 1 2]", got)
	}
}

func TestPost_Validation(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	if _, err := d.Post(nil, -2, OptionsDefault, func() {}); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("Post with priority -2 = %v, want ErrInvalidPriority", err)
	}
	if _, err := d.Post(nil, 0, CaptureOptions(1<<20), func() {}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Post with undefined options = %v, want ErrInvalidOptions", err)
	}
	if _, err := d.Post(nil, 0, OptionsDefault, nil); !errors.Is(err, ErrNilCallable) {
		t.Errorf("Post with nil callable = %v, want ErrNilCallable", err)
	}
	if _, err := d.Post(nil, 0, OptionsDefault, 42); !errors.Is(err, ErrUnsupportedCallable) {
		t.Errorf("Post with non-callable = %v, want ErrUnsupportedCallable", err)
	}
}

// TestCancel_RemovesWaitingOperation: cancel on a Waiting operation is
// deterministic and the worker never runs its body.
func TestCancel_RemovesWaitingOperation(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	postAndWaitExecuting(t, d, 0, 80*time.Millisecond)

	var ran atomic.Bool
	op, err := d.Post(nil, 0, OptionsDefault, func() { ran.Store(true) })
	if err != nil {
		t.Fatal(err)
	}
	if !op.Cancel() {
		t.Fatal("Cancel on Waiting operation returned false")
	}
	if err := d.DoProcessing(0, context.Background()); err != nil {
		t.Fatal(err)
	}
	if ran.Load() {
		t.Error("canceled operation body ran")
	}
	if op.State() != StateCanceled {
		t.Errorf("state = %v, want Canceled", op.State())
	}
}

func TestSend_FromOtherGoroutine(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	v, err := d.Send(nil, PriorityDefault, OptionsDefault, 0, nil, func() (any, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("Send = (%v, %v), want (42, nil)", v, err)
	}
}

func TestSend_Timeout(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	// Worker busy past the send deadline; the wait expires, the operation
	// still completes later.
	postAndWaitExecuting(t, d, 9, 300*time.Millisecond)

	var ran atomic.Bool
	_, err := d.Send(nil, 0, OptionsDefault, 50*time.Millisecond, nil, func() { ran.Store(true) })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send = %v, want ErrTimeout", err)
	}
	if err := d.DoProcessing(0, context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ran.Load() {
		t.Error("operation abandoned by the wait never executed")
	}
}

func TestSend_WaitCancellation(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	postAndWaitExecuting(t, d, 9, 300*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := d.Send(nil, 0, OptionsDefault, 0, ctx, func() {})
	if !errors.Is(err, ErrOperationCanceled) {
		t.Errorf("Send with canceled wait = %v, want ErrOperationCanceled", err)
	}
}

// TestSend_ReentrantFromWorker: send from within an executing body opens a
// nested frame that runs the inner operation before returning, interleaving
// any higher-priority submissions.
func TestSend_ReentrantFromWorker(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	rec := &recorder{}
	outer, err := d.Post(nil, 5, OptionsDefault, func() {
		rec.append(1)
		v, err := d.Send(nil, 5, OptionsDefault, 0, nil, func() (any, error) {
			rec.append(2)
			return "inner", nil
		})
		if err != nil || v != "inner" {
			t.Errorf("reentrant Send = (%v, %v), want (inner, nil)", v, err)
		}
		rec.append(3)
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, outer)

	if got := rec.snapshot(); !equalSeq(got, []int{1, 2, 3}) {
		t.Errorf("reentrant sequence = %v, want [1 2 3]", got)
	}
	if outer.State() != StateFinished {
		t.Errorf("outer state = %v, want Finished", outer.State())
	}
}

// TestSend_ReentrantServicesHigherPriority: a higher-priority operation
// posted before the reentrant send runs inside the nested frame, before the
// send's own operation.
func TestSend_ReentrantServicesHigherPriority(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	rec := &recorder{}
	outer, err := d.Post(nil, 5, OptionsDefault, func() {
		if _, err := d.Post(nil, 50, OptionsDefault, func() { rec.append(1) }); err != nil {
			t.Error(err)
		}
		_, err := d.Send(nil, 5, OptionsDefault, 0, nil, func() { rec.append(2) })
		if err != nil {
			t.Error(err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, outer)

	if got := rec.snapshot(); !equalSeq(got, []int{1, 2}) {
		t.Errorf("nested frame order = %v, want [1 2]", got)
	}
}

func TestWait_FromWorkerFails(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	var waitErr error
	op, err := d.Post(nil, PriorityDefault, OptionsDefault, func() {
		other, err := d.Post(nil, 0, OptionsDefault, func() {})
		if err != nil {
			t.Error(err)
			return
		}
		_, waitErr = other.Wait(0, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, op)

	if !errors.Is(waitErr, ErrWaitFromWorker) {
		t.Errorf("Wait on worker = %v, want ErrWaitFromWorker", waitErr)
	}
}

func TestQueries_ThreadIdentityAndStack(t *testing.T) {
	d, stop := startDispatcher(t, WithDefaultOptions(CaptureLocale))
	defer stop()

	if d.IsInThread() {
		t.Error("IsInThread true off the worker")
	}
	if _, ok := d.CurrentPriority(); ok {
		t.Error("CurrentPriority available off the worker")
	}

	type probe struct {
		inThread bool
		priority int
		priOK    bool
		options  CaptureOptions
		optOK    bool
	}
	var got probe
	op, err := d.Post(nil, 7, CaptureLocale, func() {
		got.inThread = d.IsInThread()
		got.priority, got.priOK = d.CurrentPriority()
		got.options, got.optOK = d.CurrentOptions()
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, op)

	if !got.inThread {
		t.Error("IsInThread false inside a body")
	}
	if !got.priOK || got.priority != 7 {
		t.Errorf("CurrentPriority = (%d, %v), want (7, true)", got.priority, got.priOK)
	}
	if !got.optOK || got.options != CaptureLocale {
		t.Errorf("CurrentOptions = (%v, %v), want (CaptureLocale, true)", got.options, got.optOK)
	}
}

func TestNotRunning_Queries(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if d.IsRunning() || d.IsShuttingDown() || d.IsInThread() {
		t.Error("fresh dispatcher reports activity")
	}
	if err := d.BeginShutdown(ShutdownFinishPending); !errors.Is(err, ErrNotRunning) {
		t.Errorf("BeginShutdown on stopped dispatcher = %v, want ErrNotRunning", err)
	}
	if _, err := d.PostDelayed(TimerPeriodic, time.Second, nil, 0, OptionsDefault, func() {}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("PostDelayed on stopped dispatcher = %v, want ErrNotRunning", err)
	}
}

func TestException_CatchExceptionsContinues(t *testing.T) {
	d, stop := startDispatcher(t, WithCatchExceptions(true))
	defer stop()

	var events atomic.Int32
	var canContinue atomic.Bool
	d.OnException(func(err error, cont bool, op *Operation) {
		events.Add(1)
		canContinue.Store(cont)
	})

	sentinel := errors.New("body failed")
	bad, err := d.Post(nil, PriorityDefault, OptionsDefault, func() error { return sentinel })
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, bad)

	if bad.State() != StateException || !errors.Is(bad.Err(), sentinel) {
		t.Errorf("failed operation = (%v, %v)", bad.State(), bad.Err())
	}

	// The worker keeps going.
	v, err := d.Send(nil, PriorityDefault, OptionsDefault, 0, nil, func() (any, error) { return "still alive", nil })
	if err != nil || v != "still alive" {
		t.Errorf("Send after exception = (%v, %v)", v, err)
	}
	if events.Load() != 1 || !canContinue.Load() {
		t.Errorf("exception event = (%d fires, canContinue=%v), want (1, true)", events.Load(), canContinue.Load())
	}
}

func TestException_UncaughtTerminatesRun(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatal(err)
	}
	var events atomic.Int32
	d.OnException(func(error, bool, *Operation) { events.Add(1) })

	sentinel := errors.New("fatal body error")
	if _, err := d.Post(nil, PriorityDefault, OptionsDefault, func() error { return sentinel }); err != nil {
		t.Fatal(err)
	}

	runErr := d.Run()
	var de *DispatcherError
	if !errors.As(runErr, &de) || !errors.Is(runErr, sentinel) {
		t.Fatalf("Run = %v, want DispatcherError wrapping the body error", runErr)
	}
	if de.Operation == nil || de.Operation.State() != StateException {
		t.Error("DispatcherError does not reference the failed operation")
	}
	if events.Load() != 1 {
		t.Errorf("exception event fired %d times, want 1", events.Load())
	}
	if d.IsRunning() {
		t.Error("dispatcher still running after fatal exception")
	}
}

func TestException_BodyPanicIsException(t *testing.T) {
	d, stop := startDispatcher(t, WithCatchExceptions(true))
	defer stop()

	op, err := d.Post(nil, PriorityDefault, OptionsDefault, func() { panic("kaboom") })
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, op)

	if op.State() != StateException {
		t.Fatalf("state = %v, want Exception", op.State())
	}
	var pe *PanicError
	if !errors.As(op.Err(), &pe) || pe.Value != "kaboom" {
		t.Errorf("err = %v, want PanicError(kaboom)", op.Err())
	}
}

func TestSendAsync_FromOtherGoroutine(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	f, err := d.SendAsync(nil, PriorityDefault, OptionsDefault, 0, nil, func() (any, error) { return 42, nil })
	if err != nil {
		t.Fatal(err)
	}
	v, err := f.Await(context.Background())
	if err != nil || v != 42 {
		t.Errorf("SendAsync future = (%v, %v), want (42, nil)", v, err)
	}
}

// TestSendAsync_AwaitedFromWorker is the reentrant async scenario: a body
// issues SendAsync for an inner operation and suspends on the returned
// future through its Completion handle, resuming with the awaited value.
func TestSendAsync_AwaitedFromWorker(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	outer, err := d.SendAsync(nil, PriorityDefault, OptionsDefault, 0, nil, func([]any) *Completion {
		completion := NewCompletion()
		inner, err := d.SendAsync(nil, PriorityDefault, OptionsDefault, 0, nil, func() (any, error) { return 42, nil })
		if err != nil {
			completion.Fail(err)
			return completion
		}
		go func() {
			r := <-inner.ToChannel()
			if r.Err != nil {
				completion.Fail(r.Err)
			} else {
				completion.Complete(r.Value)
			}
		}()
		return completion
	})
	if err != nil {
		t.Fatal(err)
	}

	v, err := outer.Await(context.Background())
	if err != nil || v != 42 {
		t.Errorf("outer future = (%v, %v), want (42, nil)", v, err)
	}
}

func TestKeepAlive_AddRemove(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	obj := &struct{ name string }{"pinned"}
	if !d.AddKeepAlive(obj) {
		t.Error("AddKeepAlive on running dispatcher returned false")
	}
	if !d.RemoveKeepAlive(obj) {
		t.Error("RemoveKeepAlive of present object returned false")
	}
	if d.RemoveKeepAlive(obj) {
		t.Error("RemoveKeepAlive of absent object returned true")
	}

	if err := stop(); err != nil {
		t.Fatal(err)
	}
	if d.AddKeepAlive(obj) {
		t.Error("AddKeepAlive on stopped dispatcher returned true")
	}
}

func TestIdleEvent_RaisedWhenDrained(t *testing.T) {
	d, stop := startDispatcher(t)
	defer stop()

	idle := make(chan struct{}, 8)
	d.OnIdle(func(*Dispatcher) {
		select {
		case idle <- struct{}{}:
		default:
		}
	})

	op, err := d.Post(nil, PriorityDefault, OptionsDefault, func() {})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, op)

	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatal("idle event never raised after the queue drained")
	}
}
