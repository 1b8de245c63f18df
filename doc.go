// Package dispatchqueue provides a thread-bound prioritized dispatcher: a
// single-worker cooperative executor that accepts operations from any
// goroutine and drains them in strict priority order.
//
// # Architecture
//
// The dispatcher is built around a [Dispatcher] core that owns exactly one
// worker goroutine (the goroutine that calls [Dispatcher.Run]). Callers on
// any goroutine submit work via [Dispatcher.Post], [Dispatcher.Send],
// [Dispatcher.SendAsync], and [Dispatcher.PostDelayed]; the worker dequeues
// the highest-priority [Operation], runs its body through the operation's
// captured [ExecutionContext], and repeats until a shutdown mode decides to
// stop.
//
// Priority is a non-negative integer; higher runs earlier. Operations at the
// same priority run in submission order. [PriorityDefault] (-1) and
// [OptionsDefault] resolve against the dispatcher defaults at submission
// time.
//
// # Execution Model
//
// Operations run cooperatively: a body runs to completion, or to the point
// where it returns a not-yet-complete [Completion] handle. A suspended
// operation releases the worker; it is re-enqueued at its original priority
// once the handle completes, and its terminal state is derived from the
// handle outcome.
//
// [Dispatcher.Send] from the worker goroutine does not block: it opens a
// nested frame that services the queue until the submitted operation
// terminates, enabling reentrant cascading.
//
// # Shutdown
//
// Shutdown is mode-driven ([ShutdownDiscardPending], [ShutdownFinishPending],
// [ShutdownAllowNew]) via [Dispatcher.BeginShutdown],
// [Dispatcher.Shutdown], and [Dispatcher.ShutdownAsync]. The currently
// executing body always runs to its own termination; only waiting operations
// are ever canceled.
//
// # Surveillance
//
// A watchdog goroutine samples the currently executing operation every 20ms
// and raises an advisory event whenever the body exceeds the configured
// threshold since the last event. The watchdog reports; it never interrupts.
//
// # Thread Safety
//
//   - All submission, query, and shutdown methods are safe from any goroutine
//   - [Operation.Wait] must not be called on the worker goroutine (use
//     [Operation.WaitAsync] or [Dispatcher.Send] there)
//   - Event listeners may be registered and removed concurrently
//
// # Usage
//
//	d, err := dispatchqueue.New(
//	    dispatchqueue.WithWatchdogTimeout(500 * time.Millisecond),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	go func() {
//	    op, _ := d.Post(nil, dispatchqueue.PriorityDefault, dispatchqueue.OptionsDefault, func() (any, error) {
//	        return 42, nil
//	    })
//	    op.Wait(0, context.Background())
//	    d.BeginShutdown(dispatchqueue.ShutdownFinishPending)
//	}()
//
//	if err := d.Run(); err != nil {
//	    log.Fatal(err)
//	}
package dispatchqueue
