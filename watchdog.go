package dispatchqueue

import (
	"fmt"
	"sync"
	"time"
)

// watchdogInterval is the sampling period of the surveillance loop.
const watchdogInterval = 20 * time.Millisecond

// surveillanceEntry is one frame of the watchdog's LIFO stack: the operation
// under surveillance and the time it was last sampled.
type surveillanceEntry struct {
	op        *Operation
	lastCheck time.Time
}

// Watchdog monitors the currently executing operation from its own
// goroutine. Every sampling period it credits the elapsed time to the top of
// its surveillance stack and raises the dispatcher's Watchdog event when the
// accumulated body time exceeds the configured threshold.
//
// The watchdog only reports; it never interrupts the operation.
type Watchdog struct {
	dispatcher *Dispatcher

	mu    sync.Mutex
	stack []surveillanceEntry

	stop chan struct{}
	done chan struct{}
}

func newWatchdog(d *Dispatcher) *Watchdog {
	return &Watchdog{
		dispatcher: d,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// start launches the monitor goroutine.
func (w *Watchdog) start() {
	go w.run()
}

// halt stops the monitor goroutine and waits for it to exit.
func (w *Watchdog) halt() {
	close(w.stop)
	<-w.done
}

// StartSurveillance pushes op onto the surveillance stack. Called by the
// worker immediately before entering the operation body.
func (w *Watchdog) StartSurveillance(op *Operation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stack = append(w.stack, surveillanceEntry{op: op, lastCheck: time.Now()})
}

// StopSurveillance pops the surveillance stack. The popped entry must be op:
// a mismatch is a protocol violation between worker and watchdog and fails
// loudly.
func (w *Watchdog) StopSurveillance(op *Operation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.stack) == 0 {
		panic(fmt.Sprintf("dispatchqueue: watchdog surveillance stack empty, expected operation %s", op.ID()))
	}
	top := w.stack[len(w.stack)-1]
	if top.op != op {
		panic(fmt.Sprintf("dispatchqueue: watchdog surveillance stack out of sync: expected operation %s, found %s", op.ID(), top.op.ID()))
	}
	w.stack[len(w.stack)-1] = surveillanceEntry{}
	w.stack = w.stack[:len(w.stack)-1]
}

// run is the monitor loop. It samples at watchdogInterval, updating the top
// operation's runtime counters and firing the Watchdog event when the
// per-event accumulator crosses the dispatcher's threshold.
func (w *Watchdog) run() {
	defer close(w.done)

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case now := <-ticker.C:
			w.sample(now)
		}
	}
}

func (w *Watchdog) sample(now time.Time) {
	threshold := w.dispatcher.WatchdogTimeout()

	w.mu.Lock()
	if len(w.stack) == 0 || threshold <= 0 {
		w.mu.Unlock()
		return
	}
	top := &w.stack[len(w.stack)-1]
	delta := now.Sub(top.lastCheck)
	top.lastCheck = now
	op := top.op
	w.mu.Unlock()

	if delta <= 0 {
		return
	}
	if op.addWatchdogSample(delta, threshold) {
		w.dispatcher.raiseWatchdog(threshold, op)
	}
}
