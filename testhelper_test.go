package dispatchqueue

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// startDispatcher runs a dispatcher on its own goroutine and returns it with
// a stop function that discards pending work and waits for termination.
func startDispatcher(t *testing.T, opts ...Option) (*Dispatcher, func() error) {
	t.Helper()
	d, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()
	waitForRunning(t, d)

	var stopOnce sync.Once
	var stopErr error
	stop := func() error {
		t.Helper()
		stopOnce.Do(func() {
			_ = d.BeginShutdown(ShutdownDiscardPending) // best effort; may already be down
			select {
			case stopErr = <-runDone:
			case <-time.After(10 * time.Second):
				t.Fatal("timed out waiting for dispatcher to terminate")
			}
		})
		return stopErr
	}
	return d, stop
}

// waitForRunning spins until the dispatcher reports running, with a 5-second
// timeout guard.
func waitForRunning(t *testing.T, d *Dispatcher) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !d.IsRunning() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatcher to start running")
		default:
			runtime.Gosched()
		}
	}
}

// waitTerminal blocks until op terminates, guarded by a timeout.
func waitTerminal(t *testing.T, op *Operation) {
	t.Helper()
	select {
	case <-op.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for operation %s (state %v)", op.ID(), op.State())
	}
}

// recorder is a mutex-guarded ordered sequence shared by test bodies.
type recorder struct {
	mu  sync.Mutex
	seq []int
}

func (r *recorder) append(v int) {
	r.mu.Lock()
	r.seq = append(r.seq, v)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.seq))
	copy(out, r.seq)
	return out
}

func equalSeq(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// postAndWaitExecuting posts a sleeper and blocks until its body has
// entered, so subsequent submissions queue behind it deterministically.
func postAndWaitExecuting(t *testing.T, d *Dispatcher, priority int, hold time.Duration) *Operation {
	t.Helper()
	entered := make(chan struct{})
	op, err := d.Post(nil, priority, OptionsDefault, func() {
		close(entered)
		time.Sleep(hold)
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sleeper body to start")
	}
	return op
}
