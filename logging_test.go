package dispatchqueue

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// syncBuffer serializes writes from the worker and watchdog goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogging_StumpySink(t *testing.T) {
	var buf syncBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()

	d, stop := startDispatcher(t, WithLogger(logger), WithWatchdogTimeout(50*time.Millisecond))

	op, err := d.Post(nil, PriorityDefault, OptionsDefault, func() {
		start := time.Now()
		for time.Since(start) < 150*time.Millisecond {
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, op)
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{
		"dispatcher running",
		"operation posted",
		"watchdog threshold exceeded",
		"shutdown requested",
		"dispatcher terminated",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q\noutput: %s", want, out)
		}
	}
}

// TestLogging_NilLoggerIsSilent: a dispatcher without a sink runs the whole
// lifecycle without touching one.
func TestLogging_NilLoggerIsSilent(t *testing.T) {
	d, stop := startDispatcher(t, WithWatchdogTimeout(20*time.Millisecond))

	op, err := d.Post(nil, PriorityDefault, OptionsDefault, func() {
		start := time.Now()
		for time.Since(start) < 60*time.Millisecond {
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, op)
	if err := stop(); err != nil {
		t.Fatal(err)
	}
}
