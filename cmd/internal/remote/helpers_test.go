package remote

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatsync/cmd/internal/realtime"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects events delivered to a handler.
type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) handle(ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Event(nil), r.events...)
}

func (r *recorder) types() []realtime.EventType {
	evs := r.snapshot()
	out := make([]realtime.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) only(typ realtime.EventType) []realtime.Event {
	var out []realtime.Event
	for _, ev := range r.snapshot() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(typ realtime.EventType) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// until blocks until n events of typ arrived or ctx is done. Unlike waitFor it is safe
// to call off the test goroutine.
func (r *recorder) until(ctx context.Context, typ realtime.EventType, n int) {
	for r.count(typ) < n {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *recorder) waitFor(t *testing.T, typ realtime.EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(typ) >= n }, 3*time.Second, 2*time.Millisecond,
		"want %d %s events, have %v", n, typ, r.types())
}
