package watch

import (
	"sync"
	"testing"
	"time"
)

// manualTimers replaces afterFunc so tests decide when timers fire.
type manualTimers struct {
	mu        sync.Mutex
	callbacks []func()
}

func useManualTimers(t *testing.T) *manualTimers {
	t.Helper()
	m := &manualTimers{}
	orig := afterFunc
	t.Cleanup(func() { afterFunc = orig })
	afterFunc = func(_ time.Duration, f func()) *time.Timer {
		m.mu.Lock()
		m.callbacks = append(m.callbacks, f)
		m.mu.Unlock()
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		return timer
	}
	return m
}

// fireAll runs every timer scheduled so far, oldest first, as late timers
// would after being replaced.
func (m *manualTimers) fireAll() int {
	m.mu.Lock()
	callbacks := m.callbacks
	m.callbacks = nil
	m.mu.Unlock()
	for _, f := range callbacks {
		f()
	}
	return len(callbacks)
}

func TestBurstOfEventsRefreshesOnce(t *testing.T) {
	timers := useManualTimers(t)
	var got []int
	b := newBurst(time.Second, func(events int) { got = append(got, events) })

	// A ref update is a lock create, a write and a rename.
	b.add()
	b.add()
	b.add()
	if n := timers.fireAll(); n != 3 {
		t.Fatalf("scheduled %d timers, want 3", n)
	}
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("flushes = %v, want one flush of 3 events", got)
	}

	b.add()
	timers.fireAll()
	if len(got) != 2 || got[1] != 1 {
		t.Fatalf("flushes = %v, want a second flush of 1 event", got)
	}
}

func TestDropForgetsPendingEvents(t *testing.T) {
	timers := useManualTimers(t)
	var got []int
	b := newBurst(time.Second, func(events int) { got = append(got, events) })

	b.add()
	b.add()
	b.drop()
	timers.fireAll()
	if len(got) != 0 {
		t.Fatalf("dropped burst flushed: %v", got)
	}

	b.add()
	timers.fireAll()
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("flushes after drop = %v, want [1]", got)
	}
}

func TestWatcherSchedulesThroughBurst(t *testing.T) {
	timers := useManualTimers(t)
	calls := 0
	w := New(t.TempDir(), time.Second, func() { calls++ })

	w.schedule()
	if n := timers.fireAll(); n != 0 || calls != 0 {
		t.Fatalf("stopped watcher scheduled %d timers, %d refreshes", n, calls)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.schedule()
	w.schedule()
	timers.fireAll()
	if calls != 1 {
		t.Fatalf("refreshes = %d, want 1", calls)
	}

	w.schedule()
	w.Stop()
	timers.fireAll()
	if calls != 1 {
		t.Fatalf("Stop kept a pending refresh: %d", calls)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer w.Stop()
	w.schedule()
	timers.fireAll()
	if calls != 2 {
		t.Fatalf("refreshes after restart = %d, want 2", calls)
	}
}
