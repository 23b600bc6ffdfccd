package watch

import (
	"sync"
	"time"
)

var afterFunc = time.AfterFunc

// burst gathers events and calls flush once, delay after the last one,
// with the number of events gathered.
type burst struct {
	mu     sync.Mutex
	delay  time.Duration
	timer  *time.Timer
	flush  func(events int)
	events int
	// gen tells the current timer from ones that fired while being replaced.
	gen uint64
}

func newBurst(delay time.Duration, flush func(events int)) *burst {
	return &burst{delay: delay, flush: flush}
}

// add records an event and restarts the quiet period.
func (b *burst) add() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.events++
	b.gen++
	gen := b.gen
	b.timer = afterFunc(b.delay, func() {
		b.mu.Lock()
		if b.gen != gen {
			b.mu.Unlock()
			return
		}
		events := b.events
		b.timer, b.events = nil, 0
		b.mu.Unlock()
		b.flush(events)
	})
}

// drop forgets pending events without flushing them.
func (b *burst) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.events = 0
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
