package pool

import (
	"context"
	"sync"
)

// Slot holds the context of the latest request of one kind, such as the
// log view or the diff view. Starting a new request cancels the previous.
type Slot struct {
	mu     sync.Mutex
	name   string
	seq    uint64
	cancel context.CancelFunc
}

func NewSlot(name string) *Slot {
	return &Slot{name: name}
}

func (s *Slot) Name() string { return s.name }

// Start cancels the request currently in the slot and returns the context
// for the new one. release must be called once the request is over.
func (s *Slot) Start(parent context.Context) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
	seq := s.seq
	s.cancel = cancel
	s.mu.Unlock()

	return ctx, func() {
		cancel()
		s.mu.Lock()
		if s.seq == seq {
			s.cancel = nil
		}
		s.mu.Unlock()
	}
}

// Cancel aborts the request in the slot, if any.
func (s *Slot) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
