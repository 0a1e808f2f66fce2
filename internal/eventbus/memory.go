package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/gogogo1024/novarfb"
	"github.com/gogogo1024/novarfb/protocol"
)

// MemorySink keeps the most recent events in memory.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	max    int
	filter typeFilter
}

var _ novarfb.Dispatcher = (*MemorySink)(nil)

// NewMemorySink keeps at most max events (max <= 0 means 1024) of the given
// types, or of every type when none are given.
func NewMemorySink(max int, types ...protocol.MessageType) *MemorySink {
	if max <= 0 {
		max = 1024
	}
	return &MemorySink{max: max, filter: newTypeFilter(types)}
}

func (s *MemorySink) Dispatch(ctx context.Context, m protocol.ClientMessage) error {
	if !s.filter.accepts(m.Type()) {
		return nil
	}
	ev, err := NewEvent(ctx, m, time.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == s.max {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, ev)
	return nil
}

// Events returns a snapshot, oldest first.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
