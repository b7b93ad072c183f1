package executor

import "sync"

// eventStream decouples the coordinator from the consumer. emit never
// blocks; once more than capacity events are waiting, progress events are
// dropped while terminal events are always kept.
type eventStream struct {
	mu       sync.Mutex
	buf      []Event
	capacity int
	dropped  int
	closed   bool
	signal   chan struct{}
	out      chan Event
}

func newEventStream(capacity int) *eventStream {
	if capacity <= 0 {
		capacity = 1024
	}
	s := &eventStream{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		out:      make(chan Event, capacity),
	}
	go s.pump()
	return s
}

func (s *eventStream) emit(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !ev.terminal() && len(s.buf) >= s.capacity {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
	s.notify()
}

func (s *eventStream) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// close flushes what is buffered and then closes the output channel.
func (s *eventStream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify()
}

func (s *eventStream) droppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *eventStream) pump() {
	for range s.signal {
		for {
			s.mu.Lock()
			batch := s.buf
			s.buf = nil
			closed := s.closed
			s.mu.Unlock()

			for _, ev := range batch {
				s.out <- ev
			}
			if len(batch) > 0 {
				continue
			}
			if closed {
				close(s.out)
				return
			}
			break
		}
	}
}
