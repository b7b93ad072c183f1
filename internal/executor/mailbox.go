package executor

import "sync"

// mailbox is an unbounded queue feeding the coordinator. push never blocks.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(item any) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if ev, ok := item.(PoolEvent); ok && ev.Outputs != nil {
			ev.Outputs.ReleaseAll()
		}
		return
	}
	m.items = append(m.items, item)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// close drops everything queued and every later push.
func (m *mailbox) close() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}
