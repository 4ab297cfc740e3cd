package supervisor

import (
	"context"
	"sync"
)

// mailboxes serialize work per connection id. Each id drains its queue on a
// goroutine that exits once the queue is empty.
type mailboxes struct {
	mu    sync.Mutex
	boxes map[string]*mailbox
}

type mailbox struct {
	queue   []func()
	running bool
}

func newMailboxes() *mailboxes {
	return &mailboxes{boxes: make(map[string]*mailbox)}
}

func (m *mailboxes) submit(id string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.boxes[id]
	if !ok {
		mb = &mailbox{}
		m.boxes[id] = mb
	}
	mb.queue = append(mb.queue, fn)
	if !mb.running {
		mb.running = true
		go m.drain(id, mb)
	}
}

func (m *mailboxes) drain(id string, mb *mailbox) {
	for {
		m.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			delete(m.boxes, id)
			m.mu.Unlock()
			return
		}
		fn := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// do runs fn in id's mailbox and waits for it. Cancelling ctx stops the wait,
// not the queued work.
func (m *mailboxes) do(ctx context.Context, id string, fn func() error) error {
	done := make(chan error, 1)
	m.submit(id, func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
