package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dataforeman/connectivity/internal/ports"
)

// Message is one publish recorded by the in-process bus.
type Message struct {
	Subject string
	Data    []byte
}

// Memory is an in-process bus with NATS subject semantics. Each subscription
// has its own ordered delivery goroutine; requests are answered by the first
// matching request handler.
type Memory struct {
	mu      sync.RWMutex
	subs    map[*memSub]struct{}
	history []Message
	closed  bool
}

type memSub struct {
	bus     *Memory
	pattern string
	handler ports.MsgHandler
	request ports.RequestHandler
	ch      chan Message
	done    chan struct{}
	once    sync.Once
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[*memSub]struct{})}
}

func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

func (m *Memory) Publish(_ context.Context, subject string, data []byte) error {
	msg := Message{Subject: subject, Data: append([]byte(nil), data...)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.history = append(m.history, msg)
	var targets []*memSub
	for s := range m.subs {
		if s.handler != nil && Match(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, subject string, h ports.MsgHandler) (ports.Subscription, error) {
	s := &memSub{bus: m, pattern: subject, handler: h, ch: make(chan Message, 1024), done: make(chan struct{})}
	if err := m.add(s); err != nil {
		return nil, err
	}
	go func() {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.ch:
				h(ctx, msg.Subject, msg.Data)
			}
		}
	}()
	return s, nil
}

func (m *Memory) HandleRequest(_ context.Context, subject string, h ports.RequestHandler) (ports.Subscription, error) {
	s := &memSub{bus: m, pattern: subject, request: h, done: make(chan struct{})}
	if err := m.add(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Memory) add(s *memSub) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	m.subs[s] = struct{}{}
	return nil
}

// Request invokes the matching request handler and waits for its reply.
func (m *Memory) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	m.mu.RLock()
	var target *memSub
	for s := range m.subs {
		if s.request != nil && Match(s.pattern, subject) {
			target = s
			break
		}
	}
	m.mu.RUnlock()
	if target == nil {
		return nil, fmt.Errorf("no responders for %s", subject)
	}

	reply := make(chan []byte, 1)
	go func() { reply <- target.request(ctx, subject, append([]byte(nil), data...)) }()
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Messages returns recorded publishes whose subject matches pattern.
func (m *Memory) Messages(pattern string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.history {
		if Match(pattern, msg.Subject) {
			out = append(out, msg)
		}
	}
	return out
}

// Reset clears the publish history.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.history = nil
	m.mu.Unlock()
}

func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = map[*memSub]struct{}{}
	m.mu.Unlock()
	for s := range subs {
		s.stop()
	}
	return nil
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subs[s]
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	if !ok {
		return errors.New("subscription already closed")
	}
	return nil
}

func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
}

var _ ports.Bus = (*Memory)(nil)
