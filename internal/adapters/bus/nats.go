package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

// ErrNotConnected is returned when the NATS connection is down.
var ErrNotConnected = errors.New("not connected to NATS")

// NATSConfig configures the NATS bus client.
type NATSConfig struct {
	URL            string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	Timeout        time.Duration
	DrainTimeout   time.Duration
	HandlerTimeout time.Duration
}

func (c *NATSConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
}

// NATS multiplexes every publish and subscription over one connection.
type NATS struct {
	cfg    NATSConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	conn   *nats.Conn
	subs   []*nats.Subscription
	closed atomic.Bool
}

func NewNATS(cfg NATSConfig) *NATS {
	cfg.applyDefaults()
	return &NATS{cfg: cfg, logger: log.WithComponent("bus")}
}

func (n *NATS) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.Timeout(n.cfg.Timeout),
		nats.DrainTimeout(n.cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			n.logger.Debug().Msg("nats connection closed")
		}),
	}
	if n.cfg.Name != "" {
		opts = append(opts, nats.Name(n.cfg.Name))
	}
	return opts
}

// Connect dials the server, honouring ctx for the initial attempt.
func (n *NATS) Connect(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(n.cfg.URL, n.options()...)
		if err != nil {
			done <- err
			return
		}
		n.mu.Lock()
		n.conn = conn
		n.mu.Unlock()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return domain.Transient("nats connect "+n.cfg.URL, err)
		}
	case <-ctx.Done():
		return domain.Transient("nats connect "+n.cfg.URL, ctx.Err())
	}
	n.logger.Info().Str("url", n.cfg.URL).Msg("connected to nats")
	return nil
}

func (n *NATS) current() *nats.Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conn
}

func (n *NATS) IsConnected() bool {
	c := n.current()
	return c != nil && c.IsConnected()
}

func (n *NATS) Publish(_ context.Context, subject string, data []byte) error {
	c := n.current()
	if c == nil || !c.IsConnected() {
		return ErrNotConnected
	}
	return c.Publish(subject, data)
}

// Subscribe delivers messages in arrival order on one goroutine per subscription.
func (n *NATS) Subscribe(ctx context.Context, subject string, h ports.MsgHandler) (ports.Subscription, error) {
	return n.subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, n.cfg.HandlerTimeout)
		defer cancel()
		h(msgCtx, msg.Subject, msg.Data)
	})
}

// HandleRequest answers each request on its own goroutine.
func (n *NATS) HandleRequest(ctx context.Context, subject string, h ports.RequestHandler) (ports.Subscription, error) {
	return n.subscribe(subject, func(msg *nats.Msg) {
		go func() {
			msgCtx, cancel := context.WithTimeout(ctx, n.cfg.HandlerTimeout)
			defer cancel()
			reply := h(msgCtx, msg.Subject, msg.Data)
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(reply); err != nil {
				n.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("respond failed")
			}
		}()
	})
}

func (n *NATS) subscribe(subject string, cb nats.MsgHandler) (ports.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil || !n.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	sub, err := n.conn.Subscribe(subject, cb)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	n.subs = append(n.subs, sub)
	return sub, nil
}

func (n *NATS) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	c := n.current()
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	msg, err := c.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Close drains subscriptions and the connection, bounded by ctx and DrainTimeout.
func (n *NATS) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	n.mu.Lock()
	conn := n.conn
	subs := n.subs
	n.conn = nil
	n.subs = nil
	n.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", s.Subject, err))
		}
	}
	if conn == nil {
		return errors.Join(errs...)
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- conn.Drain() }()
	select {
	case err := <-drainDone:
		if err != nil {
			errs = append(errs, fmt.Errorf("drain: %w", err))
		}
	case <-time.After(n.cfg.DrainTimeout):
		errs = append(errs, fmt.Errorf("drain timeout after %v", n.cfg.DrainTimeout))
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain: %w", ctx.Err()))
	}
	conn.Close()
	return errors.Join(errs...)
}

var _ ports.Bus = (*NATS)(nil)
