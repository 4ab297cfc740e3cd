package ports

import "context"

// MsgHandler consumes one published message.
type MsgHandler func(ctx context.Context, subject string, data []byte)

// RequestHandler answers one request; the returned bytes are the reply.
type RequestHandler func(ctx context.Context, subject string, data []byte) []byte

// Subscription is an active interest on the bus.
type Subscription interface {
	Unsubscribe() error
}

// Bus multiplexes publish, subscribe and request/reply over one connection.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, h MsgHandler) (Subscription, error)
	HandleRequest(ctx context.Context, subject string, h RequestHandler) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	IsConnected() bool
	Close(ctx context.Context) error
}
