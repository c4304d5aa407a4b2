package pubsub

import (
	"context"
	"iter"
)

// Bus gives access to topics. Topics are created on first use.
type Bus interface {
	Topic(ctx context.Context, name string) Topic
}

// Topic is a named channel of messages.
type Topic interface {
	Name() string
	// Publish wraps payload in an envelope and delivers it to every current
	// subscriber. Publishing to a topic without subscribers is a no-op.
	Publish(ctx context.Context, payload any) error
	// Subscribe registers a push handler. The subscription ends on Unsubscribe
	// or when ctx is done.
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
	// Stream registers a pull subscription.
	Stream(ctx context.Context) (Stream, error)
}

// Subscription is a handle on an active subscription.
type Subscription interface {
	ID() string
	Unsubscribe()
}

// Stream is a subscription consumed by ranging over its messages. The sequence
// ends when the stream is unsubscribed or its context is done.
type Stream interface {
	Subscription
	Messages() iter.Seq[Envelope]
}

// Handler processes delivered envelopes. Calls for one subscription are sequential.
type Handler interface {
	Handle(ctx context.Context, env Envelope)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, env Envelope)

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) {
	f(ctx, env)
}
