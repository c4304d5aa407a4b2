package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/casualjim/loom/pkg/uuidx"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// NATSBus maps topics onto NATS subjects.
type NATSBus struct {
	client *nats.Conn
	topics *haxmap.Map[string, *natsTopic]
	cfg    config
}

// NewNATS creates a bus on top of an established NATS connection. The caller
// owns the connection.
func NewNATS(client *nats.Conn, options ...Option) *NATSBus {
	return &NATSBus{
		client: client,
		topics: haxmap.New[string, *natsTopic](),
		cfg:    newConfig("pubsub.nats", options),
	}
}

func (b *NATSBus) Topic(_ context.Context, name string) Topic {
	t, _ := b.topics.GetOrCompute(name, func() *natsTopic {
		return &natsTopic{
			subject: name,
			schema:  b.cfg.schemaFor(name),
			client:  b.client,
			cfg:     b.cfg,
		}
	})
	return t
}

type natsTopic struct {
	client  *nats.Conn
	subject string
	schema  string
	cfg     config
}

func (t *natsTopic) Name() string { return t.subject }

func (t *natsTopic) Publish(ctx context.Context, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := newEnvelope(t.subject, t.schema, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.client.Publish(t.subject, data)
}

func (t *natsTopic) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	sub := &natsSubscription{
		id:     uuidx.NewString(),
		done:   make(chan struct{}),
		logger: t.cfg.logger,
	}
	// NATS invokes the callback sequentially per subscription, in arrival order.
	nsub, err := t.client.Subscribe(t.subject, func(msg *nats.Msg) {
		select {
		case <-sub.done:
			return
		default:
		}
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.cfg.logger.Error("failed to unmarshal envelope", slog.String("topic", t.subject), slogx.Error(err))
			return
		}
		handle(ctx, t.cfg.logger, handler, env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", t.subject, err)
	}
	// messages beyond the pending limits are dropped by the client
	if err := nsub.SetPendingLimits(t.cfg.bufferSize, -1); err != nil {
		_ = nsub.Unsubscribe()
		return nil, err
	}
	// make sure the server registered the interest before a publish can race it
	if err := t.client.Flush(); err != nil {
		_ = nsub.Unsubscribe()
		return nil, err
	}
	sub.sub = nsub

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (t *natsTopic) Stream(ctx context.Context) (Stream, error) {
	return openStream(ctx, t, t.cfg.bufferSize)
}

type natsSubscription struct {
	id     string
	sub    *nats.Subscription
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (n *natsSubscription) ID() string {
	return n.id
}

func (n *natsSubscription) Unsubscribe() {
	n.once.Do(func() {
		close(n.done)
		if err := n.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			n.logger.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscription", n.id))
		}
	})
}
