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
	"github.com/redis/go-redis/v9"
)

// RedisBus maps topics onto Redis pub/sub channels.
type RedisBus struct {
	client redis.UniversalClient
	topics *haxmap.Map[string, *redisTopic]
	cfg    config
}

// NewRedis creates a bus on top of a Redis client. The caller owns the client.
func NewRedis(client redis.UniversalClient, options ...Option) *RedisBus {
	return &RedisBus{
		client: client,
		topics: haxmap.New[string, *redisTopic](),
		cfg:    newConfig("pubsub.redis", options),
	}
}

func (b *RedisBus) Topic(_ context.Context, name string) Topic {
	t, _ := b.topics.GetOrCompute(name, func() *redisTopic {
		return &redisTopic{
			channel: name,
			schema:  b.cfg.schemaFor(name),
			client:  b.client,
			cfg:     b.cfg,
		}
	})
	return t
}

type redisTopic struct {
	client  redis.UniversalClient
	channel string
	schema  string
	cfg     config
}

func (t *redisTopic) Name() string { return t.channel }

func (t *redisTopic) Publish(ctx context.Context, payload any) error {
	env, err := newEnvelope(t.channel, t.schema, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.channel, data).Err()
}

func (t *redisTopic) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	ps := t.client.Subscribe(ctx, t.channel)
	// wait for the subscription confirmation so a following publish is observed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", t.channel, err)
	}

	sub := &redisSubscription{
		id:     uuidx.NewString(),
		ps:     ps,
		done:   make(chan struct{}),
		logger: t.cfg.logger,
	}
	messages := ps.Channel(redis.WithChannelSize(t.cfg.bufferSize))
	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case <-sub.done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case <-sub.done:
					return
				default:
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					t.cfg.logger.Error("failed to unmarshal envelope", slog.String("topic", t.channel), slogx.Error(err))
					continue
				}
				handle(ctx, t.cfg.logger, handler, env)
			}
		}
	}()
	return sub, nil
}

func (t *redisTopic) Stream(ctx context.Context) (Stream, error) {
	return openStream(ctx, t, t.cfg.bufferSize)
}

type redisSubscription struct {
	id     string
	ps     *redis.PubSub
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (r *redisSubscription) ID() string {
	return r.id
}

func (r *redisSubscription) Unsubscribe() {
	r.once.Do(func() {
		close(r.done)
		if err := r.ps.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			r.logger.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscription", r.id))
		}
	})
}
