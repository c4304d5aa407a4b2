package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/loom/pkg/uuidx"
)

// LocalBus is an in-process bus.
type LocalBus struct {
	topics *haxmap.Map[string, *localTopic]
	cfg    config
}

// NewLocal creates an in-process bus.
func NewLocal(options ...Option) *LocalBus {
	return &LocalBus{
		topics: haxmap.New[string, *localTopic](),
		cfg:    newConfig("pubsub.local", options),
	}
}

func (b *LocalBus) Topic(_ context.Context, name string) Topic {
	t, _ := b.topics.GetOrCompute(name, func() *localTopic {
		return &localTopic{
			name:          name,
			schema:        b.cfg.schemaFor(name),
			subscriptions: haxmap.New[string, *localSubscription](),
			cfg:           b.cfg,
		}
	})
	return t
}

type localTopic struct {
	name          string
	schema        string
	subscriptions *haxmap.Map[string, *localSubscription]
	cfg           config

	// publish is held for a whole fan-out so every subscriber observes the same
	// total order of messages.
	publish sync.Mutex
}

func (t *localTopic) Name() string { return t.name }

func (t *localTopic) Publish(ctx context.Context, payload any) error {
	env, err := newEnvelope(t.name, t.schema, payload)
	if err != nil {
		return err
	}

	t.publish.Lock()
	defer t.publish.Unlock()

	t.subscriptions.ForEach(func(_ string, sub *localSubscription) bool {
		if sub == nil {
			return true
		}
		t.deliver(ctx, sub, env)
		return ctx.Err() == nil
	})
	return ctx.Err()
}

func (t *localTopic) deliver(ctx context.Context, sub *localSubscription, env Envelope) {
	select {
	case <-sub.done:
		return
	case <-sub.ctx.Done():
		sub.Unsubscribe()
		return
	case sub.queue <- env:
		return
	default:
	}

	timer := time.NewTimer(t.cfg.slowSubscriberTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-sub.done:
	case <-sub.ctx.Done():
		sub.Unsubscribe()
	case sub.queue <- env:
	case <-timer.C:
		t.cfg.logger.Warn("dropping slow subscriber",
			slog.String("topic", t.name),
			slog.String("subscription", sub.id),
			slog.Duration("timeout", t.cfg.slowSubscriberTimeout),
		)
		sub.Unsubscribe()
	}
}

func (t *localTopic) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	id := uuidx.NewString()
	sub := &localSubscription{
		id:      id,
		ctx:     ctx,
		queue:   make(chan Envelope, t.cfg.bufferSize),
		done:    make(chan struct{}),
		onClose: func() { t.subscriptions.Del(id) },
		handler: handler,
		logger:  t.cfg.logger,
	}
	t.subscriptions.Set(id, sub)
	go sub.forward()
	return sub, nil
}

func (t *localTopic) Stream(ctx context.Context) (Stream, error) {
	return openStream(ctx, t, t.cfg.bufferSize)
}

type localSubscription struct {
	id        string
	ctx       context.Context
	queue     chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
	handler   Handler
	logger    *slog.Logger
}

func (s *localSubscription) ID() string {
	return s.id
}

// Unsubscribe stops delivery. The queue is never closed: publishers may still
// hold a reference, and done is what they select on.
func (s *localSubscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
}

func (s *localSubscription) forward() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.Unsubscribe()
			return
		case env := <-s.queue:
			// a message racing with Unsubscribe is dropped
			select {
			case <-s.done:
				return
			default:
			}
			handle(s.ctx, s.logger, s.handler, env)
		}
	}
}
