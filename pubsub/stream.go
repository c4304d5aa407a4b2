package pubsub

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/casualjim/loom/pkg/slogx"
)

// handle runs the handler and contains its panics so one misbehaving
// subscriber cannot take the bus down.
func handle(ctx context.Context, logger *slog.Logger, h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber panicked",
				slog.String("topic", env.Topic),
				slogx.Error(fmt.Errorf("panic: %v", r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	h.Handle(ctx, env)
}

type stream struct {
	Subscription
	ctx  context.Context
	ch   chan Envelope
	done chan struct{}
	once sync.Once
}

// openStream adapts a push subscription into a pull stream. The feeding handler
// blocks while the stream buffer is full, so a stalled consumer is handled by the
// bus the same way as a stalled push subscriber.
func openStream(ctx context.Context, t Topic, buffer int) (Stream, error) {
	s := &stream{
		ctx:  ctx,
		ch:   make(chan Envelope, buffer),
		done: make(chan struct{}),
	}
	sub, err := t.Subscribe(ctx, HandlerFunc(func(ctx context.Context, env Envelope) {
		select {
		case s.ch <- env:
		case <-s.done:
		case <-ctx.Done():
		}
	}))
	if err != nil {
		return nil, err
	}
	s.Subscription = sub
	return s, nil
}

func (s *stream) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.Subscription.Unsubscribe()
	})
}

func (s *stream) Messages() iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		for {
			select {
			case <-s.done:
				return
			default:
			}
			select {
			case <-s.done:
				return
			case <-s.ctx.Done():
				return
			case env := <-s.ch:
				if !yield(env) {
					return
				}
			}
		}
	}
}
