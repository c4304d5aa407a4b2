package loom

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/casualjim/loom/pubsub"
	"github.com/go-openapi/strfmt"
	"github.com/tidwall/gjson"
)

var errNoBus = errors.New("serving requests requires a bus")

// Serve invokes every request published on topic until ctx is done or the
// returned subscription is unsubscribed. Requests are started in arrival order
// by a fixed set of workers, one per unit of serve concurrency. Requests that
// arrive while every worker is busy wait in the backlog; once the backlog is
// full they fail with an Overloaded dispatch error. Outcomes, dispatch errors
// included, are published on the result topic.
//
// Delivery from the bus never waits on a running invocation, so a burst cannot
// make the bus drop the subscription.
func (b *Broker) Serve(ctx context.Context, topic string) (pubsub.Subscription, error) {
	if b.bus == nil {
		return nil, errNoBus
	}
	logger := b.logger.With(slog.String("topic", topic))

	queue := make(chan action.Request, b.serveBacklog)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range b.serveLimit {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-stop:
					return
				case req := <-queue:
					_, event, _ := b.run(ctx, req)
					b.publish(ctx, event)
				}
			}
		}()
	}

	handler := pubsub.HandlerFunc(func(ctx context.Context, env pubsub.Envelope) {
		var req action.Request
		if err := env.Decode(&req); err != nil {
			logger.WarnContext(ctx, "dropping malformed request", slogx.Error(err))
			b.publishDispatchError(ctx,
				gjson.GetBytes(env.Payload, "capability").String(),
				gjson.GetBytes(env.Payload, "correlation_id").String(),
				action.Errorf(action.KindBadPayload, "malformed request: %v", err),
			)
			return
		}
		select {
		case queue <- req:
		default:
			logger.WarnContext(ctx, "serve backlog is full",
				slogx.Capability(req.Capability),
				slogx.CorrelationID(req.CorrelationID),
				slog.Int("backlog", b.serveBacklog),
			)
			b.publishDispatchError(ctx, req.Capability, req.CorrelationID,
				action.Errorf(action.KindOverloaded, "%d requests are running and %d are waiting", b.serveLimit, b.serveBacklog),
			)
		}
	})

	sub, err := b.bus.Topic(ctx, topic).Subscribe(ctx, handler)
	if err != nil {
		close(stop)
		wg.Wait()
		return nil, err
	}
	logger.Info("serving requests",
		slog.String("subscription", sub.ID()),
		slog.Int("concurrency", b.serveLimit),
		slog.Int("backlog", b.serveBacklog),
	)
	return &serving{Subscription: sub, stop: sync.OnceFunc(func() { close(stop) })}, nil
}

func (b *Broker) publishDispatchError(ctx context.Context, capability, correlationID string, err *action.Error) {
	now := strfmt.DateTime(time.Now())
	b.publish(ctx, ResultEvent{
		Capability:    capability,
		CorrelationID: correlationID,
		DispatchError: err,
		StartedAt:     now,
		CompletedAt:   now,
	})
}

// serving stops the workers of Serve along with the subscription. Requests
// still waiting in the backlog are dropped.
type serving struct {
	pubsub.Subscription
	stop func()
}

func (s *serving) Unsubscribe() {
	s.Subscription.Unsubscribe()
	s.stop()
}
