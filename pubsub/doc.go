// Package pubsub distributes messages between producers and consumers on named
// topics.
//
// Design decisions:
//   - Context-first: every operation accepts a context.Context for cancellation
//   - Topic-based: messages are fanned out to all current subscribers of a topic
//   - At-most-once: there is no durable replay, a subscriber only sees messages
//     published while it is subscribed
//   - Ordered: each subscriber observes a topic in publish order
//   - Opaque payloads: the bus stamps a schema identifier on each envelope but
//     never interprets the payload
//
// Interface hierarchy:
//   - Bus: access to topics
//     └── Topic: publish, push subscriptions and pull streams
//     └── Subscription: explicit lifecycle with a unique ID
//
// Three buses share the same contract: an in-process bus (Local), a NATS bus
// (NATS) and a Redis bus (Redis).
//
// Example usage:
//
//	bus := pubsub.NewLocal()
//	topic := bus.Topic(ctx, "loom.results")
//
//	sub, err := topic.Subscribe(ctx, pubsub.HandlerFunc(func(ctx context.Context, env pubsub.Envelope) {
//	    fmt.Println(string(env.Payload))
//	}))
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
//
//	if err := topic.Publish(ctx, map[string]string{"hello": "world"}); err != nil {
//	    return err
//	}
//
// A stream is the pull counterpart of a subscription:
//
//	stream, _ := topic.Stream(ctx)
//	defer stream.Unsubscribe()
//	for env := range stream.Messages() {
//	    ...
//	}
package pubsub
