/*
Package loom dispatches named capabilities to pluggable execution backends.

Sensors and intents publish requests onto topics; the broker resolves each
request to a registered capability, asks the routing policy whether it runs
locally, in the cloud or not at all, and runs it on a matching backend:

  - Native: an in-process handler
  - Sandboxed: a WebAssembly module executed with memory, time and permission limits
  - Remote: a service called over NATS request/reply

# Basic Usage

	reg := capability.NewRegistry()
	engine, _ := policy.NewEngine(policy.DefaultPolicy())
	broker, _ := loom.New(reg, engine, loom.WithBus(pubsub.NewLocal()))

	_ = broker.Register(ctx, capability.Capability{
		Name:     "tts.speak",
		Privacy:  capability.Sensitive,
		Backends: []capability.Backend{capability.Native(speak)},
	})

	req, _ := action.NewRequest("tts.speak", map[string]string{"text": "hello"})
	result, err := broker.Invoke(ctx, req)

# Errors

Invoke returns an error only when a request cannot be dispatched: the
capability is unknown, the policy rejected it, no backend serves the chosen
target, or the correlation id is already in flight. Failures of the backend
itself are reported in the returned action.Result, so a caller always gets
exactly one result per dispatched request. The broker never retries.

# Privacy

Capabilities in the sensitive privacy class never run on a cloud backend. A
policy that routes them there statically is refused when it is installed;
at dispatch time a cloud decision for them is downgraded to the policy's
sensitive fallback.

# Observability

Every invocation is logged through log/slog, traced with an OpenTelemetry span,
counted in Prometheus metrics when WithMetrics is used, and published as a
ResultEvent when a bus is configured.
*/
package loom
