package loom

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/casualjim/loom/pkg/uuidx"
	"github.com/casualjim/loom/plugin"
	"github.com/casualjim/loom/policy"
	"github.com/casualjim/loom/pubsub"
	"github.com/fogfish/opts"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultDeadline bounds requests that carry no deadline when their
	// capability does not define one either.
	DefaultDeadline = 30 * time.Second
	// DefaultGracePeriod is how long a backend may take to stop after its
	// deadline before the broker stops waiting for it.
	DefaultGracePeriod = 250 * time.Millisecond
	// DefaultResultTopic receives a ResultEvent per invocation when a bus is configured.
	DefaultResultTopic = "loom.results"
	// DefaultServeConcurrency is the number of requests Serve runs at the same time.
	DefaultServeConcurrency = 64
	// DefaultServeBacklog is the number of requests Serve queues behind busy workers.
	DefaultServeBacklog = 1024

	instrumentationName = "github.com/casualjim/loom"
)

// Broker resolves, routes and dispatches capability invocations.
//
// A broker is safe for concurrent use. Registration and policy swaps may run
// alongside invocations; every invocation observes a complete registry and a
// complete policy.
type Broker struct {
	registry *capability.Registry
	engine   *policy.Engine
	host     *plugin.Host
	ownsHost bool

	bus             pubsub.Bus
	resultTopic     string
	defaultDeadline time.Duration
	grace           time.Duration
	serveLimit      int
	serveBacklog    int

	inflight *haxmap.Map[string, struct{}]

	logger         *slog.Logger
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	metrics        *metrics
}

var (
	// WithHost sets the plugin host used for every backend. The broker creates
	// and owns one when none is given.
	WithHost = opts.ForName[Broker, *plugin.Host]("host")
	// WithResultTopic sets the topic that receives a ResultEvent per invocation.
	WithResultTopic = opts.ForName[Broker, string]("resultTopic")
	// WithDefaultDeadline bounds requests without a deadline of their own.
	WithDefaultDeadline = opts.ForName[Broker, time.Duration]("defaultDeadline")
	// WithGracePeriod bounds the wait for a backend to stop once its deadline passed.
	WithGracePeriod = opts.ForName[Broker, time.Duration]("grace")
	// WithServeConcurrency bounds the requests Serve runs at the same time.
	WithServeConcurrency = opts.ForName[Broker, int]("serveLimit")
	// WithServeBacklog bounds the requests Serve holds while all workers are busy.
	WithServeBacklog = opts.ForName[Broker, int]("serveBacklog")
	// WithLogger sets the logger of the broker.
	WithLogger = opts.ForName[Broker, *slog.Logger]("logger")
)

// WithBus publishes a ResultEvent for every invocation on the result topic of bus
// and makes Serve available.
func WithBus(bus pubsub.Bus) opts.Option[Broker] {
	return opts.Type[Broker](func(b *Broker) error {
		b.bus = bus
		return nil
	})
}

// WithMetrics registers the broker metrics with reg.
func WithMetrics(reg prometheus.Registerer) opts.Option[Broker] {
	return opts.Type[Broker](func(b *Broker) error {
		b.registerer = reg
		return nil
	})
}

// WithTracerProvider sets the provider of the invocation spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) opts.Option[Broker] {
	return opts.Type[Broker](func(b *Broker) error {
		b.tracerProvider = tp
		return nil
	})
}

// New creates a broker over registry and engine.
//
// Example:
//
//	reg := capability.NewRegistry()
//	engine, _ := policy.NewEngine(policy.DefaultPolicy())
//	broker, err := loom.New(reg, engine,
//	    loom.WithBus(pubsub.NewLocal()),
//	    loom.WithDefaultDeadline(10*time.Second),
//	)
func New(registry *capability.Registry, engine *policy.Engine, options ...opts.Option[Broker]) (*Broker, error) {
	if registry == nil {
		return nil, fmt.Errorf("a capability registry is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("a policy engine is required")
	}
	b := &Broker{
		registry:        registry,
		engine:          engine,
		resultTopic:     DefaultResultTopic,
		defaultDeadline: DefaultDeadline,
		grace:           DefaultGracePeriod,
		serveLimit:      DefaultServeConcurrency,
		serveBacklog:    DefaultServeBacklog,
		inflight:        haxmap.New[string, struct{}](),
	}
	if err := opts.Apply(b, options); err != nil {
		return nil, err
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With(slogx.LoggerName("broker"))
	if b.defaultDeadline <= 0 {
		return nil, fmt.Errorf("default deadline must be positive, got %s", b.defaultDeadline)
	}
	if b.serveLimit <= 0 {
		return nil, fmt.Errorf("serve concurrency must be positive, got %d", b.serveLimit)
	}
	if b.serveBacklog < 0 {
		return nil, fmt.Errorf("serve backlog must not be negative, got %d", b.serveBacklog)
	}
	if b.grace < 0 {
		return nil, fmt.Errorf("grace period must not be negative, got %s", b.grace)
	}

	if b.host == nil {
		host, err := plugin.New(plugin.WithLogger(b.logger))
		if err != nil {
			return nil, err
		}
		b.host = host
		b.ownsHost = true
	}

	tp := b.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	b.tracer = tp.Tracer(instrumentationName)

	m, err := newMetrics(b.registerer)
	if err != nil {
		return nil, err
	}
	b.metrics = m
	return b, nil
}

// Register adds c to the registry. Sandboxed backends are compiled first, so a
// module that cannot load is refused here rather than on its first request.
func (b *Broker) Register(ctx context.Context, c capability.Capability) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid capability: %w", err)
	}
	for _, backend := range c.Backends {
		if err := b.host.Prepare(ctx, backend); err != nil {
			return fmt.Errorf("capability %q backend %s: %w", c.Name, backend.ID(), err)
		}
	}
	return b.registry.Register(c)
}

// Unregister removes the capability called name.
func (b *Broker) Unregister(name string) bool {
	return b.registry.Unregister(name)
}

// Capabilities lists the registered capabilities in registration order.
func (b *Broker) Capabilities() []capability.Capability {
	return b.registry.List()
}

// SetPolicy atomically replaces the routing policy.
func (b *Broker) SetPolicy(p policy.Policy) error {
	return b.engine.SetPolicy(p)
}

// Policy returns the active routing policy.
func (b *Broker) Policy() policy.Snapshot {
	return b.engine.Current()
}

// Invoke runs one request to completion.
//
// Misconfiguration is returned as the error: UnknownCapability,
// PolicyRejected, NoBackendForTarget and DuplicateCorrelation when the
// correlation id is already being served. Everything that happens once a
// backend was chosen, including DeadlineExceeded, is reported in the result.
// Exactly one result is produced per dispatched request, none for a request
// that was not dispatched, and nothing is retried.
func (b *Broker) Invoke(ctx context.Context, req action.Request) (action.Result, error) {
	res, event, err := b.run(ctx, req)
	if err == nil {
		b.publish(ctx, event)
	}
	return res, err
}

func (b *Broker) run(ctx context.Context, req action.Request) (action.Result, ResultEvent, error) {
	started := time.Now()
	req = req.Clone()
	req.CorrelationID = uuidx.OrNew(req.CorrelationID)
	req.Origin = req.Origin.Normalize()
	inv := invocation{req: req, started: started}

	if _, loaded := b.inflight.GetOrSet(req.CorrelationID, struct{}{}); loaded {
		err := action.Errorf(action.KindDuplicateCorrelation, "correlation id %q is already in flight", req.CorrelationID)
		b.metrics.observe(req.Capability, "", "", action.KindDuplicateCorrelation, time.Since(started))
		return action.Result{}, inv.event(action.Result{}, err), err
	}
	defer b.inflight.Del(req.CorrelationID)

	ctx, span := b.tracer.Start(ctx, "loom.invoke", trace.WithAttributes(
		attribute.String("loom.capability", req.Capability),
		attribute.String("loom.correlation_id", req.CorrelationID),
		attribute.String("loom.origin", string(req.Origin)),
	))
	defer span.End()

	b.metrics.inflight.Inc()
	defer b.metrics.inflight.Dec()

	res, err := b.invoke(ctx, &inv)

	outcome := action.Kind("")
	switch {
	case err != nil:
		outcome = action.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.WarnContext(ctx, "dispatch failed",
			slogx.Capability(req.Capability),
			slogx.CorrelationID(req.CorrelationID),
			slogx.Error(err),
		)
	case !res.Succeeded():
		outcome = res.Error.Kind
		span.SetStatus(codes.Error, res.Error.Error())
	}
	span.SetAttributes(
		attribute.String("loom.target", inv.decision.Target.String()),
		attribute.String("loom.backend", inv.backend),
		attribute.String("loom.outcome", outcomeLabel(outcome)),
	)
	b.metrics.observe(req.Capability, inv.decision.Target, inv.backend, outcome, time.Since(started))
	return res, inv.event(res, err), err
}

func (b *Broker) invoke(ctx context.Context, inv *invocation) (action.Result, error) {
	req := inv.req
	c, err := b.registry.Resolve(req.Capability)
	if err != nil {
		return action.Result{}, err
	}
	if req.Version != "" && c.Version != "" && req.Version != c.Version {
		return action.Result{}, action.Errorf(action.KindUnknownCapability,
			"capability %q is registered at version %q, not %q", c.Name, c.Version, req.Version)
	}
	inv.capability = &c

	if err := req.Validate(); err != nil {
		return action.Failf(req.CorrelationID, action.KindBadPayload, "invalid request: %v", err), nil
	}

	decision, err := b.engine.Select(c, req)
	inv.decision = decision
	if err != nil {
		return action.Result{}, err
	}
	b.logger.DebugContext(ctx, "routed request",
		slogx.Capability(c.Name),
		slogx.CorrelationID(req.CorrelationID),
		slog.Any("decision", decision),
	)

	backend, ok := c.Find(matches(decision.Target))
	if !ok {
		return action.Result{}, action.Errorf(action.KindNoBackendForTarget,
			"capability %q has no %s backend", c.Name, decision.Target).
			WithDetail("target", decision.Target.String())
	}
	inv.backend = backend.ID()

	if req.Deadline.IsZero() {
		req.Deadline = inv.started.Add(cmp.Or(c.DefaultDeadline, b.defaultDeadline))
	}
	if req.Expired() {
		return action.Failf(req.CorrelationID, action.KindDeadlineExceeded, "deadline passed before dispatch"), nil
	}
	return b.dispatch(ctx, backend, req), nil
}

// matches selects the backends allowed for a target: Local runs natively or
// in the sandbox, Cloud runs remotely.
func matches(target policy.Target) func(capability.Backend) bool {
	return func(b capability.Backend) bool {
		switch target {
		case policy.Local:
			return b.Kind == capability.KindNative || b.Kind == capability.KindSandboxed
		case policy.Cloud:
			return b.Kind == capability.KindRemote
		default:
			return false
		}
	}
}

// dispatch runs the backend call as its own task and waits for it until the
// deadline, plus the grace period for the call to unwind. The call's context
// is cancelled at the deadline so the backend tears the call down.
func (b *Broker) dispatch(ctx context.Context, backend capability.Backend, req action.Request) action.Result {
	callCtx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	done := make(chan action.Result, 1)
	go func() {
		done <- b.host.Invoke(callCtx, backend, req)
	}()

	select {
	case res := <-done:
		return res
	case <-callCtx.Done():
	}

	cause := context.Cause(callCtx)
	expired := action.Failf(req.CorrelationID, action.KindDeadlineExceeded,
		"%s did not complete before its deadline: %v", backend.ID(), cause)
	if errors.Is(cause, context.Canceled) {
		expired = action.Failf(req.CorrelationID, action.KindDeadlineExceeded,
			"%s was cancelled by the caller: %v", backend.ID(), cause)
	}

	grace := time.NewTimer(b.grace)
	defer grace.Stop()
	select {
	case res := <-done:
		if res.Status == action.StatusTimeout {
			return res
		}
		return expired
	case <-grace.C:
		b.logger.Warn("backend did not stop after its deadline",
			slogx.Capability(req.Capability),
			slogx.CorrelationID(req.CorrelationID),
			slog.String("backend", backend.ID()),
			slog.Duration("grace", b.grace),
		)
		return expired
	}
}

func (b *Broker) publish(ctx context.Context, event ResultEvent) {
	if b.bus == nil || b.resultTopic == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := b.bus.Topic(ctx, b.resultTopic).Publish(ctx, event); err != nil {
		b.logger.Error("failed to publish result",
			slogx.Capability(event.Capability),
			slogx.CorrelationID(event.CorrelationID),
			slogx.Error(err),
		)
	}
}

// Close releases the plugin host when the broker created it.
func (b *Broker) Close(ctx context.Context) error {
	if !b.ownsHost {
		return nil
	}
	return b.host.Close(ctx)
}
