package loom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/internal/natstest"
	"github.com/casualjim/loom/plugin/remote"
	"github.com/casualjim/loom/plugin/sandbox/wasmtest"
	"github.com/casualjim/loom/policy"
	"github.com/casualjim/loom/pubsub"
	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type speech struct {
	Text string `json:"text"`
}

type spoken struct {
	Spoken string `json:"spoken"`
}

func echo() capability.Handler {
	return capability.Func(func(_ context.Context, in speech) (spoken, error) {
		return spoken{Spoken: in.Text}, nil
	})
}

type fixture struct {
	broker *Broker
	bus    *pubsub.LocalBus
	engine *policy.Engine

	mu     sync.Mutex
	events []ResultEvent
}

func newFixture(t *testing.T, p policy.Policy, options ...opts.Option[Broker]) *fixture {
	t.Helper()
	return newFixtureOn(t, pubsub.NewLocal(), p, options...)
}

func newFixtureOn(t *testing.T, bus *pubsub.LocalBus, p policy.Policy, options ...opts.Option[Broker]) *fixture {
	t.Helper()
	engine, err := policy.NewEngine(p)
	require.NoError(t, err)

	f := &fixture{bus: bus, engine: engine}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := f.bus.Topic(ctx, DefaultResultTopic).Stream(ctx)
	require.NoError(t, err)
	go func() {
		for env := range stream.Messages() {
			var ev ResultEvent
			if assert.NoError(t, env.Decode(&ev)) {
				f.mu.Lock()
				f.events = append(f.events, ev)
				f.mu.Unlock()
			}
		}
	}()

	options = append([]opts.Option[Broker]{WithBus(f.bus), WithGracePeriod(50 * time.Millisecond)}, options...)
	f.broker = newBroker(t, capability.NewRegistry(), engine, options...)
	return f
}

func newBroker(t *testing.T, reg *capability.Registry, engine *policy.Engine, options ...opts.Option[Broker]) *Broker {
	t.Helper()
	b, err := New(reg, engine, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func (f *fixture) eventsFor(correlationID string) []ResultEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ResultEvent
	for _, ev := range f.events {
		if ev.CorrelationID == correlationID {
			out = append(out, ev)
		}
	}
	return out
}

func invoke(t *testing.T, b *Broker, name string, input any, options ...opts.Option[action.Request]) (action.Result, error) {
	t.Helper()
	req, err := action.NewRequest(name, input, options...)
	require.NoError(t, err)
	return b.Invoke(context.Background(), req)
}

func cloudWhenUnspecified() policy.Policy {
	return policy.Policy{
		Name:    "edge",
		Version: "1",
		Rules: []policy.Rule{
			{Name: "unspecified-to-cloud", When: policy.OriginIs(action.OriginUnspecified), Target: policy.Cloud},
		},
		Default: policy.Local,
	}
}

// llmInfer registers llm.infer with a sandboxed and a remote backend that
// answer with their own name.
func llmInfer(t *testing.T, privacy capability.PrivacyClass) capability.Capability {
	t.Helper()
	ns, nc := natstest.Connect(t)
	_, err := remote.Serve(nc, "rpc.llm.infer", "", capability.HandlerFunc(func(_ context.Context, req action.Request) (action.Result, error) {
		return action.OK(req.CorrelationID, map[string]string{"backend": "remote"})
	}), nil)
	require.NoError(t, err)

	return capability.Capability{
		Name:    "llm.infer",
		Privacy: privacy,
		Backends: []capability.Backend{
			capability.Sandboxed(capability.ModuleSpec{
				ID:     "llm-local",
				Binary: wasmtest.Constant([]byte(`{"backend":"sandboxed"}`)),
				Limits: capability.Limits{MemoryBytes: 4 << 16, Timeout: time.Second},
			}),
			capability.Remote(capability.RemoteSpec{
				Endpoint: capability.Endpoint{URL: ns.ClientURL(), Subject: "rpc.llm.infer"},
			}),
		},
	}
}

func TestScenarioNativeEcho(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name:     "tts.echo",
		Backends: []capability.Backend{capability.Native(echo())},
	}))

	res, err := invoke(t, f.broker, "tts.echo", speech{Text: "Hello Loom!"}, action.WithCorrelationID("scenario-a"))
	require.NoError(t, err)
	assert.Equal(t, action.StatusOK, res.Status)
	assert.Nil(t, res.Error)
	assert.JSONEq(t, `{"spoken":"Hello Loom!"}`, string(res.Output))
	assert.Equal(t, "scenario-a", res.CorrelationID)

	require.Eventually(t, func() bool { return len(f.eventsFor("scenario-a")) == 1 }, time.Second, 5*time.Millisecond)
	ev := f.eventsFor("scenario-a")[0]
	assert.Equal(t, "tts.echo", ev.Capability)
	assert.Equal(t, "native", ev.Backend)
	require.NotNil(t, ev.Decision)
	assert.Equal(t, policy.Local, ev.Decision.Target)
	assert.True(t, ev.Result.Succeeded())
}

func TestScenarioPublicGoesToCloud(t *testing.T) {
	f := newFixture(t, cloudWhenUnspecified())
	require.NoError(t, f.broker.Register(context.Background(), llmInfer(t, capability.Public)))

	res, err := invoke(t, f.broker, "llm.infer", nil, action.WithCorrelationID("scenario-b"))
	require.NoError(t, err)
	require.True(t, res.Succeeded(), "%v", res.Err())
	assert.JSONEq(t, `{"backend":"remote"}`, string(res.Output))

	require.Eventually(t, func() bool { return len(f.eventsFor("scenario-b")) == 1 }, time.Second, 5*time.Millisecond)
	ev := f.eventsFor("scenario-b")[0]
	assert.Contains(t, ev.Backend, "remote:")
	assert.Equal(t, policy.Cloud, ev.Decision.Target)
	assert.Equal(t, "unspecified-to-cloud", ev.Decision.Rule)

	res, err = invoke(t, f.broker, "llm.infer", nil, action.WithOrigin(action.OriginLocal))
	require.NoError(t, err)
	assert.JSONEq(t, `{"backend":"sandboxed"}`, string(res.Output))
}

func TestScenarioSensitiveStaysLocal(t *testing.T) {
	f := newFixture(t, cloudWhenUnspecified())
	require.NoError(t, f.broker.Register(context.Background(), llmInfer(t, capability.Sensitive)))

	res, err := invoke(t, f.broker, "llm.infer", nil, action.WithCorrelationID("scenario-c"))
	require.NoError(t, err)
	require.True(t, res.Succeeded(), "%v", res.Err())
	assert.JSONEq(t, `{"backend":"sandboxed"}`, string(res.Output))

	require.Eventually(t, func() bool { return len(f.eventsFor("scenario-c")) == 1 }, time.Second, 5*time.Millisecond)
	ev := f.eventsFor("scenario-c")[0]
	assert.Equal(t, "sandboxed:llm-local", ev.Backend)
	assert.Equal(t, policy.Local, ev.Decision.Target)
	assert.True(t, ev.Decision.Downgraded)
}

func TestScenarioUnknownCapability(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())

	res, err := invoke(t, f.broker, "does.not.exist", nil, action.WithCorrelationID("scenario-d"))
	require.ErrorIs(t, err, action.ErrUnknownCapability)
	assert.Equal(t, action.Result{}, res)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.eventsFor("scenario-d"), "no result is produced for an unresolved request")
}

func TestMalformedInput(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name:     "tts.echo",
		Backends: []capability.Backend{capability.Native(echo())},
	}))

	t.Run("unknown capability", func(t *testing.T) {
		res, err := f.broker.Invoke(context.Background(), action.Request{
			Capability:    "does.not.exist",
			CorrelationID: "malformed-unknown",
			Input:         json.RawMessage("{"),
		})
		require.ErrorIs(t, err, action.ErrUnknownCapability)
		assert.Equal(t, action.Result{}, res)
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, f.eventsFor("malformed-unknown"))
	})

	t.Run("registered capability", func(t *testing.T) {
		res, err := f.broker.Invoke(context.Background(), action.Request{
			Capability:    "tts.echo",
			CorrelationID: "malformed-known",
			Input:         json.RawMessage("{"),
		})
		require.NoError(t, err)
		require.NotNil(t, res.Error)
		assert.Equal(t, action.KindBadPayload, res.Error.Kind)
		require.Eventually(t, func() bool { return len(f.eventsFor("malformed-known")) == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestDispatchErrors(t *testing.T) {
	reject := policy.Policy{Name: "closed", Version: "1", Default: policy.Reject}
	f := newFixture(t, policy.DefaultPolicy())
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name:     "tts.echo",
		Version:  "2",
		Backends: []capability.Backend{capability.Native(echo())},
	}))

	t.Run("version mismatch", func(t *testing.T) {
		_, err := invoke(t, f.broker, "tts.echo", speech{Text: "x"}, action.WithVersion("1"))
		assert.ErrorIs(t, err, action.ErrUnknownCapability)
	})

	t.Run("no backend for target", func(t *testing.T) {
		require.NoError(t, f.broker.SetPolicy(policy.Policy{Name: "cloudy", Version: "1", Default: policy.Cloud}))
		_, err := invoke(t, f.broker, "tts.echo", speech{Text: "x"})
		assert.ErrorIs(t, err, action.ErrNoBackendForTarget)
	})

	t.Run("policy rejected", func(t *testing.T) {
		require.NoError(t, f.broker.SetPolicy(reject))
		_, err := invoke(t, f.broker, "tts.echo", speech{Text: "x"})
		assert.ErrorIs(t, err, action.ErrPolicyRejected)
		assert.Equal(t, "closed", f.broker.Policy().Policy.Name)
	})
}

func TestDeadlineOvershootIsBounded(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name: "stubborn",
		Backends: []capability.Backend{capability.Native(capability.HandlerFunc(func(context.Context, action.Request) (action.Result, error) {
			time.Sleep(2 * time.Second)
			return action.OK("", "too late")
		}))},
	}))

	started := time.Now()
	res, err := invoke(t, f.broker, "stubborn", nil, action.WithTimeout(50*time.Millisecond))
	took := time.Since(started)
	require.NoError(t, err)
	assert.Equal(t, action.StatusTimeout, res.Status)
	assert.Equal(t, action.KindDeadlineExceeded, res.Error.Kind)
	assert.Less(t, took, 500*time.Millisecond)
}

func TestDeadlineCancelsBackends(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	stopped := make(chan struct{})
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name:            "waits",
		DefaultDeadline: 50 * time.Millisecond,
		Backends: []capability.Backend{capability.Native(capability.HandlerFunc(func(ctx context.Context, _ action.Request) (action.Result, error) {
			<-ctx.Done()
			close(stopped)
			return action.Result{}, ctx.Err()
		}))},
	}))
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name: "spins",
		Backends: []capability.Backend{capability.Sandboxed(capability.ModuleSpec{
			ID:     "spins",
			Binary: wasmtest.Loop(),
			Limits: capability.Limits{MemoryBytes: 4 << 16, Timeout: time.Minute},
		})},
	}))

	t.Run("native", func(t *testing.T) {
		res, err := invoke(t, f.broker, "waits", nil)
		require.NoError(t, err)
		assert.Equal(t, action.KindDeadlineExceeded, res.Error.Kind)
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("handler was not cancelled")
		}
	})

	t.Run("sandboxed", func(t *testing.T) {
		started := time.Now()
		res, err := invoke(t, f.broker, "spins", nil, action.WithTimeout(50*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, action.KindDeadlineExceeded, res.Error.Kind)
		assert.Less(t, time.Since(started), 500*time.Millisecond)
	})

	t.Run("expired before dispatch", func(t *testing.T) {
		res, err := invoke(t, f.broker, "waits", nil, action.WithDeadline(time.Now().Add(-time.Second)))
		require.NoError(t, err)
		assert.Equal(t, action.StatusTimeout, res.Status)
	})
}

func TestCallerCancellation(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name: "stubborn",
		Backends: []capability.Backend{capability.Native(capability.HandlerFunc(func(context.Context, action.Request) (action.Result, error) {
			time.Sleep(time.Second)
			return action.OK("", "too late")
		}))},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	req, err := action.NewRequest("stubborn", nil, action.WithTimeout(10*time.Second))
	require.NoError(t, err)

	started := time.Now()
	res, err := f.broker.Invoke(ctx, req)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	require.NotNil(t, res.Error)
	assert.Equal(t, action.KindDeadlineExceeded, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "cancelled by the caller")
	assert.NotContains(t, res.Error.Message, "deadline")
}

func TestDuplicateCorrelation(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name: "blocks",
		Backends: []capability.Backend{capability.Native(capability.HandlerFunc(func(_ context.Context, req action.Request) (action.Result, error) {
			entered <- struct{}{}
			<-release
			return action.OK(req.CorrelationID, "done")
		}))},
	}))

	first := make(chan error, 1)
	go func() {
		_, err := invoke(t, f.broker, "blocks", nil, action.WithCorrelationID("dup"))
		first <- err
	}()
	<-entered

	_, err := invoke(t, f.broker, "blocks", nil, action.WithCorrelationID("dup"))
	assert.ErrorIs(t, err, action.ErrDuplicateCorrelation)

	close(release)
	require.NoError(t, <-first)

	res, err := invoke(t, f.broker, "blocks", nil, action.WithCorrelationID("dup"))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	require.Eventually(t, func() bool { return len(f.eventsFor("dup")) == 2 }, time.Second, 5*time.Millisecond)
}

func TestExactlyOneResultPerRequest(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name:     "tts.echo",
		Backends: []capability.Backend{capability.Native(echo())},
	}))

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "tts.echo"
			if i%5 == 0 {
				name = "missing"
			}
			_, _ = invoke(t, f.broker, name, speech{Text: "x"}, action.WithCorrelationID(fmt.Sprintf("req-%d", i)))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.events) == n-n/5
	}, 2*time.Second, 5*time.Millisecond)
	for i := range n {
		want := 1
		if i%5 == 0 {
			want = 0
		}
		assert.Len(t, f.eventsFor(fmt.Sprintf("req-%d", i)), want)
	}
}

func TestCorrelationIDAssigned(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name:     "tts.echo",
		Backends: []capability.Backend{capability.Native(echo())},
	}))
	res, err := invoke(t, f.broker, "tts.echo", speech{Text: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CorrelationID)
}

func TestRegisterRefusesBrokenModules(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	err := f.broker.Register(context.Background(), capability.Capability{
		Name: "broken",
		Backends: []capability.Backend{capability.Sandboxed(capability.ModuleSpec{
			ID:     "broken",
			Binary: []byte("\x00asm garbage"),
		})},
	})
	require.Error(t, err)
	assert.Empty(t, f.broker.Capabilities())
}

func TestReplacementKeepsInflightCalls(t *testing.T) {
	engine, err := policy.NewEngine(policy.DefaultPolicy())
	require.NoError(t, err)
	b := newBroker(t, capability.NewRegistry(capability.AllowReplace(true)), engine)

	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, b.Register(context.Background(), capability.Capability{
		Name: "versioned",
		Backends: []capability.Backend{capability.Native(capability.HandlerFunc(func(_ context.Context, req action.Request) (action.Result, error) {
			close(entered)
			<-release
			return action.OK(req.CorrelationID, "v1")
		}))},
	}))

	old := make(chan action.Result, 1)
	go func() {
		res, _ := invoke(t, b, "versioned", nil)
		old <- res
	}()
	<-entered

	require.NoError(t, b.Register(context.Background(), capability.Capability{
		Name: "versioned",
		Backends: []capability.Backend{capability.Native(capability.HandlerFunc(func(_ context.Context, req action.Request) (action.Result, error) {
			return action.OK(req.CorrelationID, "v2")
		}))},
	}))
	res, err := invoke(t, b, "versioned", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"v2"`, string(res.Output))

	close(release)
	assert.JSONEq(t, `"v1"`, string((<-old).Output))
}

func TestServe(t *testing.T) {
	f := newFixture(t, policy.DefaultPolicy())
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name:     "tts.echo",
		Backends: []capability.Backend{capability.Native(echo())},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := f.broker.Serve(ctx, "loom.requests")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	requests := f.bus.Topic(ctx, "loom.requests")
	ok, err := action.NewRequest("tts.echo", speech{Text: "served"}, action.WithCorrelationID("served-1"))
	require.NoError(t, err)
	missing, err := action.NewRequest("nope", nil, action.WithCorrelationID("served-2"))
	require.NoError(t, err)

	require.NoError(t, requests.Publish(ctx, ok))
	require.NoError(t, requests.Publish(ctx, missing))
	require.NoError(t, requests.Publish(ctx, map[string]string{"correlation_id": "served-3"}))

	require.Eventually(t, func() bool {
		return len(f.eventsFor("served-1")) == 1 && len(f.eventsFor("served-2")) == 1 && len(f.eventsFor("served-3")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.JSONEq(t, `{"spoken":"served"}`, string(f.eventsFor("served-1")[0].Result.Output))
	assert.Equal(t, action.KindUnknownCapability, f.eventsFor("served-2")[0].DispatchError.Kind)
	assert.Equal(t, action.KindBadPayload, f.eventsFor("served-3")[0].DispatchError.Kind)
}

func TestServeSurvivesBursts(t *testing.T) {
	bus := pubsub.NewLocal(pubsub.WithBufferSize(2), pubsub.WithSlowSubscriberTimeout(20*time.Millisecond))
	f := newFixtureOn(t, bus, policy.DefaultPolicy(), WithServeConcurrency(1), WithServeBacklog(16))
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name: "tts.slow",
		Backends: []capability.Backend{capability.Native(capability.Func(func(ctx context.Context, in speech) (spoken, error) {
			select {
			case <-ctx.Done():
				return spoken{}, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			return spoken{Spoken: in.Text}, nil
		}))},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := f.broker.Serve(ctx, "loom.requests")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	requests := f.bus.Topic(ctx, "loom.requests")
	publish := func(id string) {
		req, err := action.NewRequest("tts.slow", speech{Text: id}, action.WithCorrelationID(id))
		require.NoError(t, err)
		require.NoError(t, requests.Publish(ctx, req))
	}
	for i := range 6 {
		publish(fmt.Sprintf("burst-%d", i))
	}
	publish("after")

	require.Eventually(t, func() bool {
		for i := range 6 {
			if len(f.eventsFor(fmt.Sprintf("burst-%d", i))) != 1 {
				return false
			}
		}
		return len(f.eventsFor("after")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	for i := range 6 {
		ev := f.eventsFor(fmt.Sprintf("burst-%d", i))[0]
		require.Nil(t, ev.DispatchError)
		assert.True(t, ev.Result.Succeeded())
	}
	assert.JSONEq(t, `{"spoken":"after"}`, string(f.eventsFor("after")[0].Result.Output))
}

func TestServeRejectsWhenBacklogIsFull(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	f := newFixture(t, policy.DefaultPolicy(), WithServeConcurrency(1), WithServeBacklog(1))
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name: "tts.gated",
		Backends: []capability.Backend{capability.Native(capability.Func(func(ctx context.Context, in speech) (spoken, error) {
			started <- struct{}{}
			select {
			case <-ctx.Done():
				return spoken{}, ctx.Err()
			case <-release:
			}
			return spoken{Spoken: in.Text}, nil
		}))},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := f.broker.Serve(ctx, "loom.requests")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	requests := f.bus.Topic(ctx, "loom.requests")
	publish := func(id string) {
		req, err := action.NewRequest("tts.gated", speech{Text: id}, action.WithCorrelationID(id))
		require.NoError(t, err)
		require.NoError(t, requests.Publish(ctx, req))
	}

	publish("running")
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first request never started")
	}
	publish("waiting")
	publish("rejected")

	require.Eventually(t, func() bool {
		return len(f.eventsFor("rejected")) == 1
	}, time.Second, 5*time.Millisecond)
	ev := f.eventsFor("rejected")[0]
	require.NotNil(t, ev.DispatchError)
	assert.Equal(t, action.KindOverloaded, ev.DispatchError.Kind)
	assert.Equal(t, "tts.gated", ev.Capability)

	close(release)
	require.Eventually(t, func() bool {
		return len(f.eventsFor("running")) == 1 && len(f.eventsFor("waiting")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.eventsFor("waiting")[0].Result.Succeeded())
}

func TestServeRequiresBus(t *testing.T) {
	engine, err := policy.NewEngine(policy.DefaultPolicy())
	require.NoError(t, err)
	b := newBroker(t, capability.NewRegistry(), engine)
	_, err = b.Serve(context.Background(), "loom.requests")
	assert.True(t, errors.Is(err, errNoBus))
}

func TestMetricsAndTracing(t *testing.T) {
	reg := prometheus.NewRegistry()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	f := newFixture(t, policy.DefaultPolicy(), WithMetrics(reg), WithTracerProvider(tp))
	require.NoError(t, f.broker.Register(context.Background(), capability.Capability{
		Name:     "tts.echo",
		Backends: []capability.Backend{capability.Native(echo())},
	}))

	_, err := invoke(t, f.broker, "tts.echo", speech{Text: "x"})
	require.NoError(t, err)
	_, err = invoke(t, f.broker, "missing", nil)
	require.Error(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(f.broker.metrics.invocations.WithLabelValues("tts.echo", "local", "native", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(f.broker.metrics.invocations.WithLabelValues("missing", "none", "none", "UnknownCapability")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(f.broker.metrics.inflight), 0)

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "loom.invoke", ended[0].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestResultEventJSON(t *testing.T) {
	res, err := action.OK("c-1", map[string]int{"n": 1})
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Millisecond)
	ev := ResultEvent{
		Capability:    "count",
		CorrelationID: "c-1",
		Revision:      3,
		Decision:      &policy.Decision{Target: policy.Local, Rule: "r", RuleIndex: 0, PolicyName: "p", PolicyVersion: "1", Generation: 2, Downgraded: true, Reason: "sensitive"},
		Backend:       "native",
		Result:        res,
	}
	ev.StartedAt = strfmt.DateTime(now)
	ev.CompletedAt = strfmt.DateTime(now.Add(time.Second))

	data, err := ev.MarshalJSON()
	require.NoError(t, err)
	var back ResultEvent
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, ev.Decision, back.Decision)
	assert.Equal(t, ev.Capability, back.Capability)
	assert.Equal(t, uint64(3), back.Revision)
	assert.JSONEq(t, `{"n":1}`, string(back.Result.Output))
	assert.Equal(t, time.Second, back.Duration())
	assert.Nil(t, back.DispatchError)

	rejected := ResultEvent{Capability: "x", CorrelationID: "c-2", DispatchError: action.Errorf(action.KindPolicyRejected, "no")}
	data, err = rejected.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, action.KindPolicyRejected, back.DispatchError.Kind)
}

func TestNewValidatesOptions(t *testing.T) {
	engine, err := policy.NewEngine(policy.DefaultPolicy())
	require.NoError(t, err)

	_, err = New(nil, engine)
	require.Error(t, err)
	_, err = New(capability.NewRegistry(), nil)
	require.Error(t, err)
	_, err = New(capability.NewRegistry(), engine, WithDefaultDeadline(-time.Second))
	require.Error(t, err)
	_, err = New(capability.NewRegistry(), engine, WithServeConcurrency(0))
	require.Error(t, err)
	_, err = New(capability.NewRegistry(), engine, WithServeBacklog(-1))
	require.Error(t, err)
}
