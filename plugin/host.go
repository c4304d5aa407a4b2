package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/casualjim/loom/plugin/remote"
	"github.com/casualjim/loom/plugin/sandbox"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Host executes backends.
type Host struct {
	sandbox *sandbox.Executor
	remote  *remote.Client
	logger  *slog.Logger

	sandboxOptions []opts.Option[sandbox.Executor]
	remoteOptions  []opts.Option[remote.Client]
}

// WithLogger sets the logger of the host and of the executors it creates.
var WithLogger = opts.ForName[Host, *slog.Logger]("logger")

// WithSandboxOptions configures the sandbox executor.
func WithSandboxOptions(options ...opts.Option[sandbox.Executor]) opts.Option[Host] {
	return opts.Type[Host](func(h *Host) error {
		h.sandboxOptions = append(h.sandboxOptions, options...)
		return nil
	})
}

// WithRemoteOptions configures the remote procedure client.
func WithRemoteOptions(options ...opts.Option[remote.Client]) opts.Option[Host] {
	return opts.Type[Host](func(h *Host) error {
		h.remoteOptions = append(h.remoteOptions, options...)
		return nil
	})
}

// New creates a host with its own sandbox executor and remote client.
func New(options ...opts.Option[Host]) (*Host, error) {
	h := &Host{}
	if err := opts.Apply(h, options); err != nil {
		return nil, err
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	sb, err := sandbox.New(append([]opts.Option[sandbox.Executor]{sandbox.WithLogger(h.logger)}, h.sandboxOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox executor: %w", err)
	}
	rc, err := remote.New(append([]opts.Option[remote.Client]{remote.WithLogger(h.logger)}, h.remoteOptions...)...)
	if err != nil {
		_ = sb.Close(context.Background())
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}
	h.sandbox = sb
	h.remote = rc
	h.logger = h.logger.With(slogx.LoggerName("plugin"))
	return h, nil
}

// Prepare does the work a backend needs before its first call. Sandboxed
// modules are compiled and linked so that a broken module is reported at
// registration instead of on the first request.
func (h *Host) Prepare(ctx context.Context, b capability.Backend) error {
	if b.Kind != capability.KindSandboxed {
		return nil
	}
	return h.sandbox.Load(ctx, b.Module)
}

// Invoke runs req on b. ctx bounds the call; its expiry tears the call down and
// yields a DeadlineExceeded result.
func (h *Host) Invoke(ctx context.Context, b capability.Backend, req action.Request) action.Result {
	var res action.Result
	switch b.Kind {
	case capability.KindNative:
		res = h.invokeNative(ctx, b.Handler, req)
	case capability.KindSandboxed:
		res = h.invokeSandboxed(ctx, b.Module, req)
	case capability.KindRemote:
		res = h.invokeRemote(ctx, b.Remote, req)
	default:
		res = action.Failf(req.CorrelationID, action.KindNoBackendForTarget, "unsupported backend kind %s", b.Kind)
	}
	res.CorrelationID = req.CorrelationID
	return res
}

func (h *Host) invokeNative(ctx context.Context, handler capability.Handler, req action.Request) (res action.Result) {
	if handler == nil {
		return action.Failf(req.CorrelationID, action.KindCapabilityError, "native backend has no handler")
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("native handler panicked",
				slogx.Capability(req.Capability),
				slogx.CorrelationID(req.CorrelationID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = action.Failf(req.CorrelationID, action.KindCapabilityError, "handler panicked: %v", r)
		}
	}()

	res, err := handler.Invoke(ctx, req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return action.Failf(req.CorrelationID, action.KindDeadlineExceeded, "%s: %v", req.Capability, err)
		}
		return action.Fail(req.CorrelationID, err)
	}
	return res
}

func (h *Host) invokeSandboxed(ctx context.Context, spec *capability.ModuleSpec, req action.Request) action.Result {
	out, err := h.sandbox.Invoke(ctx, spec, req.Input)
	if err != nil {
		var se *sandbox.Error
		switch {
		case errors.As(err, &se):
			h.logger.Warn("sandbox fault",
				slogx.Capability(req.Capability),
				slogx.CorrelationID(req.CorrelationID),
				slog.String("code", string(se.Code)),
				slogx.Error(err),
			)
			return action.Fail(req.CorrelationID, se.ActionError())
		case action.KindOf(err) != "":
			return action.Fail(req.CorrelationID, err)
		default:
			return action.Failf(req.CorrelationID, action.KindSandboxFault, "%v", err)
		}
	}
	return moduleResult(req.CorrelationID, spec.ID, out)
}

// moduleResult interprets the output of a module: a result triple is taken
// apart, anything else is the output itself.
func moduleResult(correlationID, module string, out json.RawMessage) action.Result {
	parsed := gjson.ParseBytes(out)
	status := parsed.Get("status")
	if !parsed.IsObject() || status.Type != gjson.Number {
		return action.Result{CorrelationID: correlationID, Status: action.StatusOK, Output: out}
	}

	res, err := action.DecodeResult(out)
	if err != nil {
		return action.Fail(correlationID,
			action.Errorf(action.KindSandboxFault, "malformed result: %v", err).
				WithDetail("code", string(sandbox.CodeABI)).
				WithDetail("module", module))
	}
	if res.Succeeded() {
		if len(res.Output) == 0 {
			res.Output = json.RawMessage("null")
		}
		return res
	}
	ae := action.Errorf(action.KindSandboxFault, "%s", res.Error.Message).
		WithDetail("code", string(sandbox.CodeTrap)).
		WithDetail("module", module)
	if res.Error.Kind != "" {
		ae = ae.WithDetail("module_kind", string(res.Error.Kind))
	}
	return action.Fail(correlationID, ae)
}

func (h *Host) invokeRemote(ctx context.Context, spec *capability.RemoteSpec, req action.Request) action.Result {
	res, err := h.remote.Invoke(ctx, spec, req)
	if err != nil {
		return action.Fail(req.CorrelationID, err)
	}
	return res
}

// Loaded lists the ids of the sandboxed modules currently loaded.
func (h *Host) Loaded() []string {
	return h.sandbox.Loaded()
}

// Evict unloads a sandboxed module once its running calls finish.
func (h *Host) Evict(ctx context.Context, moduleID string) {
	h.sandbox.Evict(ctx, moduleID)
}

// Close releases the loaded modules and the pooled remote connections.
func (h *Host) Close(ctx context.Context) error {
	h.remote.Close()
	return h.sandbox.Close(ctx)
}
