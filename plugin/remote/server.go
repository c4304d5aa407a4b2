package remote

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/pkg/slogx"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// Serve answers requests on subject with handler. A non-empty queue makes
// several servers share the load. The returned subscription stops serving when
// unsubscribed.
func Serve(nc *nats.Conn, subject, queue string, handler capability.Handler, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slogx.LoggerName("remote.server"), slog.String("subject", subject))

	respond := func(msg *nats.Msg) {
		result := serveOne(msg.Data, handler, logger)
		data, err := json.Marshal(result)
		if err != nil {
			logger.Error("failed to encode result", slogx.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Error("failed to respond", slogx.Error(err), slogx.CorrelationID(result.CorrelationID))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = nc.QueueSubscribe(subject, queue, respond)
	} else {
		sub, err = nc.Subscribe(subject, respond)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to serve %q: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func serveOne(data []byte, handler capability.Handler, logger *slog.Logger) (result action.Result) {
	var req action.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return action.Failf("", action.KindBadPayload, "decode request: %v", err)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				slogx.Capability(req.Capability),
				slogx.CorrelationID(req.CorrelationID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = action.Failf(req.CorrelationID, action.KindCapabilityError, "handler panicked: %v", r)
		}
	}()

	ctx := context.Background()
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	res, err := handler.Invoke(ctx, req)
	if err != nil {
		return action.Fail(req.CorrelationID, err)
	}
	res.CorrelationID = req.CorrelationID
	return res
}
