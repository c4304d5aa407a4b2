package remote

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/internal/registry"
	"github.com/casualjim/loom/pkg/natsx"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

const (
	defaultPoolSize    = 4
	defaultDialTimeout = 5 * time.Second
)

// Client invokes remote backends.
type Client struct {
	pools      registry.Registry[*pool]
	dial       Dialer
	defaultURL string
	logger     *slog.Logger
	closed     atomic.Bool
}

var (
	// WithLogger sets the logger of the client.
	WithLogger = opts.ForName[Client, *slog.Logger]("logger")
	// WithDefaultURL is the server used by endpoints that do not name one.
	WithDefaultURL = opts.ForName[Client, string]("defaultURL")
)

// WithDialer replaces the function used to open pooled connections.
func WithDialer(d Dialer) opts.Option[Client] {
	return opts.Type[Client](func(c *Client) error {
		c.dial = d
		return nil
	})
}

// New creates a client.
func New(options ...opts.Option[Client]) (*Client, error) {
	c := &Client{
		pools: registry.New[*pool](),
		dial:  dialNATS,
	}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slogx.LoggerName("remote"))
	return c, nil
}

func dialNATS(ctx context.Context, url string, options ...nats.Option) (*nats.Conn, error) {
	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, max(time.Until(deadline), time.Millisecond))
	}
	options = append(options, nats.Timeout(timeout))
	return natsx.Connect(url, options...)
}

func poolKey(url string, creds capability.Credentials) string {
	if creds.IsZero() {
		return url
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%+v", creds))
	return url + "#" + hex.EncodeToString(sum[:8])
}

func (c *Client) poolFor(spec *capability.RemoteSpec) (*pool, error) {
	url := natsx.ResolveURL(cmp.Or(spec.Endpoint.URL, c.defaultURL))
	key := poolKey(url, spec.Credentials)
	if p, ok := c.pools.Get(key); ok {
		return p, nil
	}
	authOpts, err := spec.Credentials.Options()
	if err != nil {
		return nil, err
	}
	options := append([]nats.Option{
		nats.Name(natsx.DefaultName),
		nats.MaxReconnects(-1),
	}, authOpts...)
	p, _ := c.pools.GetOrAdd(key, func() *pool {
		return newPool(url, cmp.Or(spec.PoolSize, defaultPoolSize), options, c.dial, c.logger)
	})
	return p, nil
}

// Invoke sends req to the backend and waits for its result. Transport failures
// are reported as dispatch errors: RemoteUnavailable, RemoteTimeout when the
// backend's own timeout expires, RemoteProtocolError for malformed replies and
// DeadlineExceeded when ctx expires.
func (c *Client) Invoke(ctx context.Context, spec *capability.RemoteSpec, req action.Request) (action.Result, error) {
	if c.closed.Load() {
		return action.Result{}, action.Errorf(action.KindRemoteUnavailable, "remote client is closed")
	}
	if spec == nil || spec.Endpoint.Subject == "" {
		return action.Result{}, action.Errorf(action.KindRemoteUnavailable, "remote backend has no subject")
	}

	callCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	p, err := c.poolFor(spec)
	if err != nil {
		return action.Result{}, action.Errorf(action.KindRemoteUnavailable, "credentials for %s: %v", spec.Endpoint, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return action.Result{}, action.Errorf(action.KindBadPayload, "encode request: %v", err)
	}

	nc, err := p.acquire(callCtx)
	if err != nil {
		return action.Result{}, c.transportError(ctx, callCtx, spec, err)
	}
	msg, err := nc.RequestWithContext(callCtx, spec.Endpoint.Subject, body)
	p.release(nc, err == nil || isCallError(err))
	if err != nil {
		return action.Result{}, c.transportError(ctx, callCtx, spec, err)
	}

	result, err := action.DecodeResult(msg.Data)
	if err != nil {
		return action.Result{}, action.Errorf(action.KindRemoteProtocolError, "%s: %v", spec.Endpoint, err)
	}
	if result.CorrelationID != req.CorrelationID {
		return action.Result{}, action.Errorf(action.KindRemoteProtocolError,
			"%s: reply correlation id %q does not match %q", spec.Endpoint, result.CorrelationID, req.CorrelationID)
	}
	return result, nil
}

// isCallError reports errors that leave the connection usable.
func isCallError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrMaxPayload)
}

func (c *Client) transportError(parent, call context.Context, spec *capability.RemoteSpec, err error) error {
	switch {
	case parent.Err() != nil:
		return action.Errorf(action.KindDeadlineExceeded, "%s: %v", spec.Endpoint, context.Cause(parent))
	case call.Err() != nil || errors.Is(err, nats.ErrTimeout):
		return action.Errorf(action.KindRemoteTimeout, "%s: no reply within %s", spec.Endpoint, spec.Timeout)
	case errors.Is(err, nats.ErrNoResponders):
		return action.Errorf(action.KindRemoteUnavailable, "%s: no responders", spec.Endpoint)
	default:
		c.logger.Warn("remote call failed", slog.String("endpoint", spec.Endpoint.String()), slogx.Error(err))
		return action.Errorf(action.KindRemoteUnavailable, "%s: %v", spec.Endpoint, err)
	}
}

// PoolStats reports the open and idle connection counts of the pool serving spec.
func (c *Client) PoolStats(spec *capability.RemoteSpec) (open, idle int) {
	url := natsx.ResolveURL(cmp.Or(spec.Endpoint.URL, c.defaultURL))
	p, ok := c.pools.Get(poolKey(url, spec.Credentials))
	if !ok {
		return 0, 0
	}
	return p.stats()
}

// Close closes every pooled connection.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	for _, p := range c.pools.Drain() {
		p.close()
	}
}
