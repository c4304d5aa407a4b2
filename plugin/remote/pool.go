package remote

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/nats-io/nats.go"
)

var errPoolClosed = errors.New("connection pool is closed")

// Dialer opens a connection for a pool.
type Dialer func(ctx context.Context, url string, options ...nats.Option) (*nats.Conn, error)

type pool struct {
	url     string
	size    int
	options []nats.Option
	dial    Dialer
	logger  *slog.Logger

	mu      sync.Mutex
	idle    []*nats.Conn
	open    int
	waiters []chan struct{}
	closed  bool
}

func newPool(url string, size int, options []nats.Option, dial Dialer, logger *slog.Logger) *pool {
	return &pool{url: url, size: max(size, 1), options: options, dial: dial, logger: logger}
}

// acquire checks out a connection, dialing a new one when the pool has room
// and waiting for a release otherwise. The dial itself happens outside the lock.
func (p *pool) acquire(ctx context.Context) (*nats.Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errPoolClosed
		}
		for len(p.idle) > 0 {
			nc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if nc.IsConnected() {
				p.mu.Unlock()
				return nc, nil
			}
			nc.Close()
			p.open--
		}
		if p.open < p.size {
			p.open++
			p.mu.Unlock()

			nc, err := p.dial(ctx, p.url, p.options...)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.signal()
				p.mu.Unlock()
				return nil, err
			}
			return nc, nil
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			p.mu.Lock()
			if i := slices.Index(p.waiters, wait); i >= 0 {
				p.waiters = slices.Delete(p.waiters, i, i+1)
			} else {
				// already woken: hand the wakeup to the next waiter
				p.signal()
			}
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// release returns a connection. Broken connections are closed and free their slot.
func (p *pool) release(nc *nats.Conn, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !healthy || !nc.IsConnected() {
		nc.Close()
		p.open--
	} else {
		p.idle = append(p.idle, nc)
	}
	p.signal()
}

// signal wakes the oldest waiter. Callers hold mu.
func (p *pool) signal() {
	if len(p.waiters) == 0 {
		return
	}
	close(p.waiters[0])
	p.waiters = p.waiters[1:]
}

func (p *pool) stats() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, len(p.idle)
}

func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, nc := range p.idle {
		nc.Close()
		p.open--
	}
	p.idle = nil
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
}
