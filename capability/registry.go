package capability

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/fogfish/opts"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type table = orderedmap.OrderedMap[string, Capability]

// Registry maps capability names to capabilities.
//
// Readers never take a lock: they load an immutable snapshot. Writers are
// serialized, copy the snapshot, and publish the copy atomically, so a concurrent
// reader observes either the table before or after a registration, never a mix.
type Registry struct {
	mu           sync.Mutex
	snapshot     atomic.Pointer[table]
	revision     uint64
	allowReplace bool
	logger       *slog.Logger
}

var (
	// AllowReplace makes a second registration under an existing name replace the
	// first one instead of failing with DuplicateCapability.
	AllowReplace = opts.ForName[Registry, bool]("allowReplace")
	// WithLogger sets the logger of the registry.
	WithLogger = opts.ForName[Registry, *slog.Logger]("logger")
)

// NewRegistry creates an empty registry.
func NewRegistry(options ...opts.Option[Registry]) *Registry {
	r := &Registry{}
	if err := opts.Apply(r, options); err != nil {
		panic(err)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With(slogx.LoggerName("registry"))
	r.snapshot.Store(orderedmap.New[string, Capability]())
	return r
}

// Register adds c to the registry. The registry stores a deep copy, so later
// changes to c by the caller are not observed.
func (r *Registry) Register(c Capability) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid capability: %w", err)
	}
	c = c.Clone()
	c.Privacy = c.PrivacyClass()
	if c.InputSchema == nil {
		if nb, ok := c.Find(func(b Backend) bool { return b.Kind == KindNative }); ok {
			if sp, ok := nb.Handler.(SchemaProvider); ok {
				c.InputSchema = sp.InputSchema()
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot.Load()
	previous, exists := current.Get(c.Name)
	if exists && !r.allowReplace {
		return action.Errorf(action.KindDuplicateCapability, "capability %q is already registered", c.Name)
	}

	r.revision++
	c.Revision = r.revision

	next := copyTable(current)
	next.Set(c.Name, c)
	r.snapshot.Store(next)

	if exists {
		r.logger.Info("replaced capability",
			slogx.Capability(c.Name),
			slog.Uint64("revision", c.Revision),
			slog.Uint64("previous_revision", previous.Revision),
		)
	} else {
		r.logger.Info("registered capability",
			slogx.Capability(c.Name),
			slog.Uint64("revision", c.Revision),
			slog.Int("backends", len(c.Backends)),
		)
	}
	return nil
}

// Resolve returns the capability registered under name. The returned value is a
// copy bound to the revision current at the time of the call.
func (r *Registry) Resolve(name string) (Capability, error) {
	c, ok := r.snapshot.Load().Get(name)
	if !ok {
		return Capability{}, action.Errorf(action.KindUnknownCapability, "capability %q is not registered", name)
	}
	return c.Clone(), nil
}

// Unregister removes name from the registry and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot.Load()
	if _, ok := current.Get(name); !ok {
		return false
	}
	next := copyTable(current)
	next.Delete(name)
	r.snapshot.Store(next)
	r.logger.Info("unregistered capability", slogx.Capability(name))
	return true
}

// List returns every registered capability in registration order.
func (r *Registry) List() []Capability {
	current := r.snapshot.Load()
	result := make([]Capability, 0, current.Len())
	for pair := current.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value.Clone())
	}
	return result
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	return r.snapshot.Load().Len()
}

func copyTable(src *table) *table {
	dst := orderedmap.New[string, Capability](src.Len() + 1)
	for pair := src.Oldest(); pair != nil; pair = pair.Next() {
		dst.Set(pair.Key, pair.Value)
	}
	return dst
}
