package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/internal/registry"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
)

// DefaultLimits apply to every limit a module leaves unset.
var DefaultLimits = capability.Limits{
	MemoryBytes:    16 << 20,
	Timeout:        5 * time.Second,
	MaxOutputBytes: 1 << 20,
}

// Executor compiles modules once and runs calls into them.
type Executor struct {
	modules  registry.Registry[*module]
	loads    singleflight.Group
	defaults capability.Limits
	logger   *slog.Logger
	closed   atomic.Bool
}

var (
	// WithLogger sets the logger of the executor.
	WithLogger = opts.ForName[Executor, *slog.Logger]("logger")
	// WithDefaultLimits overrides DefaultLimits.
	WithDefaultLimits = opts.ForName[Executor, capability.Limits]("defaults")
)

var errClosed = errors.New("sandbox executor is closed")

// New creates an executor.
func New(options ...opts.Option[Executor]) (*Executor, error) {
	e := &Executor{
		modules:  registry.New[*module](),
		defaults: DefaultLimits,
	}
	if err := opts.Apply(e, options); err != nil {
		return nil, err
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slogx.LoggerName("sandbox"))
	return e, nil
}

func (e *Executor) limitsFor(spec *capability.ModuleSpec) capability.Limits {
	l := spec.Limits
	if l.MemoryBytes == 0 {
		l.MemoryBytes = e.defaults.MemoryBytes
	}
	if l.Timeout <= 0 {
		l.Timeout = e.defaults.Timeout
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = e.defaults.MaxOutputBytes
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = e.defaults.MaxConcurrency
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = runtime.NumCPU()
	}
	return l
}

// fingerprint identifies a module version without reading the binary from disk.
func fingerprint(spec *capability.ModuleSpec, limits capability.Limits) (string, error) {
	h := sha256.New()
	if len(spec.Binary) > 0 {
		h.Write(spec.Binary)
	} else {
		fi, err := os.Stat(spec.Path)
		if err != nil {
			return "", newError(CodeLoad, spec.ID, err, "stat %s: %v", spec.Path, err)
		}
		fmt.Fprintf(h, "%s|%d|%d", spec.Path, fi.Size(), fi.ModTime().UnixNano())
	}
	fmt.Fprintf(h, "|%s|%+v|%v|%v|%v|%t", spec.Entrypoint, limits, spec.Permissions, spec.Mounts, spec.Env, spec.LongLived)
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// Load compiles and links the module unless an identical version is already
// loaded. A changed module replaces the loaded one; calls still running on the
// old version finish before it is released.
func (e *Executor) Load(ctx context.Context, spec *capability.ModuleSpec) error {
	_, err := e.load(ctx, spec)
	return err
}

func (e *Executor) load(ctx context.Context, spec *capability.ModuleSpec) (*module, error) {
	if e.closed.Load() {
		return nil, errClosed
	}
	if spec == nil || spec.ID == "" {
		return nil, newError(CodeLoad, "", nil, "module spec requires an id")
	}
	limits := e.limitsFor(spec)
	fp, err := fingerprint(spec, limits)
	if err != nil {
		return nil, err
	}
	if m, ok := e.modules.Get(spec.ID); ok && m.fingerprint == fp {
		return m, nil
	}

	v, err, _ := e.loads.Do(spec.ID+"@"+fp, func() (any, error) {
		if m, ok := e.modules.Get(spec.ID); ok && m.fingerprint == fp {
			return m, nil
		}
		binary := spec.Binary
		if len(binary) == 0 {
			b, rerr := os.ReadFile(spec.Path)
			if rerr != nil {
				return nil, newError(CodeLoad, spec.ID, rerr, "read %s: %v", spec.Path, rerr)
			}
			binary = b
		}

		started := time.Now()
		m, lerr := loadModule(context.WithoutCancel(ctx), spec, binary, fp, limits, e.logger.With(slog.String("module", spec.ID)))
		if lerr != nil {
			return nil, lerr
		}
		old, replaced := e.modules.Get(spec.ID)
		e.modules.Add(spec.ID, m)
		if replaced {
			go old.retire(context.Background())
		}
		e.logger.Info("loaded module",
			slog.String("module", spec.ID),
			slog.String("fingerprint", fp),
			slog.Uint64("memory_bytes", limits.MemoryBytes),
			slog.Duration("timeout", limits.Timeout),
			slog.Bool("replaced", replaced),
			slog.Duration("took", time.Since(started)),
		)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*module), nil
}

// Invoke runs the module with input and returns its JSON output. Faults are
// reported as *Error; expiry of ctx is reported as a DeadlineExceeded
// action error.
func (e *Executor) Invoke(ctx context.Context, spec *capability.ModuleSpec, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			id := ""
			if spec != nil {
				id = spec.ID
			}
			e.logger.Error("sandbox invocation panicked",
				slog.String("module", id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			out, err = nil, newError(CodeTrap, id, nil, "host panic: %v", r)
		}
	}()

	for range 2 {
		m, lerr := e.load(ctx, spec)
		if lerr != nil {
			return nil, lerr
		}
		out, err = m.invoke(ctx, input)
		if !errors.Is(err, errRetired) {
			return out, err
		}
	}
	return nil, newError(CodeLoad, spec.ID, errRetired, "module was replaced while loading")
}

// Evict releases a loaded module after its in-flight calls finish.
func (e *Executor) Evict(ctx context.Context, id string) {
	if m, ok := e.modules.Get(id); ok {
		e.modules.Del(id)
		m.retire(ctx)
	}
}

// Loaded lists the ids of the loaded modules.
func (e *Executor) Loaded() []string {
	var ids []string
	e.modules.ForEach(func(id string, _ *module) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Close releases every module. Calls still running are waited for.
func (e *Executor) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, m := range e.modules.Drain() {
		m.retire(ctx)
	}
	return nil
}
