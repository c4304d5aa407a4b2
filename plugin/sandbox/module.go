package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/pkg/slogx"
	json "github.com/goccy/go-json"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/sync/semaphore"
)

const (
	pageSize          = 65536
	maxPages          = 65536
	allocExport       = "loom_alloc"
	defaultEntrypoint = "loom_invoke"
	memoryExport      = "memory"
)

var errRetired = errors.New("module retired")

// module is a compiled module with its own runtime. Each module gets its own
// runtime because memory limits are a runtime setting.
type module struct {
	id          string
	fingerprint string
	spec        capability.ModuleSpec
	limits      capability.Limits
	pages       uint32
	entry       string
	runtime     wazero.Runtime
	compiled    wazero.CompiledModule
	sem         *semaphore.Weighted
	logger      *slog.Logger

	// use is held shared by calls and exclusively by retire.
	use     sync.RWMutex
	retired bool

	// mu serializes calls into the long-lived instance.
	mu       sync.Mutex
	instance api.Module
}

func loadModule(ctx context.Context, spec *capability.ModuleSpec, binary []byte, fingerprint string, limits capability.Limits, logger *slog.Logger) (*module, error) {
	pages := uint32(min(limits.MemoryBytes/pageSize, maxPages))
	if pages == 0 {
		pages = 1
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))

	fail := func(err error) (*module, error) {
		_ = r.Close(ctx)
		return nil, err
	}

	compiled, err := r.CompileModule(ctx, binary)
	if err != nil {
		return fail(newError(CodeLoad, spec.ID, err, "compile: %v", err))
	}

	entry := spec.Entrypoint
	if entry == "" {
		entry = defaultEntrypoint
	}
	if err := checkABI(spec, compiled, entry); err != nil {
		return fail(err)
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return fail(newError(CodeLoad, spec.ID, err, "link wasi: %v", err))
	}
	if err := instantiateHost(ctx, r, spec, logger); err != nil {
		return fail(newError(CodeLoad, spec.ID, err, "link host functions: %v", err))
	}

	return &module{
		id:          spec.ID,
		fingerprint: fingerprint,
		spec:        *spec,
		limits:      limits,
		pages:       pages,
		entry:       entry,
		runtime:     r,
		compiled:    compiled,
		sem:         semaphore.NewWeighted(int64(limits.MaxConcurrency)),
		logger:      logger,
	}, nil
}

// checkABI verifies exports and resolves imports against the permission set
// before anything runs.
func checkABI(spec *capability.ModuleSpec, compiled wazero.CompiledModule, entry string) error {
	if _, ok := compiled.ExportedMemories()[memoryExport]; !ok {
		return newError(CodeABI, spec.ID, nil, "module does not export %q", memoryExport)
	}
	exports := compiled.ExportedFunctions()
	if err := checkSignature(spec.ID, exports, allocExport, []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}); err != nil {
		return err
	}
	if err := checkSignature(spec.ID, exports, entry, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}); err != nil {
		return err
	}

	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		switch moduleName {
		case wasi_snapshot_preview1.ModuleName:
		case hostModule:
			perm, known := hostFuncs[name]
			if !known {
				return newError(CodeABI, spec.ID, nil, "unknown host function %s.%s", moduleName, name)
			}
			if !spec.Granted(perm) {
				return newError(CodePermission, spec.ID, nil, "host function %s.%s requires the %q permission", moduleName, name, perm)
			}
		default:
			return newError(CodePermission, spec.ID, nil, "import %s.%s is not provided by the host", moduleName, name)
		}
	}
	return nil
}

func checkSignature(id string, exports map[string]api.FunctionDefinition, name string, params, results []api.ValueType) error {
	def, ok := exports[name]
	if !ok {
		return newError(CodeABI, id, nil, "module does not export %q", name)
	}
	if !slices.Equal(def.ParamTypes(), params) || !slices.Equal(def.ResultTypes(), results) {
		return newError(CodeABI, id, nil, "export %q has signature %v -> %v, want %v -> %v",
			name, def.ParamTypes(), def.ResultTypes(), params, results)
	}
	return nil
}

func (m *module) moduleConfig() wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")

	spec := &m.spec
	if spec.Granted(capability.PermissionClock) {
		cfg = cfg.WithSysWalltime().WithSysNanotime()
	}
	if spec.Granted(capability.PermissionRandom) {
		cfg = cfg.WithRandSource(rand.Reader)
	}
	if spec.Granted(capability.PermissionFS) && len(spec.Mounts) > 0 {
		fsCfg := wazero.NewFSConfig()
		for _, guest := range slices.Sorted(maps.Keys(spec.Mounts)) {
			fsCfg = fsCfg.WithReadOnlyDirMount(spec.Mounts[guest], guest)
		}
		cfg = cfg.WithFSConfig(fsCfg)
	}
	if spec.Granted(capability.PermissionEnv) {
		for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
			cfg = cfg.WithEnv(k, spec.Env[k])
		}
	}
	return cfg
}

func (m *module) instantiate(ctx context.Context) (api.Module, error) {
	return m.runtime.InstantiateModule(ctx, m.compiled, m.moduleConfig())
}

// invoke runs one call. parent carries the request deadline; the time budget
// of the module is layered on top of it.
func (m *module) invoke(parent context.Context, input []byte) ([]byte, error) {
	m.use.RLock()
	defer m.use.RUnlock()
	if m.retired {
		return nil, errRetired
	}

	if err := m.sem.Acquire(parent, 1); err != nil {
		return nil, deadlineError(parent, m.id)
	}
	defer m.sem.Release(1)

	ctx, cancel := context.WithTimeout(parent, m.limits.Timeout)
	defer cancel()

	if m.spec.LongLived {
		m.mu.Lock()
		defer m.mu.Unlock()
		inst, err := m.longLived(ctx)
		if err != nil {
			return nil, m.classify(parent, ctx, nil, err)
		}
		out, err := m.call(ctx, inst, input)
		if err != nil {
			err = m.classify(parent, ctx, inst, err)
			// a faulted instance may hold corrupt state
			_ = inst.Close(context.Background())
			m.instance = nil
		}
		return out, err
	}

	inst, err := m.instantiate(ctx)
	if err != nil {
		return nil, m.classify(parent, ctx, nil, err)
	}
	defer func() { _ = inst.Close(context.Background()) }()

	out, err := m.call(ctx, inst, input)
	if err != nil {
		return nil, m.classify(parent, ctx, inst, err)
	}
	return out, nil
}

func (m *module) longLived(ctx context.Context) (api.Module, error) {
	if m.instance != nil {
		return m.instance, nil
	}
	inst, err := m.instantiate(ctx)
	if err != nil {
		return nil, err
	}
	m.instance = inst
	return inst, nil
}

func (m *module) call(ctx context.Context, inst api.Module, input []byte) ([]byte, error) {
	mem := inst.Memory()
	if mem == nil {
		return nil, newError(CodeABI, m.id, nil, "module has no memory")
	}

	var ptr uint32
	if len(input) > 0 {
		res, err := inst.ExportedFunction(allocExport).Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, err
		}
		ptr = uint32(res[0])
		if ptr == 0 {
			return nil, newError(CodeMemoryExhausted, m.id, nil, "allocation of %d bytes failed", len(input))
		}
		if !mem.Write(ptr, input) {
			return nil, newError(CodeABI, m.id, nil, "allocation [%d, %d) is out of bounds", ptr, uint64(ptr)+uint64(len(input)))
		}
	}

	res, err := inst.ExportedFunction(m.entry).Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, err
	}

	outPtr, outLen := uint32(res[0]>>32), uint32(res[0])
	if uint64(outLen) > uint64(m.limits.MaxOutputBytes) {
		return nil, newError(CodeOutputExhausted, m.id, nil, "output of %d bytes exceeds the %d byte limit", outLen, m.limits.MaxOutputBytes)
	}
	if outLen == 0 {
		return json.RawMessage("null"), nil
	}
	view, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, newError(CodeABI, m.id, nil, "output [%d, %d) is out of bounds", outPtr, uint64(outPtr)+uint64(outLen))
	}
	out := bytes.Clone(view)
	if !json.Valid(out) {
		return nil, newError(CodeABI, m.id, nil, "output is not valid json")
	}
	return out, nil
}

// classify maps a raw wazero failure onto a fault code. Expiry of the request
// deadline is reported as DeadlineExceeded rather than as a fault of the module.
func (m *module) classify(parent, ctx context.Context, inst api.Module, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if parent.Err() != nil {
		return deadlineError(parent, m.id)
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return newError(CodeTimeExhausted, m.id, err, "exceeded the %s time budget", m.limits.Timeout)
		default:
			return newError(CodeTrap, m.id, err, "module exited with code %d", exit.ExitCode())
		}
	}
	if ctx.Err() != nil {
		return newError(CodeTimeExhausted, m.id, err, "exceeded the %s time budget", m.limits.Timeout)
	}
	if inst != nil {
		limit := uint64(m.pages) * pageSize
		if mem := inst.Memory(); mem != nil && uint64(mem.Size()) >= limit {
			return newError(CodeMemoryExhausted, m.id, err, "trapped at the %d byte memory limit: %v", limit, err)
		}
	}
	return newError(CodeTrap, m.id, err, "%v", err)
}

func deadlineError(ctx context.Context, id string) error {
	return action.Errorf(action.KindDeadlineExceeded, "module %s: %v", id, context.Cause(ctx)).
		WithDetail("module", id)
}

// retire waits for in-flight calls and releases the runtime.
func (m *module) retire(ctx context.Context) {
	m.use.Lock()
	defer m.use.Unlock()
	if m.retired {
		return
	}
	m.retired = true
	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Warn("failed to close module runtime", slog.String("module", m.id), slogx.Error(err))
	}
}

func (m *module) String() string {
	return fmt.Sprintf("%s@%s", m.id, m.fingerprint)
}
