package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/plugin/sandbox/wasmtest"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func spec(id string, binary []byte) *capability.ModuleSpec {
	return &capability.ModuleSpec{
		ID:     id,
		Binary: binary,
		Limits: capability.Limits{MemoryBytes: 4 * pageSize, Timeout: 2 * time.Second},
	}
}

func TestInvokeEcho(t *testing.T) {
	e := newExecutor(t)
	out, err := e.Invoke(context.Background(), spec("echo", wasmtest.Echo()), json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, string(out))
	assert.Equal(t, []string{"echo"}, e.Loaded())
}

func TestInvokeEmptyInput(t *testing.T) {
	e := newExecutor(t)
	out, err := e.Invoke(context.Background(), spec("echo", wasmtest.Echo()), nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestInvokeCustomEntrypoint(t *testing.T) {
	e := newExecutor(t)
	s := spec("custom", wasmtest.EchoWithEntrypoint("speak"))
	s.Entrypoint = "speak"
	out, err := e.Invoke(context.Background(), s, json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(out))
}

func TestInvokeFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.wasm")
	require.NoError(t, os.WriteFile(path, wasmtest.Echo(), 0o600))

	e := newExecutor(t)
	out, err := e.Invoke(context.Background(), &capability.ModuleSpec{ID: "file", Path: path}, json.RawMessage(`[1,2,3]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(out))

	_, err = e.Invoke(context.Background(), &capability.ModuleSpec{ID: "missing", Path: filepath.Join(t.TempDir(), "nope.wasm")}, nil)
	assert.Equal(t, CodeLoad, CodeOf(err))
}

func TestInvokeFaults(t *testing.T) {
	tests := []struct {
		name   string
		spec   *capability.ModuleSpec
		input  string
		want   Code
		assert func(t *testing.T, err error)
	}{
		{name: "trap", spec: spec("trap", wasmtest.Trap()), want: CodeTrap},
		{name: "invalid binary", spec: spec("garbage", []byte("definitely not wasm")), want: CodeLoad},
		{name: "no entrypoint", spec: spec("noentry", wasmtest.NoEntrypoint()), want: CodeABI},
		{name: "no memory", spec: spec("nomem", wasmtest.NoMemory()), want: CodeABI},
		{name: "output out of bounds", spec: spec("oob", wasmtest.OutOfBounds()), want: CodeABI},
		{name: "output not json", spec: spec("notjson", wasmtest.Constant([]byte("not json"))), want: CodeABI},
		{name: "allocation failure", spec: spec("alloc", wasmtest.AllocFails()), input: `{"a":1}`, want: CodeMemoryExhausted},
		{name: "memory growth", spec: spec("grow", wasmtest.Grow()), want: CodeMemoryExhausted},
		{name: "ungranted host function", spec: spec("logger", wasmtest.Logger()), input: `"x"`, want: CodePermission},
		{name: "foreign import", spec: spec("foreign", wasmtest.ForeignImport()), want: CodePermission},
		{name: "ungranted random", spec: spec("random", wasmtest.Random(0, 16)), want: CodePermission},
		{
			name: "random outside memory",
			spec: func() *capability.ModuleSpec {
				s := spec("random", wasmtest.Random(0, 256<<20))
				s.Permissions = []capability.Permission{capability.PermissionRandom}
				return s
			}(),
			want: CodeTrap,
		},
		{
			name: "random straddling the end of memory",
			spec: func() *capability.ModuleSpec {
				s := spec("random", wasmtest.Random(pageSize-8, 16))
				s.Permissions = []capability.Permission{capability.PermissionRandom}
				return s
			}(),
			want: CodeTrap,
		},
		{
			name: "output limit",
			spec: func() *capability.ModuleSpec {
				s := spec("big", wasmtest.Oversized(60000))
				s.Limits.MaxOutputBytes = 1024
				return s
			}(),
			want: CodeOutputExhausted,
		},
		{
			name: "time budget",
			spec: func() *capability.ModuleSpec {
				s := spec("loop", wasmtest.Loop())
				s.Limits.Timeout = 50 * time.Millisecond
				return s
			}(),
			want: CodeTimeExhausted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecutor(t)
			var input json.RawMessage
			if tt.input != "" {
				input = json.RawMessage(tt.input)
			}
			_, err := e.Invoke(context.Background(), tt.spec, input)
			require.Error(t, err)
			assert.Equal(t, tt.want, CodeOf(err), err.Error())

			var se *Error
			require.ErrorAs(t, err, &se)
			ae := se.ActionError()
			assert.Equal(t, action.KindSandboxFault, ae.Kind)
			assert.Equal(t, string(tt.want), ae.Details["code"])
		})
	}
}

func TestInvokeRequestDeadline(t *testing.T) {
	e := newExecutor(t)
	s := spec("loop", wasmtest.Loop())
	s.Limits.Timeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := e.Invoke(ctx, s, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, action.ErrDeadlineExceeded)
	assert.Empty(t, CodeOf(err))
	assert.Less(t, time.Since(started), 2*time.Second, "the running call must be torn down")
}

func TestHostFunctionsWhenGranted(t *testing.T) {
	e := newExecutor(t)

	logger := spec("logger", wasmtest.Logger())
	logger.Permissions = []capability.Permission{capability.PermissionLog}
	out, err := e.Invoke(context.Background(), logger, json.RawMessage(`"logged"`))
	require.NoError(t, err)
	assert.Equal(t, `"logged"`, string(out))

	clock := spec("clock", wasmtest.Clock())
	clock.Permissions = []capability.Permission{capability.PermissionClock}
	out, err = e.Invoke(context.Background(), clock, json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, `1`, string(out))

	random := spec("random", wasmtest.Random(wasmtest.OutputOffset, 32))
	random.Permissions = []capability.Permission{capability.PermissionRandom}
	out, err = e.Invoke(context.Background(), random, json.RawMessage(`"dice"`))
	require.NoError(t, err)
	assert.Equal(t, `"dice"`, string(out))
}

func TestModuleReplacement(t *testing.T) {
	e := newExecutor(t)

	out, err := e.Invoke(context.Background(), spec("m", wasmtest.Echo()), json.RawMessage(`"first"`))
	require.NoError(t, err)
	assert.Equal(t, `"first"`, string(out))

	out, err = e.Invoke(context.Background(), spec("m", wasmtest.Constant([]byte(`"second"`))), json.RawMessage(`"ignored"`))
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(out))
	assert.Equal(t, []string{"m"}, e.Loaded())

	e.Evict(context.Background(), "m")
	assert.Empty(t, e.Loaded())
}

func TestLongLivedModule(t *testing.T) {
	e := newExecutor(t)
	s := spec("ll", wasmtest.Echo())
	s.LongLived = true

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Invoke(context.Background(), s, json.RawMessage(`{"n":1}`))
			assert.NoError(t, err, "call %d", i)
			assert.JSONEq(t, `{"n":1}`, string(out))
		}()
	}
	wg.Wait()

	m, ok := e.modules.Get("ll")
	require.True(t, ok)
	assert.NotNil(t, m.instance)

	trap := spec("lltrap", wasmtest.Trap())
	trap.LongLived = true
	_, err := e.Invoke(context.Background(), trap, nil)
	assert.Equal(t, CodeTrap, CodeOf(err))
	tm, ok := e.modules.Get("lltrap")
	require.True(t, ok)
	assert.Nil(t, tm.instance, "faulted instances are discarded")
}

func TestConcurrencyLimit(t *testing.T) {
	e := newExecutor(t)
	s := spec("serial", wasmtest.Echo())
	s.Limits.MaxConcurrency = 1

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Invoke(context.Background(), s, json.RawMessage(`true`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestConcurrencyLimitWaitHonorsDeadline(t *testing.T) {
	e := newExecutor(t)
	s := spec("busy", wasmtest.Loop())
	s.Limits.MaxConcurrency = 1
	s.Limits.Timeout = 300 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), s, nil)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Invoke(ctx, s, nil)
	assert.ErrorIs(t, err, action.ErrDeadlineExceeded)

	assert.Equal(t, CodeTimeExhausted, CodeOf(<-done))
}

func TestClosedExecutor(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	_, err = e.Invoke(context.Background(), spec("echo", wasmtest.Echo()), nil)
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))

	_, err = e.Invoke(context.Background(), spec("echo", wasmtest.Echo()), nil)
	assert.True(t, errors.Is(err, errClosed))
}

func TestInvokeWithoutID(t *testing.T) {
	e := newExecutor(t)
	_, err := e.Invoke(context.Background(), &capability.ModuleSpec{Binary: wasmtest.Echo()}, nil)
	assert.Equal(t, CodeLoad, CodeOf(err))
	_, err = e.Invoke(context.Background(), nil, nil)
	assert.Equal(t, CodeLoad, CodeOf(err))
}
