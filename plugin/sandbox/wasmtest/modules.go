package wasmtest

const (
	// InputOffset is where the canned loom_alloc places the input.
	InputOffset = 1024
	// OutputOffset is where Constant stores its result.
	OutputOffset = 4096
)

var (
	allocParams  = []ValType{I32}
	allocResults = []ValType{I32}
	invokeParams = []ValType{I32, I32}
	invokeResult = []ValType{I64}
)

// pack pushes (ptr << 32) | len computed from the two i32 parameters.
var packParams = []byte{
	OpLocalGet, 0, OpI64ExtendU,
	OpI64Const, 32, OpI64Shl,
	OpLocalGet, 1, OpI64ExtendU,
	OpI64Or,
}

func i32Const(v int32) []byte {
	return AppendI32([]byte{OpI32Const}, v)
}

func i64Const(v int64) []byte {
	return AppendI64([]byte{OpI64Const}, v)
}

func packed(ptr, n uint32) []byte {
	return i64Const(int64(uint64(ptr)<<32 | uint64(n)))
}

func withAlloc(m *Module, at int32) *Module {
	m.Func("loom_alloc", allocParams, allocResults, i32Const(at)...)
	return m
}

// Echo returns its input unchanged.
func Echo() []byte {
	m := New().Memory(1, 0)
	withAlloc(m, InputOffset)
	m.Func("loom_invoke", invokeParams, invokeResult, packParams...)
	return m.Bytes()
}

// EchoWithEntrypoint is Echo with the invoke function exported under another name.
func EchoWithEntrypoint(name string) []byte {
	m := New().Memory(1, 0)
	withAlloc(m, InputOffset)
	m.Func(name, invokeParams, invokeResult, packParams...)
	return m.Bytes()
}

// Constant ignores its input and returns output.
func Constant(output []byte) []byte {
	m := New().Memory(1, 0)
	withAlloc(m, InputOffset)
	m.Func("loom_invoke", invokeParams, invokeResult, packed(OutputOffset, uint32(len(output)))...)
	m.Data(OutputOffset, output)
	return m.Bytes()
}

// Loop never returns.
func Loop() []byte {
	m := New().Memory(1, 0)
	withAlloc(m, InputOffset)
	body := []byte{OpLoop, BlockTypeEmpty, OpBr, 0, OpEnd}
	body = append(body, i64Const(0)...)
	m.Func("loom_invoke", invokeParams, invokeResult, body...)
	return m.Bytes()
}

// Trap executes unreachable.
func Trap() []byte {
	m := New().Memory(1, 0)
	withAlloc(m, InputOffset)
	m.Func("loom_invoke", invokeParams, invokeResult, OpUnreachable)
	return m.Bytes()
}

// Grow keeps growing memory one page at a time and traps once growth fails.
func Grow() []byte {
	m := New().Memory(1, 0)
	withAlloc(m, InputOffset)
	body := []byte{OpLoop, BlockTypeEmpty}
	body = append(body, i32Const(1)...)
	body = append(body, OpMemoryGrow, 0x00)
	body = append(body, i32Const(-1)...)
	body = append(body, OpI32Eq, OpIf, BlockTypeEmpty, OpUnreachable, OpEnd, OpBr, 0, OpEnd)
	body = append(body, i64Const(0)...)
	m.Func("loom_invoke", invokeParams, invokeResult, body...)
	return m.Bytes()
}

// AllocFails reports an allocation failure by returning a null pointer.
func AllocFails() []byte {
	m := New().Memory(1, 0)
	withAlloc(m, 0)
	m.Func("loom_invoke", invokeParams, invokeResult, packParams...)
	return m.Bytes()
}

// Oversized claims a result of n bytes starting at offset zero.
func Oversized(n uint32) []byte {
	m := New().Memory(2, 0)
	withAlloc(m, InputOffset)
	m.Func("loom_invoke", invokeParams, invokeResult, packed(0, n)...)
	return m.Bytes()
}

// OutOfBounds returns a result pointer past the end of memory.
func OutOfBounds() []byte {
	m := New().Memory(1, 1)
	withAlloc(m, InputOffset)
	m.Func("loom_invoke", invokeParams, invokeResult, packed(70000, 8)...)
	return m.Bytes()
}

// NoEntrypoint exports memory and loom_alloc only.
func NoEntrypoint() []byte {
	m := New().Memory(1, 0)
	withAlloc(m, InputOffset)
	return m.Bytes()
}

// NoMemory exports the functions but no memory.
func NoMemory() []byte {
	m := New()
	withAlloc(m, InputOffset)
	m.Func("loom_invoke", invokeParams, invokeResult, packParams...)
	return m.Bytes()
}

// Logger calls the host function loom.log(level, ptr, len) with its input and
// then echoes it.
func Logger() []byte {
	m := New()
	logFn := m.Import("loom", "log", []ValType{I32, I32, I32}, nil)
	m.Memory(1, 0)
	withAlloc(m, InputOffset)
	body := i32Const(0)
	body = append(body, OpLocalGet, 0, OpLocalGet, 1, OpCall, byte(logFn))
	body = append(body, packParams...)
	m.Func("loom_invoke", invokeParams, invokeResult, body...)
	return m.Bytes()
}

// Clock reads loom.now, discards the reading and echoes its input.
func Clock() []byte {
	m := New()
	nowFn := m.Import("loom", "now", nil, []ValType{I64})
	m.Memory(1, 0)
	withAlloc(m, InputOffset)
	body := []byte{OpCall, byte(nowFn), OpDrop}
	body = append(body, packParams...)
	m.Func("loom_invoke", invokeParams, invokeResult, body...)
	return m.Bytes()
}

// Random fills n bytes at ptr through loom.random and then echoes its input.
func Random(ptr, n uint32) []byte {
	m := New()
	randomFn := m.Import("loom", "random", []ValType{I32, I32}, []ValType{I32})
	m.Memory(1, 0)
	withAlloc(m, InputOffset)
	body := append(i32Const(int32(ptr)), i32Const(int32(n))...)
	body = append(body, OpCall, byte(randomFn), OpDrop)
	body = append(body, packParams...)
	m.Func("loom_invoke", invokeParams, invokeResult, body...)
	return m.Bytes()
}

// ForeignImport imports a function from a module the host does not provide.
func ForeignImport() []byte {
	m := New()
	m.Import("env", "abort", nil, nil)
	m.Memory(1, 0)
	withAlloc(m, InputOffset)
	m.Func("loom_invoke", invokeParams, invokeResult, packParams...)
	return m.Bytes()
}
