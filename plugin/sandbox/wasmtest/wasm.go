// Package wasmtest assembles small WebAssembly modules for tests of the sandbox.
// The modules follow the loom ABI: they export "memory", "loom_alloc" and
// "loom_invoke".
package wasmtest

import "encoding/binary"

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// Opcodes used by the canned modules.
const (
	OpUnreachable  = 0x00
	OpBlock        = 0x02
	OpLoop         = 0x03
	OpIf           = 0x04
	OpEnd          = 0x0b
	OpBr           = 0x0c
	OpCall         = 0x10
	OpDrop         = 0x1a
	OpLocalGet     = 0x20
	OpI32Const     = 0x41
	OpI64Const     = 0x42
	OpMemoryGrow   = 0x40
	OpI32Eq        = 0x46
	OpI64Or        = 0x84
	OpI64Shl       = 0x86
	OpI64ExtendU   = 0xad
	BlockTypeEmpty = 0x40
)

type funcType struct {
	params, results []ValType
}

type function struct {
	typeIdx uint32
	export  string
	body    []byte
}

type importFunc struct {
	module, name string
	typeIdx      uint32
}

type dataSegment struct {
	offset uint32
	bytes  []byte
}

// Module is a tiny WebAssembly module builder.
type Module struct {
	types   []funcType
	imports []importFunc
	funcs   []function
	memory  *[2]uint32
	data    []dataSegment
}

// New creates an empty module.
func New() *Module {
	return &Module{}
}

func (m *Module) typeOf(params, results []ValType) uint32 {
	for i, t := range m.types {
		if equal(t.params, params) && equal(t.results, results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// Memory declares the exported linear memory. A max of zero means unbounded.
func (m *Module) Memory(minPages, maxPages uint32) *Module {
	m.memory = &[2]uint32{minPages, maxPages}
	return m
}

// Import declares an imported function and returns its function index.
// Imports must be declared before any Func.
func (m *Module) Import(module, name string, params, results []ValType) uint32 {
	m.imports = append(m.imports, importFunc{module: module, name: name, typeIdx: m.typeOf(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func adds a function with the given body (without the trailing end opcode)
// and returns its function index. A non-empty name exports it.
func (m *Module) Func(name string, params, results []ValType, body ...byte) uint32 {
	m.funcs = append(m.funcs, function{typeIdx: m.typeOf(params, results), export: name, body: body})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Data places bytes in memory at offset when the module is instantiated.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, dataSegment{offset: offset, bytes: b})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.types)))
		for _, t := range m.types {
			sec = append(sec, 0x60)
			sec = appendValTypes(sec, t.params)
			sec = appendValTypes(sec, t.results)
		}
		out = appendSection(out, 1, sec)
	}

	if len(m.imports) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, 0x00)
			sec = appendU32(sec, imp.typeIdx)
		}
		out = appendSection(out, 2, sec)
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec = appendU32(sec, f.typeIdx)
		}
		out = appendSection(out, 3, sec)
	}

	if m.memory != nil {
		sec := appendU32(nil, 1)
		if m.memory[1] == 0 {
			sec = append(sec, 0x00)
			sec = appendU32(sec, m.memory[0])
		} else {
			sec = append(sec, 0x01)
			sec = appendU32(sec, m.memory[0])
			sec = appendU32(sec, m.memory[1])
		}
		out = appendSection(out, 5, sec)
	}

	var exports [][]byte
	if m.memory != nil {
		exp := appendName(nil, "memory")
		exp = append(exp, 0x02)
		exp = appendU32(exp, 0)
		exports = append(exports, exp)
	}
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		exp := appendName(nil, f.export)
		exp = append(exp, 0x00)
		exp = appendU32(exp, uint32(len(m.imports)+i))
		exports = append(exports, exp)
	}
	if len(exports) > 0 {
		sec := appendU32(nil, uint32(len(exports)))
		for _, exp := range exports {
			sec = append(sec, exp...)
		}
		out = appendSection(out, 7, sec)
	}

	if len(m.funcs) > 0 {
		sec := appendU32(nil, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			body := appendU32(nil, 0) // no locals
			body = append(body, f.body...)
			body = append(body, OpEnd)
			sec = appendU32(sec, uint32(len(body)))
			sec = append(sec, body...)
		}
		out = appendSection(out, 10, sec)
	}

	if len(m.data) > 0 {
		sec := appendU32(nil, uint32(len(m.data)))
		for _, d := range m.data {
			sec = append(sec, 0x00, OpI32Const)
			sec = AppendI32(sec, int32(d.offset))
			sec = append(sec, OpEnd)
			sec = appendU32(sec, uint32(len(d.bytes)))
			sec = append(sec, d.bytes...)
		}
		out = appendSection(out, 11, sec)
	}
	return out
}

func appendSection(out []byte, id byte, contents []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(contents)))
	return append(out, contents...)
}

func appendValTypes(out []byte, types []ValType) []byte {
	out = appendU32(out, uint32(len(types)))
	for _, t := range types {
		out = append(out, byte(t))
	}
	return out
}

func appendName(out []byte, name string) []byte {
	out = appendU32(out, uint32(len(name)))
	return append(out, name...)
}

func appendU32(out []byte, v uint32) []byte {
	return binary.AppendUvarint(out, uint64(v))
}

// AppendI32 appends a signed LEB128 encoded 32 bit immediate.
func AppendI32(out []byte, v int32) []byte {
	return AppendI64(out, int64(v))
}

// AppendI64 appends a signed LEB128 encoded 64 bit immediate.
func AppendI64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func equal(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
