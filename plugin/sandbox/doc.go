// Package sandbox runs untrusted WebAssembly modules with bounded memory, a
// per-call time budget and an explicit permission set.
//
// A module talks to the host through a small ABI. It exports its linear memory
// as "memory", an allocator
//
//	loom_alloc(len i32) -> ptr i32
//
// and an entrypoint (by default "loom_invoke")
//
//	loom_invoke(ptr i32, len i32) -> i64
//
// The entrypoint receives the JSON input of the request and returns the
// location of its JSON output packed as ptr<<32 | len. Returning a null pointer
// from loom_alloc signals that the module ran out of memory.
//
// Host functions live in the "loom" import module and are only linked when the
// matching permission is granted: log(level, ptr, len) needs "log", now() needs
// "clock" and random(ptr, len) needs "random". WASI is always linked but denies
// by default: clocks and randomness are fake, and there is no filesystem or
// environment unless "clock", "random", "fs" or "env" is granted.
package sandbox
