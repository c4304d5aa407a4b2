// Package capability describes named, invocable actions and the backends that
// implement them, and provides the registry the broker resolves them from.
//
// A capability has one or more backends. A backend is a tagged variant: native
// in-process code, a sandboxed bytecode module, or a remote procedure service.
// Each backend is immutable once registered; the registry hands out copies.
//
// Example usage:
//
//	reg := capability.NewRegistry()
//	err := reg.Register(capability.Capability{
//	    Name:     "tts.echo",
//	    Privacy:  capability.Public,
//	    Backends: []capability.Backend{capability.Native(echo)},
//	})
package capability
