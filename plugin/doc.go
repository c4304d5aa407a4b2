// Package plugin hosts the backends of a capability behind one invocation
// contract.
//
// Native handlers run in-process. Sandboxed modules run in the wazero based
// executor of package sandbox, remote services are called over NATS by package
// remote. Whatever the backend does, Invoke returns exactly one action.Result:
// backend failures become failed results and never panics or transport errors.
//
// A sandboxed module may answer with a bare JSON value, which becomes the
// output of a successful result, or with a result triple
//
//	{"status": 1, "error": {"kind": "...", "message": "..."}, "output": null}
//
// to report an explicit module error. A nonzero status is reported as a
// SandboxFault that carries the module's message.
package plugin
