package capability

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/casualjim/loom/pkg/natsx"
)

// Kind tags the variant of a Backend.
type Kind uint8

const (
	KindNative Kind = iota + 1
	KindSandboxed
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindSandboxed:
		return "sandboxed"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Local reports whether backends of this kind execute on this host.
func (k Kind) Local() bool {
	return k == KindNative || k == KindSandboxed
}

// ParseKind parses the textual form of a backend kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "native":
		return KindNative, nil
	case "sandboxed", "sandbox", "wasm":
		return KindSandboxed, nil
	case "remote":
		return KindRemote, nil
	default:
		return 0, fmt.Errorf("unknown backend kind %q", s)
	}
}

// Permission grants a sandboxed module access to one host facility.
type Permission string

const (
	PermissionLog    Permission = "log"
	PermissionClock  Permission = "clock"
	PermissionRandom Permission = "random"
	PermissionFS     Permission = "fs"
	PermissionEnv    Permission = "env"
)

// Limits bounds the resources of a sandboxed module. They are fixed when the
// module is loaded.
type Limits struct {
	// MemoryBytes is the linear memory ceiling, rounded down to 64KiB pages.
	MemoryBytes uint64 `yaml:"memory_bytes"`
	// Timeout is the execution time budget of a single call.
	Timeout time.Duration `yaml:"timeout"`
	// MaxConcurrency bounds simultaneous calls into the module. Zero means one per CPU.
	MaxConcurrency int `yaml:"max_concurrency"`
	// MaxOutputBytes bounds the size of the serialized result.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// ModuleSpec identifies a sandboxed bytecode module and how it may run.
type ModuleSpec struct {
	ID          string
	Binary      []byte
	Path        string
	Entrypoint  string
	Limits      Limits
	Permissions []Permission
	// Mounts maps guest paths to host directories, used when PermissionFS is granted.
	Mounts map[string]string
	// Env is exposed to the module when PermissionEnv is granted.
	Env map[string]string
	// LongLived keeps one instance alive across calls.
	LongLived bool
}

// Granted reports whether p is part of the module's permission set.
func (m *ModuleSpec) Granted(p Permission) bool {
	return slices.Contains(m.Permissions, p)
}

func (m *ModuleSpec) clone() *ModuleSpec {
	cp := *m
	cp.Binary = slices.Clone(m.Binary)
	cp.Permissions = slices.Clone(m.Permissions)
	cp.Mounts = maps.Clone(m.Mounts)
	cp.Env = maps.Clone(m.Env)
	return &cp
}

// Endpoint addresses a remote procedure service.
type Endpoint struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

func (e Endpoint) String() string {
	return e.URL + "/" + e.Subject
}

// Credentials is the transport authentication material of a remote backend.
type Credentials = natsx.Auth

// RemoteSpec identifies a remote procedure backend.
type RemoteSpec struct {
	Endpoint    Endpoint
	Credentials Credentials
	// Timeout bounds a single call independently of the request deadline.
	Timeout time.Duration
	// PoolSize bounds the pooled connections to the endpoint.
	PoolSize int
}

// Backend is one implementation of a capability. Exactly one of Handler,
// Module and Remote is set, matching Kind.
type Backend struct {
	Kind    Kind
	Version string
	Handler Handler
	Module  *ModuleSpec
	Remote  *RemoteSpec
}

// Native creates an in-process backend.
func Native(h Handler) Backend {
	return Backend{Kind: KindNative, Handler: h}
}

// Sandboxed creates a sandboxed bytecode backend.
func Sandboxed(spec ModuleSpec) Backend {
	return Backend{Kind: KindSandboxed, Module: &spec}
}

// Remote creates a remote procedure backend.
func Remote(spec RemoteSpec) Backend {
	return Backend{Kind: KindRemote, Remote: &spec}
}

// Local reports whether the backend executes on this host.
func (b Backend) Local() bool {
	return b.Kind.Local()
}

// Validate checks the tag matches the payload.
func (b Backend) Validate() error {
	var err error
	switch b.Kind {
	case KindNative:
		if b.Handler == nil {
			err = errors.Join(err, errors.New("native backend requires a handler"))
		}
	case KindSandboxed:
		if b.Module == nil {
			return errors.New("sandboxed backend requires a module")
		}
		if b.Module.ID == "" {
			err = errors.Join(err, errors.New("sandboxed backend requires a module id"))
		}
		if len(b.Module.Binary) == 0 && b.Module.Path == "" {
			err = errors.Join(err, fmt.Errorf("module %s requires a binary or a path", b.Module.ID))
		}
	case KindRemote:
		if b.Remote == nil {
			return errors.New("remote backend requires an endpoint")
		}
		if b.Remote.Endpoint.Subject == "" {
			err = errors.Join(err, errors.New("remote backend requires a subject"))
		}
	default:
		return fmt.Errorf("unknown backend kind %d", b.Kind)
	}
	if b.Kind != KindNative && b.Handler != nil {
		err = errors.Join(err, fmt.Errorf("%s backend must not carry a handler", b.Kind))
	}
	if b.Kind != KindSandboxed && b.Module != nil {
		err = errors.Join(err, fmt.Errorf("%s backend must not carry a module", b.Kind))
	}
	if b.Kind != KindRemote && b.Remote != nil {
		err = errors.Join(err, fmt.Errorf("%s backend must not carry a remote endpoint", b.Kind))
	}
	return err
}

// ID is a stable human readable identifier of the backend.
func (b Backend) ID() string {
	switch b.Kind {
	case KindSandboxed:
		if b.Module != nil {
			return "sandboxed:" + b.Module.ID
		}
	case KindRemote:
		if b.Remote != nil {
			return "remote:" + b.Remote.Endpoint.String()
		}
	}
	return b.Kind.String()
}

func (b Backend) clone() Backend {
	cp := b
	if b.Module != nil {
		cp.Module = b.Module.clone()
	}
	if b.Remote != nil {
		r := *b.Remote
		cp.Remote = &r
	}
	return cp
}
