package capability

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NativeLookup resolves a native handler referenced by name from a manifest.
type NativeLookup func(name string) (Handler, bool)

// Natives is a NativeLookup backed by a map.
type Natives map[string]Handler

func (n Natives) Lookup(name string) (Handler, bool) {
	h, ok := n[name]
	return h, ok
}

type manifestFile struct {
	Capabilities []manifestCapability `yaml:"capabilities"`
}

type manifestCapability struct {
	Name            string            `yaml:"name"`
	Version         string            `yaml:"version"`
	Description     string            `yaml:"description"`
	Privacy         string            `yaml:"privacy"`
	DefaultDeadline time.Duration     `yaml:"default_deadline"`
	Metadata        map[string]string `yaml:"metadata"`
	Backends        []manifestBackend `yaml:"backends"`
}

type manifestBackend struct {
	Kind    string          `yaml:"kind"`
	Version string          `yaml:"version"`
	Handler string          `yaml:"handler"`
	Module  *manifestModule `yaml:"module"`
	Remote  *manifestRemote `yaml:"remote"`
}

type manifestModule struct {
	ID          string            `yaml:"id"`
	Path        string            `yaml:"path"`
	Entrypoint  string            `yaml:"entrypoint"`
	Limits      Limits            `yaml:"limits"`
	Permissions []Permission      `yaml:"permissions"`
	Mounts      map[string]string `yaml:"mounts"`
	Env         map[string]string `yaml:"env"`
	LongLived   bool              `yaml:"long_lived"`
}

type manifestRemote struct {
	URL         string              `yaml:"url"`
	Subject     string              `yaml:"subject"`
	Timeout     time.Duration       `yaml:"timeout"`
	PoolSize    int                 `yaml:"pool_size"`
	Credentials manifestCredentials `yaml:"credentials"`
}

// Secrets are never inlined in manifests: they are read from the environment.
type manifestCredentials struct {
	TokenEnv    string `yaml:"token_env"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
	CredsFile   string `yaml:"creds_file"`
	NKeyFile    string `yaml:"nkey_file"`
}

// LoadManifest parses a YAML manifest of capabilities. Relative module paths are
// resolved against baseDir. Native backends are resolved through natives, which
// may be nil when the manifest declares none.
func LoadManifest(r io.Reader, baseDir string, natives NativeLookup) ([]Capability, error) {
	var mf manifestFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&mf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	caps := make([]Capability, 0, len(mf.Capabilities))
	var err error
	for _, mc := range mf.Capabilities {
		c, cerr := mc.build(baseDir, natives)
		if cerr != nil {
			err = errors.Join(err, cerr)
			continue
		}
		caps = append(caps, c)
	}
	if err != nil {
		return nil, err
	}
	return caps, nil
}

// LoadManifestFile reads the manifest at path.
func LoadManifestFile(path string, natives NativeLookup) ([]Capability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadManifest(f, filepath.Dir(path), natives)
}

func (mc manifestCapability) build(baseDir string, natives NativeLookup) (Capability, error) {
	c := Capability{
		Name:            mc.Name,
		Version:         mc.Version,
		Description:     mc.Description,
		Privacy:         PrivacyClass(mc.Privacy).Normalize(),
		DefaultDeadline: mc.DefaultDeadline,
		Metadata:        mc.Metadata,
	}
	for i, mb := range mc.Backends {
		b, err := mb.build(baseDir, natives)
		if err != nil {
			return Capability{}, fmt.Errorf("capability %q backend %d: %w", mc.Name, i, err)
		}
		c.Backends = append(c.Backends, b)
	}
	return c, c.Validate()
}

func (mb manifestBackend) build(baseDir string, natives NativeLookup) (Backend, error) {
	kind, err := ParseKind(mb.Kind)
	if err != nil {
		return Backend{}, err
	}

	var b Backend
	switch kind {
	case KindNative:
		if natives == nil {
			return Backend{}, fmt.Errorf("native handler %q cannot be resolved", mb.Handler)
		}
		h, ok := natives(mb.Handler)
		if !ok {
			return Backend{}, fmt.Errorf("unknown native handler %q", mb.Handler)
		}
		b = Native(h)
	case KindSandboxed:
		if mb.Module == nil {
			return Backend{}, errors.New("sandboxed backend requires a module section")
		}
		path := mb.Module.Path
		if path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		b = Sandboxed(ModuleSpec{
			ID:          mb.Module.ID,
			Path:        path,
			Entrypoint:  mb.Module.Entrypoint,
			Limits:      mb.Module.Limits,
			Permissions: mb.Module.Permissions,
			Mounts:      mb.Module.Mounts,
			Env:         mb.Module.Env,
			LongLived:   mb.Module.LongLived,
		})
	case KindRemote:
		if mb.Remote == nil {
			return Backend{}, errors.New("remote backend requires a remote section")
		}
		creds := mb.Remote.Credentials
		b = Remote(RemoteSpec{
			Endpoint: Endpoint{URL: mb.Remote.URL, Subject: mb.Remote.Subject},
			Credentials: Credentials{
				Token:     envOrEmpty(creds.TokenEnv),
				User:      creds.User,
				Password:  envOrEmpty(creds.PasswordEnv),
				CredsFile: creds.CredsFile,
				NKeyFile:  creds.NKeyFile,
			},
			Timeout:  mb.Remote.Timeout,
			PoolSize: mb.Remote.PoolSize,
		})
	}
	b.Version = mb.Version
	return b, nil
}

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
