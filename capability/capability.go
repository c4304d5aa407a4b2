package capability

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

// PrivacyClass labels how sensitive the data handled by a capability is.
// Only Sensitive has a hard-coded meaning: it is never routed to the cloud.
// Other classes are free-form and can be constrained by routing policy.
type PrivacyClass string

const (
	Public    PrivacyClass = "public"
	Sensitive PrivacyClass = "sensitive"
)

// Normalize returns the canonical spelling of the class: trimmed and lower case.
func (p PrivacyClass) Normalize() PrivacyClass {
	return PrivacyClass(strings.ToLower(strings.TrimSpace(string(p))))
}

// Capability is a named action with one or more ordered backends.
type Capability struct {
	Name            string
	Version         string
	Description     string
	Privacy         PrivacyClass
	DefaultDeadline time.Duration
	Backends        []Backend
	InputSchema     *jsonschema.Schema
	Metadata        map[string]string

	// Revision is assigned by the registry and increases on every replacement.
	Revision uint64
}

// Validate checks the capability and every backend.
func (c Capability) Validate() error {
	var err error
	if c.Name == "" {
		err = errors.Join(err, errors.New("capability name is required"))
	}
	if len(c.Backends) == 0 {
		err = errors.Join(err, fmt.Errorf("capability %q requires at least one backend", c.Name))
	}
	if c.DefaultDeadline < 0 {
		err = errors.Join(err, fmt.Errorf("capability %q has a negative default deadline", c.Name))
	}
	for i, b := range c.Backends {
		if berr := b.Validate(); berr != nil {
			err = errors.Join(err, fmt.Errorf("capability %q backend %d: %w", c.Name, i, berr))
		}
	}
	return err
}

// IsSensitive reports whether the capability is in the Sensitive privacy class.
func (c Capability) IsSensitive() bool {
	return c.PrivacyClass() == Sensitive
}

// PrivacyClass returns the normalized privacy class, defaulting to Public.
func (c Capability) PrivacyClass() PrivacyClass {
	if p := c.Privacy.Normalize(); p != "" {
		return p
	}
	return Public
}

// Find returns the first backend, in declaration order, accepted by match.
func (c Capability) Find(match func(Backend) bool) (Backend, bool) {
	for _, b := range c.Backends {
		if match(b) {
			return b, true
		}
	}
	return Backend{}, false
}

// Kinds lists the backend kinds the capability offers, in declaration order.
func (c Capability) Kinds() []Kind {
	kinds := make([]Kind, 0, len(c.Backends))
	for _, b := range c.Backends {
		if !slices.Contains(kinds, b.Kind) {
			kinds = append(kinds, b.Kind)
		}
	}
	return kinds
}

// Clone returns a deep copy. The schema is shared since it is never mutated.
func (c Capability) Clone() Capability {
	cp := c
	cp.Backends = make([]Backend, len(c.Backends))
	for i, b := range c.Backends {
		cp.Backends[i] = b.clone()
	}
	cp.Metadata = maps.Clone(c.Metadata)
	return cp
}
