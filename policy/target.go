package policy

import (
	"fmt"
	"strings"
)

// Target is the outcome of a routing decision.
type Target string

const (
	Local  Target = "local"
	Cloud  Target = "cloud"
	Reject Target = "reject"
)

// ParseTarget parses the textual form of a target, case-insensitively.
func ParseTarget(s string) (Target, error) {
	switch t := Target(strings.ToLower(strings.TrimSpace(s))); t {
	case Local, Cloud, Reject:
		return t, nil
	default:
		return "", fmt.Errorf("unknown target %q", s)
	}
}

// Valid reports whether t is one of the known targets.
func (t Target) Valid() bool {
	return t == Local || t == Cloud || t == Reject
}

func (t Target) String() string {
	if t == "" {
		return "unset"
	}
	return string(t)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Target) UnmarshalText(text []byte) error {
	parsed, err := ParseTarget(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
