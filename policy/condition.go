package policy

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	json "github.com/goccy/go-json"
)

// Facts is what a rule condition can observe about an invocation.
type Facts struct {
	Capability string
	Version    string
	Privacy    capability.PrivacyClass
	Metadata   map[string]string
	Kinds      []capability.Kind
	Origin     action.Origin
	Headers    map[string]string
	Input      json.RawMessage
}

// FactsOf extracts the facts of an invocation.
func FactsOf(c capability.Capability, req action.Request) Facts {
	return Facts{
		Capability: c.Name,
		Version:    c.Version,
		Privacy:    c.PrivacyClass(),
		Metadata:   c.Metadata,
		Kinds:      c.Kinds(),
		Origin:     req.Origin.Normalize(),
		Headers:    req.Headers,
		Input:      req.Input,
	}
}

// Condition is a predicate over the facts of an invocation.
type Condition interface {
	Eval(f *Facts) (bool, error)
	String() string
}

type always struct{}

// Always matches every invocation.
func Always() Condition { return always{} }

func (always) Eval(*Facts) (bool, error) { return true, nil }
func (always) String() string             { return "true" }

type privacyIs struct {
	classes []capability.PrivacyClass
}

// PrivacyIs matches capabilities in any of the given privacy classes.
func PrivacyIs(classes ...capability.PrivacyClass) Condition {
	normalized := make([]capability.PrivacyClass, len(classes))
	for i, c := range classes {
		normalized[i] = c.Normalize()
	}
	return privacyIs{classes: normalized}
}

func (c privacyIs) Eval(f *Facts) (bool, error) {
	return slices.Contains(c.classes, f.Privacy), nil
}

func (c privacyIs) String() string {
	parts := make([]string, len(c.classes))
	for i, cl := range c.classes {
		parts[i] = string(cl)
	}
	return fmt.Sprintf("privacy in [%s]", strings.Join(parts, ", "))
}

type originIs struct {
	origins []action.Origin
}

// OriginIs matches requests from any of the given origins.
func OriginIs(origins ...action.Origin) Condition {
	normalized := make([]action.Origin, len(origins))
	for i, o := range origins {
		normalized[i] = o.Normalize()
	}
	return originIs{origins: normalized}
}

func (c originIs) Eval(f *Facts) (bool, error) {
	return slices.Contains(c.origins, f.Origin.Normalize()), nil
}

func (c originIs) String() string {
	parts := make([]string, len(c.origins))
	for i, o := range c.origins {
		parts[i] = string(o)
	}
	return fmt.Sprintf("origin in [%s]", strings.Join(parts, ", "))
}

type capabilityMatches struct {
	patterns []string
}

// CapabilityMatches matches capability names against glob patterns
// (path.Match syntax, so "llm.*" matches "llm.infer").
func CapabilityMatches(patterns ...string) (Condition, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid capability pattern %q: %w", p, err)
		}
	}
	return capabilityMatches{patterns: patterns}, nil
}

func (c capabilityMatches) Eval(f *Facts) (bool, error) {
	for _, p := range c.patterns {
		if ok, _ := path.Match(p, f.Capability); ok {
			return true, nil
		}
	}
	return false, nil
}

func (c capabilityMatches) String() string {
	return fmt.Sprintf("capability matches [%s]", strings.Join(c.patterns, ", "))
}

type headerEquals struct {
	key, value string
}

// HeaderEquals matches requests carrying header key with the given value.
func HeaderEquals(key, value string) Condition {
	return headerEquals{key: key, value: value}
}

func (c headerEquals) Eval(f *Facts) (bool, error) {
	v, ok := f.Headers[c.key]
	return ok && v == c.value, nil
}

func (c headerEquals) String() string {
	return fmt.Sprintf("headers[%q] == %q", c.key, c.value)
}

type all struct {
	conds []Condition
}

// All matches when every condition matches. An empty All matches everything.
func All(conds ...Condition) Condition {
	if len(conds) == 1 {
		return conds[0]
	}
	return all{conds: conds}
}

func (c all) Eval(f *Facts) (bool, error) {
	for _, cond := range c.conds {
		ok, err := cond.Eval(f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c all) String() string {
	return joinConditions(c.conds, " && ", "true")
}

type anyOf struct {
	conds []Condition
}

// Any matches when at least one condition matches. An empty Any matches nothing.
func Any(conds ...Condition) Condition {
	if len(conds) == 1 {
		return conds[0]
	}
	return anyOf{conds: conds}
}

func (c anyOf) Eval(f *Facts) (bool, error) {
	for _, cond := range c.conds {
		ok, err := cond.Eval(f)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c anyOf) String() string {
	return joinConditions(c.conds, " || ", "false")
}

type not struct {
	cond Condition
}

// Not negates a condition.
func Not(cond Condition) Condition {
	return not{cond: cond}
}

func (c not) Eval(f *Facts) (bool, error) {
	ok, err := c.cond.Eval(f)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (c not) String() string {
	return "!(" + c.cond.String() + ")"
}

func joinConditions(conds []Condition, sep, empty string) string {
	if len(conds) == 0 {
		return empty
	}
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = "(" + c.String() + ")"
	}
	return strings.Join(parts, sep)
}

// implies reports whether every invocation matched by cond belongs to one of the
// forbidden privacy classes. It is conservative: false means "cannot tell".
func implies(cond Condition, forbidden map[capability.PrivacyClass]struct{}) bool {
	switch c := cond.(type) {
	case privacyIs:
		if len(c.classes) == 0 {
			return false
		}
		for _, cl := range c.classes {
			if _, ok := forbidden[cl]; !ok {
				return false
			}
		}
		return true
	case all:
		for _, child := range c.conds {
			if implies(child, forbidden) {
				return true
			}
		}
		return false
	case anyOf:
		if len(c.conds) == 0 {
			return false
		}
		for _, child := range c.conds {
			if !implies(child, forbidden) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
