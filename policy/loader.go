package policy

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"gopkg.in/yaml.v3"
)

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = stringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

type policyFile struct {
	Name              string       `yaml:"name"`
	Version           string       `yaml:"version"`
	Default           string       `yaml:"default"`
	SensitiveFallback string       `yaml:"sensitive_fallback"`
	CloudForbidden    []string     `yaml:"cloud_forbidden"`
	Rules             []ruleConfig `yaml:"rules"`
}

type ruleConfig struct {
	Name   string     `yaml:"name"`
	Target string     `yaml:"target"`
	When   *whenBlock `yaml:"when"`
}

// whenBlock fields are ANDed together. An empty block matches everything.
type whenBlock struct {
	Privacy    stringList        `yaml:"privacy"`
	Origin     stringList        `yaml:"origin"`
	Capability stringList        `yaml:"capability"`
	Headers    map[string]string `yaml:"headers"`
	Expr       string            `yaml:"expr"`
	Any        []whenBlock       `yaml:"any"`
	Not        *whenBlock        `yaml:"not"`
}

func (w *whenBlock) build() (Condition, error) {
	if w == nil {
		return Always(), nil
	}
	var conds []Condition
	if len(w.Privacy) > 0 {
		classes := make([]capability.PrivacyClass, len(w.Privacy))
		for i, p := range w.Privacy {
			classes[i] = capability.PrivacyClass(p).Normalize()
		}
		conds = append(conds, PrivacyIs(classes...))
	}
	if len(w.Origin) > 0 {
		origins := make([]action.Origin, len(w.Origin))
		for i, o := range w.Origin {
			origins[i] = action.Origin(o)
		}
		conds = append(conds, OriginIs(origins...))
	}
	if len(w.Capability) > 0 {
		c, err := CapabilityMatches(w.Capability...)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	for _, k := range slices.Sorted(maps.Keys(w.Headers)) {
		conds = append(conds, HeaderEquals(k, w.Headers[k]))
	}
	if w.Expr != "" {
		c, err := Expr(w.Expr)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	if len(w.Any) > 0 {
		alts := make([]Condition, 0, len(w.Any))
		for i := range w.Any {
			c, err := w.Any[i].build()
			if err != nil {
				return nil, err
			}
			alts = append(alts, c)
		}
		conds = append(conds, Any(alts...))
	}
	if w.Not != nil {
		c, err := w.Not.build()
		if err != nil {
			return nil, err
		}
		conds = append(conds, Not(c))
	}
	if len(conds) == 0 {
		return Always(), nil
	}
	return All(conds...), nil
}

// Load parses a YAML routing policy and validates it.
//
//	name: home
//	version: "3"
//	default: reject
//	sensitive_fallback: local
//	rules:
//	  - name: llm-offload
//	    target: cloud
//	    when:
//	      capability: "llm.*"
//	      privacy: public
func Load(r io.Reader) (Policy, error) {
	var pf policyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return Policy{}, errors.New("empty policy document")
		}
		return Policy{}, fmt.Errorf("failed to decode policy: %w", err)
	}

	p := Policy{Name: pf.Name, Version: pf.Version}
	var err error
	if pf.Default != "" {
		if p.Default, err = ParseTarget(pf.Default); err != nil {
			return Policy{}, fmt.Errorf("default: %w", err)
		}
	}
	if pf.SensitiveFallback != "" {
		if p.SensitiveFallback, err = ParseTarget(pf.SensitiveFallback); err != nil {
			return Policy{}, fmt.Errorf("sensitive_fallback: %w", err)
		}
	}
	for _, c := range pf.CloudForbidden {
		p.CloudForbidden = append(p.CloudForbidden, capability.PrivacyClass(c).Normalize())
	}

	var errs []error
	for i, rc := range pf.Rules {
		target, terr := ParseTarget(rc.Target)
		if terr != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, terr))
			continue
		}
		cond, cerr := rc.When.build()
		if cerr != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, cerr))
			continue
		}
		p.Rules = append(p.Rules, Rule{Name: rc.Name, When: cond, Target: target})
	}
	if len(errs) > 0 {
		return Policy{}, errors.Join(errs...)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadFile reads the policy at path.
func LoadFile(path string) (Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, err
	}
	defer f.Close()
	return Load(f)
}
