package policy

import (
	"errors"
	"fmt"
	"slices"

	"github.com/casualjim/loom/capability"
)

// Rule routes matching invocations to a target.
type Rule struct {
	Name   string
	When   Condition
	Target Target
}

// Policy is an ordered rule list. The first matching rule wins; when no rule
// matches, Default applies.
type Policy struct {
	Name    string
	Version string
	Rules   []Rule

	// Default is the target when no rule matches. Unset means Reject.
	Default Target
	// SensitiveFallback replaces a Cloud outcome for a capability whose privacy
	// class is forbidden from the cloud. Only Local and Reject are allowed;
	// unset means Local.
	SensitiveFallback Target
	// CloudForbidden lists extra privacy classes that must never reach the
	// cloud. Sensitive is always forbidden.
	CloudForbidden []capability.PrivacyClass
}

// DefaultPolicy routes everything locally.
func DefaultPolicy() Policy {
	return Policy{Name: "default", Version: "0", Default: Local}
}

// DefaultTarget returns the effective default target.
func (p Policy) DefaultTarget() Target {
	if p.Default == "" {
		return Reject
	}
	return p.Default
}

// Fallback returns the effective sensitive fallback target.
func (p Policy) Fallback() Target {
	if p.SensitiveFallback == "" {
		return Local
	}
	return p.SensitiveFallback
}

// Forbidden returns the set of privacy classes that may not be routed to the cloud.
func (p Policy) Forbidden() map[capability.PrivacyClass]struct{} {
	set := map[capability.PrivacyClass]struct{}{capability.Sensitive: {}}
	for _, c := range p.CloudForbidden {
		set[c.Normalize()] = struct{}{}
	}
	return set
}

// CloudAllowed reports whether a capability of the given privacy class may be routed to the cloud.
func (p Policy) CloudAllowed(class capability.PrivacyClass) bool {
	_, forbidden := p.Forbidden()[class.Normalize()]
	return !forbidden
}

// Validate checks a policy before it is installed. A Cloud rule whose
// condition can only match cloud-forbidden capabilities is rejected outright.
func (p Policy) Validate() error {
	var errs []error
	if p.Default != "" && !p.Default.Valid() {
		errs = append(errs, fmt.Errorf("invalid default target %q", string(p.Default)))
	}
	switch p.SensitiveFallback {
	case "", Local, Reject:
	default:
		errs = append(errs, fmt.Errorf("sensitive fallback must be local or reject, got %q", string(p.SensitiveFallback)))
	}

	forbidden := p.Forbidden()
	for i, r := range p.Rules {
		label := ruleLabel(i, r)
		if r.When == nil {
			errs = append(errs, fmt.Errorf("%s: missing condition", label))
			continue
		}
		if !r.Target.Valid() {
			errs = append(errs, fmt.Errorf("%s: invalid target %q", label, string(r.Target)))
			continue
		}
		if r.Target == Cloud && implies(r.When, forbidden) {
			errs = append(errs, fmt.Errorf("%s: routes cloud-forbidden capabilities to the cloud", label))
		}
	}
	return errors.Join(errs...)
}

func (p Policy) clone() Policy {
	p.Rules = slices.Clone(p.Rules)
	p.CloudForbidden = slices.Clone(p.CloudForbidden)
	return p
}

func ruleLabel(i int, r Rule) string {
	if r.Name != "" {
		return fmt.Sprintf("rule %d (%s)", i, r.Name)
	}
	return fmt.Sprintf("rule %d", i)
}
