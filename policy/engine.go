package policy

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/fogfish/opts"
)

// Decision records how an invocation was routed.
type Decision struct {
	Target Target
	// Rule is the name of the matching rule, empty when the default applied.
	Rule string
	// RuleIndex is the position of the matching rule, or -1 for the default.
	RuleIndex     int
	PolicyName    string
	PolicyVersion string
	// Generation identifies the installed policy that produced the decision.
	Generation uint64
	// Downgraded is set when a Cloud outcome was replaced because the
	// capability may not leave the device.
	Downgraded bool
	Reason     string
}

// LogValue implements slog.LogValuer.
func (d Decision) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("target", d.Target.String()),
		slog.Int("rule_index", d.RuleIndex),
		slog.String("policy", d.PolicyName),
		slog.String("policy_version", d.PolicyVersion),
		slog.Uint64("generation", d.Generation),
	}
	if d.Rule != "" {
		attrs = append(attrs, slog.String("rule", d.Rule))
	}
	if d.Downgraded {
		attrs = append(attrs, slog.Bool("downgraded", true))
	}
	if d.Reason != "" {
		attrs = append(attrs, slog.String("reason", d.Reason))
	}
	return slog.GroupValue(attrs...)
}

type snapshot struct {
	policy     Policy
	forbidden  map[capability.PrivacyClass]struct{}
	generation uint64
}

// Engine evaluates the active routing policy. Select never blocks on SetPolicy:
// each call works on one immutable snapshot, so it sees either the old or the
// new policy in full.
type Engine struct {
	mu       sync.Mutex
	active   atomic.Pointer[snapshot]
	logger   *slog.Logger
	onChange func(Policy, uint64)
}

var (
	// WithEngineLogger sets the logger of the engine.
	WithEngineLogger = opts.ForName[Engine, *slog.Logger]("logger")
)

// OnChange registers a callback invoked after a policy is installed.
func OnChange(fn func(Policy, uint64)) opts.Option[Engine] {
	return opts.Type[Engine](func(e *Engine) error {
		e.onChange = fn
		return nil
	})
}

// NewEngine validates p and returns an engine with p installed.
func NewEngine(p Policy, options ...opts.Option[Engine]) (*Engine, error) {
	e := &Engine{}
	if err := opts.Apply(e, options); err != nil {
		return nil, err
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slogx.LoggerName("policy"))
	if err := e.SetPolicy(p); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPolicy validates and atomically installs p. On error the active policy is unchanged.
func (e *Engine) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("policy %q: %w", p.Name, err)
	}
	p = p.clone()

	e.mu.Lock()
	var generation uint64 = 1
	if cur := e.active.Load(); cur != nil {
		generation = cur.generation + 1
	}
	e.active.Store(&snapshot{policy: p, forbidden: p.Forbidden(), generation: generation})
	e.mu.Unlock()

	e.logger.Info("installed routing policy",
		slog.String("policy", p.Name),
		slog.String("version", p.Version),
		slog.Int("rules", len(p.Rules)),
		slog.Uint64("generation", generation),
	)
	if e.onChange != nil {
		e.onChange(p, generation)
	}
	return nil
}

// Snapshot is an installed policy and its generation.
type Snapshot struct {
	Policy     Policy
	Generation uint64
}

// Current returns the active policy.
func (e *Engine) Current() Snapshot {
	s := e.active.Load()
	return Snapshot{Policy: s.policy.clone(), Generation: s.generation}
}

// Select decides where an invocation of c runs. A Reject decision comes with a
// PolicyRejected error. Evaluation errors fail closed with Reject. A capability
// whose privacy class is cloud-forbidden never gets Cloud, whatever the rules say.
func (e *Engine) Select(c capability.Capability, req action.Request) (Decision, error) {
	d := e.decide(c, req)
	if d.Target == Reject {
		err := action.Errorf(action.KindPolicyRejected, "policy %q rejected %q", d.PolicyName, c.Name).
			WithDetail("generation", strconv.FormatUint(d.Generation, 10))
		if d.Rule != "" {
			err = err.WithDetail("rule", d.Rule)
		}
		if d.Reason != "" {
			err = err.WithDetail("reason", d.Reason)
		}
		return d, err
	}
	return d, nil
}

func (e *Engine) decide(c capability.Capability, req action.Request) Decision {
	s := e.active.Load()
	d := Decision{
		RuleIndex:     -1,
		PolicyName:    s.policy.Name,
		PolicyVersion: s.policy.Version,
		Generation:    s.generation,
	}

	facts := FactsOf(c, req)
	d.Target = s.policy.DefaultTarget()
	for i, r := range s.policy.Rules {
		ok, err := r.When.Eval(&facts)
		if err != nil {
			d.Target = Reject
			d.Rule = r.Name
			d.RuleIndex = i
			d.Reason = fmt.Sprintf("condition failed: %v", err)
			e.logger.Warn("policy condition failed",
				slogx.Capability(c.Name),
				slog.Int("rule_index", i),
				slogx.Error(err),
			)
			return d
		}
		if ok {
			d.Target = r.Target
			d.Rule = r.Name
			d.RuleIndex = i
			break
		}
	}

	if d.Target == Cloud {
		if _, forbidden := s.forbidden[facts.Privacy]; forbidden {
			d.Target = s.policy.Fallback()
			d.Downgraded = true
			d.Reason = fmt.Sprintf("privacy class %q may not be routed to the cloud", facts.Privacy)
		}
	}
	return d
}
