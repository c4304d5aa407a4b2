package loom

import (
	"errors"
	"fmt"
	"time"

	"github.com/casualjim/loom/action"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/policy"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ResultEvent is published on the result topic once per dispatched request.
// Requests served from a topic that could not be dispatched are published too,
// with DispatchError set and no Result.
type ResultEvent struct {
	Capability    string
	CorrelationID string
	// Revision of the capability that served the request, zero when it was not resolved.
	Revision uint64
	// Decision is nil when the request failed before routing.
	Decision *policy.Decision
	Backend  string
	Result   action.Result
	// DispatchError is set when no backend was invoked.
	DispatchError *action.Error
	StartedAt   strfmt.DateTime
	CompletedAt strfmt.DateTime
}

// Duration is the wall time of the invocation.
func (e ResultEvent) Duration() time.Duration {
	return time.Time(e.CompletedAt).Sub(time.Time(e.StartedAt))
}

// MarshalJSON renders the event.
func (e ResultEvent) MarshalJSON() ([]byte, error) {
	result := []byte(`{}`)

	var err error
	if result, err = sjson.SetBytes(result, "capability", e.Capability); err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "correlation_id", e.CorrelationID); err != nil {
		return nil, err
	}
	if e.Revision > 0 {
		if result, err = sjson.SetBytes(result, "revision", e.Revision); err != nil {
			return nil, err
		}
	}
	if e.Decision != nil {
		d := map[string]any{
			"target":         e.Decision.Target.String(),
			"rule_index":     e.Decision.RuleIndex,
			"policy":         e.Decision.PolicyName,
			"policy_version": e.Decision.PolicyVersion,
			"generation":     e.Decision.Generation,
			"downgraded":     e.Decision.Downgraded,
		}
		if e.Decision.Rule != "" {
			d["rule"] = e.Decision.Rule
		}
		if e.Decision.Reason != "" {
			d["reason"] = e.Decision.Reason
		}
		if result, err = sjson.SetBytes(result, "decision", d); err != nil {
			return nil, err
		}
	}
	if e.Backend != "" {
		if result, err = sjson.SetBytes(result, "backend", e.Backend); err != nil {
			return nil, err
		}
	}
	if e.DispatchError != nil {
		de, err := json.Marshal(e.DispatchError)
		if err != nil {
			return nil, err
		}
		if result, err = sjson.SetRawBytes(result, "dispatch_error", de); err != nil {
			return nil, err
		}
	} else {
		res, err := json.Marshal(e.Result)
		if err != nil {
			return nil, err
		}
		if result, err = sjson.SetRawBytes(result, "result", res); err != nil {
			return nil, err
		}
	}
	if result, err = sjson.SetBytes(result, "started_at", e.StartedAt.String()); err != nil {
		return nil, err
	}
	return sjson.SetBytes(result, "completed_at", e.CompletedAt.String())
}

// UnmarshalJSON parses an event published by MarshalJSON.
func (e *ResultEvent) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)

	var ev ResultEvent
	ev.Capability = parsed.Get("capability").String()
	ev.CorrelationID = parsed.Get("correlation_id").String()
	ev.Revision = parsed.Get("revision").Uint()
	ev.Backend = parsed.Get("backend").String()

	if d := parsed.Get("decision"); d.IsObject() {
		target, err := policy.ParseTarget(d.Get("target").String())
		if err != nil {
			return err
		}
		ev.Decision = &policy.Decision{
			Target:        target,
			Rule:          d.Get("rule").String(),
			RuleIndex:     int(d.Get("rule_index").Int()),
			PolicyName:    d.Get("policy").String(),
			PolicyVersion: d.Get("policy_version").String(),
			Generation:    d.Get("generation").Uint(),
			Downgraded:    d.Get("downgraded").Bool(),
			Reason:        d.Get("reason").String(),
		}
	}
	if de := parsed.Get("dispatch_error"); de.IsObject() {
		var ae action.Error
		if err := json.Unmarshal([]byte(de.Raw), &ae); err != nil {
			return fmt.Errorf("invalid dispatch_error: %w", err)
		}
		ev.DispatchError = &ae
	} else {
		res, err := action.DecodeResult([]byte(parsed.Get("result").Raw))
		if err != nil {
			return err
		}
		ev.Result = res
	}

	for key, dst := range map[string]*strfmt.DateTime{"started_at": &ev.StartedAt, "completed_at": &ev.CompletedAt} {
		if v := parsed.Get(key).String(); v != "" {
			dt, err := strfmt.ParseDateTime(v)
			if err != nil {
				return err
			}
			*dst = dt
		}
	}
	*e = ev
	return nil
}

// invocation collects what is known about a request while it is routed.
type invocation struct {
	req        action.Request
	started    time.Time
	capability *capability.Capability
	decision   policy.Decision
	backend    string
}

func (inv *invocation) event(res action.Result, err error) ResultEvent {
	ev := ResultEvent{
		Capability:    inv.req.Capability,
		CorrelationID: inv.req.CorrelationID,
		Backend:       inv.backend,
		Result:        res,
		StartedAt:     strfmt.DateTime(inv.started),
		CompletedAt:   strfmt.DateTime(time.Now()),
	}
	if err != nil {
		ev.Result = action.Result{}
		ev.DispatchError = asActionError(err)
	}
	if inv.capability != nil {
		ev.Revision = inv.capability.Revision
	}
	if inv.decision.Target != "" {
		d := inv.decision
		ev.Decision = &d
	}
	return ev
}

func asActionError(err error) *action.Error {
	var ae *action.Error
	if errors.As(err, &ae) {
		return ae
	}
	return action.Errorf(action.KindCapabilityError, "%v", err)
}
