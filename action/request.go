package action

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Origin describes where a request was produced. Routing rules commonly key on it.
type Origin string

const (
	OriginUnspecified Origin = "unspecified"
	OriginLocal       Origin = "local"
)

// Normalize maps the empty origin to OriginUnspecified.
func (o Origin) Normalize() Origin {
	if o == "" {
		return OriginUnspecified
	}
	return o
}

// Request is a single invocation of a named capability.
type Request struct {
	Capability    string
	Version       string
	CorrelationID string
	Input         json.RawMessage
	Deadline      time.Time
	Origin        Origin
	Headers       map[string]string
}

var (
	// WithCorrelationID sets the correlation id of a request. The broker assigns one when empty.
	WithCorrelationID = opts.ForName[Request, string]("CorrelationID")
	// WithVersion pins the capability version the caller expects.
	WithVersion = opts.ForName[Request, string]("Version")
	// WithDeadline sets the absolute deadline of the request.
	WithDeadline = opts.ForName[Request, time.Time]("Deadline")
	// WithOrigin sets the origin of the request.
	WithOrigin = opts.ForName[Request, Origin]("Origin")
)

// WithTimeout sets the deadline relative to now.
func WithTimeout(d time.Duration) opts.Option[Request] {
	return opts.Type[Request](func(r *Request) error {
		r.Deadline = time.Now().Add(d)
		return nil
	})
}

// WithHeader adds a header to the request.
func WithHeader(key, value string) opts.Option[Request] {
	return opts.Type[Request](func(r *Request) error {
		if r.Headers == nil {
			r.Headers = make(map[string]string)
		}
		r.Headers[key] = value
		return nil
	})
}

// NewRequest builds a request for capability with input encoded as JSON.
// Raw JSON ([]byte or json.RawMessage) is used verbatim.
func NewRequest(capability string, input any, options ...opts.Option[Request]) (Request, error) {
	raw, err := encodeInput(input)
	if err != nil {
		return Request{}, fmt.Errorf("failed to encode input for %s: %w", capability, err)
	}
	req := Request{
		Capability: capability,
		Input:      raw,
		Origin:     OriginUnspecified,
	}
	if err := opts.Apply(&req, options); err != nil {
		return Request{}, err
	}
	return req, req.Validate()
}

func encodeInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !gjson.ValidBytes(v) {
			return nil, fmt.Errorf("invalid json input")
		}
		return v, nil
	case []byte:
		if !gjson.ValidBytes(v) {
			return nil, fmt.Errorf("invalid json input")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// Validate checks the request is well formed.
func (r Request) Validate() error {
	var err error
	if r.Capability == "" {
		err = errors.Join(err, errors.New("capability is required"))
	}
	if len(r.Input) > 0 && !gjson.ValidBytes(r.Input) {
		err = errors.Join(err, errors.New("input must be valid json"))
	}
	return err
}

// Timeout returns the time left until the deadline, or zero when no deadline is set
// or it has already passed.
func (r Request) Timeout() time.Duration {
	if r.Deadline.IsZero() {
		return 0
	}
	return max(time.Until(r.Deadline), 0)
}

// Expired reports whether the request deadline has passed.
func (r Request) Expired() bool {
	return !r.Deadline.IsZero() && !time.Now().Before(r.Deadline)
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	cp := r
	if r.Input != nil {
		cp.Input = append(json.RawMessage(nil), r.Input...)
	}
	cp.Headers = maps.Clone(r.Headers)
	return cp
}

// MarshalJSON renders the request in its wire form.
func (r Request) MarshalJSON() ([]byte, error) {
	result := []byte(`{}`)

	var err error
	result, err = sjson.SetBytes(result, "capability", r.Capability)
	if err != nil {
		return nil, err
	}
	if r.Version != "" {
		if result, err = sjson.SetBytes(result, "version", r.Version); err != nil {
			return nil, err
		}
	}
	if result, err = sjson.SetBytes(result, "correlation_id", r.CorrelationID); err != nil {
		return nil, err
	}
	input := r.Input
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	if result, err = sjson.SetRawBytes(result, "input", input); err != nil {
		return nil, err
	}
	if !r.Deadline.IsZero() {
		if result, err = sjson.SetBytes(result, "deadline", r.Deadline.UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, err
		}
	}
	if result, err = sjson.SetBytes(result, "origin", string(r.Origin.Normalize())); err != nil {
		return nil, err
	}
	if len(r.Headers) > 0 {
		if result, err = sjson.SetBytes(result, "headers", r.Headers); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// UnmarshalJSON parses the wire form of a request.
func (r *Request) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)

	capability := parsed.Get("capability")
	if !capability.Exists() {
		return fmt.Errorf("missing required field 'capability'")
	}

	var req Request
	req.Capability = capability.String()
	req.Version = parsed.Get("version").String()
	req.CorrelationID = parsed.Get("correlation_id").String()
	if input := parsed.Get("input"); input.Exists() {
		req.Input = json.RawMessage(input.Raw)
	}
	if deadline := parsed.Get("deadline"); deadline.Exists() && deadline.String() != "" {
		dt, err := strfmt.ParseDateTime(deadline.String())
		if err != nil {
			return fmt.Errorf("invalid deadline: %w", err)
		}
		req.Deadline = time.Time(dt)
	}
	req.Origin = Origin(parsed.Get("origin").String()).Normalize()
	if headers := parsed.Get("headers"); headers.IsObject() {
		req.Headers = make(map[string]string)
		headers.ForEach(func(key, value gjson.Result) bool {
			req.Headers[key.String()] = value.String()
			return true
		})
	}
	*r = req
	return nil
}
