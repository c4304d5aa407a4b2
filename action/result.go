package action

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Status is the integer status code of a result. Zero is success.
type Status int

const (
	StatusOK      Status = 0
	StatusError   Status = 1
	StatusTimeout Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the uniform outcome of one invocation.
type Result struct {
	CorrelationID string
	Status        Status
	Error         *Error
	Output        json.RawMessage
}

// OK creates a successful result. Output values that are not raw JSON are encoded.
func OK(correlationID string, output any) (Result, error) {
	raw, err := encodeInput(output)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode output: %w", err)
	}
	return Result{CorrelationID: correlationID, Status: StatusOK, Output: raw}, nil
}

// Fail creates a failed result from err. Errors that are not *Error are reported
// as CapabilityError.
func Fail(correlationID string, err error) Result {
	if err == nil {
		err = Errorf(KindCapabilityError, "unknown failure")
	}
	ae, ok := err.(*Error) //nolint:errorlint
	if !ok {
		if kind := KindOf(err); kind != "" {
			ae = &Error{Kind: kind, Message: err.Error()}
		} else {
			ae = &Error{Kind: KindCapabilityError, Message: err.Error()}
		}
	}
	status := StatusError
	if ae.Kind == KindDeadlineExceeded {
		status = StatusTimeout
	}
	return Result{CorrelationID: correlationID, Status: status, Error: ae}
}

// Failf creates a failed result with the given kind and message.
func Failf(correlationID string, kind Kind, format string, args ...any) Result {
	return Fail(correlationID, Errorf(kind, format, args...))
}

// Succeeded reports whether the result has a zero status.
func (r Result) Succeeded() bool {
	return r.Status == StatusOK
}

// Err returns the result error as an error value, nil on success.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Decode unmarshals the output into v.
func (r Result) Decode(v any) error {
	if len(r.Output) == 0 {
		return fmt.Errorf("result has no output")
	}
	return json.Unmarshal(r.Output, v)
}

// MarshalJSON renders the result triple plus its correlation id.
func (r Result) MarshalJSON() ([]byte, error) {
	result := []byte(`{}`)

	var err error
	if result, err = sjson.SetBytes(result, "correlation_id", r.CorrelationID); err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "status", int(r.Status)); err != nil {
		return nil, err
	}
	if r.Error != nil {
		eb, err := json.Marshal(r.Error)
		if err != nil {
			return nil, err
		}
		if result, err = sjson.SetRawBytes(result, "error", eb); err != nil {
			return nil, err
		}
	} else if result, err = sjson.SetRawBytes(result, "error", []byte("null")); err != nil {
		return nil, err
	}
	output := r.Output
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	return sjson.SetRawBytes(result, "output", output)
}

// UnmarshalJSON parses a result. The status field is required; a nonzero status
// must come with an error object.
func (r *Result) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return fmt.Errorf("result must be a json object")
	}

	status := parsed.Get("status")
	if !status.Exists() || status.Type != gjson.Number {
		return fmt.Errorf("missing or invalid field 'status'")
	}

	var res Result
	res.CorrelationID = parsed.Get("correlation_id").String()
	res.Status = Status(status.Int())

	if e := parsed.Get("error"); e.Exists() && e.Type != gjson.Null {
		if !e.IsObject() {
			return fmt.Errorf("field 'error' must be an object")
		}
		var ae Error
		if err := json.Unmarshal([]byte(e.Raw), &ae); err != nil {
			return fmt.Errorf("invalid error: %w", err)
		}
		if ae.Kind == "" {
			return fmt.Errorf("missing required field 'error.kind'")
		}
		res.Error = &ae
	}
	if res.Status != StatusOK && res.Error == nil {
		return fmt.Errorf("status %d requires an error", res.Status)
	}
	if out := parsed.Get("output"); out.Exists() {
		res.Output = json.RawMessage(out.Raw)
	}
	*r = res
	return nil
}

// DecodeResult parses data as a result.
func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := r.UnmarshalJSON(data); err != nil {
		return Result{}, err
	}
	return r, nil
}
