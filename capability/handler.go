package capability

import (
	"context"

	"github.com/casualjim/loom/action"
	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

// Handler is the in-process implementation of a capability. A returned error is
// reported to the caller as a failed result; handlers that want to control the
// error kind return a failed result or an *action.Error.
type Handler interface {
	Invoke(ctx context.Context, req action.Request) (action.Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req action.Request) (action.Result, error)

func (f HandlerFunc) Invoke(ctx context.Context, req action.Request) (action.Result, error) {
	return f(ctx, req)
}

// SchemaProvider is implemented by handlers that can describe their input.
type SchemaProvider interface {
	InputSchema() *jsonschema.Schema
}

// Input schemas only describe the payload, so references are inlined.
var reflector = jsonschema.Reflector{
	AllowAdditionalProperties: true,
	DoNotReference:            true,
}

// ToJSONSchema reflects the JSON schema of T.
func ToJSONSchema[T any]() *jsonschema.Schema {
	var v T
	return reflector.Reflect(v)
}

// Func adapts a typed function to a Handler. The request input is decoded into In;
// a payload that does not decode produces a BadPayload result without calling fn.
func Func[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return &typedHandler[In, Out]{fn: fn}
}

type typedHandler[In, Out any] struct {
	fn func(ctx context.Context, in In) (Out, error)
}

func (h *typedHandler[In, Out]) Invoke(ctx context.Context, req action.Request) (action.Result, error) {
	var in In
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return action.Failf(req.CorrelationID, action.KindBadPayload, "failed to decode input: %v", err), nil
		}
	}
	out, err := h.fn(ctx, in)
	if err != nil {
		return action.Result{}, err
	}
	return action.OK(req.CorrelationID, out)
}

func (h *typedHandler[In, Out]) InputSchema() *jsonschema.Schema {
	return ToJSONSchema[In]()
}
