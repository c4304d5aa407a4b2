package pubsub

import (
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Envelope is what subscribers receive: the payload as published, plus the
// topic it was published on and when.
type Envelope struct {
	Topic       string
	Schema      string
	Payload     json.RawMessage
	PublishedAt strfmt.DateTime
}

func newEnvelope(topic, schema string, payload any) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("topic %q: %w", topic, err)
	}
	return Envelope{
		Topic:       topic,
		Schema:      schema,
		Payload:     raw,
		PublishedAt: strfmt.DateTime(time.Now().UTC()),
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return b, nil
	}
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	result := []byte(`{}`)

	var err error
	if result, err = sjson.SetBytes(result, "topic", e.Topic); err != nil {
		return nil, err
	}
	if e.Schema != "" {
		if result, err = sjson.SetBytes(result, "schema", e.Schema); err != nil {
			return nil, err
		}
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if result, err = sjson.SetRawBytes(result, "payload", payload); err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "published_at", e.PublishedAt.String()); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	parsed := gjson.ParseBytes(data)

	topic := parsed.Get("topic")
	if !topic.Exists() {
		return fmt.Errorf("missing required field 'topic'")
	}

	env := Envelope{
		Topic:  topic.String(),
		Schema: parsed.Get("schema").String(),
	}
	if payload := parsed.Get("payload"); payload.Exists() {
		env.Payload = json.RawMessage(payload.Raw)
	}
	if ts := parsed.Get("published_at"); ts.Exists() {
		dt, err := strfmt.ParseDateTime(ts.String())
		if err != nil {
			return fmt.Errorf("invalid published_at: %w", err)
		}
		env.PublishedAt = dt
	}
	*e = env
	return nil
}
