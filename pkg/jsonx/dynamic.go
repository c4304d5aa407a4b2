package jsonx

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// FromRaw decodes a raw JSON document into its dynamic representation
// (maps, slices, float64, string, bool, nil). Empty input decodes to nil.
func FromRaw(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
