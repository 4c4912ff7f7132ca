// Package serialize implements canonical JSON-safe conversion, payload
// and state size limits, and typed schema-name tagging for values that
// cross the orchestrator boundary (spec.md §2 component C10).
package serialize

import (
	"encoding/json"
	"fmt"

	"github.com/polosdev/polos-go/poloserr"
)

// DefaultStateLimit is the default initial-state/payload size bound in
// bytes (spec.md §4.3: "1 MiB for initial state").
const DefaultStateLimit = 1 << 20

// Tagged is the on-wire envelope for a value that carries its schema
// name, letting the receiving side reconstruct a typed Go value via
// schema.Registry.Decode instead of a free-form dynamic import.
type Tagged struct {
	SchemaName string          `json:"schema_name,omitempty"`
	Value      json.RawMessage `json:"value"`
}

// TypedValue is implemented by domain values that know their own schema
// tag (typically generated struct wrappers).
type TypedValue interface {
	SchemaName() string
}

// ToJSON marshals v to canonical JSON. If v implements TypedValue, the
// result is wrapped in a Tagged envelope carrying the schema name so the
// parent execution can reconstruct the exact type; otherwise v is
// marshaled as a bare JSON value, matching spec.md §4.3's "either typed
// schema instances ... or must pass a JSON-serializability check".
func ToJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, poloserr.New(poloserr.KindValidation, "serialize: value is not JSON-serializable: %v", err)
	}
	if tv, ok := v.(TypedValue); ok {
		env := Tagged{SchemaName: tv.SchemaName(), Value: raw}
		return json.Marshal(env)
	}
	return raw, nil
}

// CheckSize returns a validation error if raw exceeds limit bytes. A
// limit of zero falls back to DefaultStateLimit.
func CheckSize(raw json.RawMessage, limit int) error {
	if limit <= 0 {
		limit = DefaultStateLimit
	}
	if len(raw) > limit {
		return poloserr.New(poloserr.KindValidation, "serialize: value of %d bytes exceeds the %d byte limit", len(raw), limit)
	}
	return nil
}

// Preview truncates a JSON value to at most n bytes for telemetry
// attributes, appending a marker when truncated (grounded on
// runtime/agent/runtime/result_preview.go's span-attribute truncation).
func Preview(raw json.RawMessage, n int) string {
	s := string(raw)
	if n <= 0 || len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s…(%d more bytes)", s[:n], len(s)-n)
}
