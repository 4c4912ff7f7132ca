// Package schema implements the string-tag -> decoder registry that
// replaces the source runtime's dynamic typed-class lookup (spec.md §9,
// "Typed schemas for payloads, state, and results"). Values are tagged on
// the wire with a schema name; reconstruction is a table lookup rather
// than dynamic import.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Decoder turns a JSON payload tagged with a schema name back into a
// concrete Go value.
type Decoder func(raw json.RawMessage) (any, error)

// Registry maps schema names to decoders and optional JSON Schema
// validators (github.com/santhosh-tekuri/jsonschema/v6).
type Registry struct {
	mu         sync.RWMutex
	decoders   map[string]Decoder
	validators map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders:   make(map[string]Decoder),
		validators: make(map[string]*jsonschema.Schema),
	}
}

// Register associates a schema name with a decoder closure. Typically
// called once per declared payload/state/result type at registration
// time, e.g. Register("myapp.Order", func(raw) (any, error) { ... }).
func (r *Registry) Register(name string, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = dec
}

// RegisterValidator attaches a compiled JSON Schema used to validate raw
// payloads before decoding (e.g. inbound workflow state/payload).
func (r *Registry) RegisterValidator(name string, compiled *jsonschema.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = compiled
}

// Decode looks up the decoder registered for name and applies it to raw.
// Returns an error if name is unknown.
func (r *Registry) Decode(name string, raw json.RawMessage) (any, error) {
	r.mu.RLock()
	dec, ok := r.decoders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("schema: no decoder registered for %q", name)
	}
	return dec(raw)
}

// Validate checks raw against the JSON Schema registered for name, if
// any. Schemas without a registered validator are accepted unchecked.
func (r *Registry) Validate(name string, raw json.RawMessage) error {
	r.mu.RLock()
	v, ok := r.validators[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("schema: invalid JSON for %q: %w", name, err)
	}
	if err := v.Validate(doc); err != nil {
		return fmt.Errorf("schema: %q failed validation: %w", name, err)
	}
	return nil
}

// CompileFromBytes compiles a raw JSON Schema document and returns the
// compiled schema, suitable for RegisterValidator.
func CompileFromBytes(resourceName string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse %q: %w", resourceName, err)
	}
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource %q: %w", resourceName, err)
	}
	return c.Compile(resourceName)
}
