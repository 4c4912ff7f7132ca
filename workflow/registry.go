// Package workflow implements the workflow core (spec.md §2 component
// C4): the unit registry, signature validation, payload/state
// (de)serialization, lifecycle hooks, the deterministic-trace-ID root
// span, and the pause/fail/complete outcome every workflow, agent, and
// tool invocation resolves to.
package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/polosdev/polos-go/execctx"
	"github.com/polosdev/polos-go/poloserr"
	"github.com/polosdev/polos-go/schema"
	"github.com/polosdev/polos-go/serialize"
)

// Kind enumerates the three unit kinds the registry tracks (spec.md §3
// "Workflow descriptor").
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindAgent    Kind = "agent"
	KindTool     Kind = "tool"
)

// Handler is a registered unit's business logic. payload is either the
// decoded typed payload (when a payload schema is declared) or the raw
// JSON value; it returns the result value to serialize back (spec.md §4.3
// steps 3-5).
type Handler func(ctx *execctx.Context, payload any) (result any, err error)

// OnStartHook runs after the root span opens and after payload
// conversion, so it receives the converted payload rather than the raw
// one, and may replace it (spec.md §4.3 step 2, "run on_start hooks").
type OnStartHook func(ctx *execctx.Context, payload any) (any, error)

// OnEndHook runs after the handler returns successfully, and may replace
// the result (spec.md §4.3 step 5, "run on_end hooks").
type OnEndHook func(ctx *execctx.Context, result any) (any, error)

// EventTrigger describes an event-triggered unit's subscription (spec.md
// §3 "Workflow descriptor").
type EventTrigger struct {
	Topic        string
	BatchSize    int
	BatchTimeout int // seconds
}

// Descriptor is a process-wide, immutable-after-registration unit
// definition (spec.md §3 "Workflow descriptor").
type Descriptor struct {
	ID       string
	Kind     Kind
	Handler  Handler

	// PayloadSchemaName, StateSchemaName, ResultSchemaName reference
	// decoders/validators in the shared schema.Registry; empty means the
	// unit accepts/returns raw JSON.
	PayloadSchemaName string
	StateSchemaName   string
	ResultSchemaName  string
	// DefaultState constructs the state object when no initial_state is
	// supplied and a StateSchemaName is declared, and always when no
	// StateSchemaName is declared (a supplied initial_state is then not
	// decoded).
	DefaultState func() any

	QueueName             string
	QueueConcurrencyLimit int
	EventTrigger          *EventTrigger
	Scheduled             bool
	ScheduleSpec          string

	OnStart []OnStartHook
	OnEnd   []OnEndHook
}

func (d *Descriptor) validate() error {
	if d.ID == "" {
		return poloserr.New(poloserr.KindValidation, "workflow: descriptor has no ID")
	}
	if d.Handler == nil {
		return poloserr.New(poloserr.KindValidation, "workflow %q: no handler", d.ID)
	}
	if d.Scheduled && d.QueueName != "" {
		return poloserr.New(poloserr.KindValidation, "workflow %q: scheduled units may not declare an explicit queue", d.ID)
	}
	if d.EventTrigger != nil && d.Scheduled {
		return poloserr.New(poloserr.KindValidation, "workflow %q: event-triggered units may not also be scheduled", d.ID)
	}
	return nil
}

// Registry is the process-wide, concurrency-safe table of unit
// descriptors (spec.md §3 "process-wide registry keyed by unit ID").
type Registry struct {
	mu      sync.RWMutex
	units   map[string]*Descriptor
	schemas *schema.Registry
}

// NewRegistry constructs an empty Registry backed by the given schema
// registry for payload/state/result (de)serialization.
func NewRegistry(schemas *schema.Registry) *Registry {
	return &Registry{units: make(map[string]*Descriptor), schemas: schemas}
}

// Register adds d to the registry, enforcing spec.md §3's registration
// invariants: IDs unique; scheduled units carry no explicit queue;
// event-triggered units are not also scheduled.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.units[d.ID]; exists {
		return poloserr.New(poloserr.KindValidation, "workflow: unit ID %q already registered", d.ID)
	}
	r.units[d.ID] = d
	return nil
}

// Lookup returns the descriptor registered for id, or an error if none.
func (r *Registry) Lookup(id string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.units[id]
	if !ok {
		return nil, poloserr.New(poloserr.KindPermanent, "workflow: no unit registered for %q", id)
	}
	return d, nil
}

// All returns every registered descriptor, for startup registration
// (worker.Runtime walks this to call register_deployment_workflow etc.).
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.units))
	for _, d := range r.units {
		out = append(out, d)
	}
	return out
}

// Schemas returns the schema registry backing payload/state/result
// conversion.
func (r *Registry) Schemas() *schema.Registry { return r.schemas }

func (r *Registry) decodePayload(d *Descriptor, raw json.RawMessage) (any, error) {
	if d.PayloadSchemaName == "" {
		var v any
		if len(raw) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, poloserr.Wrap(poloserr.KindValidation, err, "workflow %q: decode payload", d.ID)
		}
		return v, nil
	}
	if err := r.schemas.Validate(d.PayloadSchemaName, raw); err != nil {
		return nil, poloserr.Wrap(poloserr.KindValidation, err, "workflow %q: payload failed schema validation", d.ID)
	}
	v, err := r.schemas.Decode(d.PayloadSchemaName, raw)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindValidation, err, "workflow %q: decode typed payload", d.ID)
	}
	return v, nil
}

func (r *Registry) buildState(d *Descriptor, initialState json.RawMessage) (any, error) {
	if len(initialState) > 0 {
		if err := serialize.CheckSize(initialState, serialize.DefaultStateLimit); err != nil {
			return nil, err
		}
	}
	if d.StateSchemaName == "" {
		if d.DefaultState != nil {
			return d.DefaultState(), nil
		}
		return nil, nil
	}
	if len(initialState) == 0 || string(initialState) == "null" {
		if d.DefaultState != nil {
			return d.DefaultState(), nil
		}
		return nil, nil
	}
	if err := r.schemas.Validate(d.StateSchemaName, initialState); err != nil {
		return nil, poloserr.Wrap(poloserr.KindValidation, err, "workflow %q: initial_state failed schema validation", d.ID)
	}
	v, err := r.schemas.Decode(d.StateSchemaName, initialState)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindValidation, err, "workflow %q: decode initial_state", d.ID)
	}
	return v, nil
}

func (r *Registry) marshalResult(d *Descriptor, result any) (json.RawMessage, string, error) {
	if result == nil {
		return json.RawMessage("null"), "", nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, "", poloserr.New(poloserr.KindValidation, "workflow %q: result is not JSON-serializable: %v", d.ID, err)
	}
	return raw, d.ResultSchemaName, nil
}

func eventName(kind Kind, suffix string) string {
	return fmt.Sprintf("%s_%s", kind, suffix)
}
