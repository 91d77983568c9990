package fathom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EffectClass describes what a tool handler touches. The executor uses it
// to decide whether the handler needs the state write lease.
type EffectClass string

const (
	// EffectPure handlers read nothing and mutate nothing owned by the agent.
	EffectPure EffectClass = "pure"
	// EffectState handlers read or mutate agent state (todos, files, scratch).
	// They run under the state lease, serialized within a batch.
	EffectState EffectClass = "state"
	// EffectExternal handlers talk to the outside world (network, disk).
	EffectExternal EffectClass = "external"
)

// maxToolNameLength caps registered tool names. Provider APIs reject
// longer names; failing at Register beats failing mid-turn.
const maxToolNameLength = 64

// ToolContext carries per-invocation agent context into a tool handler.
type ToolContext struct {
	// State is the owning agent's state slice.
	State *State
	// SessionID is the agent's session id, empty when sessions are off.
	SessionID string
	// CallID is the tool-use id being answered.
	CallID string
	// Turn is the 1-based turn counter, used for file write stamps.
	Turn int
	// Logger is never nil.
	Logger *slog.Logger

	// events, when non-nil, is the turn's streaming channel. The task
	// tool emits sub-agent lifecycle events on it.
	events chan<- Event
}

// ToolHandler executes one validated tool call. The returned string is the
// tool result content; a non-nil error becomes an error tool result, not a
// loop failure.
type ToolHandler func(ctx context.Context, tc *ToolContext, input json.RawMessage) (string, error)

// ToolDescriptor declares a tool: its wire-visible definition plus the
// handler that implements it.
type ToolDescriptor struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema object validated against every call's
	// input before the handler runs.
	InputSchema json.RawMessage
	Effect      EffectClass
	Handler     ToolHandler
}

// ToolDefinition is the wire-visible subset of a descriptor, handed to
// model clients.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// compiledTool pairs a descriptor with its compiled schema.
type compiledTool struct {
	desc   ToolDescriptor
	schema *jsonschema.Schema
}

// Registry holds the tools exposed to one agent instance. Registration
// compiles schemas eagerly so malformed tools fail at construction, and
// rejects duplicate names. The registry is immutable after construction;
// lookups are read-only and safe for concurrent use by the executor.
type Registry struct {
	tools map[string]*compiledTool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*compiledTool)}
}

// Register compiles and adds a tool descriptor.
func (r *Registry) Register(d ToolDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool: empty name")
	}
	if len(d.Name) > maxToolNameLength {
		return fmt.Errorf("tool %q: name exceeds %d characters", d.Name, maxToolNameLength)
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %q: nil handler", d.Name)
	}
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool %q: already registered", d.Name)
	}
	switch d.Effect {
	case EffectPure, EffectState, EffectExternal:
	case "":
		d.Effect = EffectExternal
	default:
		return fmt.Errorf("tool %q: unknown effect class %q", d.Name, d.Effect)
	}

	schemaSrc := d.InputSchema
	if len(schemaSrc) == 0 {
		schemaSrc = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(d.Name+".json", bytes.NewReader(schemaSrc)); err != nil {
		return fmt.Errorf("tool %q: invalid schema: %w", d.Name, err)
	}
	schema, err := compiler.Compile(d.Name + ".json")
	if err != nil {
		return fmt.Errorf("tool %q: schema compile: %w", d.Name, err)
	}

	r.tools[d.Name] = &compiledTool{desc: d, schema: schema}
	r.order = append(r.order, d.Name)
	return nil
}

// RegisterAll registers descriptors in order, failing on the first error.
func (r *Registry) RegisterAll(descs ...ToolDescriptor) error {
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the compiled tool for name.
func (r *Registry) Lookup(name string) (*compiledTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Definitions returns wire definitions in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		d := r.tools[name].desc
		schema := d.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: schema})
	}
	return defs
}

// Descriptors returns the registered descriptors in registration order.
// Used when compiling sub-agent tool sets from the lead's registry.
func (r *Registry) Descriptors() []ToolDescriptor {
	descs := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		descs = append(descs, r.tools[name].desc)
	}
	return descs
}

// validate checks input against the tool's compiled schema. The input must
// be a JSON value; a decode failure counts as a validation failure.
func (t *compiledTool) validate(input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := t.schema.Validate(decoded); err != nil {
		return err
	}
	return nil
}
