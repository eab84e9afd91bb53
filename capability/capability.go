// Package capability holds the registry of clinical tools the reasoning
// engine may call, and the invoker that runs them with schema validation,
// timeouts, and bounded retries.
package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Definition is the registry entry for one capability. The input schema gates
// every invocation; the output schema is advisory and surfaces in the catalog
// handed to the reasoning engine.
type Definition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	ReadOnly     bool           `json:"readOnly"`
	Idempotent   bool           `json:"idempotent"`
}

type Capability interface {
	Definition() Definition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

type Func struct {
	def Definition
	fn  func(ctx context.Context, args json.RawMessage) (any, error)
}

func NewFunc(def Definition, fn func(ctx context.Context, args json.RawMessage) (any, error)) *Func {
	return &Func{def: def, fn: fn}
}

func (c *Func) Definition() Definition { return c.def }

func (c *Func) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if c.fn == nil {
		return nil, fmt.Errorf("capability %q has no execute function", c.def.Name)
	}
	return c.fn(ctx, args)
}

// SchemaFor derives a JSON schema map from a Go struct via reflection. Used
// so capability argument types stay the single source of truth.
func SchemaFor(v any) (map[string]any, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	delete(out, "$schema")
	return out, nil
}

func MustSchemaFor(v any) map[string]any {
	schema, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return schema
}
