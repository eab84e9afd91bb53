// Package reasoning abstracts the model calls behind structured-output
// requests, so graph nodes deal in typed payloads instead of prose.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request is one structured inference call. When OutputSchema is set the
// engine must return JSON conforming to it.
type Request struct {
	System          string
	Prompt          string
	OutputSchema    map[string]any
	MaxOutputTokens int
}

type Engine interface {
	Name() string
	Infer(ctx context.Context, req Request) (json.RawMessage, error)
}

// SchemaViolationError reports output that failed schema validation even
// after the stricter retry. It is fatal for the calling node.
type SchemaViolationError struct {
	Engine string
	Issues []string
	Raw    json.RawMessage
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("engine %q output violated schema: %v", e.Engine, e.Issues)
}

const strictRetryHint = "Your previous output did not conform to the required JSON schema. Respond with ONLY a single JSON object matching the schema exactly. No prose, no markdown fences."

// InferInto runs one inference, validates the output against the request
// schema, and decodes it into out. One stricter retry is allowed on a schema
// violation; a second violation surfaces as *SchemaViolationError.
func InferInto(ctx context.Context, engine Engine, req Request, out any) error {
	if engine == nil {
		return fmt.Errorf("reasoning engine is required")
	}

	raw, err := engine.Infer(ctx, req)
	if err != nil {
		return err
	}

	issues := validateOutput(req.OutputSchema, raw)
	if len(issues) > 0 {
		retryReq := req
		retryReq.System = strings.TrimSpace(req.System + "\n\n" + strictRetryHint)
		raw, err = engine.Infer(ctx, retryReq)
		if err != nil {
			return err
		}
		issues = validateOutput(req.OutputSchema, raw)
		if len(issues) > 0 {
			return &SchemaViolationError{Engine: engine.Name(), Issues: issues, Raw: raw}
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &SchemaViolationError{
			Engine: engine.Name(),
			Issues: []string{fmt.Sprintf("output does not decode into target: %v", err)},
			Raw:    raw,
		}
	}
	return nil
}

func validateOutput(schema map[string]any, raw json.RawMessage) []string {
	if len(raw) == 0 {
		return []string{"engine returned empty output"}
	}
	if !json.Valid(raw) {
		return []string{"engine returned invalid JSON"}
	}
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		issues = append(issues, issue.String())
	}
	return issues
}
