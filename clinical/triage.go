package clinical

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/reasoning"
	"github.com/medigraph/clinagent/session"
)

var triageSchema = map[string]any{
	"type":     "object",
	"required": []any{"patientId", "intent"},
	"properties": map[string]any{
		"patientId": map[string]any{
			"type":        "string",
			"description": "The patient identifier mentioned in the query, or empty if none.",
		},
		"intent": map[string]any{
			"type":        "string",
			"description": "One-sentence summary of the clinical question.",
		},
	},
	"additionalProperties": false,
}

const triageSystem = `You are a clinical triage assistant. Extract the patient identifier and summarize the clinical question from the user's request.`

var patientIDPattern = regexp.MustCompile(`(?i)\bpatient[\s:]+([A-Za-z0-9][A-Za-z0-9_-]*)`)

// triageNode resolves the patient identifier and the clinical intent from
// the raw query. The identifier binds once for the whole session.
func triageNode(deps Deps) graph.NodeFunc {
	return func(ctx context.Context, st *session.State) (graph.Outcome, error) {
		var out struct {
			PatientID string `json:"patientId"`
			Intent    string `json:"intent"`
		}
		err := reasoning.InferInto(ctx, deps.Engine, reasoning.Request{
			System:       triageSystem,
			Prompt:       fmt.Sprintf("Query: %q", st.Query),
			OutputSchema: triageSchema,
		}, &out)
		if err != nil {
			var violation *reasoning.SchemaViolationError
			if errors.As(err, &violation) {
				return graph.Advance, graph.Fail(graph.FailSchemaViolation, err)
			}
			return graph.Advance, fmt.Errorf("triage inference failed: %w", err)
		}

		patientID := strings.TrimSpace(out.PatientID)
		if patientID == "" {
			if match := patientIDPattern.FindStringSubmatch(st.Query); match != nil {
				patientID = match[1]
			}
		}
		if patientID == "" {
			return graph.Advance, graph.Fail(graph.FailNotFound,
				fmt.Errorf("no patient identifier found in query %q", st.Query))
		}
		if err := st.BindPatient(patientID); err != nil {
			return graph.Advance, err
		}
		if intent := strings.TrimSpace(out.Intent); intent != "" {
			st.Intent = intent
		}
		return graph.Advance, nil
	}
}
