package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/reasoning"
	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/types"
)

var reasonSchema = map[string]any{
	"type":     "object",
	"required": []any{"assessment", "plan", "medicationChange", "confidence"},
	"properties": map[string]any{
		"assessment": map[string]any{"type": "string"},
		"plan":       map[string]any{"type": "string"},
		"citations": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"medicationChange": map[string]any{
			"type":        "boolean",
			"description": "True if the plan starts, stops, or adjusts any medication.",
		},
		"confidence": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
		"toolRequest": map[string]any{
			"type": []any{"object", "null"},
			"properties": map[string]any{
				"name":      map[string]any{"type": "string"},
				"arguments": map[string]any{"type": "object"},
			},
			"required":    []any{"name"},
			"description": "A capability to call before finalizing, or null if none is needed.",
		},
	},
	"additionalProperties": false,
}

const reasonSystem = `You are an expert clinical decision support agent. Synthesize the patient record and the retrieved guidelines into an evidence-based treatment recommendation. You may request one registered capability call when its output would materially change the recommendation. Cite the guideline sources you relied on.`

// reasonNode drafts or revises the recommendation. It may request one
// capability call per pass; the route policy sends it through the tool
// executor and back here.
func reasonNode(deps Deps, cfg Config) graph.NodeFunc {
	return func(ctx context.Context, st *session.State) (graph.Outcome, error) {
		var out struct {
			Assessment       string   `json:"assessment"`
			Plan             string   `json:"plan"`
			Citations        []string `json:"citations"`
			MedicationChange bool     `json:"medicationChange"`
			Confidence       float64  `json:"confidence"`
			ToolRequest      *struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"toolRequest"`
		}
		err := reasoning.InferInto(ctx, deps.Engine, reasoning.Request{
			System:       reasonSystem,
			Prompt:       reasonPrompt(st, deps, cfg),
			OutputSchema: reasonSchema,
		}, &out)
		if err != nil {
			var violation *reasoning.SchemaViolationError
			if errors.As(err, &violation) {
				return graph.Advance, graph.Fail(graph.FailSchemaViolation, err)
			}
			return graph.Advance, fmt.Errorf("reasoning inference failed: %w", err)
		}

		st.Draft = &types.Recommendation{
			Assessment:       out.Assessment,
			Plan:             out.Plan,
			Citations:        out.Citations,
			MedicationChange: out.MedicationChange,
			Confidence:       out.Confidence,
		}

		st.PendingTool = nil
		if out.ToolRequest != nil && out.ToolRequest.Name != "" {
			if st.ToolCalls >= cfg.ToolBudget {
				st.ToolBudgetExhausted = true
			} else {
				st.PendingTool = &types.ToolRequest{
					Name:      out.ToolRequest.Name,
					Arguments: out.ToolRequest.Arguments,
				}
			}
		}
		return graph.Advance, nil
	}
}

func reasonPrompt(st *session.State, deps Deps, cfg Config) string {
	var b strings.Builder

	intent := st.Intent
	if intent == "" {
		intent = st.Query
	}
	fmt.Fprintf(&b, "CLINICAL QUESTION: %q\n\n", intent)

	if st.Patient != nil {
		b.WriteString("=== PATIENT RECORD ===\n")
		fmt.Fprintf(&b, "[DEMOGRAPHICS]\n%s\n\n", st.Patient.Demographics)
		fmt.Fprintf(&b, "[RECENT LABS & VITALS]\n%s\n\n", st.Patient.Labs)
		fmt.Fprintf(&b, "[CURRENT MEDICATIONS]\n%s\n\n", st.Patient.Medications)
		fmt.Fprintf(&b, "[CONDITIONS]\n%s\n\n", st.Patient.Conditions)
		fmt.Fprintf(&b, "[ALLERGIES]\n%s\n\n", st.Patient.Allergies)
	}

	b.WriteString("=== CLINICAL GUIDELINES ===\n")
	for _, batch := range st.Evidence {
		for _, snippet := range batch.Snippets {
			fmt.Fprintf(&b, "Source: %s\n%s\n\n", snippet.Source, snippet.Content)
		}
	}
	if st.BestEffort {
		b.WriteString("NOTE: evidence retrieval hit its refinement ceiling; disclose reduced evidence confidence in the assessment.\n\n")
	}

	if len(st.Invocations) > 0 {
		b.WriteString("=== TOOL RESULTS ===\n")
		for _, inv := range st.Invocations {
			if inv.Error != "" {
				fmt.Fprintf(&b, "%s: failed (%s)\n", inv.Name, inv.Error)
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", inv.Name, inv.Result)
		}
		b.WriteString("\n")
	}

	if len(st.Conflicts) > 0 {
		b.WriteString("=== SAFETY CONFLICTS TO RESOLVE ===\n")
		for _, conflict := range st.Conflicts {
			fmt.Fprintf(&b, "- %s\n", conflict)
		}
		b.WriteString("Revise the plan so these conflicts are addressed.\n\n")
	}

	if deps.Registry != nil && !st.ToolBudgetExhausted && st.ToolCalls < cfg.ToolBudget {
		catalog := deps.Registry.Catalog()
		if len(catalog) > 0 {
			b.WriteString("=== AVAILABLE CAPABILITIES ===\n")
			for _, def := range catalog {
				fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
			}
			b.WriteString("\n")
		}
	} else {
		b.WriteString("The capability budget is exhausted; finalize without further tool calls.\n")
	}
	return b.String()
}
