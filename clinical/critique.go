package clinical

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/reasoning"
	"github.com/medigraph/clinagent/session"
)

var critiqueSchema = map[string]any{
	"type":     "object",
	"required": []any{"safetyConflict", "confidence"},
	"properties": map[string]any{
		"safetyConflict": map[string]any{
			"type":        "boolean",
			"description": "True if the draft conflicts with allergies, interactions, or contraindications.",
		},
		"conflicts": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "The specific conflicts found, if any.",
		},
		"confidence": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
		"medicationChange": map[string]any{
			"type":        "boolean",
			"description": "True if the plan starts, stops, or adjusts any medication.",
		},
	},
	"additionalProperties": false,
}

const critiqueSystem = `You are a clinical safety reviewer. Check the draft recommendation against the patient's allergies, current medications, and the cited guidelines. Flag any safety conflict and re-score the confidence of the draft.`

// critiqueNode reviews the draft for safety conflicts. A flagged conflict
// sends the session back to reasoning; past the retry ceiling the session is
// forced into manual review instead.
func critiqueNode(deps Deps, cfg Config) graph.NodeFunc {
	return func(ctx context.Context, st *session.State) (graph.Outcome, error) {
		if st.Draft == nil {
			return graph.Advance, fmt.Errorf("critique entered without a draft")
		}

		var out struct {
			SafetyConflict   bool     `json:"safetyConflict"`
			Conflicts        []string `json:"conflicts"`
			Confidence       *float64 `json:"confidence"`
			MedicationChange *bool    `json:"medicationChange"`
		}
		err := reasoning.InferInto(ctx, deps.Engine, reasoning.Request{
			System:       critiqueSystem,
			Prompt:       critiquePrompt(st),
			OutputSchema: critiqueSchema,
		}, &out)
		if err != nil {
			var violation *reasoning.SchemaViolationError
			if errors.As(err, &violation) {
				return graph.Advance, graph.Fail(graph.FailSchemaViolation, err)
			}
			// An unreachable critic does not block the session; the gate
			// still sees the uncritiqued confidence.
			st.ConflictOpen = false
			st.ManualReview = true
			return graph.Advance, nil
		}

		if out.Confidence != nil {
			st.Draft.Confidence = *out.Confidence
		}
		if out.MedicationChange != nil {
			st.Draft.MedicationChange = *out.MedicationChange
		}

		if !out.SafetyConflict {
			st.ConflictOpen = false
			return graph.Advance, nil
		}

		for _, conflict := range out.Conflicts {
			if c := strings.TrimSpace(conflict); c != "" {
				st.Conflicts = append(st.Conflicts, c)
			}
		}
		if len(out.Conflicts) == 0 {
			st.Conflicts = append(st.Conflicts, "unspecified safety conflict")
		}

		st.CritiquePasses++
		if st.CritiquePasses > cfg.CritiqueCeiling {
			st.ConflictOpen = false
			st.ManualReview = true
			return graph.Advance, nil
		}
		st.ConflictOpen = true
		return graph.Advance, nil
	}
}

func critiquePrompt(st *session.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DRAFT ASSESSMENT:\n%s\n\nDRAFT PLAN:\n%s\n\n", st.Draft.Assessment, st.Draft.Plan)
	fmt.Fprintf(&b, "DRAFT CONFIDENCE: %.2f\n\n", st.Draft.Confidence)
	if st.Patient != nil {
		fmt.Fprintf(&b, "[CURRENT MEDICATIONS]\n%s\n\n[ALLERGIES]\n%s\n\n", st.Patient.Medications, st.Patient.Allergies)
	}
	if len(st.Conflicts) > 0 {
		b.WriteString("PREVIOUSLY FLAGGED CONFLICTS:\n")
		for _, conflict := range st.Conflicts {
			fmt.Fprintf(&b, "- %s\n", conflict)
		}
	}
	return b.String()
}
