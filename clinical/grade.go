package clinical

import (
	"context"
	"fmt"
	"strings"

	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/reasoning"
	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/types"
)

var gradeSchema = map[string]any{
	"type":     "object",
	"required": []any{"isRelevant"},
	"properties": map[string]any{
		"isRelevant": map[string]any{
			"type":        "boolean",
			"description": "True if the retrieved knowledge is sufficient to answer the clinical question.",
		},
		"feedback": map[string]any{
			"type":        "string",
			"description": "If insufficient, what is missing, phrased as the next search query.",
		},
	},
	"additionalProperties": false,
}

const gradeSystem = `You are a medical research evaluator. Judge whether the retrieved knowledge is sufficient to answer the clinical question. If it is not, say what is missing so the next search can find it.`

const snippetExcerptLimit = 500

// gradeNode classifies the latest evidence batch. A grader failure degrades
// to a sufficient verdict rather than looping forever, with the session
// flagged best-effort so the final output discloses it.
func gradeNode(deps Deps, cfg Config) graph.NodeFunc {
	return func(ctx context.Context, st *session.State) (graph.Outcome, error) {
		latest := st.LatestEvidence()
		if latest == nil || len(latest.Snippets) == 0 {
			st.GradeVerdict = types.VerdictInsufficient
			if latest != nil {
				latest.Verdict = types.VerdictInsufficient
				latest.Feedback = st.Intent
			}
			if st.GradeAttempts >= cfg.GradeCeiling {
				st.BestEffort = true
			}
			return graph.Advance, nil
		}

		var out struct {
			IsRelevant bool   `json:"isRelevant"`
			Feedback   string `json:"feedback"`
		}
		err := reasoning.InferInto(ctx, deps.Engine, reasoning.Request{
			System:       gradeSystem,
			Prompt:       gradePrompt(st, latest),
			OutputSchema: gradeSchema,
		}, &out)
		if err != nil {
			// Degrade instead of failing: an unreachable grader must not
			// abort the session or spin the retrieval loop.
			st.GradeVerdict = types.VerdictSufficient
			latest.Verdict = types.VerdictSufficient
			st.BestEffort = true
			return graph.Advance, nil
		}

		if out.IsRelevant {
			st.GradeVerdict = types.VerdictSufficient
			latest.Verdict = types.VerdictSufficient
			return graph.Advance, nil
		}

		st.GradeVerdict = types.VerdictInsufficient
		latest.Verdict = types.VerdictInsufficient
		latest.Feedback = strings.TrimSpace(out.Feedback)
		if st.GradeAttempts >= cfg.GradeCeiling {
			st.BestEffort = true
		}
		return graph.Advance, nil
	}
}

func gradePrompt(st *session.State, batch *types.EvidenceBatch) string {
	var b strings.Builder
	intent := st.Intent
	if intent == "" {
		intent = st.Query
	}
	fmt.Fprintf(&b, "CLINICAL QUESTION: %q\n\nRETRIEVED KNOWLEDGE:\n", intent)
	for _, snippet := range batch.Snippets {
		content := snippet.Content
		if len(content) > snippetExcerptLimit {
			content = content[:snippetExcerptLimit]
		}
		fmt.Fprintf(&b, "- [%s] %s\n", snippet.Source, content)
	}
	return b.String()
}
