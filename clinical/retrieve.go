package clinical

import (
	"context"
	"fmt"
	"time"

	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/types"
)

// retrieveNode runs one knowledge search pass and appends the batch. When it
// re-runs after an insufficient verdict it counts as a refinement attempt and
// uses the grader's feedback as the refined query.
func retrieveNode(deps Deps, cfg Config) graph.NodeFunc {
	return func(ctx context.Context, st *session.State) (graph.Outcome, error) {
		query := st.Query
		if st.Intent != "" {
			query = st.Intent
		}
		if st.GradeVerdict == types.VerdictInsufficient {
			st.GradeAttempts++
			if latest := st.LatestEvidence(); latest != nil && latest.Feedback != "" {
				query = latest.Feedback
			}
		}

		snippets, err := deps.Knowledge.Search(ctx, query, cfg.TopK)
		if err != nil {
			return graph.Advance, fmt.Errorf("knowledge search failed: %w", err)
		}

		st.AppendEvidence(types.EvidenceBatch{
			Query:       query,
			Snippets:    snippets,
			RetrievedAt: time.Now().UTC(),
		})
		st.GradeVerdict = types.VerdictUnset
		return graph.Advance, nil
	}
}
