package clinical

import (
	"context"
	"errors"
	"fmt"

	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/record"
	"github.com/medigraph/clinagent/session"
)

// fetchNode takes the session's single immutable snapshot of the patient
// record. An unknown patient fails the session; nothing downstream runs.
func fetchNode(deps Deps) graph.NodeFunc {
	return func(ctx context.Context, st *session.State) (graph.Outcome, error) {
		if st.PatientID == "" {
			return graph.Advance, fmt.Errorf("patient id not resolved before fetch")
		}
		bundle, err := deps.Record.Fetch(ctx, st.PatientID)
		if err != nil {
			if errors.Is(err, record.ErrNotFound) {
				return graph.Advance, graph.Fail(graph.FailNotFound, err)
			}
			return graph.Advance, fmt.Errorf("record fetch failed: %w", err)
		}
		if err := st.AttachRecord(bundle); err != nil {
			return graph.Advance, err
		}
		return graph.Advance, nil
	}
}
