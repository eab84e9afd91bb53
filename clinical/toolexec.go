package clinical

import (
	"context"
	"errors"
	"fmt"

	"github.com/medigraph/clinagent/capability"
	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/session"
)

// toolExecutorNode runs the pending capability request through the invoker.
// Every call, failed or not, lands in the audit log; the node charges the
// tool budget either way. The session always routes back to reasoning so the
// result of an in-budget call is consumed; only the reasoning node declares
// the budget exhausted, when it asks for a call it no longer has. Failures
// degrade the session instead of aborting: the reasoning step sees the
// failure in its next pass.
func toolExecutorNode(deps Deps) graph.NodeFunc {
	return func(ctx context.Context, st *session.State) (graph.Outcome, error) {
		request := st.PendingTool
		st.PendingTool = nil
		if request == nil {
			return graph.Advance, fmt.Errorf("tool executor entered without a pending request")
		}

		st.ToolCalls++

		_, err := deps.Invoker.Invoke(ctx, st, *request)
		if err != nil {
			var maxRetries *capability.MaxRetriesError
			switch {
			case errors.As(err, &maxRetries):
				st.BestEffort = true
			case errors.Is(err, capability.ErrUnknownCapability):
				// The model asked for something unregistered. The refusal is
				// visible to the next reasoning pass via the missing result.
			}
		}
		return graph.Advance, nil
	}
}
