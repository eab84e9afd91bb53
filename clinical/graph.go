package clinical

import (
	"fmt"

	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/types"
)

// Build assembles the review graph. All cyclic edges are guarded by counters
// held in session state, so routing stays pure and every loop is bounded.
func Build(deps Deps, cfg Config) (*graph.Graph, error) {
	if deps.Record == nil {
		return nil, fmt.Errorf("record service is required")
	}
	if deps.Knowledge == nil {
		return nil, fmt.Errorf("knowledge base is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("reasoning engine is required")
	}
	if deps.Invoker == nil {
		return nil, fmt.Errorf("capability invoker is required")
	}
	cfg = cfg.withDefaults()

	g := graph.New("clinical_review")
	g.AddNode(NodeTriage, triageNode(deps))
	g.AddNode(NodeFetch, fetchNode(deps))
	g.AddNode(NodeRetrieve, retrieveNode(deps, cfg))
	g.AddNode(NodeGrade, gradeNode(deps, cfg))
	g.AddNode(NodeReason, reasonNode(deps, cfg))
	g.AddNode(NodeTool, toolExecutorNode(deps))
	g.AddNode(NodeCritique, critiqueNode(deps, cfg))
	g.AddNode(NodeHITLGate, hitlGateNode(cfg))

	g.AddEdge(NodeTriage, NodeFetch, nil)
	g.AddEdge(NodeFetch, NodeRetrieve, nil)
	g.AddEdge(NodeRetrieve, NodeGrade, nil)

	g.AddEdge(NodeGrade, NodeRetrieve, func(st *session.State) bool {
		return st.GradeVerdict == types.VerdictInsufficient && st.GradeAttempts < cfg.GradeCeiling
	})
	g.AddEdge(NodeGrade, NodeReason, graph.Always)

	g.AddEdge(NodeReason, NodeTool, func(st *session.State) bool {
		return st.PendingTool != nil
	})
	g.AddEdge(NodeReason, NodeCritique, graph.Always)

	g.AddEdge(NodeTool, NodeReason, graph.Always)

	g.AddEdge(NodeCritique, NodeReason, func(st *session.State) bool {
		return st.ConflictOpen && !st.ManualReview
	})
	g.AddEdge(NodeCritique, NodeHITLGate, graph.Always)

	g.SetStart(NodeTriage)
	g.AllowCycles(true)

	if err := g.Compile(); err != nil {
		return nil, err
	}
	return g, nil
}
