// Package clinical wires the review workflow: triage, record fetch, the
// graded retrieval loop, reasoning with tool calls, critique, and the human
// sign-off gate.
package clinical

import (
	"github.com/medigraph/clinagent/capability"
	"github.com/medigraph/clinagent/knowledge"
	"github.com/medigraph/clinagent/reasoning"
	"github.com/medigraph/clinagent/record"
)

// Node identifiers, also the states of the session state machine.
const (
	NodeTriage    = "triage"
	NodeFetch     = "patient_fetch"
	NodeRetrieve  = "knowledge_retrieval"
	NodeGrade     = "grade"
	NodeReason    = "reason"
	NodeTool      = "tool_executor"
	NodeCritique  = "critique"
	NodeHITLGate  = "hitl_gate"
)

const (
	DefaultGradeCeiling        = 3
	DefaultToolBudget          = 5
	DefaultCritiqueCeiling     = 2
	DefaultConfidenceThreshold = 0.90
	DefaultTopK                = 5
)

// Config carries the loop ceilings and the gate threshold. All bounds are
// per-deployment settings, not constants.
type Config struct {
	GradeCeiling        int
	ToolBudget          int
	CritiqueCeiling     int
	ConfidenceThreshold float64
	TopK                int
}

func (c Config) withDefaults() Config {
	out := c
	if out.GradeCeiling <= 0 {
		out.GradeCeiling = DefaultGradeCeiling
	}
	if out.ToolBudget <= 0 {
		out.ToolBudget = DefaultToolBudget
	}
	if out.CritiqueCeiling <= 0 {
		out.CritiqueCeiling = DefaultCritiqueCeiling
	}
	if out.ConfidenceThreshold <= 0 || out.ConfidenceThreshold > 1 {
		out.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if out.TopK <= 0 {
		out.TopK = DefaultTopK
	}
	return out
}

// Deps are the collaborators the nodes consume.
type Deps struct {
	Record    record.Service
	Knowledge knowledge.Base
	Engine    reasoning.Engine
	Registry  *capability.Registry
	Invoker   *capability.Invoker
}
