package clinical

import (
	"context"

	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/types"
)

// ShouldSuspend is the gate decision: a pure function of the confidence
// score, the medication-change flag, and the configured threshold. Confidence
// exactly at the threshold does not suspend.
func ShouldSuspend(confidence float64, medicationChange bool, threshold float64) bool {
	return confidence < threshold || medicationChange
}

// hitlGateNode suspends the session for clinician sign-off when the draft is
// low-confidence or changes medication, and applies the human decision after
// a resume. The gate never calls the reasoning engine.
func hitlGateNode(cfg Config) graph.NodeFunc {
	return func(ctx context.Context, st *session.State) (graph.Outcome, error) {
		_ = ctx

		if st.HumanDecision != nil {
			applyDecision(st)
			return graph.Complete, nil
		}

		confidence := 0.0
		medicationChange := false
		if st.Draft != nil {
			confidence = st.Draft.Confidence
			medicationChange = st.Draft.MedicationChange
		}
		if st.ManualReview || ShouldSuspend(confidence, medicationChange, cfg.ConfidenceThreshold) {
			return graph.Suspend, nil
		}
		return graph.Complete, nil
	}
}

func applyDecision(st *session.State) {
	switch st.HumanDecision.Decision {
	case types.DecisionEdited:
		if st.Draft != nil && st.HumanDecision.EditedPlan != "" {
			st.Draft.Plan = st.HumanDecision.EditedPlan
		}
	case types.DecisionRejected:
		// Rejection is a valid clinical outcome. The session completes with
		// the rejection on record; the draft is not promoted.
	}
}
