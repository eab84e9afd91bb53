package clinical

import (
	"context"
	"testing"
	"time"

	"github.com/medigraph/clinagent/graph"
	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/types"
)

func TestShouldSuspend_Boundaries(t *testing.T) {
	const threshold = 0.90
	cases := []struct {
		name             string
		confidence       float64
		medicationChange bool
		want             bool
	}{
		{"high confidence no med change", 0.95, false, false},
		{"exactly at threshold", 0.90, false, false},
		{"just below threshold", 0.8999999, false, true},
		{"zero confidence", 0.0, false, true},
		{"high confidence with med change", 0.99, true, true},
		{"at threshold with med change", 0.90, true, true},
		{"low confidence with med change", 0.10, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ShouldSuspend(tc.confidence, tc.medicationChange, threshold)
			if got != tc.want {
				t.Fatalf("ShouldSuspend(%v, %v, %v) = %v, want %v",
					tc.confidence, tc.medicationChange, threshold, got, tc.want)
			}
		})
	}
}

func TestHITLGate_SuspendsAndCompletes(t *testing.T) {
	node := hitlGateNode(Config{ConfidenceThreshold: 0.90}.withDefaults())

	st := session.New("s1", "q", time.Now().UTC())
	st.Draft = &types.Recommendation{Plan: "monitor", Confidence: 0.95}
	outcome, err := node(context.Background(), st)
	if err != nil || outcome != graph.Complete {
		t.Fatalf("expected auto-complete, got %v %v", outcome, err)
	}

	st.Draft.Confidence = 0.70
	outcome, err = node(context.Background(), st)
	if err != nil || outcome != graph.Suspend {
		t.Fatalf("expected suspension below threshold, got %v %v", outcome, err)
	}

	st.Draft.Confidence = 0.95
	st.Draft.MedicationChange = true
	outcome, err = node(context.Background(), st)
	if err != nil || outcome != graph.Suspend {
		t.Fatalf("expected suspension on medication change, got %v %v", outcome, err)
	}
}

func TestHITLGate_ManualReviewForcesSuspension(t *testing.T) {
	node := hitlGateNode(Config{}.withDefaults())
	st := session.New("s1", "q", time.Now().UTC())
	st.Draft = &types.Recommendation{Plan: "monitor", Confidence: 0.99}
	st.ManualReview = true
	outcome, err := node(context.Background(), st)
	if err != nil || outcome != graph.Suspend {
		t.Fatalf("manual review must suspend, got %v %v", outcome, err)
	}
}

func TestHITLGate_NilDraftSuspends(t *testing.T) {
	node := hitlGateNode(Config{}.withDefaults())
	st := session.New("s1", "q", time.Now().UTC())
	outcome, err := node(context.Background(), st)
	if err != nil || outcome != graph.Suspend {
		t.Fatalf("missing draft must suspend, got %v %v", outcome, err)
	}
}

func TestHITLGate_AppliesDecisions(t *testing.T) {
	node := hitlGateNode(Config{}.withDefaults())

	st := session.New("s1", "q", time.Now().UTC())
	st.Draft = &types.Recommendation{Plan: "original", Confidence: 0.5}
	st.HumanDecision = &types.HumanDecision{Decision: types.DecisionApproved}
	outcome, err := node(context.Background(), st)
	if err != nil || outcome != graph.Complete {
		t.Fatalf("approved decision must complete, got %v %v", outcome, err)
	}
	if st.Draft.Plan != "original" {
		t.Fatalf("approval must not touch the draft, got %q", st.Draft.Plan)
	}

	st = session.New("s2", "q", time.Now().UTC())
	st.Draft = &types.Recommendation{Plan: "original", Confidence: 0.5}
	st.HumanDecision = &types.HumanDecision{Decision: types.DecisionEdited, EditedPlan: "halved dose"}
	outcome, err = node(context.Background(), st)
	if err != nil || outcome != graph.Complete {
		t.Fatalf("edited decision must complete, got %v %v", outcome, err)
	}
	if st.Draft.Plan != "halved dose" {
		t.Fatalf("edited plan must replace the draft, got %q", st.Draft.Plan)
	}

	st = session.New("s3", "q", time.Now().UTC())
	st.Draft = &types.Recommendation{Plan: "original", Confidence: 0.5}
	st.HumanDecision = &types.HumanDecision{Decision: types.DecisionRejected, Note: "insufficient basis"}
	outcome, err = node(context.Background(), st)
	if err != nil || outcome != graph.Complete {
		t.Fatalf("rejection completes the session, got %v %v", outcome, err)
	}
}
