package session

import (
	"errors"
	"testing"
	"time"

	"github.com/medigraph/clinagent/types"
)

func TestBindPatient_SetOnce(t *testing.T) {
	st := New("sess-1", "Review patient P1", time.Now().UTC())

	if err := st.BindPatient("P1"); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}
	if err := st.BindPatient("P1"); err != nil {
		t.Fatalf("re-binding the same id should be a no-op: %v", err)
	}
	if err := st.BindPatient("P2"); !errors.Is(err, ErrPatientBound) {
		t.Fatalf("expected ErrPatientBound, got %v", err)
	}
	if st.PatientID != "P1" {
		t.Fatalf("patient id mutated to %q", st.PatientID)
	}
}

func TestAttachRecord_SetOnce(t *testing.T) {
	st := New("sess-1", "q", time.Now().UTC())

	bundle := types.PatientBundle{PatientID: "P1", Medications: "Lisinopril 10mg"}
	if err := st.AttachRecord(bundle); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if err := st.AttachRecord(bundle); !errors.Is(err, ErrPatientBound) {
		t.Fatalf("expected ErrPatientBound on second attach, got %v", err)
	}

	// The stored snapshot must not alias the caller's value.
	bundle.Medications = "changed"
	if st.Patient.Medications != "Lisinopril 10mg" {
		t.Fatalf("record snapshot aliased caller memory")
	}
}

func TestAppendOnlySequences(t *testing.T) {
	st := New("sess-1", "q", time.Now().UTC())

	for i := 0; i < 4; i++ {
		st.AppendEvidence(types.EvidenceBatch{Query: "q", RetrievedAt: time.Now().UTC()})
		st.RecordInvocation(types.ToolInvocation{Name: "risk_calculator"})
	}
	if len(st.Evidence) != 4 || len(st.Invocations) != 4 {
		t.Fatalf("expected 4 entries each, got %d evidence / %d invocations", len(st.Evidence), len(st.Invocations))
	}
	if st.LatestEvidence() != &st.Evidence[3] {
		t.Fatalf("LatestEvidence did not return the last batch")
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	st := New("sess-7", "Review patient P1", now)
	if err := st.BindPatient("P1"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	st.Intent = "hypertension review"
	st.GradeAttempts = 2
	st.GradeVerdict = types.VerdictInsufficient
	st.AppendEvidence(types.EvidenceBatch{
		Query:       "hypertension management guidelines adult",
		Snippets:    []types.EvidenceSnippet{{Content: "BP>140/90 requires escalation", Source: "JNC8", Score: 0.91}},
		Verdict:     types.VerdictInsufficient,
		Feedback:    "missing thiazide dosing",
		RetrievedAt: now,
	})
	st.Draft = &types.Recommendation{Plan: "add thiazide diuretic", Confidence: 0.95}

	raw, err := st.Snapshot("grade")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	restored, next, err := Restore(raw)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if next != "grade" {
		t.Fatalf("expected next node grade, got %q", next)
	}
	if restored.PatientID != "P1" || restored.GradeAttempts != 2 {
		t.Fatalf("restored state mismatch: %+v", restored)
	}
	if len(restored.Evidence) != 1 || restored.Evidence[0].Snippets[0].Source != "JNC8" {
		t.Fatalf("evidence did not survive round trip: %+v", restored.Evidence)
	}
	if restored.Draft == nil || restored.Draft.Confidence != 0.95 {
		t.Fatalf("draft did not survive round trip: %+v", restored.Draft)
	}
}

func TestRestore_EmptySnapshot(t *testing.T) {
	if _, _, err := Restore(nil); err == nil {
		t.Fatalf("expected error for empty snapshot")
	}
}
