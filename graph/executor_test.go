package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/medigraph/clinagent/reviewqueue"
	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/store"
	"github.com/medigraph/clinagent/store/memory"
	"github.com/medigraph/clinagent/types"
)

type memoryQueue struct {
	items []reviewqueue.Item
}

func (q *memoryQueue) Enqueue(ctx context.Context, item reviewqueue.Item) (string, error) {
	_ = ctx
	q.items = append(q.items, item)
	return fmt.Sprintf("%d", len(q.items)), nil
}

func (q *memoryQueue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]reviewqueue.Delivery, error) {
	return nil, nil
}

func (q *memoryQueue) Ack(ctx context.Context, consumer string, messageIDs ...string) error {
	return nil
}

func (q *memoryQueue) Len(ctx context.Context) (int64, error) { return int64(len(q.items)), nil }

func (q *memoryQueue) Close() error { return nil }

func linearGraph() *Graph {
	g := New("linear")
	g.AddNode("first", NodeFunc(func(ctx context.Context, st *session.State) (Outcome, error) {
		st.Intent = "resolved"
		return Advance, nil
	}))
	g.AddNode("second", NodeFunc(func(ctx context.Context, st *session.State) (Outcome, error) {
		st.Draft = &types.Recommendation{Assessment: "ok", Plan: "monitor", Confidence: 0.95}
		return Complete, nil
	}))
	g.AddEdge("first", "second", nil)
	g.SetStart("first")
	return g
}

func TestStart_RunsToCompletion(t *testing.T) {
	mem := memory.New()
	exec, err := NewExecutor(linearGraph(), WithStore(mem))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	result, err := exec.Start(context.Background(), "review statin therapy")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.Draft == nil || result.Draft.Plan != "monitor" {
		t.Fatalf("expected draft to survive, got %+v", result.Draft)
	}
	if len(result.NodeTrace) != 2 || result.NodeTrace[0] != "first" || result.NodeTrace[1] != "second" {
		t.Fatalf("unexpected trace %v", result.NodeTrace)
	}

	record, err := mem.LoadSession(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if record.Status != string(types.StatusCompleted) {
		t.Fatalf("persisted status = %s", record.Status)
	}
	if record.CompletedAt == nil {
		t.Fatal("expected completedAt to be set")
	}
	if len(record.Recommendation) == 0 {
		t.Fatal("expected recommendation payload to be persisted")
	}
}

func gateGraph() *Graph {
	g := New("gated")
	g.AddNode("draft", NodeFunc(func(ctx context.Context, st *session.State) (Outcome, error) {
		if st.Draft == nil {
			st.Draft = &types.Recommendation{Assessment: "a", Plan: "original", MedicationChange: true, Confidence: 0.5}
		}
		return Advance, nil
	}))
	g.AddNode("gate", NodeFunc(func(ctx context.Context, st *session.State) (Outcome, error) {
		if st.HumanDecision == nil {
			return Suspend, nil
		}
		if st.HumanDecision.Decision == types.DecisionEdited {
			st.Draft.Plan = st.HumanDecision.EditedPlan
		}
		return Complete, nil
	}))
	g.AddEdge("draft", "gate", nil)
	g.SetStart("draft")
	return g
}

func TestSuspendAndResume(t *testing.T) {
	mem := memory.New()
	queue := &memoryQueue{}
	exec, err := NewExecutor(gateGraph(), WithStore(mem), WithReviewQueue(queue))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	result, err := exec.Start(context.Background(), "adjust dosing")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.Status != types.StatusSuspended {
		t.Fatalf("expected suspended, got %s", result.Status)
	}
	if len(queue.items) != 1 {
		t.Fatalf("expected one review item, got %d", len(queue.items))
	}
	if !queue.items[0].MedicationChange {
		t.Fatal("review item should carry the medication change flag")
	}

	record, err := mem.LoadSession(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if record.Status != string(types.StatusSuspended) {
		t.Fatalf("persisted status = %s", record.Status)
	}

	resumed, err := exec.Resume(context.Background(), result.SessionID, types.HumanDecision{
		Decision:   types.DecisionEdited,
		EditedPlan: "halve the dose",
		Reviewer:   "dr.okafor",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != types.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", resumed.Status)
	}
	if resumed.Draft == nil || resumed.Draft.Plan != "halve the dose" {
		t.Fatalf("expected edited plan, got %+v", resumed.Draft)
	}
	if resumed.Decision == nil || resumed.Decision.Decision != types.DecisionEdited {
		t.Fatalf("expected decision in result, got %+v", resumed.Decision)
	}
}

func TestResume_Preconditions(t *testing.T) {
	mem := memory.New()
	exec, err := NewExecutor(linearGraph(), WithStore(mem))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	result, err := exec.Start(context.Background(), "completed run")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	before, err := mem.LoadSession(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}

	_, err = exec.Resume(context.Background(), result.SessionID, types.HumanDecision{Decision: types.DecisionApproved})
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}

	after, err := mem.LoadSession(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if after.Status != before.Status || !after.UpdatedAt.Equal(*before.UpdatedAt) {
		t.Fatal("rejected resume must not modify the session")
	}

	_, err = exec.Resume(context.Background(), "missing-session", types.HumanDecision{Decision: types.DecisionApproved})
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestResume_RejectsUnknownDecision(t *testing.T) {
	mem := memory.New()
	exec, err := NewExecutor(gateGraph(), WithStore(mem))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	result, err := exec.Start(context.Background(), "adjust dosing")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.Status != types.StatusSuspended {
		t.Fatalf("expected suspended, got %s", result.Status)
	}

	for _, decision := range []types.Decision{"", "maybe", "APPROVED", "definitely-not-a-decision"} {
		_, err = exec.Resume(context.Background(), result.SessionID, types.HumanDecision{Decision: decision})
		if !errors.Is(err, ErrPrecondition) {
			t.Fatalf("decision %q: expected precondition error, got %v", decision, err)
		}
	}

	record, err := mem.LoadSession(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if record.Status != string(types.StatusSuspended) {
		t.Fatalf("rejected resume must leave the session suspended, got %s", record.Status)
	}

	resumed, err := exec.Resume(context.Background(), result.SessionID, types.HumanDecision{Decision: types.DecisionApproved})
	if err != nil {
		t.Fatalf("resume after rejection: %v", err)
	}
	if resumed.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s", resumed.Status)
	}
}

func TestResume_MissingCheckpointBlocks(t *testing.T) {
	mem := memory.New()
	exec, err := NewExecutor(gateGraph(), WithStore(mem))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	// Suspended session record without any checkpoint behind it.
	now := time.Now().UTC()
	record := store.SessionRecord{
		SessionID: "orphan",
		Status:    string(types.StatusSuspended),
		Query:     "orphaned",
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := mem.SaveSession(context.Background(), record); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = exec.Resume(context.Background(), "orphan", types.HumanDecision{Decision: types.DecisionApproved})
	if err == nil {
		t.Fatal("expected resume to be blocked")
	}
	if KindOf(err) != FailPersistence {
		t.Fatalf("expected persistence failure, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	mem := memory.New()
	exec, err := NewExecutor(gateGraph(), WithStore(mem))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	result, err := exec.Start(context.Background(), "to cancel")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := exec.Cancel(context.Background(), result.SessionID, "patient discharged"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	record, err := mem.LoadSession(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if record.Status != string(types.StatusFailed) {
		t.Fatalf("expected failed, got %s", record.Status)
	}
	if record.FailureKind != string(FailCancelled) {
		t.Fatalf("expected Cancelled kind, got %s", record.FailureKind)
	}

	if err := exec.Cancel(context.Background(), result.SessionID, "again"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error on terminal session, got %v", err)
	}
}

func TestNodeFailure_ClassifiedAndPersisted(t *testing.T) {
	g := New("failing")
	g.AddNode("boom", NodeFunc(func(ctx context.Context, st *session.State) (Outcome, error) {
		return Advance, Fail(FailNotFound, errors.New("patient P404 not found"))
	}))
	g.SetStart("boom")

	mem := memory.New()
	exec, err := NewExecutor(g, WithStore(mem))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	result, err := exec.Start(context.Background(), "lookup")
	if err == nil {
		t.Fatal("expected failure")
	}
	if KindOf(err) != FailNotFound {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	record, loadErr := mem.LoadSession(context.Background(), result.SessionID)
	if loadErr != nil {
		t.Fatalf("load session: %v", loadErr)
	}
	if record.Status != string(types.StatusFailed) {
		t.Fatalf("expected failed, got %s", record.Status)
	}
	if record.FailureKind != string(FailNotFound) {
		t.Fatalf("persisted kind = %s", record.FailureKind)
	}
}

func TestStep_IdempotentFromCheckpoint(t *testing.T) {
	mem := memory.New()
	exec, err := NewExecutor(linearGraph(), WithStore(mem))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	st := session.New("step-session", "stepwise", time.Now().UTC())
	first, err := exec.Step(context.Background(), st, "first", 1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if first.Status != StepContinue || first.NextNode != "second" || first.Seq != 2 {
		t.Fatalf("unexpected step result %+v", first)
	}

	// Re-running the same step from its checkpoint must be a no-op on the
	// checkpoint log and produce the same routing decision.
	replay, err := exec.Step(context.Background(), st, "first", 1)
	if err != nil {
		t.Fatalf("replay step: %v", err)
	}
	if replay.NextNode != first.NextNode || replay.Status != first.Status {
		t.Fatalf("replay diverged: %+v vs %+v", replay, first)
	}
	checkpoints, err := mem.ListCheckpoints(context.Background(), "step-session", 0)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(checkpoints) != 1 {
		t.Fatalf("expected a single checkpoint at seq 1, got %d", len(checkpoints))
	}

	final, err := exec.Step(context.Background(), st, first.NextNode, first.Seq)
	if err != nil {
		t.Fatalf("final step: %v", err)
	}
	if final.Status != StepCompleted {
		t.Fatalf("expected completion, got %+v", final)
	}
}
