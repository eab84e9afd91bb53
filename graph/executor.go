package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medigraph/clinagent/observe"
	"github.com/medigraph/clinagent/reviewqueue"
	"github.com/medigraph/clinagent/session"
	"github.com/medigraph/clinagent/store"
	"github.com/medigraph/clinagent/types"
)

// ErrPrecondition marks calls rejected before any side effect: resuming a
// session that is not suspended, cancelling one that already terminated.
var ErrPrecondition = errors.New("graph: precondition failed")

// Step statuses reported by a single executor step.
const (
	StepContinue  = "continue"
	StepSuspended = "suspended"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

type Executor struct {
	graph    *Graph
	store    store.Store
	observer observe.Sink
	queue    reviewqueue.Queue
	now      func() time.Time
}

type ExecutorOption func(*Executor)

func WithStore(s store.Store) ExecutorOption {
	return func(e *Executor) { e.store = s }
}

func WithObserver(sink observe.Sink) ExecutorOption {
	return func(e *Executor) {
		if sink != nil {
			e.observer = sink
		}
	}
}

func WithReviewQueue(q reviewqueue.Queue) ExecutorOption {
	return func(e *Executor) { e.queue = q }
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func NewExecutor(g *Graph, opts ...ExecutorOption) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if err := g.Compile(); err != nil {
		return nil, err
	}
	e := &Executor{
		graph:    g,
		observer: observe.NoopSink{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Result is the terminal outcome of a run segment. Status is one of the
// session statuses: suspended, completed, or failed.
type Result struct {
	SessionID string
	Status    types.Status
	Draft     *types.Recommendation
	Decision  *types.HumanDecision
	NodeTrace []string
}

// StepResult reports one executor step: what to do next and which checkpoint
// sequence the next step should write.
type StepResult struct {
	Status   string
	NextNode string
	Seq      int
}

// Start opens a new session for the query and runs it until it suspends,
// completes, or fails.
func (e *Executor) Start(ctx context.Context, query string) (Result, error) {
	if e == nil || e.graph == nil {
		return Result{}, fmt.Errorf("executor is not initialized")
	}
	if query == "" {
		return Result{}, fmt.Errorf("query is required")
	}

	st := session.New(uuid.NewString(), query, e.now())
	if err := e.persistSession(ctx, st, types.StatusRunning); err != nil {
		return Result{}, Fail(FailPersistence, err)
	}
	e.emit(ctx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindSession,
		Status:    observe.StatusStarted,
		Message:   "session started",
	})

	return e.run(ctx, st, e.graph.StartNodeID(), 1)
}

// Resume continues a suspended session after a clinician decided. The session
// must be in suspended state; anything else is rejected with ErrPrecondition
// and no state is touched. A checkpoint load failure blocks the resume.
func (e *Executor) Resume(ctx context.Context, sessionID string, decision types.HumanDecision) (Result, error) {
	if e == nil || e.graph == nil {
		return Result{}, fmt.Errorf("executor is not initialized")
	}
	if sessionID == "" {
		return Result{}, fmt.Errorf("session id is required")
	}
	if e.store == nil {
		return Result{}, fmt.Errorf("state store is required for resume")
	}
	switch decision.Decision {
	case types.DecisionApproved, types.DecisionEdited, types.DecisionRejected:
	default:
		return Result{}, fmt.Errorf("%w: unknown decision %q (use approved, edited, or rejected)", ErrPrecondition, decision.Decision)
	}

	record, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if record.Status != string(types.StatusSuspended) {
		return Result{}, fmt.Errorf("%w: session %s is %s, not suspended", ErrPrecondition, sessionID, record.Status)
	}

	checkpoint, err := e.store.LoadLatestCheckpoint(ctx, sessionID)
	if err != nil {
		return Result{}, Fail(FailPersistence, fmt.Errorf("cannot resume session %s: %w", sessionID, err))
	}

	st, nextNodeID, err := session.Restore(checkpoint.State)
	if err != nil {
		return Result{}, Fail(FailPersistence, fmt.Errorf("cannot resume session %s: %w", sessionID, err))
	}
	if nextNodeID == "" {
		nextNodeID = st.LastNode
	}
	if nextNodeID == "" {
		return Result{}, Fail(FailPersistence, fmt.Errorf("checkpoint for session %s has no resume node", sessionID))
	}

	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = e.now()
	}
	st.HumanDecision = &decision
	st.UpdatedAt = e.now()

	if err := e.persistSession(ctx, st, types.StatusRunning); err != nil {
		return Result{}, Fail(FailPersistence, err)
	}
	e.emit(ctx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindSession,
		Status:    observe.StatusStarted,
		Message:   "session resumed",
		Attributes: map[string]any{
			"decision": string(decision.Decision),
			"node":     nextNodeID,
		},
	})

	return e.run(ctx, st, nextNodeID, checkpoint.Seq+1)
}

// Cancel fails a non-terminal session with a Cancelled failure. Terminal
// sessions are left untouched.
func (e *Executor) Cancel(ctx context.Context, sessionID, reason string) error {
	if e == nil || e.store == nil {
		return fmt.Errorf("state store is required for cancel")
	}
	record, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch record.Status {
	case string(types.StatusCompleted), string(types.StatusFailed):
		return fmt.Errorf("%w: session %s already %s", ErrPrecondition, sessionID, record.Status)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	now := e.now()
	record.Status = string(types.StatusFailed)
	record.FailureKind = string(FailCancelled)
	record.Error = reason
	record.UpdatedAt = &now
	record.CompletedAt = &now
	if err := e.store.SaveSession(ctx, record); err != nil {
		return Fail(FailPersistence, err)
	}
	e.emit(ctx, observe.Event{
		SessionID: sessionID,
		Kind:      observe.KindSession,
		Status:    observe.StatusFailed,
		Message:   "session cancelled",
		Error:     reason,
	})
	return nil
}

func (e *Executor) run(ctx context.Context, st *session.State, startNodeID string, seq int) (Result, error) {
	trace := []string{}
	current := startNodeID
	for current != "" {
		if err := ctx.Err(); err != nil {
			cancelErr := Fail(FailCancelled, err)
			e.markFailed(ctx, st, cancelErr)
			return e.result(st, types.StatusFailed, trace), cancelErr
		}

		step, err := e.Step(ctx, st, current, seq)
		if err != nil {
			return e.result(st, types.StatusFailed, trace), err
		}
		trace = append(trace, current)
		seq = step.Seq

		switch step.Status {
		case StepSuspended:
			return e.result(st, types.StatusSuspended, trace), nil
		case StepCompleted:
			return e.result(st, types.StatusCompleted, trace), nil
		}
		current = step.NextNode
	}
	return e.result(st, types.StatusCompleted, trace), nil
}

// Step executes a single node, routes, checkpoints, and persists the session.
// It is safe to re-run a step from its checkpoint: the seq conflict on the
// second write is tolerated, so a crash between checkpoint and session write
// replays without duplicating history.
func (e *Executor) Step(ctx context.Context, st *session.State, nodeID string, seq int) (StepResult, error) {
	if e == nil || e.graph == nil {
		return StepResult{}, fmt.Errorf("executor is not initialized")
	}
	node, ok := e.graph.nodes[nodeID]
	if !ok {
		err := Fail(FailNode, fmt.Errorf("node %q does not exist", nodeID))
		e.markFailed(ctx, st, err)
		return StepResult{Status: StepFailed, Seq: seq}, err
	}

	started := e.now()
	e.emit(ctx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindNode,
		Status:    observe.StatusStarted,
		Node:      nodeID,
	})

	outcome, nodeErr := node.Execute(ctx, st)
	st.LastNode = nodeID
	st.UpdatedAt = e.now()

	if nodeErr != nil {
		failure := nodeErr
		if KindOf(nodeErr) == FailNode {
			failure = Fail(FailNode, fmt.Errorf("node %q failed: %w", nodeID, nodeErr))
		}
		e.emit(ctx, observe.Event{
			SessionID:  st.SessionID,
			Kind:       observe.KindNode,
			Status:     observe.StatusFailed,
			Node:       nodeID,
			Error:      nodeErr.Error(),
			DurationMs: e.now().Sub(started).Milliseconds(),
		})
		e.markFailed(ctx, st, failure)
		return StepResult{Status: StepFailed, Seq: seq}, failure
	}

	var next string
	var status string
	switch outcome {
	case Suspend:
		// The checkpoint points back at the suspending node so a resume
		// re-executes it with the clinician's decision in state.
		next = nodeID
		status = StepSuspended
	case Complete:
		next = ""
		status = StepCompleted
	default:
		next = e.graph.Next(nodeID, st)
		if next == "" {
			status = StepCompleted
		} else {
			status = StepContinue
		}
	}

	if err := e.persistCheckpoint(ctx, st, seq, nodeID, next); err != nil {
		failure := Fail(FailPersistence, err)
		e.markFailed(ctx, st, failure)
		return StepResult{Status: StepFailed, Seq: seq}, failure
	}

	e.emit(ctx, observe.Event{
		SessionID:  st.SessionID,
		Kind:       observe.KindNode,
		Status:     observe.StatusCompleted,
		Node:       nodeID,
		DurationMs: e.now().Sub(started).Milliseconds(),
	})

	switch status {
	case StepSuspended:
		if err := e.persistSession(ctx, st, types.StatusSuspended); err != nil {
			failure := Fail(FailPersistence, err)
			e.markFailed(ctx, st, failure)
			return StepResult{Status: StepFailed, Seq: seq + 1}, failure
		}
		e.enqueueReview(ctx, st)
		e.emit(ctx, observe.Event{
			SessionID: st.SessionID,
			Kind:      observe.KindSession,
			Status:    observe.StatusSuspended,
			Node:      nodeID,
			Message:   "session suspended for human review",
		})
	case StepCompleted:
		if err := e.persistSession(ctx, st, types.StatusCompleted); err != nil {
			failure := Fail(FailPersistence, err)
			e.markFailed(ctx, st, failure)
			return StepResult{Status: StepFailed, Seq: seq + 1}, failure
		}
		e.emit(ctx, observe.Event{
			SessionID: st.SessionID,
			Kind:      observe.KindSession,
			Status:    observe.StatusCompleted,
			Message:   "session completed",
		})
	default:
		if err := e.persistSession(ctx, st, types.StatusRunning); err != nil {
			failure := Fail(FailPersistence, err)
			e.markFailed(ctx, st, failure)
			return StepResult{Status: StepFailed, Seq: seq + 1}, failure
		}
	}

	return StepResult{Status: status, NextNode: next, Seq: seq + 1}, nil
}

func (e *Executor) result(st *session.State, status types.Status, trace []string) Result {
	return Result{
		SessionID: st.SessionID,
		Status:    status,
		Draft:     st.Draft,
		Decision:  st.HumanDecision,
		NodeTrace: trace,
	}
}

func (e *Executor) persistCheckpoint(ctx context.Context, st *session.State, seq int, nodeID, nextNodeID string) error {
	if e.store == nil {
		return nil
	}
	snapshot, err := st.Snapshot(nextNodeID)
	if err != nil {
		return err
	}
	err = e.store.SaveCheckpoint(ctx, store.CheckpointRecord{
		SessionID: st.SessionID,
		Seq:       seq,
		NodeID:    nodeID,
		State:     snapshot,
		CreatedAt: e.now(),
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	if err == nil {
		e.emit(ctx, observe.Event{
			SessionID: st.SessionID,
			Kind:      observe.KindCheckpoint,
			Status:    observe.StatusCompleted,
			Node:      nodeID,
			Attributes: map[string]any{
				"seq":        seq,
				"nextNodeId": nextNodeID,
			},
		})
	}
	return nil
}

func (e *Executor) persistSession(ctx context.Context, st *session.State, status types.Status) error {
	if e.store == nil {
		return nil
	}
	now := e.now()
	createdAt := st.StartedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	record := store.SessionRecord{
		SessionID:   st.SessionID,
		Status:      string(status),
		Query:       st.Query,
		PatientID:   st.PatientID,
		LastNode:    st.LastNode,
		FailureKind: st.FailureKind,
		Error:       st.FailureMessage,
		CreatedAt:   &createdAt,
		UpdatedAt:   &updatedAt,
	}
	if status == types.StatusCompleted || status == types.StatusFailed {
		completedAt := updatedAt
		record.CompletedAt = &completedAt
	}
	if st.Draft != nil {
		raw, err := json.Marshal(st.Draft)
		if err != nil {
			return fmt.Errorf("failed to encode recommendation: %w", err)
		}
		record.Recommendation = raw
	}
	return e.store.SaveSession(ctx, record)
}

func (e *Executor) markFailed(ctx context.Context, st *session.State, failure error) {
	st.FailureKind = string(KindOf(failure))
	st.FailureMessage = failure.Error()
	st.UpdatedAt = e.now()
	_ = e.persistSession(ctx, st, types.StatusFailed)
	e.emit(ctx, observe.Event{
		SessionID: st.SessionID,
		Kind:      observe.KindSession,
		Status:    observe.StatusFailed,
		Error:     failure.Error(),
		Attributes: map[string]any{
			"failureKind": st.FailureKind,
		},
	})
}

func (e *Executor) enqueueReview(ctx context.Context, st *session.State) {
	if e.queue == nil {
		return
	}
	item := reviewqueue.Item{
		SessionID:  st.SessionID,
		EnqueuedAt: e.now(),
	}
	if st.Draft != nil {
		item.Confidence = st.Draft.Confidence
		item.MedicationChange = st.Draft.MedicationChange
		switch {
		case st.Draft.MedicationChange:
			item.Reason = "medication change requires sign-off"
		default:
			item.Reason = "confidence below threshold"
		}
	}
	if st.ManualReview {
		item.Reason = "degraded run flagged for manual review"
	}
	if _, err := e.queue.Enqueue(ctx, item); err != nil {
		e.emit(ctx, observe.Event{
			SessionID: st.SessionID,
			Kind:      observe.KindCustom,
			Status:    observe.StatusFailed,
			Name:      "review_enqueue",
			Error:     err.Error(),
		})
	}
}

func (e *Executor) emit(ctx context.Context, event observe.Event) {
	if e == nil || e.observer == nil {
		return
	}
	event.Timestamp = e.now()
	_ = e.observer.Emit(ctx, event)
}
