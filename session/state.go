package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medigraph/clinagent/types"
)

var (
	// ErrPatientBound is returned when a node tries to rebind the patient
	// identifier or record after it has been set.
	ErrPatientBound = errors.New("session: patient already bound")
)

// State is the payload threaded through the graph for one session. The
// patient identifier and record are set once; the evidence and invocation
// sequences only ever grow, so the stored state doubles as the audit trail.
type State struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
	Intent    string `json:"intent,omitempty"`

	PatientID string               `json:"patientId,omitempty"`
	Patient   *types.PatientBundle `json:"patient,omitempty"`

	Evidence      []types.EvidenceBatch `json:"evidence,omitempty"`
	GradeVerdict  types.Verdict         `json:"gradeVerdict,omitempty"`
	GradeAttempts int                   `json:"gradeAttempts"`
	BestEffort    bool                  `json:"bestEffort,omitempty"`

	Invocations         []types.ToolInvocation `json:"invocations,omitempty"`
	ToolCalls           int                    `json:"toolCalls"`
	PendingTool         *types.ToolRequest     `json:"pendingTool,omitempty"`
	ToolBudgetExhausted bool                   `json:"toolBudgetExhausted,omitempty"`

	Draft          *types.Recommendation `json:"draft,omitempty"`
	Conflicts      []string              `json:"conflicts,omitempty"`
	ConflictOpen   bool                  `json:"conflictOpen,omitempty"`
	CritiquePasses int                   `json:"critiquePasses"`
	ManualReview   bool                  `json:"manualReview,omitempty"`

	HumanDecision *types.HumanDecision `json:"humanDecision,omitempty"`

	LastNode       string `json:"lastNode,omitempty"`
	FailureKind    string `json:"failureKind,omitempty"`
	FailureMessage string `json:"failureMessage,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func New(sessionID, query string, now time.Time) *State {
	return &State{
		SessionID: sessionID,
		Query:     query,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// BindPatient sets the resolved patient identifier. It may be called once;
// a second call with a different id is an invariant violation.
func (s *State) BindPatient(patientID string) error {
	if patientID == "" {
		return fmt.Errorf("session: patient id is required")
	}
	if s.PatientID != "" && s.PatientID != patientID {
		return ErrPatientBound
	}
	s.PatientID = patientID
	return nil
}

// AttachRecord stores the fetched record snapshot. The snapshot is immutable
// for the session; re-fetching is a new session.
func (s *State) AttachRecord(bundle types.PatientBundle) error {
	if s.Patient != nil {
		return ErrPatientBound
	}
	copied := bundle
	s.Patient = &copied
	return nil
}

func (s *State) AppendEvidence(batch types.EvidenceBatch) {
	s.Evidence = append(s.Evidence, batch)
}

func (s *State) RecordInvocation(inv types.ToolInvocation) {
	s.Invocations = append(s.Invocations, inv)
}

// LatestEvidence returns the most recent batch, or nil before the first
// retrieval pass.
func (s *State) LatestEvidence() *types.EvidenceBatch {
	if len(s.Evidence) == 0 {
		return nil
	}
	return &s.Evidence[len(s.Evidence)-1]
}

type checkpointSnapshot struct {
	State      *State `json:"state"`
	NextNodeID string `json:"nextNodeId,omitempty"`
}

// Snapshot serializes the state plus the node to execute next into the
// map form the checkpoint store persists.
func (s *State) Snapshot(nextNodeID string) (map[string]any, error) {
	payload := checkpointSnapshot{State: s, NextNodeID: nextNodeID}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint snapshot: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint snapshot map: %w", err)
	}
	return out, nil
}

// Restore rebuilds a State from a stored checkpoint snapshot and returns the
// node id execution should continue from.
func Restore(raw map[string]any) (*State, string, error) {
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("checkpoint state is empty")
	}
	payloadRaw, err := json.Marshal(raw)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	var snapshot checkpointSnapshot
	if err := json.Unmarshal(payloadRaw, &snapshot); err != nil {
		return nil, "", fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	if snapshot.State == nil {
		return nil, "", fmt.Errorf("checkpoint state is missing")
	}
	return snapshot.State, snapshot.NextNodeID, nil
}
