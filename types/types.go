package types

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Verdict is the grader's judgement of the most recent evidence batch.
type Verdict string

const (
	VerdictUnset        Verdict = ""
	VerdictSufficient   Verdict = "sufficient"
	VerdictInsufficient Verdict = "insufficient"
)

// Decision is the clinician's answer to a suspended session.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionEdited   Decision = "edited"
	DecisionRejected Decision = "rejected"
)

type EvidenceSnippet struct {
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// EvidenceBatch is one retrieval pass. Batches accumulate across grading
// iterations; earlier batches are never rewritten.
type EvidenceBatch struct {
	Query       string            `json:"query"`
	Snippets    []EvidenceSnippet `json:"snippets,omitempty"`
	Verdict     Verdict           `json:"verdict,omitempty"`
	Feedback    string            `json:"feedback,omitempty"`
	RetrievedAt time.Time         `json:"retrievedAt"`
}

// ToolInvocation is one audited capability call, recorded whether or not it
// succeeded.
type ToolInvocation struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// PatientBundle is the session's immutable snapshot of the clinical record.
type PatientBundle struct {
	PatientID    string    `json:"patientId"`
	Demographics string    `json:"demographics,omitempty"`
	Labs         string    `json:"labs,omitempty"`
	Medications  string    `json:"medications,omitempty"`
	Conditions   string    `json:"conditions,omitempty"`
	Allergies    string    `json:"allergies,omitempty"`
	FetchedAt    time.Time `json:"fetchedAt"`
}

type Recommendation struct {
	Assessment       string   `json:"assessment"`
	Plan             string   `json:"plan"`
	Citations        []string `json:"citations,omitempty"`
	MedicationChange bool     `json:"medicationChange"`
	Confidence       float64  `json:"confidence"`
}

// ToolRequest is a capability call the reasoning step asked for.
type ToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type HumanDecision struct {
	Decision   Decision  `json:"decision"`
	EditedPlan string    `json:"editedPlan,omitempty"`
	Reviewer   string    `json:"reviewer,omitempty"`
	Note       string    `json:"note,omitempty"`
	DecidedAt  time.Time `json:"decidedAt"`
}
