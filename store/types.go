package store

import (
	"encoding/json"
	"time"
)

type SessionRecord struct {
	SessionID      string          `json:"sessionId"`
	Status         string          `json:"status"`
	Query          string          `json:"query"`
	PatientID      string          `json:"patientId,omitempty"`
	LastNode       string          `json:"lastNode,omitempty"`
	Recommendation json.RawMessage `json:"recommendation,omitempty"`
	FailureKind    string          `json:"failureKind,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time      `json:"updatedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

type CheckpointRecord struct {
	SessionID string         `json:"sessionId"`
	Seq       int            `json:"seq"`
	NodeID    string         `json:"nodeId"`
	State     map[string]any `json:"state,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
