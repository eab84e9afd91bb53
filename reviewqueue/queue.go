package reviewqueue

import (
	"context"
	"time"
)

// Item is one suspended session waiting for a clinician.
type Item struct {
	SessionID        string    `json:"sessionId"`
	Reason           string    `json:"reason,omitempty"`
	Confidence       float64   `json:"confidence,omitempty"`
	MedicationChange bool      `json:"medicationChange,omitempty"`
	EnqueuedAt       time.Time `json:"enqueuedAt"`
}

type Delivery struct {
	ID       string    `json:"id"`
	Item     Item      `json:"item"`
	Received time.Time `json:"received"`
}

// Queue is the worklist a review dashboard or operator consumes. The
// executor only enqueues; claiming and acking belong to the consumer side.
type Queue interface {
	Enqueue(ctx context.Context, item Item) (string, error)
	Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error)
	Ack(ctx context.Context, consumer string, messageIDs ...string) error
	Len(ctx context.Context) (int64, error)
	Close() error
}
