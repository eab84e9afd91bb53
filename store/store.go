package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

type ListSessionsQuery struct {
	Status string
	Limit  int
	Offset int
}

// Store persists session records and checkpoints. Implementations must make
// SaveSession and SaveCheckpoint atomic per key so concurrent sessions never
// observe each other's partial writes.
type Store interface {
	SaveSession(ctx context.Context, record SessionRecord) error
	LoadSession(ctx context.Context, sessionID string) (SessionRecord, error)
	ListSessions(ctx context.Context, query ListSessionsQuery) ([]SessionRecord, error)

	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error
	LoadLatestCheckpoint(ctx context.Context, sessionID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]CheckpointRecord, error)

	Close() error
}
