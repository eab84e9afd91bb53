package memory

import (
	"context"
	"sync"

	"github.com/medigraph/clinagent/store"
)

// Store keeps sessions and checkpoints in process memory. It backs tests and
// single-shot CLI runs that do not need durability.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]store.SessionRecord
	checkpoints map[string][]store.CheckpointRecord
}

func New() *Store {
	return &Store{
		sessions:    map[string]store.SessionRecord{},
		checkpoints: map[string][]store.CheckpointRecord{},
	}
}

func (m *Store) SaveSession(ctx context.Context, record store.SessionRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[record.SessionID] = record
	return nil
}

func (m *Store) LoadSession(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sessions[sessionID]
	if !ok {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return record, nil
}

func (m *Store) ListSessions(ctx context.Context, query store.ListSessionsQuery) ([]store.SessionRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.SessionRecord, 0, len(m.sessions))
	for _, record := range m.sessions {
		if query.Status != "" && record.Status != query.Status {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (m *Store) SaveCheckpoint(ctx context.Context, checkpoint store.CheckpointRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.checkpoints[checkpoint.SessionID]
	for _, e := range existing {
		if e.Seq == checkpoint.Seq {
			return store.ErrConflict
		}
	}
	m.checkpoints[checkpoint.SessionID] = append(existing, checkpoint)
	return nil
}

func (m *Store) LoadLatestCheckpoint(ctx context.Context, sessionID string) (store.CheckpointRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.checkpoints[sessionID]
	if len(items) == 0 {
		return store.CheckpointRecord{}, store.ErrNotFound
	}
	latest := items[0]
	for i := 1; i < len(items); i++ {
		if items[i].Seq > latest.Seq {
			latest = items[i]
		}
	}
	return latest, nil
}

func (m *Store) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]store.CheckpointRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	items := append([]store.CheckpointRecord(nil), m.checkpoints[sessionID]...)
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (m *Store) Close() error { return nil }
