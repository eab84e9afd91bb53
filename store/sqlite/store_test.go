package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/medigraph/clinagent/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadSession_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSession(ctx, store.SessionRecord{
		SessionID: "sess-1",
		Status:    "running",
		Query:     "Review patient P1",
		PatientID: "P1",
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	completed := time.Now().UTC()
	if err := s.SaveSession(ctx, store.SessionRecord{
		SessionID:      "sess-1",
		Status:         "completed",
		Query:          "Review patient P1",
		PatientID:      "P1",
		LastNode:       "hitl_gate",
		Recommendation: []byte(`{"plan":"add thiazide diuretic"}`),
		CompletedAt:    &completed,
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	record, err := s.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if record.Status != "completed" || record.LastNode != "hitl_gate" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if string(record.Recommendation) != `{"plan":"add thiazide diuretic"}` {
		t.Fatalf("recommendation not persisted: %s", record.Recommendation)
	}
	if record.CompletedAt == nil {
		t.Fatalf("completed_at not persisted")
	}
}

func TestLoadSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadSession(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessions_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"running", "suspended", "suspended"} {
		if err := s.SaveSession(ctx, store.SessionRecord{
			SessionID: string(rune('a' + i)),
			Status:    status,
			Query:     "q",
		}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	suspended, err := s.ListSessions(ctx, store.ListSessionsQuery{Status: "suspended"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(suspended) != 2 {
		t.Fatalf("expected 2 suspended sessions, got %d", len(suspended))
	}
}

func TestCheckpoints_SeqConflictAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for seq := 1; seq <= 3; seq++ {
		err := s.SaveCheckpoint(ctx, store.CheckpointRecord{
			SessionID: "sess-1",
			Seq:       seq,
			NodeID:    "grade",
			State:     map[string]any{"seq": seq},
		})
		if err != nil {
			t.Fatalf("save checkpoint %d failed: %v", seq, err)
		}
	}

	err := s.SaveCheckpoint(ctx, store.CheckpointRecord{
		SessionID: "sess-1",
		Seq:       2,
		NodeID:    "grade",
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate seq, got %v", err)
	}

	latest, err := s.LoadLatestCheckpoint(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load latest failed: %v", err)
	}
	if latest.Seq != 3 {
		t.Fatalf("expected latest seq 3, got %d", latest.Seq)
	}

	all, err := s.ListCheckpoints(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list checkpoints failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(all))
	}
}

func TestLoadLatestCheckpoint_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadLatestCheckpoint(context.Background(), "none"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
