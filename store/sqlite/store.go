package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/medigraph/clinagent/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveSession(ctx context.Context, record store.SessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if record.Status == "" {
		record.Status = "running"
	}
	now := time.Now().UTC()
	if record.CreatedAt == nil {
		record.CreatedAt = &now
	}
	if record.UpdatedAt == nil {
		record.UpdatedAt = &now
	}

	const q = `
INSERT INTO sessions (
  session_id, status, query, patient_id, last_node, recommendation, failure_kind, error, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  status=excluded.status,
  query=excluded.query,
  patient_id=excluded.patient_id,
  last_node=excluded.last_node,
  recommendation=excluded.recommendation,
  failure_kind=excluded.failure_kind,
  error=excluded.error,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		record.SessionID,
		record.Status,
		record.Query,
		record.PatientID,
		record.LastNode,
		nullIfEmptyJSON(record.Recommendation),
		record.FailureKind,
		record.Error,
		toNullableTime(record.CreatedAt),
		toNullableTime(record.UpdatedAt),
		toNullableTime(record.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return store.SessionRecord{}, fmt.Errorf("session_id is required")
	}

	const q = `
SELECT session_id, status, query, patient_id, last_node, recommendation, failure_kind, error, created_at, updated_at, completed_at
FROM sessions
WHERE session_id = ?;
`
	row := s.db.QueryRowContext(ctx, q, sessionID)
	record, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.SessionRecord{}, store.ErrNotFound
		}
		return store.SessionRecord{}, fmt.Errorf("failed to load session: %w", err)
	}
	return record, nil
}

func (s *Store) ListSessions(ctx context.Context, query store.ListSessionsQuery) ([]store.SessionRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	sqlText := `
SELECT session_id, status, query, patient_id, last_node, recommendation, failure_kind, error, created_at, updated_at, completed_at
FROM sessions
`
	var args []any
	if query.Status != "" {
		sqlText += " WHERE status = ?"
		args = append(args, query.Status)
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]store.SessionRecord, 0, limit)
	for rows.Next() {
		record, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint store.CheckpointRecord) error {
	if checkpoint.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if checkpoint.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	if checkpoint.NodeID == "" {
		checkpoint.NodeID = "unknown"
	}
	if checkpoint.State == nil {
		checkpoint.State = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	stateRaw, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	const q = `
INSERT INTO checkpoints (session_id, seq, node_id, state, created_at)
VALUES (?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		checkpoint.SessionID,
		checkpoint.Seq,
		checkpoint.NodeID,
		string(stateRaw),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, sessionID string) (store.CheckpointRecord, error) {
	if sessionID == "" {
		return store.CheckpointRecord{}, fmt.Errorf("session_id is required")
	}

	const q = `
SELECT session_id, seq, node_id, state, created_at
FROM checkpoints
WHERE session_id = ?
ORDER BY seq DESC
LIMIT 1;
`
	var (
		record       store.CheckpointRecord
		stateRaw     string
		createdAtRaw string
	)
	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(
		&record.SessionID,
		&record.Seq,
		&record.NodeID,
		&stateRaw,
		&createdAtRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.CheckpointRecord{}, store.ErrNotFound
		}
		return store.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	record.CreatedAt, err = parseRequiredTime(createdAtRaw)
	if err != nil {
		return store.CheckpointRecord{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(stateRaw), &record.State); err != nil {
		return store.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return record, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]store.CheckpointRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT session_id, seq, node_id, state, created_at
FROM checkpoints
WHERE session_id = ?
ORDER BY seq DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]store.CheckpointRecord, 0, limit)
	for rows.Next() {
		var (
			record       store.CheckpointRecord
			stateRaw     string
			createdAtRaw string
		)
		if err := rows.Scan(
			&record.SessionID,
			&record.Seq,
			&record.NodeID,
			&stateRaw,
			&createdAtRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		record.CreatedAt, err = parseRequiredTime(createdAtRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint time: %w", err)
		}
		if err := json.Unmarshal([]byte(stateRaw), &record.State); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSession(scan func(dest ...any) error) (store.SessionRecord, error) {
	var (
		record       store.SessionRecord
		recRaw       sql.NullString
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := scan(
		&record.SessionID,
		&record.Status,
		&record.Query,
		&record.PatientID,
		&record.LastNode,
		&recRaw,
		&record.FailureKind,
		&record.Error,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return store.SessionRecord{}, err
	}
	if recRaw.Valid && strings.TrimSpace(recRaw.String) != "" && recRaw.String != "null" {
		record.Recommendation = json.RawMessage(recRaw.String)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("failed to parse session created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("failed to parse session updated_at: %w", err)
	}
	record.CreatedAt = &created
	record.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return store.SessionRecord{}, fmt.Errorf("failed to parse session completed_at: %w", err)
		}
		record.CompletedAt = &completed
	}
	return record, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmptyJSON(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
