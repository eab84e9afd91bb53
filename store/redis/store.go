package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/medigraph/clinagent/store"
)

const (
	defaultTTL    = 30 * 24 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "clinagent"
)

// Store keeps sessions and checkpoints in redis. Suspended sessions can wait
// on a clinician for days, so the default TTL is generous; deployments with a
// retention policy tune it down.
type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *Store) SaveSession(ctx context.Context, record store.SessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt == nil {
		record.CreatedAt = &now
	}
	if record.UpdatedAt == nil {
		record.UpdatedAt = &now
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(record.SessionID), string(raw), s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), goredis.Z{
		Score:  float64(record.UpdatedAt.Unix()),
		Member: record.SessionID,
	})
	pipe.Expire(ctx, s.indexKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	if sessionID == "" {
		return store.SessionRecord{}, fmt.Errorf("session_id is required")
	}

	raw, err := s.client.Get(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return store.SessionRecord{}, store.ErrNotFound
		}
		return store.SessionRecord{}, fmt.Errorf("failed to load session from redis: %w", err)
	}

	var record store.SessionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return store.SessionRecord{}, fmt.Errorf("failed to decode session from redis: %w", err)
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

	// Status is filtered after decode; the index orders by update time only.
	fetch := offset + limit
	if query.Status != "" {
		fetch = offset + limit*4
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(fetch-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}

	out := make([]store.SessionRecord, 0, limit)
	skipped := 0
	for _, id := range ids {
		record, err := s.LoadSession(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		if query.Status != "" && record.Status != query.Status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, record)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint store.CheckpointRecord) error {
	if checkpoint.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if checkpoint.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	key := s.checkpointKey(checkpoint.SessionID)
	added, err := s.client.ZAddNX(ctx, key, goredis.Z{
		Score:  float64(checkpoint.Seq),
		Member: string(raw),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	if added == 0 {
		// A member with this exact payload already exists; distinct payloads
		// at the same seq are caught by the range check below.
		return store.ErrConflict
	}
	existing, err := s.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: fmt.Sprintf("%d", checkpoint.Seq),
		Max: fmt.Sprintf("%d", checkpoint.Seq),
	}).Result()
	if err == nil && len(existing) > 1 {
		_ = s.client.ZRem(ctx, key, string(raw)).Err()
		return store.ErrConflict
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh checkpoint ttl: %w", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, sessionID string) (store.CheckpointRecord, error) {
	if sessionID == "" {
		return store.CheckpointRecord{}, fmt.Errorf("session_id is required")
	}

	values, err := s.client.ZRevRange(ctx, s.checkpointKey(sessionID), 0, 0).Result()
	if err != nil {
		return store.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if len(values) == 0 {
		return store.CheckpointRecord{}, store.ErrNotFound
	}

	var record store.CheckpointRecord
	if err := json.Unmarshal([]byte(values[0]), &record); err != nil {
		return store.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint: %w", err)
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

	values, err := s.client.ZRevRange(ctx, s.checkpointKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]store.CheckpointRecord, 0, len(values))
	for _, value := range values {
		var record store.CheckpointRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}

func (s *Store) indexKey() string {
	return s.prefix + ":sessions"
}

func (s *Store) checkpointKey(sessionID string) string {
	return s.prefix + ":checkpoints:" + sessionID
}
