package reviewqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "clinagent:review"
	defaultGroup  = "reviewers"
)

// RedisQueue backs the review worklist with a redis stream and a consumer
// group, so multiple dashboard workers can claim suspended sessions without
// double-delivery.
type RedisQueue struct {
	client   *goredis.Client
	addr     string
	password string
	db       int
	prefix   string
	group    string
	stream   string
}

type RedisOption func(*RedisQueue)

func WithClient(client *goredis.Client) RedisOption {
	return func(q *RedisQueue) {
		if client != nil {
			q.client = client
		}
	}
}

func WithPrefix(prefix string) RedisOption {
	return func(q *RedisQueue) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

func WithGroup(group string) RedisOption {
	return func(q *RedisQueue) {
		group = strings.TrimSpace(group)
		if group != "" {
			q.group = group
		}
	}
}

func WithPassword(password string) RedisOption {
	return func(q *RedisQueue) { q.password = password }
}

func WithDB(db int) RedisOption {
	return func(q *RedisQueue) { q.db = db }
}

func NewRedis(addr string, opts ...RedisOption) (*RedisQueue, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	q := &RedisQueue{
		addr:   addr,
		prefix: defaultPrefix,
		group:  defaultGroup,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.client == nil {
		q.client = goredis.NewClient(&goredis.Options{Addr: q.addr, Password: q.password, DB: q.db})
	}
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q.stream = q.prefix + ":pending"
	if err := q.ensureGroup(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	res := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0")
	if err := res.Err(); err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return fmt.Errorf("failed to ensure review stream group: %w", err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, item Item) (string, error) {
	if item.SessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to marshal review item: %w", err)
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue review item: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if count <= 0 {
		count = 1
	}
	if block < 0 {
		block = 0
	}
	res, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return []Delivery{}, nil
		}
		return nil, fmt.Errorf("failed to claim review items: %w", err)
	}
	out := make([]Delivery, 0, count)
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, _ := msg.Values["payload"].(string)
			if payload == "" {
				continue
			}
			var item Item
			if err := json.Unmarshal([]byte(payload), &item); err != nil {
				_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
				continue
			}
			out = append(out, Delivery{
				ID:       msg.ID,
				Item:     item,
				Received: time.Now().UTC(),
			})
		}
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, consumer string, messageIDs ...string) error {
	_ = consumer
	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.stream, q.group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack review item: %w", err)
	}
	_ = q.client.XDel(ctx, q.stream, ids...).Err()
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read review queue length: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
