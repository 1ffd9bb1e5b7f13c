package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldstack/blueprint/core"
	goredis "github.com/go-redis/redis/v8"
)

// RedisStore persists pending decisions across process restarts. Grounded
// directly on orchestration.RedisCheckpointStore (hitl_checkpoint_store.go):
// one key per pending decision plus a sorted-set index (there: a Redis Set
// keyed "{prefix}:pending"; here a sorted set scored by expiry so the
// expiry processor can range-scan due decisions without a full SCAN),
// using the same core.RedisClient namespacing/DB-isolation wrapper the
// teacher's store builds on.
type RedisStore struct {
	client    *core.RedisClient
	namespace string
	keyPrefix string
	ttl       time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisKeyPrefix overrides the default "decision" key prefix.
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(r *RedisStore) { r.keyPrefix = prefix }
}

// WithRedisTTL overrides the default key TTL (1h, generously above any
// sane per-decision timeout).
func WithRedisTTL(ttl time.Duration) RedisStoreOption {
	return func(r *RedisStore) { r.ttl = ttl }
}

// NewRedisStore creates a RedisStore backed by redisURL.
func NewRedisStore(redisURL string, logger core.Logger, opts ...RedisStoreOption) (*RedisStore, error) {
	namespace := "blueprint:orchestrator:decision"
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		DB:        core.RedisDBSessions,
		Namespace: namespace,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("new decision redis store: %w", err)
	}
	r := &RedisStore{client: client, namespace: namespace, keyPrefix: "decision", ttl: time.Hour}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// formatKey replicates core.RedisClient's private namespacing so the raw
// pipeliner (which bypasses the wrapper) addresses the same keyspace.
func (r *RedisStore) formatKey(key string) string {
	return fmt.Sprintf("%s:%s", r.namespace, key)
}

func (r *RedisStore) reqKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", r.keyPrefix, sessionID)
}

func (r *RedisStore) pendingKey() string {
	return fmt.Sprintf("%s:pending", r.keyPrefix)
}

// Save implements decision.Store.
func (r *RedisStore) Save(ctx context.Context, req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("redis store save: %w", err)
	}
	if err := r.client.Set(ctx, r.reqKey(req.SessionID), string(payload), r.ttl); err != nil {
		return fmt.Errorf("redis store save: %w", err)
	}
	return r.client.ZAdd(ctx, r.pendingKey(), &goredis.Z{
		Score:  float64(req.ExpiresAt.Unix()),
		Member: req.SessionID,
	})
}

// Load implements decision.Store.
func (r *RedisStore) Load(ctx context.Context, sessionID string) (*Request, error) {
	raw, err := r.client.Get(ctx, r.reqKey(sessionID))
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis store load: %w", err)
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("redis store load: %w", err)
	}
	return &req, nil
}

// Delete implements decision.Store.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.reqKey(sessionID)); err != nil {
		return fmt.Errorf("redis store delete: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, r.formatKey(r.pendingKey()), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store delete: %w", err)
	}
	return nil
}

// ListPending implements decision.Store by loading every session named in
// the pending index. Grounded on the teacher's
// CheckpointStore.ListPendingCheckpoints, generalized here to scan by
// expiry score via a sorted set instead of a plain Redis Set, so the
// expiry processor's scan is naturally ordered by due time.
func (r *RedisStore) ListPending(ctx context.Context) ([]*Request, error) {
	pipe := r.client.Pipeline()
	cmd := pipe.ZRangeByScore(ctx, r.formatKey(r.pendingKey()), &goredis.ZRangeBy{Min: "-inf", Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("redis store list pending: %w", err)
	}
	sessionIDs, err := cmd.Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("redis store list pending: %w", err)
	}

	out := make([]*Request, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		req, err := r.Load(ctx, sid)
		if err != nil || req == nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Close releases the underlying Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
