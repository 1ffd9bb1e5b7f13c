package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldstack/blueprint/core"
)

// RedisSink is the optional persistence collaborator of spec §6.5: a
// read-through replica of AppState that receives every mutation diff.
// The core orchestrator never depends on it for correctness within a run.
//
// Grounded on the teacher's orchestration.RedisStateStore (workflow_state.go),
// generalized from one key per execution id to one snapshot key per
// session, using the same core.RedisClient wrapper the
// teacher uses for namespacing and DB isolation.
type RedisSink struct {
	client    *core.RedisClient
	store     *Store
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisSinkOption configures a RedisSink.
type RedisSinkOption func(*RedisSink)

// WithRedisSinkLogger overrides the sink's logger.
func WithRedisSinkLogger(l core.Logger) RedisSinkOption {
	return func(r *RedisSink) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRedisSinkTTL overrides the default snapshot TTL (24h).
func WithRedisSinkTTL(ttl time.Duration) RedisSinkOption {
	return func(r *RedisSink) { r.ttl = ttl }
}

// NewRedisSink creates a RedisSink backed by redisURL, mirroring
// snapshots read from store whenever RecordDiff fires.
func NewRedisSink(redisURL string, store *Store, opts ...RedisSinkOption) (*RedisSink, error) {
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		DB:        core.RedisDBSessions,
		Namespace: "blueprint:orchestrator:state",
	})
	if err != nil {
		return nil, fmt.Errorf("new redis sink: %w", err)
	}
	r := &RedisSink{
		client:    client,
		store:     store,
		keyPrefix: "session",
		ttl:       24 * time.Hour,
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RecordDiff implements state.Sink. It re-reads the current snapshot from
// the store (diffs themselves are not self-contained enough to replay) and
// persists it under the session's key; the diff itself is not stored.
func (r *RedisSink) RecordDiff(diff Diff) {
	snapshot, err := r.store.Read(diff.SessionID)
	if err != nil {
		r.logger.Warn("redis sink: snapshot read failed", map[string]interface{}{
			"session_id": diff.SessionID, "error": err.Error(),
		})
		return
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		r.logger.Warn("redis sink: marshal failed", map[string]interface{}{
			"session_id": diff.SessionID, "error": err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := fmt.Sprintf("%s:%s", r.keyPrefix, diff.SessionID)
	if err := r.client.Set(ctx, key, string(payload), r.ttl); err != nil {
		r.logger.Warn("redis sink: set failed", map[string]interface{}{
			"session_id": diff.SessionID, "error": err.Error(),
		})
	}
}

// Load reads a previously persisted snapshot for sessionID, for cold-start
// recovery. Returns ErrNotFound if no snapshot exists.
func (r *RedisSink) Load(ctx context.Context, sessionID string) (*AppState, error) {
	key := fmt.Sprintf("%s:%s", r.keyPrefix, sessionID)
	raw, err := r.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("redis sink load %s: %w", sessionID, ErrNotFound)
	}
	var s AppState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("redis sink load %s: %w", sessionID, err)
	}
	return &s, nil
}

// Close releases the underlying Redis connection.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
