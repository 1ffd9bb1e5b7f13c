package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldstack/blueprint/core"
)

// RedisBackedRegistry publishes the registry's worker names to Redis so
// other orchestrator replicas (or an ops dashboard) can observe the loaded
// table without importing this process's in-memory Registry. Grounded on
// the teacher's AgentCatalog discovery-refresh pattern (catalog.go),
// simplified to a one-way publish since this registry is immutable after
// startup — there is nothing to refresh, only to announce.
type RedisBackedRegistry struct {
	client *core.RedisClient
	key    string
	logger core.Logger
}

// NewRedisBackedRegistry creates a mirror backed by redisURL.
func NewRedisBackedRegistry(redisURL string, logger core.Logger) (*RedisBackedRegistry, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  redisURL,
		DB:        core.RedisDBServiceDiscovery,
		Namespace: "blueprint:orchestrator:registry",
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("new redis-backed registry: %w", err)
	}
	return &RedisBackedRegistry{client: client, key: "workers", logger: logger}, nil
}

// Sync implements registry.Mirror.
func (m *RedisBackedRegistry) Sync(names []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.client.Del(ctx, m.key); err != nil {
		m.logger.Warn("registry mirror: clear failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for i, name := range names {
		if err := m.client.Set(ctx, fmt.Sprintf("%s:%d", m.key, i), name, 0); err != nil {
			m.logger.Warn("registry mirror: set failed", map[string]interface{}{"name": name, "error": err.Error()})
		}
	}
}

// Close releases the underlying Redis connection.
func (m *RedisBackedRegistry) Close() error {
	return m.client.Close()
}
