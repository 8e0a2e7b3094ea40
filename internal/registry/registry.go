package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/circuitbreaker"
)

// Registry records the currently active run per (conversation, workflow kind).
// It is a single shared key-value slot with a bounded TTL: registering a run
// overwrites whatever was there (last writer wins), and consumers only ever
// ask whether their own run ID is still the one stored. A false negative
// (treating a live run as stale) wastes one run; a false positive would let a
// superseded run keep talking, so writes are synchronous and the TTL must
// exceed the longest pipeline stage.
type Registry struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	ttl    time.Duration
}

// DefaultTTL bounds how long a crashed run can block detection of staleness.
const DefaultTTL = 5 * time.Minute

// New creates a registry on top of an existing Redis client
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) (*Registry, error) {
	wrapped := circuitbreaker.NewRedisWrapper(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wrapped.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Registry{
		client: wrapped,
		logger: logger,
		ttl:    ttl,
	}, nil
}

// RegisterRun marks runID as the active run for (conversationID, kind),
// overwriting any prior value. The write is synchronous: callers must not
// proceed into the pipeline until the slot is visible to other processes.
func (r *Registry) RegisterRun(ctx context.Context, conversationID, kind, runID string) error {
	key := r.slotKey(conversationID, kind)
	if err := r.client.Set(ctx, key, runID, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to register run: %w", err)
	}

	r.logger.Debug("Registered active run",
		zap.String("conversation_id", conversationID),
		zap.String("workflow_kind", kind),
		zap.String("run_id", runID),
	)
	return nil
}

// IsActive reports whether runID is still the stored active run. A missing or
// expired slot returns false with no error.
func (r *Registry) IsActive(ctx context.Context, conversationID, kind, runID string) (bool, error) {
	key := r.slotKey(conversationID, kind)
	current, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read active run: %w", err)
	}
	return current == runID, nil
}

// Release clears the slot if runID still owns it. Best effort: a concurrent
// overwrite between the read and the delete just means a newer run owns the
// slot, which is exactly the state Release wants to preserve.
func (r *Registry) Release(ctx context.Context, conversationID, kind, runID string) error {
	key := r.slotKey(conversationID, kind)
	current, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read active run: %w", err)
	}
	if current != runID {
		return nil
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release run: %w", err)
	}
	return nil
}

// TTL returns the registry slot lifetime
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Close closes the underlying Redis connection
func (r *Registry) Close() error {
	return r.client.Close()
}

// RedisWrapper exposes the circuit-breaker wrapper for health checks
func (r *Registry) RedisWrapper() *circuitbreaker.RedisWrapper {
	return r.client
}

func (r *Registry) slotKey(conversationID, kind string) string {
	return fmt.Sprintf("agentrun:%s:%s", conversationID, kind)
}
