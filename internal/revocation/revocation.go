// Package revocation remembers signed-out access tokens until they expire.
package revocation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Memory keeps revoked token ids in process.
type Memory struct {
	mu        sync.Mutex
	until     map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

func NewMemory() *Memory {
	return &Memory{until: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Revoke(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastSweep) > time.Minute {
		for k, exp := range m.until {
			if !now.Before(exp) {
				delete(m.until, k)
			}
		}
		m.lastSweep = now
	}
	if until.After(now) {
		m.until[id] = until
	}
	return nil
}

func (m *Memory) Revoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.until[id]
	return ok && m.now().Before(exp), nil
}

const DefaultPrefix = "teamboard:revoked:"

// KV is the subset of the redis client used by Redis.
type KV interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis shares revocations between API replicas. Keys expire with the token.
type Redis struct {
	client KV
	prefix string
	now    func() time.Time
}

func NewRedis(client KV, prefix string) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) Revoke(ctx context.Context, id string, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.prefix+id, 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *Redis) Revoked(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}
