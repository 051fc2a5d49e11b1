package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// revokedKeyPrefix namespaces JWT ids denied after logout.
const revokedKeyPrefix = "bookbank:jwt:denied:"

// TokenRevoker is a deny list of JWT ids. An entry only needs to live as
// long as the token it blocks.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryTokenRevoker is a process-local deny list for single instance and
// development runs.
type MemoryTokenRevoker struct {
	mu     sync.Mutex
	now    func() time.Time
	denied map[string]time.Time // jti -> token expiry
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{now: time.Now, denied: make(map[string]time.Time)}
}

// Revoke denies tokenID for ttl and prunes entries whose tokens have expired.
func (r *MemoryTokenRevoker) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, until := range r.denied {
		if !now.Before(until) {
			delete(r.denied, id)
		}
	}
	r.denied[tokenID] = now.Add(ttl)
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.denied[tokenID]
	return ok && r.now().Before(until), nil
}

// RedisTokenRevoker shares the deny list between replicas. Redis expiry
// removes entries once their tokens could no longer verify anyway.
type RedisTokenRevoker struct {
	client redis.UniversalClient
}

func NewRedisTokenRevoker(client redis.UniversalClient) *RedisTokenRevoker {
	return &RedisTokenRevoker{client: client}
}

func (r *RedisTokenRevoker) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, revokedKeyPrefix+tokenID, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
