package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker answers whether a credential has been revoked before its expiry
// (logout, forced invalidation). Implementations must be safe for
// concurrent use.
type Revoker interface {
	IsRevoked(ctx context.Context, credential string) (bool, error)
}

// revocation keys are derived from a hash so raw tokens never land in redis.
func revocationKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return "revoked:token:" + hex.EncodeToString(sum[:])
}

// RedisRevoker checks a shared redis revocation list maintained by the auth
// service. Entries expire together with the tokens they void, so the list
// stays small without sweeps.
type RedisRevoker struct {
	rdb *redis.Client
}

// NewRedisRevoker constructs a revoker backed by the given client.
// The client's lifecycle is owned by the caller.
func NewRedisRevoker(rdb *redis.Client) *RedisRevoker {
	return &RedisRevoker{rdb: rdb}
}

// IsRevoked reports whether the credential appears on the revocation list.
func (r *RedisRevoker) IsRevoked(ctx context.Context, credential string) (bool, error) {
	if r == nil || r.rdb == nil {
		return false, nil
	}

	n, err := r.rdb.Exists(ctx, revocationKey(credential)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke adds the credential to the list until expiresAt.
func (r *RedisRevoker) Revoke(ctx context.Context, credential string, expiresAt time.Time) error {
	if r == nil || r.rdb == nil {
		return nil
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired; nothing to void.
		return nil
	}
	return r.rdb.Set(ctx, revocationKey(credential), "revoked", ttl).Err()
}

// MemoryRevoker is a dev/test fallback when redis is not configured.
type MemoryRevoker struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewMemoryRevoker constructs an empty in-memory revocation list.
func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{revoked: make(map[string]time.Time)}
}

// IsRevoked reports whether the credential was revoked and is still unexpired.
func (m *MemoryRevoker) IsRevoked(ctx context.Context, credential string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.revoked[revocationKey(credential)]
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		delete(m.revoked, revocationKey(credential))
		return false, nil
	}
	return true, nil
}

// Revoke adds the credential to the list until expiresAt.
func (m *MemoryRevoker) Revoke(_ context.Context, credential string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[revocationKey(credential)] = expiresAt
	return nil
}
