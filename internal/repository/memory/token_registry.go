package memory

import (
	"context"
	"sync"
	"time"

	"device-trust-service/internal/models"
)

type usedToken struct {
	usage     models.TokenUsage
	expiresAt time.Time
}

// TokenRegistry is a TTL map with compare-and-set insert. FailWith makes
// every call fail, for exercising degraded-registry paths.
type TokenRegistry struct {
	mu       sync.Mutex
	used     map[string]usedToken
	now      func() time.Time
	FailWith error
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{used: make(map[string]usedToken), now: time.Now}
}

func (r *TokenRegistry) MarkUsed(_ context.Context, jti string, usage *models.TokenUsage, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailWith != nil {
		return false, r.FailWith
	}
	if cur, ok := r.used[jti]; ok && r.now().Before(cur.expiresAt) {
		return false, nil
	}
	r.used[jti] = usedToken{usage: *usage, expiresAt: r.now().Add(ttl)}
	return true, nil
}

func (r *TokenRegistry) IsUsed(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailWith != nil {
		return false, r.FailWith
	}
	cur, ok := r.used[jti]
	return ok && r.now().Before(cur.expiresAt), nil
}

func (r *TokenRegistry) Usage(jti string) (models.TokenUsage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.used[jti]
	return cur.usage, ok
}
