// Package tenant resolves a bearer secret to a tenant context: salted-hash
// lookup, cache-through to the durable store, constant-time comparisons.
package tenant

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/apilens/gateway/internal/cache"
)

// ErrUnauthenticated is returned when no active tenant can be resolved for
// the given secret.
var ErrUnauthenticated = errors.New("tenant: unauthenticated")

// Tenant is the resolved request context: identifier, tier, isolation
// namespace, active flag, and default limits.
type Tenant struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"display_name"`
	Tier               string `json:"tier"`
	IsolationNamespace string `json:"isolation_namespace"`
	Active             bool   `json:"active"`
	SecretHash         string `json:"secret_hash"`
}

// Durable is the subset of the durable-store collaborator the resolver
// needs: a key-scoped read by salted secret hash.
type Durable interface {
	GetTenantByHash(ctx context.Context, hash string) (*Tenant, error)
}

// Resolver resolves bearer secrets to tenants.
type Resolver struct {
	cache    *cache.Cache
	durable  Durable
	cacheTTL time.Duration
	salt     []byte
}

// New constructs a Resolver. salt is an operator-supplied value mixed into
// the HMAC so the lookup hash cannot be forged from a leaked secret alone.
func New(durable Durable, c *cache.Cache, salt []byte, cacheTTL time.Duration) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Resolver{cache: c, durable: durable, cacheTTL: cacheTTL, salt: salt}
}

// HashSecret computes the deterministic, salted lookup hash for a bearer
// secret: HMAC-SHA256(salt, secret), hex-truncated to 16 characters to
// match the persisted key layout `tenant:<hash>` of §6.
func (r *Resolver) HashSecret(secret string) string {
	mac := hmac.New(sha256.New, r.salt)
	mac.Write([]byte(secret))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}

// Resolve looks up the tenant owning secret. Algorithm: salted hash →
// cache lookup under tenant:<hash> → on miss, durable-store query → on
// success, cache with the configured TTL. An inactive tenant is an
// authentication failure, same as no tenant found.
func (r *Resolver) Resolve(ctx context.Context, secret string) (*Tenant, error) {
	hash := r.HashSecret(secret)
	key := cache.TenantKey(hash)

	var t Tenant
	if err := r.cache.Get(ctx, key, &t); err == nil {
		return r.checkActive(&t)
	}

	rec, err := r.durable.GetTenantByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if rec == nil {
		return nil, ErrUnauthenticated
	}

	// Defense-in-depth: confirm the durable record's own hash matches the
	// one we looked up by, in constant time.
	if subtle.ConstantTimeCompare([]byte(rec.SecretHash), []byte(hash)) != 1 {
		return nil, ErrUnauthenticated
	}

	r.cache.Put(ctx, key, rec, r.cacheTTL) //nolint:errcheck // cache is a hint
	return r.checkActive(rec)
}

func (r *Resolver) checkActive(t *Tenant) (*Tenant, error) {
	if !t.Active {
		return nil, ErrUnauthenticated
	}
	return t, nil
}
