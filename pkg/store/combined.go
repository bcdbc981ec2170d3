package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/lsst-dm/jwt-authorizer/pkg/cryptoutil"
	"github.com/lsst-dm/jwt-authorizer/pkg/token"
)

// cacheMaxAge bounds how old a sealed cache record's embedded timestamp
// may be before Open refuses it. Set generously above the longest TTL
// Combined ever writes, since Redis expiry is already the real staleness
// enforcement; this only guards against clock skew.
const cacheMaxAge = 24 * time.Hour

// Combined is the production Store: SQL is the source of truth, Redis is
// the authentication fast path. Every mutation follows the same shape —
// write-ahead the history row, commit the SQL transaction, then evict the
// cache — so a crash between commit and eviction leaves SQL correct and
// the cache merely stale until TTL expiry or the next Get repopulates it.
type Combined struct {
	sql   *sqlStore
	cache *cache
}

// NewCombined builds the two-tier store over an existing SQL connection
// and Redis client. sealer encrypts cache payloads at rest with
// cryptoutil.PurposeCache, the same way session cookies use
// cryptoutil.PurposeCookie — purpose separation means a compromised
// cookie can never be replayed as a cache record or vice versa.
func NewCombined(db *sqlx.DB, redisClient *redis.Client, sealer *cryptoutil.Sealer, keyPrefix string) *Combined {
	return &Combined{
		sql:   newSQLStore(db),
		cache: newCache(redisClient, sealer, keyPrefix),
	}
}

func (c *Combined) Create(ctx context.Context, data *TokenData, actor string, ip *string) error {
	if err := c.sql.create(ctx, data, actor, ip); err != nil {
		return err
	}
	cacheTTL, hasExpiry := ttlFor(data, time.Now(), reconciliationTTL)
	if !hasExpiry {
		cacheTTL = 0
	}
	// A cache-population failure after a successful create is not fatal:
	// the next Get falls through to SQL and repopulates it.
	_ = c.cache.set(ctx, data, cacheTTL)
	return nil
}

// Get resolves a wire-form token to its record, verifying the secret by
// constant-time hash comparison. Two-layer lookup: cache first, SQL
// second on a miss, with the SQL result re-populated into the cache
// using TTL = min(remaining lifetime, 5 min) so a hot token never goes
// more than five minutes without a fresh consistency check against SQL.
func (c *Combined) Get(ctx context.Context, wire string) (*TokenData, error) {
	parsed, err := token.Parse(wire)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if data, err := c.cache.get(ctx, parsed.Key, cacheMaxAge); err == nil {
		if !token.VerifySecret(parsed.Secret, data.HashedSecret) {
			return nil, ErrNotFound
		}
		if data.Expired(now) {
			_ = c.cache.evict(ctx, parsed.Key)
			return nil, ErrNotFound
		}
		return data, nil
	}

	data, err := c.sql.getByKey(ctx, parsed.Key)
	if err != nil {
		return nil, err
	}
	if !token.VerifySecret(parsed.Secret, data.HashedSecret) {
		return nil, ErrNotFound
	}
	if data.Expired(now) {
		return nil, ErrNotFound
	}

	cacheTTL, hasExpiry := ttlFor(data, now, reconciliationTTL)
	if !hasExpiry {
		cacheTTL = 0
	}
	_ = c.cache.set(ctx, data, cacheTTL)

	return data, nil
}

func (c *Combined) GetInfo(ctx context.Context, key string) (*Info, error) {
	if data, err := c.cache.get(ctx, key, cacheMaxAge); err == nil {
		return data.ToInfo(), nil
	}
	data, err := c.sql.getByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return data.ToInfo(), nil
}

func (c *Combined) List(ctx context.Context, owner *string) ([]*Info, error) {
	return c.sql.list(ctx, owner)
}

func (c *Combined) Modify(ctx context.Context, key string, mod Modification, actor string, ip *string) (*Info, error) {
	after, err := c.sql.modify(ctx, key, mod, actor, ip)
	if err != nil {
		return nil, err
	}
	if err := c.cache.evict(ctx, key); err != nil {
		return nil, fmt.Errorf("evict stale cache entry after modify: %w", err)
	}
	return after.ToInfo(), nil
}

// Revoke marks key and every transitive descendant revoked. For each
// token in the cascade, the cache entry is evicted before the SQL row is
// updated, so a racing Get can never observe a cache hit for a token
// whose SQL row has already been marked revoked, nor can it observe a
// live cache entry that SQL no longer backs — it simply falls through to
// SQL and (correctly) gets ErrNotFound. Traversal is depth-first so a
// child's own children are revoked before the child itself.
func (c *Combined) Revoke(ctx context.Context, key string, actor string, ip *string) error {
	children, err := c.sql.children(ctx, key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.Revoke(ctx, child, actor, ip); err != nil {
			return fmt.Errorf("cascade revoke of %s: %w", child, err)
		}
	}

	if err := c.cache.evict(ctx, key); err != nil {
		return fmt.Errorf("evict cache before revoke: %w", err)
	}
	if _, err := c.sql.revokeOne(ctx, key, actor, ip); err != nil {
		return err
	}
	return nil
}

func (c *Combined) History(ctx context.Context, key string) ([]*HistoryEntry, error) {
	return c.sql.history(ctx, key)
}

// ListAdmins, AddAdmin, and RemoveAdmin back the `/admins` routes of
// §4.8. Admin status has no cache tier: membership is checked rarely
// (only on API requests, never on the `/auth` hot path) so SQL alone is
// fast enough, and there is no staleness window to reason about.
func (c *Combined) ListAdmins(ctx context.Context) ([]string, error) {
	return c.sql.listAdmins(ctx)
}

func (c *Combined) AddAdmin(ctx context.Context, username string) error {
	return c.sql.addAdmin(ctx, username)
}

func (c *Combined) RemoveAdmin(ctx context.Context, username string) error {
	return c.sql.removeAdmin(ctx, username)
}

// Audit scans every live SQL token and checks whether its cache entry
// (if any) agrees with SQL on scopes and expiry. A present-but-wrong
// cache entry is evicted as part of the scan; a missing cache entry is
// not an inconsistency, since cache misses are expected and harmless.
func (c *Combined) Audit(ctx context.Context) ([]Inconsistency, error) {
	live, err := c.sql.list(ctx, nil)
	if err != nil {
		return nil, err
	}

	var problems []Inconsistency
	for _, info := range live {
		cached, err := c.cache.get(ctx, info.Key, cacheMaxAge)
		if err != nil {
			continue // cache miss: nothing to reconcile
		}
		if !scopesEqual(cached.Scopes, info.Scopes) {
			problems = append(problems, Inconsistency{Key: info.Key, Detail: "cached scopes diverge from SQL"})
			_ = c.cache.evict(ctx, info.Key)
			continue
		}
		if !expiryEqual(cached.ExpiresAt, info.ExpiresAt) {
			problems = append(problems, Inconsistency{Key: info.Key, Detail: "cached expiry diverges from SQL"})
			_ = c.cache.evict(ctx, info.Key)
		}
	}
	return problems, nil
}

func scopesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

func expiryEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
