package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-dm/jwt-authorizer/pkg/cryptoutil"
	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/retry"
)

// isTransientCacheError reports whether err is a Redis connection
// failure worth retrying. redis.Nil is a legitimate cache miss, never
// transient.
func isTransientCacheError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryCache[T any](ctx context.Context, op func() (T, error)) (T, error) {
	result, err := retry.Do(ctx, isTransientCacheError, op)
	if err != nil && isTransientCacheError(err) {
		var zero T
		return zero, httperr.Wrap(httperr.KindUnavailable, "backend temporarily unavailable", err)
	}
	return result, err
}

// reconciliationTTL is the TTL applied when a cache miss is repopulated
// from SQL: min(remaining lifetime, 5 minutes), per spec.md §4.2.
const reconciliationTTL = 5 * time.Minute

// cache is the fast-path tier, keyed by token key (not by wire form,
// since the secret must never be cached in a form that would let a
// compromised cache alone forge authentication — the secret hash is
// sealed, not the plaintext secret).
type cache struct {
	client *redis.Client
	sealer *cryptoutil.Sealer
	prefix string
}

func newCache(client *redis.Client, sealer *cryptoutil.Sealer, prefix string) *cache {
	return &cache{client: client, sealer: sealer, prefix: prefix}
}

func (c *cache) tokenKey(key string) string {
	return c.prefix + "token:" + key
}

type cachedRecord struct {
	Data      TokenData
	CachedAt  time.Time
}

// set stores td under its key with the given TTL. A zero TTL means "no
// expiration" and is only valid for tokens with no ExpiresAt at all.
func (c *cache) set(ctx context.Context, td *TokenData, ttl time.Duration) error {
	payload, err := json.Marshal(cachedRecord{Data: *td, CachedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal cache record: %w", err)
	}
	sealed, err := c.sealer.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal cache record: %w", err)
	}
	_, err = retryCache(ctx, func() (struct{}, error) {
		if err := c.client.Set(ctx, c.tokenKey(td.Key), sealed, ttl).Err(); err != nil {
			return struct{}{}, fmt.Errorf("write cache entry: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// get returns the cached TokenData for key, or ErrNotFound on a cache
// miss. maxAge bounds how stale a sealed record's embedded timestamp may
// be; in practice this is always >= the cache TTL already enforced by
// Redis itself, so it only protects against clock skew between seal and
// open, not against genuinely expired entries.
func (c *cache) get(ctx context.Context, key string, maxAge time.Duration) (*TokenData, error) {
	sealed, err := retryCache(ctx, func() (string, error) {
		return c.client.Get(ctx, c.tokenKey(key)).Result()
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	payload, err := c.sealer.Open(sealed, maxAge)
	if err != nil {
		return nil, fmt.Errorf("open cache entry: %w", err)
	}
	var rec cachedRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal cache record: %w", err)
	}
	return &rec.Data, nil
}

// evict removes key from the cache. Evicting a key that isn't present is
// not an error — eviction is idempotent, required for the cascade-revoke
// retry path.
func (c *cache) evict(ctx context.Context, key string) error {
	_, err := retryCache(ctx, func() (struct{}, error) {
		if err := c.client.Del(ctx, c.tokenKey(key)).Err(); err != nil {
			return struct{}{}, fmt.Errorf("evict cache entry: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// ttlFor computes min(remaining lifetime, cap) for caching td, returning
// (0, false) when td has no expiration and cap should therefore not
// apply (caller must have a separate policy for that case).
func ttlFor(td *TokenData, now time.Time, capTTL time.Duration) (time.Duration, bool) {
	remaining, hasExpiry := td.RemainingLifetime(now)
	if !hasExpiry {
		return 0, false
	}
	if remaining > capTTL {
		return capTTL, true
	}
	if remaining < 0 {
		return 0, true
	}
	return remaining, true
}
