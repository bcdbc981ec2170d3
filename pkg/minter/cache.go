package minter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-dm/jwt-authorizer/pkg/cryptoutil"
)

// errCacheMiss is returned internally by cache lookups; it is never
// propagated to callers of Minter, which treat a miss as "mint fresh".
var errCacheMiss = errors.New("minter: cache miss")

// cachedMint is the payload sealed and stored under a fingerprint key.
// Carrying ExpiresAt alongside the wire token lets a cache hit return
// the same real expiry a fresh mint would, instead of a guessed value.
type cachedMint struct {
	Wire      string    `json:"wire"`
	ExpiresAt time.Time `json:"expires_at"`
}

// cache stores fingerprint -> wire-token mappings, keyed exactly as
// spec.md's persisted-state section names them: `internal:<fingerprint>`
// and `notebook:<parent_key>`.
type cache struct {
	client *redis.Client
	sealer *cryptoutil.Sealer
	prefix string
}

func newCache(client *redis.Client, sealer *cryptoutil.Sealer, prefix string) *cache {
	return &cache{client: client, sealer: sealer, prefix: prefix}
}

func (c *cache) internalKey(fingerprint string) string {
	return c.prefix + "internal:" + fingerprint
}

func (c *cache) notebookKey(parentKey string) string {
	return c.prefix + "notebook:" + parentKey
}

func (c *cache) get(ctx context.Context, key string) (string, time.Time, error) {
	sealed, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, errCacheMiss
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read minter cache entry: %w", err)
	}
	plaintext, err := c.sealer.Open(sealed, cacheMaxAge)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("open minter cache entry: %w", err)
	}
	var rec cachedMint
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return "", time.Time{}, fmt.Errorf("decode minter cache entry: %w", err)
	}
	return rec.Wire, rec.ExpiresAt, nil
}

func (c *cache) set(ctx context.Context, key, wire string, expiresAt time.Time, ttl time.Duration) error {
	payload, err := json.Marshal(cachedMint{Wire: wire, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("marshal minter cache entry: %w", err)
	}
	sealed, err := c.sealer.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal minter cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key, sealed, ttl).Err(); err != nil {
		return fmt.Errorf("write minter cache entry: %w", err)
	}
	return nil
}

// cacheMaxAge bounds how old a sealed cache entry's embedded timestamp
// may be; Redis expiry is the real staleness enforcement.
const cacheMaxAge = 24 * time.Hour
