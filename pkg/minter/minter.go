// Package minter issues short-lived internal and notebook tokens on
// behalf of an already-authenticated parent token, deduplicating
// concurrent requests for the same (parent, service, scopes) via a
// single-flight group keyed by their fingerprint (spec.md §4.2, §4.6).
package minter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-dm/jwt-authorizer/pkg/cryptoutil"
	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/scopes"
	"github.com/lsst-dm/jwt-authorizer/pkg/store"
	"github.com/lsst-dm/jwt-authorizer/pkg/token"
)

// internalTokenLifetime is the maximum lifetime of a freshly minted
// internal token, bounded further by the parent's remaining lifetime.
const internalTokenLifetime = 15 * time.Minute

// safetyMargin is how far ahead of expiry a cached mint result is
// considered stale and re-minted rather than reused.
const safetyMargin = 5 * time.Minute

// Minter mints internal and notebook tokens, backed by the token store
// for persistence, an optional fingerprint cache for cross-process
// deduplication, and a singleflight.Group for in-process deduplication.
type Minter struct {
	store store.Store
	cache *cache // nil disables the fingerprint cache lookup (tests)
	group singleflight.Group
	now   func() time.Time
}

// New builds a Minter over s with no fingerprint cache; every mint call
// creates a fresh child token, deduplicated only within this process via
// singleflight. Suitable for tests; production wiring should use
// NewWithCache so fingerprint lookups are shared across processes.
func New(s store.Store) *Minter {
	return &Minter{store: s, now: time.Now}
}

// NewWithCache builds a Minter that additionally consults and populates
// the fingerprint-keyed Redis cache described in spec.md's persisted
// state section (`internal:<fingerprint>`, `notebook:<parent_key>`).
func NewWithCache(s store.Store, redisClient *redis.Client, sealer *cryptoutil.Sealer, keyPrefix string) *Minter {
	return &Minter{store: s, cache: newCache(redisClient, sealer, keyPrefix), now: time.Now}
}

// WithClock overrides the minter's time source, for deterministic tests.
func (m *Minter) WithClock(now func() time.Time) *Minter {
	m.now = now
	return m
}

// Fingerprint computes sha256(parent_key, service, sorted_scopes) as a
// hex string, the dedup key for single-flight minting (spec.md §4.2).
func Fingerprint(parentKey, service string, requestedScopes []string) string {
	sorted := append([]string(nil), requestedScopes...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(parentKey))
	h.Write([]byte{0})
	h.Write([]byte(service))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// MintInternal returns a live internal token scoped to requestedScopes,
// minted on behalf of parent and delegated to service. requestedScopes
// must be a subset of parent's scopes. Concurrent calls for the same
// fingerprint within this process collapse into a single mint.
func (m *Minter) MintInternal(ctx context.Context, parent *store.TokenData, service string, requestedScopes []string) (string, time.Time, error) {
	if !scopes.IsSubset(requestedScopes, parent.Scopes) {
		return "", time.Time{}, httperr.New(httperr.KindInsufficientScope, "requested scopes exceed parent token's scopes")
	}

	fingerprint := Fingerprint(parent.Key, service, requestedScopes)

	if m.cache != nil {
		if wire, expiresAt, err := m.cache.get(ctx, m.cache.internalKey(fingerprint)); err == nil {
			return wire, expiresAt, nil
		}
	}

	var cacheKey string
	if m.cache != nil {
		cacheKey = m.cache.internalKey(fingerprint)
	}
	result, err, _ := m.group.Do(fingerprint, func() (any, error) {
		return m.mintChild(ctx, parent, store.KindInternal, requestedScopes, &service, cacheKey)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	mint := result.(mintResult)
	return mint.wire, mint.expiresAt, nil
}

// MintNotebook returns a live notebook token carrying all of parent's
// scopes (service is the empty fingerprint component, per spec.md §4.6).
func (m *Minter) MintNotebook(ctx context.Context, parent *store.TokenData) (string, time.Time, error) {
	fingerprint := Fingerprint(parent.Key, "", parent.Scopes)

	if m.cache != nil {
		if wire, expiresAt, err := m.cache.get(ctx, m.cache.notebookKey(parent.Key)); err == nil {
			return wire, expiresAt, nil
		}
	}

	result, err, _ := m.group.Do(fingerprint, func() (any, error) {
		var cacheKey string
		if m.cache != nil {
			cacheKey = m.cache.notebookKey(parent.Key)
		}
		return m.mintChild(ctx, parent, store.KindNotebook, parent.Scopes, nil, cacheKey)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	mint := result.(mintResult)
	return mint.wire, mint.expiresAt, nil
}

// mintResult carries a freshly minted child token's wire form and real
// expiry out of the singleflight group, which only passes a bare `any`.
type mintResult struct {
	wire      string
	expiresAt time.Time
}

// mintChild creates a new child token of kind, lifetime min(15 min,
// parent remaining), persists it through the store, and returns its wire
// form and real expiry. service is recorded as the token's name for
// internal tokens, so an admin auditing history can see which
// downstream it was minted for. If cacheKey is non-empty, the mint
// result is also written to the fingerprint cache with TTL = lifetime −
// safetyMargin, so the next lookup (in this process or another) is a
// cache hit until shortly before the child token itself expires.
func (m *Minter) mintChild(ctx context.Context, parent *store.TokenData, kind store.Kind, childScopes []string, service *string, cacheKey string) (mintResult, error) {
	now := m.now()

	lifetime := internalTokenLifetime
	if remaining, hasExpiry := parent.RemainingLifetime(now); hasExpiry && remaining < lifetime {
		lifetime = remaining
	}
	if lifetime <= safetyMargin {
		return mintResult{}, httperr.New(httperr.KindInsufficientScope, "parent token's remaining lifetime is too short to mint a child token")
	}
	expires := now.Add(lifetime)

	tok, err := token.New()
	if err != nil {
		return mintResult{}, fmt.Errorf("generate child token: %w", err)
	}

	data := &store.TokenData{
		Key:          tok.Key,
		HashedSecret: tok.Hash,
		Kind:         kind,
		Owner:        parent.Owner,
		Scopes:       append([]string(nil), childScopes...),
		CreatedAt:    now,
		ExpiresAt:    &expires,
		Name:         service,
		Parent:       &parent.Key,
	}

	if err := m.store.Create(ctx, data, parent.Owner, nil); err != nil {
		return mintResult{}, fmt.Errorf("persist child token: %w", err)
	}

	wire := tok.Wire()
	if m.cache != nil && cacheKey != "" {
		_ = m.cache.set(ctx, cacheKey, wire, expires, lifetime-safetyMargin)
	}
	return mintResult{wire: wire, expiresAt: expires}, nil
}
