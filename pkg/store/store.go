package store

import (
	"context"
	"errors"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
)

// ErrNotFound is returned by lookups that find no matching record, in
// either tier. Mirrors the teacher's ErrNotFound sentinel wrapping
// convention in its cache layer (errors.Is-compatible, tier-agnostic).
var ErrNotFound = errors.New("token not found")

// ErrDuplicateName is returned by Create when the (owner, user, name)
// uniqueness invariant would be violated (data model invariant 6).
var ErrDuplicateName = httperr.New(httperr.KindDuplicateName, "a live token with this name already exists for this owner")

// Store is the public contract of the token store (spec.md §4.2). Every
// operation is idempotent with respect to retries on transient backend
// failure, except where noted.
type Store interface {
	// Create allocates a new token. Returns ErrDuplicateName if creating
	// a `user` token would violate the (owner, name) uniqueness invariant.
	Create(ctx context.Context, data *TokenData, actor string, ip *string) error

	// Get resolves a wire-form token to its record, verifying the secret
	// by constant-time hash comparison. Returns ErrNotFound if unknown,
	// expired, or the secret doesn't match.
	Get(ctx context.Context, wire string) (*TokenData, error)

	// GetInfo returns the public projection of a token by key, without
	// requiring its secret. Permission checking is the caller's job.
	GetInfo(ctx context.Context, key string) (*Info, error)

	// List returns every live token, optionally filtered to one owner.
	List(ctx context.Context, owner *string) ([]*Info, error)

	// Modify applies a Modification to a token, recording history before
	// the SQL commit and invalidating the cache before returning.
	Modify(ctx context.Context, key string, mod Modification, actor string, ip *string) (*Info, error)

	// Revoke marks key (and all of its transitive descendants) revoked,
	// evicting each from cache before deleting its SQL row (data model
	// invariant 5, §4.2 cascade order).
	Revoke(ctx context.Context, key string, actor string, ip *string) error

	// History returns the change-history rows for a token, newest first.
	History(ctx context.Context, key string) ([]*HistoryEntry, error)

	// Audit scans both tiers and reports any drift between them.
	Audit(ctx context.Context) ([]Inconsistency, error)
}

// AdminStore is the `/admins` half of the admin API (§4.8), kept
// separate from Store since admin membership is a distinct table with
// no cache tier and no notion of ownership.
type AdminStore interface {
	ListAdmins(ctx context.Context) ([]string, error)
	AddAdmin(ctx context.Context, username string) error
	RemoveAdmin(ctx context.Context, username string) error
}
