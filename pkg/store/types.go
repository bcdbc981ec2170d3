// Package store implements the two-tiered token store: SQL is the source
// of truth for enumeration, ownership, and history; a Redis cache is the
// fast path for authentication lookups (spec.md §4.2).
package store

import (
	"sort"
	"time"
)

// Kind is the token's kind, fixed at creation (data model invariant 1).
type Kind string

// Token kinds.
const (
	KindSession  Kind = "session"
	KindUser     Kind = "user"
	KindNotebook Kind = "notebook"
	KindInternal Kind = "internal"
	KindService  Kind = "service"
)

// HasParent reports whether tokens of this kind always (notebook,
// internal) or never (session, user, service) carry a parent key.
func (k Kind) HasParent() bool {
	return k == KindNotebook || k == KindInternal
}

// TokenData is the full internal record for a token, including its
// secret hash. It is never serialized to an API response; TokenInfo is.
type TokenData struct {
	Key          string
	HashedSecret string
	Kind         Kind
	Owner        string
	Email        *string // the identity provider's email claim, when known
	Scopes       []string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	Name         *string // required+unique per owner for user tokens, nil otherwise
	Parent       *string // set for notebook/internal, nil otherwise
}

// Expired reports whether the token's lifetime has elapsed as of now.
func (t *TokenData) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// RemainingLifetime returns how much longer the token has to live as of
// now, or a zero duration if it has no expiration (treated as "infinite"
// by callers, who must special-case that explicitly).
func (t *TokenData) RemainingLifetime(now time.Time) (time.Duration, bool) {
	if t.ExpiresAt == nil {
		return 0, false
	}
	return t.ExpiresAt.Sub(now), true
}

// Info is the public projection of a TokenData: everything except the
// secret hash.
type Info struct {
	Key       string     `json:"token"`
	Kind      Kind       `json:"token_type"`
	Owner     string     `json:"username"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created"`
	ExpiresAt *time.Time `json:"expires,omitempty"`
	Name      *string    `json:"token_name,omitempty"`
	Parent    *string    `json:"parent,omitempty"`
}

// ToInfo projects a TokenData down to its public Info form.
func (t *TokenData) ToInfo() *Info {
	scopes := append([]string(nil), t.Scopes...)
	sort.Strings(scopes)
	return &Info{
		Key:       t.Key,
		Kind:      t.Kind,
		Owner:     t.Owner,
		Scopes:    scopes,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		Name:      t.Name,
		Parent:    t.Parent,
	}
}

// Action is one of the four events recorded in change history.
type Action string

// History actions.
const (
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionRevoke Action = "revoke"
	ActionExpire Action = "expire"
)

// HistoryEntry records one mutation of a token.
type HistoryEntry struct {
	ID        string
	TokenKey  string
	Action    Action
	Actor     string
	Timestamp time.Time
	IPAddress *string
	Before    map[string]any
	After     map[string]any
}

// Modification describes the mutable fields an admin/owner may change via
// PATCH /tokens/{key}. Nil fields are left unchanged.
type Modification struct {
	Scopes    *[]string
	Name      *string
	ExpiresAt *time.Time
}

// Inconsistency is one drift report produced by Audit: a token whose SQL
// and cache state disagree.
type Inconsistency struct {
	Key    string
	Detail string
}
