package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/retry"
)

// isTransientSQLError reports whether err represents a connection-level
// failure worth retrying (spec.md §7), as opposed to a business outcome
// like ErrNotFound/ErrDuplicateName/a context cancellation, none of
// which a retry could ever fix.
func isTransientSQLError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateName) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// SQLSTATE class 08 is "connection exception".
		code := string(pqErr.Code)
		return len(code) >= 2 && code[:2] == "08"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}

// retrySQL runs op with spec.md §7's bounded-retry policy, converting
// exhaustion on a transient error into a 503 so the Retry-After logic
// in pkg/httperr actually fires.
func retrySQL[T any](ctx context.Context, op func() (T, error)) (T, error) {
	result, err := retry.Do(ctx, isTransientSQLError, op)
	if err != nil && isTransientSQLError(err) {
		var zero T
		return zero, httperr.Wrap(httperr.KindUnavailable, "backend temporarily unavailable", err)
	}
	return result, err
}

// sqlStore is the SQL-of-record half of the two-tier store. It never
// talks to the cache; Combined composes it with a cache tier.
type sqlStore struct {
	db *sqlx.DB
}

func newSQLStore(db *sqlx.DB) *sqlStore {
	return &sqlStore{db: db}
}

// tokenRow mirrors the `token` table (spec.md §6). pq.StringArray lets
// sqlx marshal the scope list as a native Postgres text[] column, the
// same way the teacher's apikeyinfra repository stores scopes.
type tokenRow struct {
	Key       string         `db:"key"`
	Hash      string         `db:"hash"`
	Owner     string         `db:"owner"`
	Email     sql.NullString `db:"email"`
	Kind      string         `db:"kind"`
	Name      sql.NullString `db:"name"`
	Scopes    pq.StringArray `db:"scope_list"`
	Created   time.Time      `db:"created"`
	Expires   sql.NullTime   `db:"expires"`
	ParentKey sql.NullString `db:"parent_key"`
	Revoked   bool           `db:"revoked"`
}

func (r *tokenRow) toDomain() *TokenData {
	td := &TokenData{
		Key:          r.Key,
		HashedSecret: r.Hash,
		Kind:         Kind(r.Kind),
		Owner:        r.Owner,
		Scopes:       []string(r.Scopes),
		CreatedAt:    r.Created,
	}
	if r.Email.Valid {
		email := r.Email.String
		td.Email = &email
	}
	if r.Name.Valid {
		name := r.Name.String
		td.Name = &name
	}
	if r.Expires.Valid {
		exp := r.Expires.Time
		td.ExpiresAt = &exp
	}
	if r.ParentKey.Valid {
		parent := r.ParentKey.String
		td.Parent = &parent
	}
	return td
}

func rowFromDomain(td *TokenData, revoked bool) *tokenRow {
	row := &tokenRow{
		Key:     td.Key,
		Hash:    td.HashedSecret,
		Owner:   td.Owner,
		Kind:    string(td.Kind),
		Scopes:  pq.StringArray(td.Scopes),
		Created: td.CreatedAt,
		Revoked: revoked,
	}
	if td.Email != nil {
		row.Email = sql.NullString{String: *td.Email, Valid: true}
	}
	if td.Name != nil {
		row.Name = sql.NullString{String: *td.Name, Valid: true}
	}
	if td.ExpiresAt != nil {
		row.Expires = sql.NullTime{Time: *td.ExpiresAt, Valid: true}
	}
	if td.Parent != nil {
		row.ParentKey = sql.NullString{String: *td.Parent, Valid: true}
	}
	return row
}

// create inserts a new token row and its creation history entry in one
// transaction (§4.2's "write-ahead the history row, commit the mutation
// in the same transaction").
func (s *sqlStore) create(ctx context.Context, td *TokenData, actor string, ip *string) error {
	if td.Kind == KindUser {
		live, err := s.liveUserTokenExists(ctx, td.Owner, *td.Name)
		if err != nil {
			return err
		}
		if live {
			return ErrDuplicateName
		}
	}

	_, err := retrySQL(ctx, func() (struct{}, error) {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := rowFromDomain(td, false)
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO token (key, hash, owner, email, kind, name, scope_list, created, expires, parent_key, revoked)
			VALUES (:key, :hash, :owner, :email, :kind, :name, :scope_list, :created, :expires, :parent_key, :revoked)
		`, row)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return struct{}{}, ErrDuplicateName
			}
			return struct{}{}, fmt.Errorf("insert token: %w", err)
		}

		if err := insertHistory(ctx, tx, td.Key, ActionCreate, actor, ip, nil, historySnapshot(td)); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, tx.Commit()
	})
	return err
}

func (s *sqlStore) liveUserTokenExists(ctx context.Context, owner, name string) (bool, error) {
	return retrySQL(ctx, func() (bool, error) {
		var exists bool
		err := s.db.GetContext(ctx, &exists, `
			SELECT EXISTS(SELECT 1 FROM token WHERE owner = $1 AND kind = $2 AND name = $3 AND revoked = false)
		`, owner, string(KindUser), name)
		if err != nil {
			return false, fmt.Errorf("check duplicate token name: %w", err)
		}
		return exists, nil
	})
}

func (s *sqlStore) getByKey(ctx context.Context, key string) (*TokenData, error) {
	return retrySQL(ctx, func() (*TokenData, error) {
		var row tokenRow
		err := s.db.GetContext(ctx, &row, `
			SELECT key, hash, owner, email, kind, name, scope_list, created, expires, parent_key, revoked
			FROM token WHERE key = $1 AND revoked = false
		`, key)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("select token: %w", err)
		}
		return row.toDomain(), nil
	})
}

func (s *sqlStore) list(ctx context.Context, owner *string) ([]*Info, error) {
	return retrySQL(ctx, func() ([]*Info, error) {
		var rows []tokenRow
		var err error
		if owner != nil {
			err = s.db.SelectContext(ctx, &rows, `
				SELECT key, hash, owner, email, kind, name, scope_list, created, expires, parent_key, revoked
				FROM token WHERE owner = $1 AND revoked = false ORDER BY created DESC
			`, *owner)
		} else {
			err = s.db.SelectContext(ctx, &rows, `
				SELECT key, hash, owner, email, kind, name, scope_list, created, expires, parent_key, revoked
				FROM token WHERE revoked = false ORDER BY created DESC
			`)
		}
		if err != nil {
			return nil, fmt.Errorf("list tokens: %w", err)
		}
		out := make([]*Info, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].toDomain().ToInfo())
		}
		return out, nil
	})
}

// modify applies mod to the token, recording a before/after history row,
// inside one transaction.
func (s *sqlStore) modify(ctx context.Context, key string, mod Modification, actor string, ip *string) (*TokenData, error) {
	return retrySQL(ctx, func() (*TokenData, error) {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var row tokenRow
		err = tx.GetContext(ctx, &row, `
			SELECT key, hash, owner, email, kind, name, scope_list, created, expires, parent_key, revoked
			FROM token WHERE key = $1 AND revoked = false FOR UPDATE
		`, key)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("select token for update: %w", err)
		}

		before := row.toDomain()
		beforeSnap := historySnapshot(before)

		after := *before
		if mod.Scopes != nil {
			after.Scopes = *mod.Scopes
		}
		if mod.Name != nil {
			after.Name = mod.Name
		}
		if mod.ExpiresAt != nil {
			after.ExpiresAt = mod.ExpiresAt
		}

		newRow := rowFromDomain(&after, false)
		_, err = tx.NamedExecContext(ctx, `
			UPDATE token SET name = :name, scope_list = :scope_list, expires = :expires
			WHERE key = :key
		`, newRow)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return nil, httperr.NewDuplicateNameOnModify("a live token with this name already exists for this owner")
			}
			return nil, fmt.Errorf("update token: %w", err)
		}

		if err := insertHistory(ctx, tx, key, ActionEdit, actor, ip, beforeSnap, historySnapshot(&after)); err != nil {
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit modify: %w", err)
		}
		return &after, nil
	})
}

// revokeOne marks a single token row revoked and records history, without
// touching its descendants — cascading is Combined's job, since it must
// interleave cache evictions between SQL writes per §4.2's cascade order.
func (s *sqlStore) revokeOne(ctx context.Context, key, actor string, ip *string) (*TokenData, error) {
	return retrySQL(ctx, func() (*TokenData, error) {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var row tokenRow
		err = tx.GetContext(ctx, &row, `
			SELECT key, hash, owner, email, kind, name, scope_list, created, expires, parent_key, revoked
			FROM token WHERE key = $1 AND revoked = false FOR UPDATE
		`, key)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("select token for revoke: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE token SET revoked = true WHERE key = $1`, key); err != nil {
			return nil, fmt.Errorf("mark token revoked: %w", err)
		}

		data := row.toDomain()
		if err := insertHistory(ctx, tx, key, ActionRevoke, actor, ip, historySnapshot(data), nil); err != nil {
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit revoke: %w", err)
		}
		return data, nil
	})
}

// children returns the keys of every token whose parent_key is key,
// live or not — cascade must reach tokens that are already revoked in
// SQL but might still have a cache entry.
func (s *sqlStore) children(ctx context.Context, key string) ([]string, error) {
	return retrySQL(ctx, func() ([]string, error) {
		var keys []string
		err := s.db.SelectContext(ctx, &keys, `SELECT key FROM token WHERE parent_key = $1`, key)
		if err != nil {
			return nil, fmt.Errorf("select children: %w", err)
		}
		return keys, nil
	})
}

func (s *sqlStore) history(ctx context.Context, key string) ([]*HistoryEntry, error) {
	return retrySQL(ctx, func() ([]*HistoryEntry, error) {
		var rows []historyRow
		err := s.db.SelectContext(ctx, &rows, `
			SELECT id, token_key, action, actor, timestamp, ip, before, after
			FROM token_change_history WHERE token_key = $1 ORDER BY timestamp DESC
		`, key)
		if err != nil {
			return nil, fmt.Errorf("select history: %w", err)
		}
		out := make([]*HistoryEntry, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].toDomain())
		}
		return out, nil
	})
}

type historyRow struct {
	ID        string         `db:"id"`
	TokenKey  string         `db:"token_key"`
	Action    string         `db:"action"`
	Actor     string         `db:"actor"`
	Timestamp time.Time      `db:"timestamp"`
	IP        sql.NullString `db:"ip"`
	Before    []byte         `db:"before"`
	After     []byte         `db:"after"`
}

func (r *historyRow) toDomain() *HistoryEntry {
	entry := &HistoryEntry{
		ID:        r.ID,
		TokenKey:  r.TokenKey,
		Action:    Action(r.Action),
		Actor:     r.Actor,
		Timestamp: r.Timestamp,
		Before:    decodeSnapshot(r.Before),
		After:     decodeSnapshot(r.After),
	}
	if r.IP.Valid {
		ip := r.IP.String
		entry.IPAddress = &ip
	}
	return entry
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, key string, action Action, actor string, ip *string, before, after map[string]any) error {
	var ipVal sql.NullString
	if ip != nil {
		ipVal = sql.NullString{String: *ip, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_change_history (id, token_key, action, actor, timestamp, ip, before, after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), key, string(action), actor, time.Now().UTC(), ipVal, encodeSnapshot(before), encodeSnapshot(after))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func encodeSnapshot(snap map[string]any) []byte {
	if snap == nil {
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return b
}

func decodeSnapshot(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var snap map[string]any
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil
	}
	return snap
}

func historySnapshot(td *TokenData) map[string]any {
	if td == nil {
		return nil
	}
	snap := map[string]any{"scopes": td.Scopes}
	if td.Name != nil {
		snap["name"] = *td.Name
	}
	if td.ExpiresAt != nil {
		snap["expires"] = td.ExpiresAt.UTC()
	}
	return snap
}
