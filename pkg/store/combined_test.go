package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/jwt-authorizer/pkg/cryptoutil"
	"github.com/lsst-dm/jwt-authorizer/pkg/token"
)

func newTestCombined(t *testing.T) (*Combined, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	secret := make([]byte, cryptoutil.KeySize)
	sealer, err := cryptoutil.NewSealer(secret, cryptoutil.PurposeCache)
	require.NoError(t, err)

	return NewCombined(sqlx.NewDb(db, "postgres"), client, sealer, "gafaelfawr:"), mock
}

// TestGetFallsThroughToSQLAndRepopulatesCache exercises the two-layer
// lookup: a cache miss falls through to SQL, and a successful SQL lookup
// is written back into the cache so the next Get is a hit.
func TestGetFallsThroughToSQLAndRepopulatesCache(t *testing.T) {
	c, mock := newTestCombined(t)

	tok, err := token.New()
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour)
	rows := sqlmock.NewRows([]string{"key", "hash", "owner", "kind", "name", "scope_list", "created", "expires", "parent_key", "revoked"}).
		AddRow(tok.Key, tok.Hash, "alice", "user", "laptop", pq.StringArray{"read:all"}, time.Now(), expires, nil, false)

	mock.ExpectQuery("SELECT key, hash, owner, kind, name, scope_list, created, expires, parent_key, revoked").
		WithArgs(tok.Key).
		WillReturnRows(rows)

	got, err := c.Get(context.Background(), tok.Wire())
	require.NoError(t, err)
	require.Equal(t, "alice", got.Owner)

	// Second call should be served entirely from cache: no further SQL
	// expectations were registered, so a repeat query would fail the mock.
	got2, err := c.Get(context.Background(), tok.Wire())
	require.NoError(t, err)
	require.Equal(t, got.Key, got2.Key)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRejectsWrongSecret(t *testing.T) {
	c, mock := newTestCombined(t)

	tok, err := token.New()
	require.NoError(t, err)
	wrong, err := token.New()
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"key", "hash", "owner", "kind", "name", "scope_list", "created", "expires", "parent_key", "revoked"}).
		AddRow(tok.Key, tok.Hash, "alice", "user", "laptop", pq.StringArray{"read:all"}, time.Now(), nil, nil, false)
	mock.ExpectQuery("SELECT key, hash, owner, kind, name, scope_list, created, expires, parent_key, revoked").
		WithArgs(tok.Key).
		WillReturnRows(rows)

	forged := token.Prefix + tok.Key + "." + wrong.Secret
	_, err = c.Get(context.Background(), forged)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestRevokeCascadesDepthFirstEvictingBeforeDeleting verifies the ordering
// Combined.Revoke promises: a child's own children are revoked before the
// child, and each token's cache entry is evicted before its SQL row is
// marked revoked.
func TestRevokeCascadesDepthFirstEvictingBeforeDeleting(t *testing.T) {
	c, mock := newTestCombined(t)

	parentRow := func(key string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"key", "hash", "owner", "kind", "name", "scope_list", "created", "expires", "parent_key", "revoked"}).
			AddRow(key, "hash", "alice", "notebook", nil, pq.StringArray{"read:all"}, time.Now(), nil, "parent", false)
	}

	// parent has one child "child1", which itself has no children.
	mock.ExpectQuery("SELECT key FROM token WHERE parent_key").
		WithArgs("parent").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("child1"))
	mock.ExpectQuery("SELECT key FROM token WHERE parent_key").
		WithArgs("child1").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))

	// child1 revoked first (depth-first).
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT key, hash, owner, kind, name, scope_list, created, expires, parent_key, revoked").
		WithArgs("child1").
		WillReturnRows(parentRow("child1"))
	mock.ExpectExec("UPDATE token SET revoked = true").
		WithArgs("child1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO token_change_history").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// then parent.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT key, hash, owner, kind, name, scope_list, created, expires, parent_key, revoked").
		WithArgs("parent").
		WillReturnRows(parentRow("parent"))
	mock.ExpectExec("UPDATE token SET revoked = true").
		WithArgs("parent").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO token_change_history").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, c.Revoke(context.Background(), "parent", "alice", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
