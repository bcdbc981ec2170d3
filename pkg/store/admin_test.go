package store

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStoreListAdmins(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT username FROM admin").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("alice").AddRow("bob"))

	got, err := s.listAdmins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAddAdminIsIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO admin").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.addAdmin(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreRemoveAdminNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM admin").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.removeAdmin(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
