package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// listAdmins returns every username in the admin table, ordered for
// stable API responses.
func (s *sqlStore) listAdmins(ctx context.Context) ([]string, error) {
	return retrySQL(ctx, func() ([]string, error) {
		var usernames []string
		err := s.db.SelectContext(ctx, &usernames, `SELECT username FROM admin ORDER BY username`)
		if err != nil {
			return nil, fmt.Errorf("list admins: %w", err)
		}
		return usernames, nil
	})
}

// addAdmin grants username admin status. Re-adding an existing admin is
// a no-op rather than a conflict: the caller's intent ("make sure this
// user is an admin") is satisfied either way.
func (s *sqlStore) addAdmin(ctx context.Context, username string) error {
	_, err := retrySQL(ctx, func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `INSERT INTO admin (username) VALUES ($1) ON CONFLICT DO NOTHING`, username)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok {
				return struct{}{}, fmt.Errorf("add admin: %w", pqErr)
			}
			return struct{}{}, fmt.Errorf("add admin: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// removeAdmin revokes username's admin status. Returns ErrNotFound if
// username was never an admin.
func (s *sqlStore) removeAdmin(ctx context.Context, username string) error {
	_, err := retrySQL(ctx, func() (struct{}, error) {
		res, err := s.db.ExecContext(ctx, `DELETE FROM admin WHERE username = $1`, username)
		if err != nil {
			return struct{}{}, fmt.Errorf("remove admin: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return struct{}{}, fmt.Errorf("remove admin: %w", err)
		}
		if n == 0 {
			return struct{}{}, ErrNotFound
		}
		return struct{}{}, nil
	})
	return err
}
