// Package migrations embeds the token store's SQL schema and applies it
// with goose. The schema has exactly one migration today; new columns or
// tables are added as further numbered files under sql/, never by
// editing 00001 in place.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var schema embed.FS

// Apply runs every pending migration against db using goose's bookkeeping
// table to track what has already been applied; safe to call on every
// process start.
func Apply(db *sql.DB) error {
	goose.SetBaseFS(schema)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "sql"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
