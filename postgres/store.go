// Package postgres provides a PostgreSQL-backed run store and task queue.
//
// The package takes an *sql.DB; the caller picks and imports the driver,
// for example:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
package postgres

import (
	"database/sql"

	"github.com/petrijr/turno"
	pstore "github.com/petrijr/turno/postgres/internal/persistence"
)

// NewPostgresStore returns a run store that persists runs, histories and
// heartbeats in PostgreSQL. The required schema is created if missing.
func NewPostgresStore(db *sql.DB) (turno.Store, error) {
	return pstore.NewPostgresRunStore(db)
}
