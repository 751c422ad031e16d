package postgres

import (
	"database/sql"

	"github.com/petrijr/turno"
	pqueue "github.com/petrijr/turno/postgres/internal/taskqueue"
)

// NewPostgresQueue returns a lease-based task queue backed by PostgreSQL.
// The required schema is created if missing.
func NewPostgresQueue(db *sql.DB) (turno.Queue, error) {
	return pqueue.NewPostgresQueue(db)
}
