package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	corep "github.com/petrijr/turno/internal/persistence"
	"github.com/petrijr/turno/pkg/api"
)

// PostgresRunStore is a RunStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for importing the driver for its side effects, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
type PostgresRunStore struct {
	db *sql.DB
}

var _ corep.RunStore = (*PostgresRunStore)(nil)

// NewPostgresRunStore initializes the required schema in the given
// database and returns a new PostgresRunStore.
func NewPostgresRunStore(db *sql.DB) (*PostgresRunStore, error) {
	s := &PostgresRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			namespace TEXT NOT NULL,
			task_queue TEXT NOT NULL,
			status TEXT NOT NULL,
			output BYTEA,
			failure BYTEA,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			id BIGINT NOT NULL,
			type TEXT NOT NULL,
			seq BIGINT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			failure BYTEA,
			at BIGINT NOT NULL,
			PRIMARY KEY (run_id, id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_run_events_seq
			ON run_events(run_id, seq) WHERE seq > 0;
		CREATE TABLE IF NOT EXISTS heartbeats (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			details BYTEA,
			has_details BOOLEAN NOT NULL DEFAULT FALSE,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
	)
	return err
}

func (s *PostgresRunStore) CreateRun(ctx context.Context, run *api.Run) error {
	failure, err := encodeFailure(run.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow, namespace, task_queue, status, output, failure, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		run.ID,
		run.Workflow,
		run.Namespace,
		run.TaskQueue,
		string(run.Status),
		run.Output,
		failure,
		run.CreatedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return corep.ErrRunExists
	}

	return nil
}

func (s *PostgresRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, namespace, task_queue, status, output, failure, created_at, updated_at
		FROM runs
		WHERE id = $1`,
		id,
	)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corep.ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *PostgresRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	failure, err := encodeFailure(run.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET workflow = $1, namespace = $2, task_queue = $3, status = $4, output = $5, failure = $6, updated_at = $7
		WHERE id = $8`,
		run.Workflow,
		run.Namespace,
		run.TaskQueue,
		string(run.Status),
		run.Output,
		failure,
		run.UpdatedAt.UnixNano(),
		run.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return corep.ErrRunNotFound
	}

	return nil
}

func (s *PostgresRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	query := `
		SELECT id, workflow, namespace, task_queue, status, output, failure, created_at, updated_at
		FROM runs`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, fmt.Sprintf("workflow = $%d", len(args)+1))
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendEvents locks the run row so concurrent appenders for one run
// serialize and IDs stay dense.
func (s *PostgresRunStore) AppendEvents(ctx context.Context, runID string, events []api.Event) ([]api.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corep.ErrRunNotFound
		}
		return nil, err
	}

	var lastID int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM run_events WHERE run_id = $1`, runID).Scan(&lastID)
	if err != nil {
		return nil, err
	}

	var appended []api.Event
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		failure, err := encodeFailure(ev.Failure)
		if err != nil {
			return nil, err
		}

		// The partial unique index on (run_id, seq) drops duplicate
		// resolutions.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, id, type, seq, name, payload, failure, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING`,
			runID,
			lastID+1,
			string(ev.Type),
			ev.Seq,
			ev.Name,
			ev.Payload,
			failure,
			ev.At.UnixNano(),
		)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			continue
		}

		lastID++
		ev.ID = lastID
		appended = append(appended, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return appended, nil
}

func (s *PostgresRunStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	if err := s.runExists(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, seq, name, payload, failure, at
		FROM run_events
		WHERE run_id = $1
		ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev      api.Event
			typ     string
			failure []byte
			atN     int64
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Seq, &ev.Name, &ev.Payload, &failure, &atN); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		ev.At = time.Unix(0, atN)
		ev.Failure, err = decodeFailure(failure)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresRunStore) RecordHeartbeat(ctx context.Context, runID string, seq int64, details []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, runID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, corep.ErrRunNotFound
		}
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO heartbeats (run_id, seq, details, has_details, updated_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (run_id, seq) DO UPDATE
		SET details = EXCLUDED.details, has_details = TRUE, updated_at = EXCLUDED.updated_at`,
		runID, seq, details, time.Now().UnixNano(),
	)
	if err != nil {
		return false, err
	}

	var cancelRequested bool
	err = tx.QueryRowContext(ctx, `
		SELECT cancel_requested FROM heartbeats WHERE run_id = $1 AND seq = $2`,
		runID, seq).Scan(&cancelRequested)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return cancelRequested, nil
}

func (s *PostgresRunStore) SetCancelRequested(ctx context.Context, runID string, seq int64) error {
	if err := s.runExists(ctx, runID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (run_id, seq, cancel_requested, updated_at)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (run_id, seq) DO UPDATE
		SET cancel_requested = TRUE, updated_at = EXCLUDED.updated_at`,
		runID, seq, time.Now().UnixNano(),
	)
	return err
}

func (s *PostgresRunStore) LastHeartbeat(ctx context.Context, runID string, seq int64) ([]byte, bool, error) {
	if err := s.runExists(ctx, runID); err != nil {
		return nil, false, err
	}

	var details []byte
	var hasDetails bool
	err := s.db.QueryRowContext(ctx, `
		SELECT details, has_details FROM heartbeats WHERE run_id = $1 AND seq = $2`,
		runID, seq).Scan(&details, &hasDetails)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !hasDetails {
		return nil, false, nil
	}
	return details, true, nil
}

func (s *PostgresRunStore) runExists(ctx context.Context, runID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return corep.ErrRunNotFound
	}
	return err
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*api.Run, error) {
	var (
		run       api.Run
		status    string
		failure   []byte
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&run.ID, &run.Workflow, &run.Namespace, &run.TaskQueue, &status, &run.Output, &failure, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	run.Status = api.RunStatus(status)
	run.CreatedAt = time.Unix(0, createdAt)
	run.UpdatedAt = time.Unix(0, updatedAt)

	var err error
	run.Failure, err = decodeFailure(failure)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
