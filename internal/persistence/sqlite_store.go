package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/turno/pkg/api"
)

// SQLiteRunStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteRunStore struct {
	db *sql.DB
}

// Ensure SQLiteRunStore implements RunStore.
var _ RunStore = (*SQLiteRunStore)(nil)

// NewSQLiteRunStore initializes the required schema in the given
// database and returns a new SQLiteRunStore.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			namespace TEXT NOT NULL,
			task_queue TEXT NOT NULL,
			status TEXT NOT NULL,
			output BLOB,
			failure BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			id INTEGER NOT NULL,
			type TEXT NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload BLOB,
			failure BLOB,
			at INTEGER NOT NULL,
			PRIMARY KEY (run_id, id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_run_events_seq
			ON run_events(run_id, seq) WHERE seq > 0;
		CREATE TABLE IF NOT EXISTS heartbeats (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			details BLOB,
			has_details INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
	)
	return err
}

func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *api.Run) error {
	failure, err := encodeFailure(run.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (id, workflow, namespace, task_queue, status, output, failure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		return ErrRunExists
	}

	return nil
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, namespace, task_queue, status, output, failure, created_at, updated_at
		FROM runs
		WHERE id = ?`,
		id,
	)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *SQLiteRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	failure, err := encodeFailure(run.Failure)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET workflow = ?, namespace = ?, task_queue = ?, status = ?, output = ?, failure = ?, updated_at = ?
		WHERE id = ?`,
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
		return ErrRunNotFound
	}

	return nil
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	query := `
		SELECT id, workflow, namespace, task_queue, status, output, failure, created_at, updated_at
		FROM runs`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
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

func (s *SQLiteRunStore) AppendEvents(ctx context.Context, runID string, events []api.Event) ([]api.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrRunNotFound
	}

	var lastID int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM run_events WHERE run_id = ?`, runID).Scan(&lastID)
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

		// The unique index on (run_id, seq) drops duplicate resolutions.
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO run_events (run_id, id, type, seq, name, payload, failure, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteRunStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrRunNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, seq, name, payload, failure, at
		FROM run_events
		WHERE run_id = ?
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

func (s *SQLiteRunStore) RecordHeartbeat(ctx context.Context, runID string, seq int64, details []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrRunNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO heartbeats (run_id, seq, details, has_details, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(run_id, seq) DO UPDATE
		SET details = excluded.details, has_details = 1, updated_at = excluded.updated_at`,
		runID, seq, details, time.Now().UnixNano(),
	)
	if err != nil {
		return false, err
	}

	var cancelRequested bool
	err = tx.QueryRowContext(ctx, `
		SELECT cancel_requested FROM heartbeats WHERE run_id = ? AND seq = ?`,
		runID, seq).Scan(&cancelRequested)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return cancelRequested, nil
}

func (s *SQLiteRunStore) SetCancelRequested(ctx context.Context, runID string, seq int64) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (run_id, seq, cancel_requested, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(run_id, seq) DO UPDATE
		SET cancel_requested = 1, updated_at = excluded.updated_at`,
		runID, seq, time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteRunStore) LastHeartbeat(ctx context.Context, runID string, seq int64) ([]byte, bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err != nil {
		return nil, false, err
	}
	if exists == 0 {
		return nil, false, ErrRunNotFound
	}

	var details []byte
	var hasDetails bool
	err = s.db.QueryRowContext(ctx, `
		SELECT details, has_details FROM heartbeats WHERE run_id = ? AND seq = ?`,
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
