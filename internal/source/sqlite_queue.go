package source

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/turno/pkg/api"
)

// SQLiteQueue is a persistent lease-based Queue backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"); the caller imports the driver. Dequeue polls the
// table because SQLite has no notification primitive.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the records table in the given DB and returns
// a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_records (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			kind TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			activity_name TEXT NOT NULL DEFAULT '',
			input BLOB,
			run_timeout INTEGER NOT NULL DEFAULT 0,
			execution_deadline INTEGER NOT NULL DEFAULT 0,
			retry BLOB,
			attempts INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_task_records_key
			ON task_records(key, not_before, enqueued_at, id);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, rec Record) error {
	retry, err := encodeRetry(rec.Retry)
	if err != nil {
		return err
	}

	now := time.Now()
	enqueuedAt := rec.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}
	notBefore := rec.NotBefore
	if notBefore.IsZero() {
		notBefore = enqueuedAt
	}
	var deadlineN int64
	if !rec.ExecutionDeadline.IsZero() {
		deadlineN = rec.ExecutionDeadline.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_records
			(id, key, kind, run_id, seq, activity_name, input, run_timeout, execution_deadline, retry, attempts, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Key,
		string(rec.Kind),
		rec.RunID,
		rec.Seq,
		rec.ActivityName,
		rec.Input,
		int64(rec.RunTimeout),
		deadlineN,
		retry,
		rec.Attempt,
		enqueuedAt.UnixNano(),
		notBefore.UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, key, owner string, leaseTTL time.Duration) (*Record, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now()

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			rec        Record
			kindStr    string
			runTimeout int64
			deadlineN  int64
			retry      []byte
			enqueuedN  int64
			notBeforeN int64
		)

		row := tx.QueryRowContext(ctx, `
			SELECT id, kind, run_id, seq, activity_name, input, run_timeout, execution_deadline, retry, attempts, enqueued_at, not_before
			FROM task_records
			WHERE key = ? AND not_before <= ? AND (owner = '' OR lease_until <= ?)
			ORDER BY not_before, enqueued_at, id
			LIMIT 1`, key, now.UnixNano(), now.UnixNano())
		err = row.Scan(&rec.ID, &kindStr, &rec.RunID, &rec.Seq, &rec.ActivityName, &rec.Input,
			&runTimeout, &deadlineN, &retry, &rec.Attempt, &enqueuedN, &notBeforeN)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing available: sleep a bit and retry.
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		// Claim the row under a lease instead of deleting it. Only Ack
		// removes records; a crashed worker's claim just expires.
		_, err = tx.ExecContext(ctx, `
			UPDATE task_records
			SET owner = ?, lease_until = ?, attempts = attempts + 1
			WHERE id = ?`,
			owner, now.Add(leaseTTL).UnixNano(), rec.ID)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}

		rec.Key = key
		rec.Kind = api.TaskKind(kindStr)
		rec.RunTimeout = time.Duration(runTimeout)
		if deadlineN != 0 {
			rec.ExecutionDeadline = time.Unix(0, deadlineN)
		}
		rec.Attempt++
		rec.EnqueuedAt = time.Unix(0, enqueuedN)
		rec.NotBefore = time.Unix(0, notBeforeN)
		rec.Retry, err = decodeRetry(retry)
		if err != nil {
			return nil, err
		}

		return &rec, nil
	}
}

func (q *SQLiteQueue) Ack(ctx context.Context, id, owner string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM task_records
		WHERE id = ? AND owner = ? AND lease_until > ?`,
		id, owner, time.Now().UnixNano())
	if err != nil {
		return err
	}
	return leaseAffected(res)
}

func (q *SQLiteQueue) Nack(ctx context.Context, id, owner string, notBefore time.Time) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE task_records
		SET owner = '', lease_until = 0, not_before = ?
		WHERE id = ? AND owner = ? AND lease_until > ?`,
		notBefore.UnixNano(), id, owner, time.Now().UnixNano())
	if err != nil {
		return err
	}
	return leaseAffected(res)
}

func (q *SQLiteQueue) RenewLease(ctx context.Context, id, owner string, leaseTTL time.Duration) error {
	now := time.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE task_records
		SET lease_until = ?
		WHERE id = ? AND owner = ? AND lease_until > ?`,
		now.Add(leaseTTL).UnixNano(), id, owner, now.UnixNano())
	if err != nil {
		return err
	}
	return leaseAffected(res)
}

func (q *SQLiteQueue) Len(key string) int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM task_records WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

// leaseAffected maps a zero-row lease operation to ErrLeaseLost.
func leaseAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}
