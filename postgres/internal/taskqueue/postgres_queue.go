package taskqueue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"log"
	"time"

	"github.com/petrijr/turno/internal/source"
	"github.com/petrijr/turno/pkg/api"
)

// PostgresQueue is a persistent lease-based Queue backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver; the caller imports
// the driver (for example "github.com/jackc/pgx/v5/stdlib"). Claims use
// FOR UPDATE SKIP LOCKED, so concurrent pollers on the same key never
// contend on the same row. Dequeue polls because the queue lives in a
// plain table.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

var _ source.Queue = (*PostgresQueue)(nil)

// NewPostgresQueue initializes the records table in the given DB and
// returns a new queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_records (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			kind TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			activity_name TEXT NOT NULL DEFAULT '',
			input BYTEA,
			run_timeout BIGINT NOT NULL DEFAULT 0,
			execution_deadline BIGINT NOT NULL DEFAULT 0,
			retry BYTEA,
			attempts INTEGER NOT NULL DEFAULT 0,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			lease_until BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_task_records_key
			ON task_records(key, not_before, enqueued_at, id);
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, rec source.Record) error {
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
		INSERT INTO task_records
			(id, key, kind, run_id, seq, activity_name, input, run_timeout, execution_deadline, retry, attempts, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
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

func (q *PostgresQueue) Dequeue(ctx context.Context, key, owner string, leaseTTL time.Duration) (*source.Record, error) {
	// Reusable timer for idle polls.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := q.tryClaim(ctx, key, owner, leaseTTL)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing available yet: wait a bit and retry.
				tmr.Reset(q.pollInterval)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}
		return rec, nil
	}
}

func (q *PostgresQueue) tryClaim(ctx context.Context, key, owner string, leaseTTL time.Duration) (*source.Record, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		rec        source.Record
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
		WHERE key = $1 AND not_before <= $2 AND (owner = '' OR lease_until <= $2)
		ORDER BY not_before, enqueued_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, key, now.UnixNano())
	err = row.Scan(&rec.ID, &kindStr, &rec.RunID, &rec.Seq, &rec.ActivityName, &rec.Input,
		&runTimeout, &deadlineN, &retry, &rec.Attempt, &enqueuedN, &notBeforeN)
	if err != nil {
		return nil, err
	}

	// Claim the row under a lease instead of deleting it. Only Ack removes
	// records; a crashed worker's claim just expires.
	_, err = tx.ExecContext(ctx, `
		UPDATE task_records
		SET owner = $1, lease_until = $2, attempts = attempts + 1
		WHERE id = $3`,
		owner, now.Add(leaseTTL).UnixNano(), rec.ID)
	if err != nil {
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

func (q *PostgresQueue) Ack(ctx context.Context, id, owner string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM task_records
		WHERE id = $1 AND owner = $2 AND lease_until > $3`,
		id, owner, time.Now().UnixNano())
	if err != nil {
		return err
	}
	return leaseAffected(res)
}

func (q *PostgresQueue) Nack(ctx context.Context, id, owner string, notBefore time.Time) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE task_records
		SET owner = '', lease_until = 0, not_before = $1
		WHERE id = $2 AND owner = $3 AND lease_until > $4`,
		notBefore.UnixNano(), id, owner, time.Now().UnixNano())
	if err != nil {
		return err
	}
	return leaseAffected(res)
}

func (q *PostgresQueue) RenewLease(ctx context.Context, id, owner string, leaseTTL time.Duration) error {
	now := time.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE task_records
		SET lease_until = $1
		WHERE id = $2 AND owner = $3 AND lease_until > $4`,
		now.Add(leaseTTL).UnixNano(), id, owner, now.UnixNano())
	if err != nil {
		return err
	}
	return leaseAffected(res)
}

func (q *PostgresQueue) Len(key string) int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM task_records WHERE key = $1`, key).Scan(&n); err != nil {
		log.Printf("PostgresQueue: Len failed: %v", err)
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
		return source.ErrLeaseLost
	}
	return nil
}

// encodeRetry serializes a retry policy for storage. A nil policy encodes
// to nil.
func encodeRetry(p *api.RetryPolicy) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRetry(data []byte) (*api.RetryPolicy, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p api.RetryPolicy
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
