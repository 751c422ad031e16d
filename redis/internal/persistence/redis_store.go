package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	corep "github.com/petrijr/turno/internal/persistence"
	"github.com/petrijr/turno/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis. It uses a simple key
// structure:
//
//	<prefix>run:<id>         => gob-encoded api.Run
//	<prefix>run:<id>:events  => LIST of gob-encoded api.Event
//	<prefix>run:<id>:seqs    => SET of resolved command sequence numbers
//	<prefix>run:<id>:hb      => HASH seq -> latest heartbeat details
//	<prefix>run:<id>:cancel  => SET of seqs with cancellation requested
//	<prefix>idx:runs         => SET of all run IDs
//	<prefix>idx:wf:<name>    => SET of run IDs per workflow
//	<prefix>idx:status:<st>  => SET of run IDs per status
//
// Status index entries can go stale between the payload write and the
// index update; ListRuns re-filters decoded payloads, so the indexes only
// ever over-select.
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var _ corep.RunStore = (*RedisRunStore)(nil)

// appendRetries bounds the optimistic retry loop in AppendEvents.
const appendRetries = 16

// NewRedisRunStore creates a RedisRunStore. prefix is optional but
// recommended (e.g. "turno:").
func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "turno:"
	}
	return &RedisRunStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisRunStore) keyRun(id string) string {
	return s.prefix + "run:" + id
}

func (s *RedisRunStore) keyEvents(id string) string {
	return s.prefix + "run:" + id + ":events"
}

func (s *RedisRunStore) keySeqs(id string) string {
	return s.prefix + "run:" + id + ":seqs"
}

func (s *RedisRunStore) keyHeartbeats(id string) string {
	return s.prefix + "run:" + id + ":hb"
}

func (s *RedisRunStore) keyCancels(id string) string {
	return s.prefix + "run:" + id + ":cancel"
}

func (s *RedisRunStore) keyAll() string {
	return s.prefix + "idx:runs"
}

func (s *RedisRunStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisRunStore) keyStatus(status api.RunStatus) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisRunStore) CreateRun(ctx context.Context, run *api.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyRun(run.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return corep.ErrRunExists
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), run.ID)
	pipe.SAdd(ctx, s.keyWorkflow(run.Workflow), run.ID)
	pipe.SAdd(ctx, s.keyStatus(run.Status), run.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, corep.ErrRunNotFound
		}
		return nil, err
	}
	return decodeRun(data)
}

func (s *RedisRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}

	// XX: only overwrite an existing payload.
	ok, err := s.client.SetXX(ctx, s.keyRun(run.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return corep.ErrRunNotFound
	}

	// Move the ID between the status sets. The status enum is closed, so
	// removing from the two others is cheaper than reading the old run.
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), run.ID)
	pipe.SAdd(ctx, s.keyWorkflow(run.Workflow), run.ID)
	pipe.SAdd(ctx, s.keyStatus(run.Status), run.ID)
	for _, st := range []api.RunStatus{api.RunStatusRunning, api.RunStatusCompleted, api.RunStatusFailed} {
		if st != run.Status {
			pipe.SRem(ctx, s.keyStatus(st), run.ID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	var ids []string
	var err error

	switch {
	case filter.Workflow != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyWorkflow(filter.Workflow),
			s.keyStatus(filter.Status),
		).Result()
	case filter.Workflow != "":
		ids, err = s.client.SMembers(ctx, s.keyWorkflow(filter.Workflow)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRun(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var runs []*api.Run
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		// The payload is authoritative; shed stale index candidates.
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// AppendEvents assigns dense event IDs from the current list length under
// an optimistic WATCH transaction, so concurrent appenders for one run
// serialize instead of interleaving IDs.
func (s *RedisRunStore) AppendEvents(ctx context.Context, runID string, events []api.Event) ([]api.Event, error) {
	keyEvents := s.keyEvents(runID)
	keySeqs := s.keySeqs(runID)

	var appended []api.Event

	txf := func(tx *redis.Tx) error {
		appended = appended[:0]

		exists, err := tx.Exists(ctx, s.keyRun(runID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return corep.ErrRunNotFound
		}

		lastID, err := tx.LLen(ctx, keyEvents).Result()
		if err != nil {
			return err
		}

		// Resolution events (Seq > 0) are appended at most once per run.
		resolved := map[int64]bool{}
		var seqArgs []any
		for _, ev := range events {
			if ev.Seq > 0 {
				seqArgs = append(seqArgs, ev.Seq)
			}
		}
		if len(seqArgs) > 0 {
			hits, err := tx.SMIsMember(ctx, keySeqs, seqArgs...).Result()
			if err != nil {
				return err
			}
			for i, hit := range hits {
				if hit {
					resolved[seqArgs[i].(int64)] = true
				}
			}
		}

		var payloads [][]byte
		var newSeqs []any
		for _, ev := range events {
			if ev.Seq > 0 {
				if resolved[ev.Seq] {
					continue
				}
				resolved[ev.Seq] = true
				newSeqs = append(newSeqs, ev.Seq)
			}
			if ev.At.IsZero() {
				ev.At = time.Now()
			}
			lastID++
			ev.ID = lastID

			data, err := encodeEvent(&ev)
			if err != nil {
				return err
			}
			payloads = append(payloads, data)
			appended = append(appended, ev)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, data := range payloads {
				pipe.RPush(ctx, keyEvents, data)
			}
			if len(newSeqs) > 0 {
				pipe.SAdd(ctx, keySeqs, newSeqs...)
			}
			return nil
		})
		return err
	}

	for i := 0; i < appendRetries; i++ {
		err := s.client.Watch(ctx, txf, keyEvents, keySeqs)
		if err == nil {
			return appended, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("append events: run %s history contended beyond %d retries", runID, appendRetries)
}

func (s *RedisRunStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	exists, err := s.client.Exists(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, corep.ErrRunNotFound
	}

	raw, err := s.client.LRange(ctx, s.keyEvents(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]api.Event, 0, len(raw))
	for _, data := range raw {
		ev, err := decodeEvent([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (s *RedisRunStore) RecordHeartbeat(ctx context.Context, runID string, seq int64, details []byte) (bool, error) {
	exists, err := s.client.Exists(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, corep.ErrRunNotFound
	}

	field := strconv.FormatInt(seq, 10)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keyHeartbeats(runID), field, details)
	cancelled := pipe.SIsMember(ctx, s.keyCancels(runID), field)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return cancelled.Val(), nil
}

func (s *RedisRunStore) SetCancelRequested(ctx context.Context, runID string, seq int64) error {
	exists, err := s.client.Exists(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return corep.ErrRunNotFound
	}

	return s.client.SAdd(ctx, s.keyCancels(runID), strconv.FormatInt(seq, 10)).Err()
}

func (s *RedisRunStore) LastHeartbeat(ctx context.Context, runID string, seq int64) ([]byte, bool, error) {
	exists, err := s.client.Exists(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return nil, false, err
	}
	if exists == 0 {
		return nil, false, corep.ErrRunNotFound
	}

	data, err := s.client.HGet(ctx, s.keyHeartbeats(runID), strconv.FormatInt(seq, 10)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func encodeRun(run *api.Run) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(run); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRun(data []byte) (*api.Run, error) {
	if len(data) == 0 {
		return nil, corep.ErrRunNotFound
	}
	var run api.Run
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&run); err != nil {
		return nil, err
	}
	return &run, nil
}

func encodeEvent(ev *api.Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEvent(data []byte) (*api.Event, error) {
	var ev api.Event
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
