package taskqueue

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/turno/internal/source"
)

// RedisQueue is a lease-based Queue backed by Redis. Each delivery key
// maps to four keys, plus one global index shared by all keys:
//
//	<prefix>q:<key>:sched    => ZSET record ID scored by visible-at (unix ms)
//	<prefix>q:<key>:data     => HASH record ID -> gob-encoded source.Record
//	<prefix>q:<key>:owner    => HASH record ID -> current lease owner
//	<prefix>q:<key>:attempts => HASH record ID -> delivery count
//	<prefix>q:index          => HASH record ID -> delivery key
//
// Record IDs are unique across keys, so the index both deduplicates
// enqueues and lets Ack, Nack and RenewLease find a record from its ID
// alone.
//
// The schedule score does double duty. For a queued record it is the
// not-before time; for a leased record it is the lease expiry. Either way
// a record is eligible exactly when its score is in the past, so claiming
// is a single ZRANGEBYSCORE against now.
//
// Scores are unix milliseconds, which stay inside float64 integer
// precision. All mutations run as Lua scripts so the owner and lease
// checks are atomic with their updates.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

var _ source.Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a RedisQueue. prefix is optional but recommended
// (e.g. "turno:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "turno:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 50 * time.Millisecond,
	}
}

func (q *RedisQueue) keys(key string) []string {
	base := q.prefix + "q:" + key
	return []string{base + ":sched", base + ":data", base + ":owner", base + ":attempts"}
}

func (q *RedisQueue) keyIndex() string {
	return q.prefix + "q:index"
}

// enqueueScript inserts a record unless its ID is already known, queued
// or leased. KEYS: index, sched, data, attempts. ARGV: id, delivery key,
// payload, visible-at ms, initial attempts.
var enqueueScript = `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
if tonumber(ARGV[5]) > 0 then
    redis.call('HSET', KEYS[4], ARGV[1], ARGV[5])
end
return 1
`

// claimScript leases the first eligible record. KEYS: sched, data, owner,
// attempts. ARGV: now ms, lease-until ms, owner. Returns false when
// nothing is eligible, else {id, payload, attempts, previous score}.
var claimScript = `
local hit = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 1)
if #hit == 0 then
    return false
end
local id = hit[1]
local visible = hit[2]
redis.call('ZADD', KEYS[1], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)
local payload = redis.call('HGET', KEYS[2], id)
return {id, payload, attempts, visible}
`

// ackScript deletes a record if the caller still holds a live lease.
// KEYS: sched, data, owner, attempts, index. ARGV: id, owner, now ms.
var ackScript = `
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
    return 0
end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
    return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`

// nackScript releases a live lease and reschedules the record. The
// attempt count is left alone. KEYS: sched, owner. ARGV: id, owner,
// now ms, not-before ms.
var nackScript = `
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
    return 0
end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`

// renewScript extends a live lease. KEYS: sched, owner. ARGV: id, owner,
// now ms, lease-until ms.
var renewScript = `
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
    return 0
end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`

func (q *RedisQueue) Enqueue(ctx context.Context, rec source.Record) error {
	now := time.Now()
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = now
	}
	if rec.NotBefore.IsZero() {
		rec.NotBefore = rec.EnqueuedAt
	}

	payload, err := encodeRecord(&rec)
	if err != nil {
		return err
	}

	ks := q.keys(rec.Key)
	keys := []string{q.keyIndex(), ks[0], ks[1], ks[3]}
	return q.client.Eval(ctx, enqueueScript, keys,
		rec.ID, rec.Key, payload, rec.NotBefore.UnixMilli(), rec.Attempt,
	).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, key, owner string, leaseTTL time.Duration) (*source.Record, error) {
	keys := q.keys(key)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now()
		res, err := q.client.Eval(ctx, claimScript, keys,
			now.UnixMilli(), now.Add(leaseTTL).UnixMilli(), owner,
		).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Nothing eligible: sleep a bit and retry.
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		reply, ok := res.([]interface{})
		if !ok || len(reply) != 4 {
			return nil, fmt.Errorf("dequeue: unexpected claim reply %T", res)
		}
		payload, _ := reply[1].(string)
		attempts, _ := reply[2].(int64)
		visible, _ := reply[3].(string)

		rec, err := decodeRecord([]byte(payload))
		if err != nil {
			return nil, err
		}
		rec.Key = key
		rec.Attempt = int(attempts)
		if ms, err := strconv.ParseFloat(visible, 64); err == nil {
			rec.NotBefore = time.UnixMilli(int64(ms))
		}
		return rec, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, id, owner string) error {
	key, err := q.resolveKey(ctx, id)
	if err != nil {
		return err
	}
	keys := append(q.keys(key), q.keyIndex())
	return q.leaseOp(ctx, ackScript, keys, id, owner, time.Now().UnixMilli())
}

func (q *RedisQueue) Nack(ctx context.Context, id, owner string, notBefore time.Time) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	key, err := q.resolveKey(ctx, id)
	if err != nil {
		return err
	}
	ks := q.keys(key)
	return q.leaseOp(ctx, nackScript, []string{ks[0], ks[2]},
		id, owner, time.Now().UnixMilli(), notBefore.UnixMilli())
}

func (q *RedisQueue) RenewLease(ctx context.Context, id, owner string, leaseTTL time.Duration) error {
	key, err := q.resolveKey(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	ks := q.keys(key)
	return q.leaseOp(ctx, renewScript, []string{ks[0], ks[2]},
		id, owner, now.UnixMilli(), now.Add(leaseTTL).UnixMilli())
}

func (q *RedisQueue) Len(key string) int {
	n, err := q.client.ZCard(context.Background(), q.keys(key)[0]).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// resolveKey looks up the delivery key a record was enqueued under. A
// missing entry means the record was acked or never existed, which a
// lease operation reports as a lost lease.
func (q *RedisQueue) resolveKey(ctx context.Context, id string) (string, error) {
	key, err := q.client.HGet(ctx, q.keyIndex(), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", source.ErrLeaseLost
		}
		return "", err
	}
	return key, nil
}

func (q *RedisQueue) leaseOp(ctx context.Context, script string, keys []string, args ...any) error {
	ok, err := q.client.Eval(ctx, script, keys, args...).Int64()
	if err != nil {
		return err
	}
	if ok == 0 {
		return source.ErrLeaseLost
	}
	return nil
}

func encodeRecord(rec *source.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*source.Record, error) {
	var rec source.Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
