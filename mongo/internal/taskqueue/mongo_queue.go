package taskqueue

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/turno/internal/source"
)

// MongoQueue is a lease-based Queue backed by a MongoDB collection.
//
// Claims are single FindOneAndUpdate calls, so no two owners can lease
// the same record. Dequeue polls because change streams require a
// replica set and the queue must work against a standalone server.
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

var _ source.Queue = (*MongoQueue)(nil)

// NewMongoQueue creates a Mongo-backed queue and ensures its indexes.
// dbName defaults to "turno" if empty.
func NewMongoQueue(client *mongo.Client, dbName string) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "turno"
	}
	q := &MongoQueue{
		coll:         client.Database(dbName).Collection("task_records"),
		pollInterval: 50 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "key", Value: 1}, {Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating task_records index: %w", err)
	}
	return q, nil
}

type mongoRecordDoc struct {
	ID         string `bson:"_id"`
	Key        string `bson:"key"`
	Payload    []byte `bson:"payload"`
	Attempts   int    `bson:"attempts"`
	EnqueuedAt int64  `bson:"enqueued_at"`
	NotBefore  int64  `bson:"not_before"`
	Owner      string `bson:"owner"`
	LeaseUntil int64  `bson:"lease_until"`
}

func (q *MongoQueue) Enqueue(ctx context.Context, rec source.Record) error {
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

	doc := mongoRecordDoc{
		ID:         rec.ID,
		Key:        rec.Key,
		Payload:    payload,
		Attempts:   rec.Attempt,
		EnqueuedAt: rec.EnqueuedAt.UnixNano(),
		NotBefore:  rec.NotBefore.UnixNano(),
	}

	_, err = q.coll.InsertOne(ctx, doc)
	if err != nil {
		// A record whose ID is already present is dropped silently.
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}
	return nil
}

func (q *MongoQueue) Dequeue(ctx context.Context, key, owner string, leaseTTL time.Duration) (*source.Record, error) {
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

		now := time.Now()
		nowN := now.UnixNano()

		filter := bson.M{
			"key":        key,
			"not_before": bson.M{"$lte": nowN},
			"$or": []bson.M{
				{"owner": ""},
				{"lease_until": bson.M{"$lte": nowN}},
			},
		}
		update := bson.M{
			"$set": bson.M{
				"owner":       owner,
				"lease_until": now.Add(leaseTTL).UnixNano(),
			},
			"$inc": bson.M{"attempts": 1},
		}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetReturnDocument(options.After)

		var doc mongoRecordDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				// Nothing eligible: wait a bit and retry.
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

		rec, err := decodeRecord(doc.Payload)
		if err != nil {
			return nil, err
		}
		rec.Key = doc.Key
		rec.Attempt = doc.Attempts
		rec.EnqueuedAt = time.Unix(0, doc.EnqueuedAt)
		rec.NotBefore = time.Unix(0, doc.NotBefore)
		return rec, nil
	}
}

func (q *MongoQueue) Ack(ctx context.Context, id, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{
		"_id":         id,
		"owner":       owner,
		"lease_until": bson.M{"$gt": time.Now().UnixNano()},
	})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return source.ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, id, owner string, notBefore time.Time) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	res, err := q.coll.UpdateOne(ctx,
		bson.M{
			"_id":         id,
			"owner":       owner,
			"lease_until": bson.M{"$gt": time.Now().UnixNano()},
		},
		bson.M{"$set": bson.M{
			"owner":       "",
			"lease_until": int64(0),
			"not_before":  notBefore.UnixNano(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return source.ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) RenewLease(ctx context.Context, id, owner string, leaseTTL time.Duration) error {
	now := time.Now()
	res, err := q.coll.UpdateOne(ctx,
		bson.M{
			"_id":         id,
			"owner":       owner,
			"lease_until": bson.M{"$gt": now.UnixNano()},
		},
		bson.M{"$set": bson.M{"lease_until": now.Add(leaseTTL).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return source.ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Len(key string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{"key": key})
	if err != nil {
		log.Printf("MongoQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
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
