package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/petrijr/turno/internal/persistence"
	"github.com/petrijr/turno/pkg/api"
)

// MongoRunStore is a RunStore backed by MongoDB.
//
// A run and its history live in one document: events are an embedded
// array guarded by a version counter, so appends are atomic single-doc
// updates and need no multi-document transactions. Heartbeats live in a
// separate collection keyed by "<runID>:<seq>".
type MongoRunStore struct {
	runs       *mongo.Collection
	heartbeats *mongo.Collection
}

var _ corep.RunStore = (*MongoRunStore)(nil)

// appendRetries bounds the optimistic retry loop in AppendEvents.
const appendRetries = 16

// NewMongoRunStore creates a Mongo-backed run store and ensures its
// indexes. dbName defaults to "turno" if empty.
func NewMongoRunStore(client *mongo.Client, dbName string) (*MongoRunStore, error) {
	if dbName == "" {
		dbName = "turno"
	}
	db := client.Database(dbName)
	s := &MongoRunStore{
		runs:       db.Collection("runs"),
		heartbeats: db.Collection("heartbeats"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workflow", Value: 1}, {Key: "status", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating runs index: %w", err)
	}
	return s, nil
}

type mongoRunDoc struct {
	ID        string `bson:"_id"`
	Workflow  string `bson:"workflow"`
	Namespace string `bson:"namespace"`
	TaskQueue string `bson:"task_queue"`
	Status    string `bson:"status"`
	Output    []byte `bson:"output,omitempty"`
	Failure   []byte `bson:"failure,omitempty"`
	CreatedAt int64  `bson:"created_at"`
	UpdatedAt int64  `bson:"updated_at"`

	// History bookkeeping. HistoryVersion changes on every append;
	// LastEventID is the highest assigned event ID.
	HistoryVersion int64           `bson:"history_version"`
	LastEventID    int64           `bson:"last_event_id"`
	Events         []mongoEventDoc `bson:"events,omitempty"`
	ResolvedSeqs   []int64         `bson:"resolved_seqs,omitempty"`
}

type mongoEventDoc struct {
	ID      int64  `bson:"id"`
	Type    string `bson:"type"`
	Seq     int64  `bson:"seq,omitempty"`
	Name    string `bson:"name,omitempty"`
	Payload []byte `bson:"payload,omitempty"`
	Failure []byte `bson:"failure,omitempty"`
	At      int64  `bson:"at"`
}

type mongoHeartbeatDoc struct {
	ID              string `bson:"_id"`
	RunID           string `bson:"run_id"`
	Seq             int64  `bson:"seq"`
	Details         []byte `bson:"details,omitempty"`
	HasDetails      bool   `bson:"has_details"`
	CancelRequested bool   `bson:"cancel_requested"`
	UpdatedAt       int64  `bson:"updated_at"`
}

// runProjection excludes history fields from run reads.
var runProjection = bson.M{"events": 0, "resolved_seqs": 0}

func heartbeatID(runID string, seq int64) string {
	return fmt.Sprintf("%s:%d", runID, seq)
}

func (s *MongoRunStore) CreateRun(ctx context.Context, run *api.Run) error {
	failure, err := encodeFailure(run.Failure)
	if err != nil {
		return err
	}

	doc := mongoRunDoc{
		ID:        run.ID,
		Workflow:  run.Workflow,
		Namespace: run.Namespace,
		TaskQueue: run.TaskQueue,
		Status:    string(run.Status),
		Output:    run.Output,
		Failure:   failure,
		CreatedAt: run.CreatedAt.UnixNano(),
		UpdatedAt: run.UpdatedAt.UnixNano(),
	}

	_, err = s.runs.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return corep.ErrRunExists
		}
		return err
	}
	return nil
}

func (s *MongoRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(runProjection)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, corep.ErrRunNotFound
		}
		return nil, err
	}
	return docToRun(&doc)
}

func (s *MongoRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	failure, err := encodeFailure(run.Failure)
	if err != nil {
		return err
	}

	res, err := s.runs.UpdateByID(ctx, run.ID, bson.M{
		"$set": bson.M{
			"workflow":   run.Workflow,
			"namespace":  run.Namespace,
			"task_queue": run.TaskQueue,
			"status":     string(run.Status),
			"output":     run.Output,
			"failure":    failure,
			"updated_at": run.UpdatedAt.UnixNano(),
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return corep.ErrRunNotFound
	}
	return nil
}

func (s *MongoRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	bfilter := bson.M{}
	if filter.Workflow != "" {
		bfilter["workflow"] = filter.Workflow
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.runs.Find(ctx, bfilter, options.Find().SetProjection(runProjection))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var runs []*api.Run
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		run, err := docToRun(&doc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// AppendEvents appends under an optimistic version check on the run
// document. A concurrent appender bumps the version and forces a retry,
// so event IDs stay dense.
func (s *MongoRunStore) AppendEvents(ctx context.Context, runID string, events []api.Event) ([]api.Event, error) {
	for i := 0; i < appendRetries; i++ {
		appended, retry, err := s.tryAppend(ctx, runID, events)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return appended, nil
	}
	return nil, fmt.Errorf("append events: run %s history contended beyond %d retries", runID, appendRetries)
}

func (s *MongoRunStore) tryAppend(ctx context.Context, runID string, events []api.Event) ([]api.Event, bool, error) {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": runID},
		options.FindOne().SetProjection(bson.M{
			"history_version": 1,
			"last_event_id":   1,
			"resolved_seqs":   1,
		})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, corep.ErrRunNotFound
		}
		return nil, false, err
	}

	resolved := make(map[int64]bool, len(doc.ResolvedSeqs))
	for _, seq := range doc.ResolvedSeqs {
		resolved[seq] = true
	}

	lastID := doc.LastEventID
	var appended []api.Event
	var pushDocs []mongoEventDoc
	var newSeqs []int64
	for _, ev := range events {
		// Resolution events (Seq > 0) land at most once per run.
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

		failure, err := encodeFailure(ev.Failure)
		if err != nil {
			return nil, false, err
		}
		pushDocs = append(pushDocs, mongoEventDoc{
			ID:      ev.ID,
			Type:    string(ev.Type),
			Seq:     ev.Seq,
			Name:    ev.Name,
			Payload: ev.Payload,
			Failure: failure,
			At:      ev.At.UnixNano(),
		})
		appended = append(appended, ev)
	}
	if len(pushDocs) == 0 {
		return nil, false, nil
	}

	update := bson.M{
		"$push": bson.M{"events": bson.M{"$each": pushDocs}},
		"$set": bson.M{
			"history_version": doc.HistoryVersion + 1,
			"last_event_id":   lastID,
		},
	}
	if len(newSeqs) > 0 {
		update["$addToSet"] = bson.M{"resolved_seqs": bson.M{"$each": newSeqs}}
	}

	res, err := s.runs.UpdateOne(ctx, bson.M{
		"_id":             runID,
		"history_version": doc.HistoryVersion,
	}, update)
	if err != nil {
		return nil, false, err
	}
	if res.MatchedCount == 0 {
		// Lost the race; re-read and try again.
		return nil, true, nil
	}
	return appended, false, nil
}

func (s *MongoRunStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": runID},
		options.FindOne().SetProjection(bson.M{"events": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, corep.ErrRunNotFound
		}
		return nil, err
	}

	out := make([]api.Event, 0, len(doc.Events))
	for _, ed := range doc.Events {
		failure, err := decodeFailure(ed.Failure)
		if err != nil {
			return nil, err
		}
		out = append(out, api.Event{
			ID:      ed.ID,
			Type:    api.EventType(ed.Type),
			Seq:     ed.Seq,
			Name:    ed.Name,
			Payload: ed.Payload,
			Failure: failure,
			At:      time.Unix(0, ed.At),
		})
	}
	return out, nil
}

func (s *MongoRunStore) RecordHeartbeat(ctx context.Context, runID string, seq int64, details []byte) (bool, error) {
	if err := s.runExists(ctx, runID); err != nil {
		return false, err
	}

	var doc mongoHeartbeatDoc
	err := s.heartbeats.FindOneAndUpdate(ctx,
		bson.M{"_id": heartbeatID(runID, seq)},
		bson.M{
			"$set": bson.M{
				"details":     details,
				"has_details": true,
				"updated_at":  time.Now().UnixNano(),
			},
			"$setOnInsert": bson.M{"run_id": runID, "seq": seq},
		},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return false, err
	}
	return doc.CancelRequested, nil
}

func (s *MongoRunStore) SetCancelRequested(ctx context.Context, runID string, seq int64) error {
	if err := s.runExists(ctx, runID); err != nil {
		return err
	}

	_, err := s.heartbeats.UpdateOne(ctx,
		bson.M{"_id": heartbeatID(runID, seq)},
		bson.M{
			"$set": bson.M{
				"cancel_requested": true,
				"updated_at":       time.Now().UnixNano(),
			},
			"$setOnInsert": bson.M{"run_id": runID, "seq": seq},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoRunStore) LastHeartbeat(ctx context.Context, runID string, seq int64) ([]byte, bool, error) {
	if err := s.runExists(ctx, runID); err != nil {
		return nil, false, err
	}

	var doc mongoHeartbeatDoc
	err := s.heartbeats.FindOne(ctx, bson.M{"_id": heartbeatID(runID, seq)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !doc.HasDetails {
		return nil, false, nil
	}
	return doc.Details, true, nil
}

func (s *MongoRunStore) runExists(ctx context.Context, runID string) error {
	err := s.runs.FindOne(ctx, bson.M{"_id": runID},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return corep.ErrRunNotFound
	}
	return err
}

func docToRun(doc *mongoRunDoc) (*api.Run, error) {
	failure, err := decodeFailure(doc.Failure)
	if err != nil {
		return nil, err
	}
	return &api.Run{
		ID:        doc.ID,
		Workflow:  doc.Workflow,
		Namespace: doc.Namespace,
		TaskQueue: doc.TaskQueue,
		Status:    api.RunStatus(doc.Status),
		Output:    doc.Output,
		Failure:   failure,
		CreatedAt: time.Unix(0, doc.CreatedAt),
		UpdatedAt: time.Unix(0, doc.UpdatedAt),
	}, nil
}
