package mongo

import (
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/turno"
)

// NewMongoHarness returns a Harness that persists runs, histories and
// queued tasks in MongoDB. Runs survive process restarts and the queue
// can be shared by workers on many hosts; workflow programs live in
// worker processes and must be re-registered on startup.
//
// dbName selects the database; empty means "turno".
func NewMongoHarness(client *mongo.Client, dbName string) (*turno.Harness, error) {
	store, err := NewMongoStore(client, dbName)
	if err != nil {
		return nil, err
	}
	queue, err := NewMongoQueue(client, dbName)
	if err != nil {
		return nil, err
	}
	return turno.NewHarness(store, queue), nil
}
