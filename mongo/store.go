// Package mongo provides a MongoDB-backed run store and task queue.
package mongo

import (
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/turno"
	mstore "github.com/petrijr/turno/mongo/internal/persistence"
)

// NewMongoStore returns a run store that persists runs, histories and
// heartbeats in MongoDB. dbName defaults to "turno" if empty.
func NewMongoStore(client *mongo.Client, dbName string) (turno.Store, error) {
	return mstore.NewMongoRunStore(client, dbName)
}
