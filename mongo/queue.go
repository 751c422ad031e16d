package mongo

import (
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/turno"
	mqueue "github.com/petrijr/turno/mongo/internal/taskqueue"
)

// NewMongoQueue returns a lease-based task queue backed by MongoDB.
// dbName defaults to "turno" if empty.
func NewMongoQueue(client *mongo.Client, dbName string) (turno.Queue, error) {
	return mqueue.NewMongoQueue(client, dbName)
}
