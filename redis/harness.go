package redis

import (
	"github.com/petrijr/turno"
	"github.com/redis/go-redis/v9"
)

// NewRedisHarness wires a Redis-backed store and queue into a Harness.
// Workers in any process that point at the same Redis and prefix share
// the task queues.
func NewRedisHarness(client *redis.Client, prefix string) *turno.Harness {
	return turno.NewHarness(NewRedisStore(client, prefix), NewRedisQueue(client, prefix))
}
