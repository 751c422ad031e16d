package redis

import (
	"github.com/petrijr/turno"
	"github.com/redis/go-redis/v9"

	rqueue "github.com/petrijr/turno/redis/internal/taskqueue"
)

// NewRedisQueue returns a lease-based task queue backed by Redis.
// prefix is optional but recommended (e.g. "turno:").
func NewRedisQueue(client *redis.Client, prefix string) turno.Queue {
	return rqueue.NewRedisQueue(client, prefix)
}
