package redis

import (
	"github.com/petrijr/turno"
	"github.com/redis/go-redis/v9"

	rstore "github.com/petrijr/turno/redis/internal/persistence"
)

// NewRedisStore returns a RunStore that keeps runs, histories and activity
// heartbeats in Redis. prefix is optional but recommended (e.g. "turno:").
func NewRedisStore(client *redis.Client, prefix string) turno.Store {
	return rstore.NewRedisRunStore(client, prefix)
}
