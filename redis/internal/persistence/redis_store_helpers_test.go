package persistence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/turno/redis/internal/testutil"
)

const prefix = "turno:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	endpoint string
	store    *RedisRunStore
	client   *redis.Client
	ctx      context.Context
}

func TestRedisStoreSuite(t *testing.T) {
	ts := new(RedisStoreTestSuite)
	ts.endpoint = testutil.GetRedisAddr(t)
	initTestRedisStore(t, ts)
	suite.Run(t, ts)
}

// SetupTest clears every key under the test prefix so each test starts
// from an empty store.
func (r *RedisStoreTestSuite) SetupTest() {
	ctx := context.Background()

	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		err := r.client.Del(ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed", iter.Val())
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

func initTestRedisStore(t *testing.T, ts *RedisStoreTestSuite) {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: ts.endpoint,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	ts.client = client
	ts.ctx = context.Background()

	if err := client.Ping(ts.ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	ts.store = NewRedisRunStore(client, prefix)
}
