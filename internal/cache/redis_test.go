package cache

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-offline-sync/internal/store"
)

func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	addr := os.Getenv("POS_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 500 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	s := NewRedisStorage(client, "postest-"+uuid.NewString())
	t.Cleanup(func() {
		_, _ = s.deleteMatching(context.Background(), s.prefix+":*", func(string) bool { return true })
		client.Close()
	})
	return s
}

func TestRedisStorage_Entries(t *testing.T) {
	ctx := context.Background()
	s := newTestRedis(t)

	gen, err := s.CacheGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)

	e, err := s.GetCacheEntry(ctx, 1, "GET http://pos/app.js")
	require.NoError(t, err)
	assert.Nil(t, e)

	require.NoError(t, s.PutCacheEntry(ctx, &store.CacheEntry{
		Generation: 1,
		Key:        "GET http://pos/app.js",
		URL:        "http://pos/app.js",
		Status:     http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/javascript"}},
		Body:       []byte("console.log(1)"),
		StoredAt:   time.Now().UTC(),
	}))

	e, err = s.GetCacheEntry(ctx, 1, "GET http://pos/app.js")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "console.log(1)", string(e.Body))
	assert.Equal(t, "text/javascript", e.Header.Get("Content-Type"))
}

func TestRedisStorage_ActivatePurgesOtherGenerations(t *testing.T) {
	ctx := context.Background()
	s := newTestRedis(t)

	for _, g := range []int64{1, 2} {
		for _, k := range []string{"GET http://pos/", "GET http://pos/index.html"} {
			require.NoError(t, s.PutCacheEntry(ctx, &store.CacheEntry{Generation: g, Key: k, Status: http.StatusOK}))
		}
	}

	purged, err := s.ActivateGeneration(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	gen, err := s.CacheGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen)

	old, err := s.GetCacheEntry(ctx, 1, "GET http://pos/")
	require.NoError(t, err)
	assert.Nil(t, old)
	cur, err := s.GetCacheEntry(ctx, 2, "GET http://pos/")
	require.NoError(t, err)
	assert.NotNil(t, cur)

	n, err := s.PurgeGeneration(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
