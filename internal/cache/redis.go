package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"pos-offline-sync/internal/store"
)

const scanBatch = 200

var _ store.CacheStore = (*RedisStorage)(nil)

// RedisStorage keeps cache entries in Redis.
//
// Keys:
//
//	<prefix>:generation            active generation
//	<prefix>:gen:<g>:<identity>    JSON encoded store.CacheEntry
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "poscache"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (r *RedisStorage) generationKey() string {
	return r.prefix + ":generation"
}

func (r *RedisStorage) generationPrefix(generation int64) string {
	return fmt.Sprintf("%s:gen:%d:", r.prefix, generation)
}

func (r *RedisStorage) entryKey(generation int64, key string) string {
	return r.generationPrefix(generation) + key
}

func (r *RedisStorage) CacheGeneration(ctx context.Context) (int64, error) {
	v, err := r.client.Get(ctx, r.generationKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *RedisStorage) GetCacheEntry(ctx context.Context, generation int64, key string) (*store.CacheEntry, error) {
	b, err := r.client.Get(ctx, r.entryKey(generation, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e store.CacheEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &e, nil
}

func (r *RedisStorage) PutCacheEntry(ctx context.Context, e *store.CacheEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.entryKey(e.Generation, e.Key), b, 0).Err()
}

// ActivateGeneration deletes the entries of every other generation, then
// records generation as active.
func (r *RedisStorage) ActivateGeneration(ctx context.Context, generation int64) (int64, error) {
	all := r.prefix + ":gen:"
	keep := r.generationPrefix(generation)
	purged, err := r.deleteMatching(ctx, all+"*", func(k string) bool {
		return !strings.HasPrefix(k, keep)
	})
	if err != nil {
		return purged, err
	}
	if err := r.client.Set(ctx, r.generationKey(), strconv.FormatInt(generation, 10), 0).Err(); err != nil {
		return purged, err
	}
	return purged, nil
}

func (r *RedisStorage) PurgeGeneration(ctx context.Context, generation int64) (int64, error) {
	return r.deleteMatching(ctx, r.generationPrefix(generation)+"*", func(string) bool { return true })
}

func (r *RedisStorage) deleteMatching(ctx context.Context, pattern string, match func(string) bool) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		var doomed []string
		for _, k := range keys {
			if match(k) {
				doomed = append(doomed, k)
			}
		}
		if len(doomed) > 0 {
			n, err := r.client.Del(ctx, doomed...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}
