package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisURL = "redis://localhost:6379"

// RedisIndex shares the cache index between hosts. Each entry is a JSON
// value written with SETNX, and a sorted set per scope lists the keys.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

func NewRedisIndex(url string) (*RedisIndex, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisIndex{client: client, prefix: "dotflow:cache"}, nil
}

func (r *RedisIndex) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisIndex) entryKey(scope, key string) string {
	return fmt.Sprintf("%s:%s:entry:%s", r.prefix, scope, key)
}

func (r *RedisIndex) indexKey(scope string) string {
	return fmt.Sprintf("%s:%s:keys", r.prefix, scope)
}

func (r *RedisIndex) Get(ctx context.Context, scope, key string) (Entry, error) {
	data, err := r.client.Get(ctx, r.entryKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return e, nil
}

func (r *RedisIndex) Put(ctx context.Context, e Entry) (bool, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal cache entry: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.entryKey(e.Scope, e.Key), payload, 0).Result()
	if err != nil || !ok {
		return false, err
	}
	err = r.client.ZAdd(ctx, r.indexKey(e.Scope), redis.Z{
		Score:  float64(e.CreatedAt.UnixMilli()),
		Member: e.Key,
	}).Err()
	return true, err
}

func (r *RedisIndex) List(ctx context.Context, scope string) ([]Entry, error) {
	keys, err := r.client.ZRange(ctx, r.indexKey(scope), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Entry{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, r.entryKey(scope, k))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]Entry, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sortByCreated(out)
	return out, nil
}

func (r *RedisIndex) Touch(ctx context.Context, scope, key string, at time.Time) error {
	e, err := r.Get(ctx, scope, key)
	if err != nil {
		return err
	}
	e.LastAccess = at
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return r.client.SetXX(ctx, r.entryKey(scope, key), payload, redis.KeepTTL).Err()
}

func (r *RedisIndex) Delete(ctx context.Context, scope, key string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.entryKey(scope, key))
	pipe.ZRem(ctx, r.indexKey(scope), key)
	_, err := pipe.Exec(ctx)
	return err
}
