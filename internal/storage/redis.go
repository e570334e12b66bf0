package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "clipflow/pkg/logx"
)

// redisStore keeps one hash (id -> doc) and one sorted set (id scored by
// insertion sequence) per collection.
//
// Keys:
//   - <prefix>:<collection>:docs
//   - <prefix>:<collection>:order
//   - <prefix>:<collection>:seq
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "clipflow"
	}
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) key(collection, part string) string {
	return s.prefix + ":" + collection + ":" + part
}

func (s *redisStore) Get(ctx context.Context, collection, id string) ([]byte, bool, error) {
	val, err := s.client.HGet(ctx, s.key(collection, "docs"), id).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *redisStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	seq, err := s.client.Incr(ctx, s.key(collection, "seq")).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	// NX keeps the original position on replace.
	pipe.ZAddNX(ctx, s.key(collection, "order"), redis.Z{Score: float64(seq), Member: id})
	pipe.HSet(ctx, s.key(collection, "docs"), id, doc)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	pipe := s.client.TxPipeline()
	del := pipe.HDel(ctx, s.key(collection, "docs"), id)
	pipe.ZRem(ctx, s.key(collection, "order"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func (s *redisStore) List(ctx context.Context, collection string) ([]Record, error) {
	ids, err := s.client.ZRange(ctx, s.key(collection, "order"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.key(collection, "docs"), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, Record{ID: ids[i], Doc: []byte(str)})
	}
	return out, nil
}

func (s *redisStore) Close() error { return s.client.Close() }
