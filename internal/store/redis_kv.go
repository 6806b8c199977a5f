package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisAddr   = "127.0.0.1:6379"
	defaultRedisPrefix = "metaextract"
	redisPingTimeout   = 3 * time.Second
)

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// redisKV keeps each namespace in one hash named <prefix>:<namespace>.
type redisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects and pings the server before returning.
func NewRedisKV(ctx context.Context, opts RedisOptions) (KV, error) { //nolint:ireturn
	addr := opts.Addr
	if addr == "" {
		addr = defaultRedisAddr
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &redisKV{client: client, prefix: prefix}, nil
}

func (s *redisKV) hashKey(namespace string) string {
	return s.prefix + ":" + namespace
}

func (s *redisKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.hashKey(namespace), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return data, nil
}

func (s *redisKV) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.hashKey(namespace), key, value).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (s *redisKV) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.HDel(ctx, s.hashKey(namespace), key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

func (s *redisKV) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	all, err := s.client.HGetAll(ctx, s.hashKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *redisKV) Clear(ctx context.Context, namespace string) error {
	if err := s.client.Del(ctx, s.hashKey(namespace)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *redisKV) Close() error {
	return s.client.Close()
}
