package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateAttempts = 16

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Redis stores JSON-encoded values under a key prefix. Update uses
// WATCH/MULTI so concurrent writers on different processes stay atomic.
type Redis[V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a store whose keys live under prefix. A ttl of zero means
// entries never expire; otherwise every write refreshes the expiry.
func NewRedis[V any](client *redis.Client, prefix string, ttl time.Duration) *Redis[V] {
	return &Redis[V]{
		client: client,
		prefix: strings.TrimRight(prefix, ":") + ":",
		ttl:    ttl,
	}
}

func (r *Redis[V]) key(k string) string { return r.prefix + k }

func (r *Redis[V]) decode(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s value: %w", r.prefix, err)
	}
	return v, nil
}

func (r *Redis[V]) read(ctx context.Context, c getter, key string) (V, bool, error) {
	var zero V
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	v, err := r.decode(data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool, error) {
	return r.read(ctx, r.client, r.key(key))
}

func (r *Redis[V]) Set(ctx context.Context, key string, v V) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return r.client.Set(ctx, r.key(key), data, r.ttl).Err()
}

func (r *Redis[V]) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *Redis[V]) Range(ctx context.Context, fn func(key string, v V) bool) error {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", r.prefix, err)
	}

	for _, k := range keys {
		v, ok, err := r.read(ctx, r.client, k)
		if err != nil {
			return err
		}
		if !ok {
			// expired or deleted since the scan
			continue
		}
		if !fn(strings.TrimPrefix(k, r.prefix), v) {
			return nil
		}
	}
	return nil
}

func (r *Redis[V]) Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error) {
	full := r.key(key)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var result V
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, exists, err := r.read(ctx, tx, full)
			if err != nil {
				return err
			}

			next, op, err := fn(cur, exists)
			if err != nil {
				return err
			}

			switch op {
			case OpPut:
				data, err := json.Marshal(next)
				if err != nil {
					return fmt.Errorf("failed to encode value: %w", err)
				}
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Set(ctx, full, data, r.ttl)
					return nil
				})
				result = next
				return err
			case OpDelete:
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Del(ctx, full)
					return nil
				})
				return err
			default:
				if exists {
					result = cur
				} else {
					result = next
				}
				return nil
			}
		}, full)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var zero V
			return zero, err
		}
		return result, nil
	}

	var zero V
	return zero, ErrConflict
}
