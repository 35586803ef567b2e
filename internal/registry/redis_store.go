package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisLeaseStore implements leaseStore on top of go-redis. Redis has no
// native lease primitive, so a lease is modeled as a key "lease:{id}" whose
// value is the service key it owns; both the lease key and the service key
// carry the same TTL and are refreshed together via SETEX/EXPIRE, giving the
// atomic-removal-on-expiry semantics spec.md's Lease model requires.
type redisLeaseStore struct {
	client *redis.Client
}

// newRedisLeaseStore dials Redis at addr (accepts "host:port" or a full
// redis:// URL) and verifies connectivity before returning.
func newRedisLeaseStore(ctx context.Context, addr string) (*redisLeaseStore, error) {
	var opts *redis.Options
	if opts2, err := redis.ParseURL(addr); err == nil {
		opts = opts2
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &redisLeaseStore{client: client}, nil
}

func leaseKeyName(leaseID int64) string {
	return "lease:" + strconv.FormatInt(leaseID, 10)
}

func (r *redisLeaseStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	leaseID := newLeaseID()

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, value, ttl)
	pipe.Set(ctx, leaseKeyName(leaseID), key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis put: %w", err)
	}
	return leaseID, nil
}

func (r *redisLeaseStore) Renew(ctx context.Context, leaseID int64, ttl time.Duration) error {
	serviceKey, err := r.client.Get(ctx, leaseKeyName(leaseID)).Result()
	if err != nil {
		if err == redis.Nil {
			return errLeaseNotFound
		}
		return fmt.Errorf("redis renew lookup: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Expire(ctx, serviceKey, ttl)
	pipe.Expire(ctx, leaseKeyName(leaseID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis renew: %w", err)
	}
	return nil
}

func (r *redisLeaseStore) Revoke(ctx context.Context, leaseID int64) error {
	serviceKey, err := r.client.Get(ctx, leaseKeyName(leaseID)).Result()
	if err != nil {
		if err == redis.Nil {
			return errLeaseNotFound
		}
		return fmt.Errorf("redis revoke lookup: %w", err)
	}

	if err := r.client.Del(ctx, serviceKey, leaseKeyName(leaseID)).Err(); err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}

func (r *redisLeaseStore) ScanPrefix(ctx context.Context, prefix string) ([][]byte, error) {
	var (
		out    [][]byte
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			values, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("redis mget: %w", err)
			}
			for _, v := range values {
				if v == nil {
					continue
				}
				if s, ok := v.(string); ok {
					out = append(out, []byte(s))
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *redisLeaseStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errKeyNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (r *redisLeaseStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RemoveKey deletes key directly. The paired "lease:{id}" reverse-lookup key
// is left to expire on its own TTL; it is a pure lookup aid and does not
// reappear in ScanPrefix results under the /services/ prefix.
func (r *redisLeaseStore) RemoveKey(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis removekey: %w", err)
	}
	if n == 0 {
		return errKeyNotFound
	}
	return nil
}

func (r *redisLeaseStore) Close() error {
	return r.client.Close()
}
