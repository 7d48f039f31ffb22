package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLease implements Lease on top of a shared redis.Client, for
// deployments running more than one scheduler replica (spec §5,
// "horizontally-scaled deployments"). Acquire is a single SETNX-with-TTL
// round trip (redis.Client.SetNX already atomic server-side); Release
// deletes the key outright rather than checking ownership first, which
// is safe here because a lease is only ever released by the same tick
// goroutine that acquired it and leases are always scoped to one target
// at a time.
//
// Grounded on goadesign-goa-ai's registry package, which wraps a bare
// *redis.Client with a TTL field and exposes ctx-scoped Set/Expire/Del
// calls in the same shape.
type RedisLease struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLease wraps rdb. prefix namespaces lease keys so they don't
// collide with other redis.Client users sharing the same instance.
func NewRedisLease(rdb *redis.Client, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "leviathan:lease:"
	}
	return &RedisLease{rdb: rdb, prefix: prefix}
}

func (l *RedisLease) key(target string) string {
	return l.prefix + target
}

// Acquire sets the lease key with NX (only if absent) and the given
// TTL. A false result with a nil error means another scheduler replica
// currently holds the lease for target.
func (l *RedisLease) Acquire(ctx context.Context, target string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key(target), "1", ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return ok, nil
}

// Release deletes the lease key, making target immediately available
// to the next tick even if its TTL hasn't expired yet.
func (l *RedisLease) Release(ctx context.Context, target string) error {
	return l.rdb.Del(ctx, l.key(target)).Err()
}
