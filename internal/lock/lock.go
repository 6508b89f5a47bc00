// Package lock provides the named, expiring mutual exclusion that keeps the
// status sweep single-flight across service instances.
package lock

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Release gives a held lock back. It is safe to call after the lease expired.
type Release func(ctx context.Context) error

type Locker interface {
	// TryLock returns ok=false without waiting when another holder has name.
	TryLock(ctx context.Context, name string, ttl time.Duration) (release Release, ok bool, err error)
}

// releaseScript deletes the key only while it still carries our token, so a
// holder whose lease expired cannot drop a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "scheduling:lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Release, bool, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}, true, nil
}

// PostgresLocker uses session-level advisory locks. The lock lives on one
// pooled connection, which is held until release; ttl is not enforced because
// Postgres drops the lock when the session dies.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

func (l *PostgresLocker) TryLock(ctx context.Context, name string, _ time.Duration) (Release, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	key := advisoryKey(name)
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		return unlockSession(ctx, pooledSession{conn}, key)
	}, true, nil
}

// advisorySession is the slice of a pooled connection that release needs.
type advisorySession interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
	Release()
}

type pooledSession struct {
	*pgxpool.Conn
}

func (s pooledSession) Close(ctx context.Context) error {
	return s.Conn.Conn().Close(ctx)
}

// unlockSession returns the connection to the pool only once the advisory
// lock is gone. If the unlock fails the session is closed instead, which makes
// Postgres drop every lock it still holds.
func unlockSession(ctx context.Context, session advisorySession, key int64) error {
	defer session.Release()
	if _, err := session.Exec(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = session.Close(closeCtx)
		return err
	}
	return nil
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("scheduling:" + name))
	return int64(h.Sum64())
}

// Local is an in-process Locker for single-instance deployments.
type Local struct {
	mu    sync.Mutex
	held  map[string]localLease
	nowFn func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localLease), nowFn: time.Now}
}

func (l *Local) TryLock(_ context.Context, name string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if lease, ok := l.held[name]; ok && (lease.expires.IsZero() || now.Before(lease.expires)) {
		return nil, false, nil
	}
	lease := localLease{token: uuid.NewString()}
	if ttl > 0 {
		lease.expires = now.Add(ttl)
	}
	l.held[name] = lease
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, ok := l.held[name]; ok && current.token == lease.token {
			delete(l.held, name)
		}
		return nil
	}, true, nil
}
