// Package lock serializes `sqlmigrate up` runs across processes and hosts.
// The ledger itself assumes a single writer; the lock is how that holds when
// several deploy jobs start at once.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker obtains a named lock. The returned release function is safe to call
// more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// ForDriver returns the database-native lock for driver: advisory locks on
// Postgres, GET_LOCK on MySQL. SQLite relies on its own file locking and
// gets a no-op.
func ForDriver(db *sql.DB, driver string) Locker {
	switch driver {
	case "postgres", "pgx":
		return &sessionLock{
			db:      db,
			lock:    "SELECT pg_advisory_lock($1)",
			unlock:  "SELECT pg_advisory_unlock($1)",
			keyFunc: func(key string) any { return hashKey(key) },
		}
	case "mysql":
		return &sessionLock{
			db:      db,
			lock:    "SELECT GET_LOCK(?, -1)",
			unlock:  "SELECT RELEASE_LOCK(?)",
			keyFunc: func(key string) any { return key },
			granted: true,
		}
	}
	return nop{}
}

type nop struct{}

func (nop) Acquire(ctx context.Context, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	return func() {}, nil
}

// sessionLock holds a lock tied to one dedicated connection, since both
// Postgres advisory locks and MySQL named locks belong to the session.
type sessionLock struct {
	db      *sql.DB
	lock    string
	unlock  string
	keyFunc func(string) any
	// granted means lock returns 1 when the lock was taken and 0 or NULL
	// when it was not.
	granted bool
}

func (l *sessionLock) Acquire(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: connection for %s: %w", key, err)
	}
	arg := l.keyFunc(key)
	if err := l.take(ctx, conn, arg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := conn.ExecContext(context.Background(), l.unlock, arg); err != nil {
				slog.Warn("lock: release failed", "key", key, "err", err)
			}
			conn.Close()
		})
	}, nil
}

func (l *sessionLock) take(ctx context.Context, conn *sql.Conn, arg any) error {
	if !l.granted {
		_, err := conn.ExecContext(ctx, l.lock, arg)
		return err
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, l.lock, arg).Scan(&got); err != nil {
		return err
	}
	if !got.Valid || got.Int64 != 1 {
		return errNotGranted
	}
	return nil
}

var errNotGranted = errors.New("lock not granted")

// hashKey maps key to a non-negative int64 for pg_advisory_lock.
func hashKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker backed by SET NX with an expiry, for deployments where
// runners reach the database through a pooler that breaks session locks.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

// NewRedis returns a Redis lock. ttl bounds how long a crashed holder can
// block others.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, poll: 250 * time.Millisecond}
}

// OpenRedis parses a redis:// URL and returns a lock using a new client.
// The caller closes the client.
func OpenRedis(rawURL string, ttl time.Duration) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("lock: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedis(client, ttl), client, nil
}

func (l *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock: waiting for %s: %w", key, ctx.Err())
		case <-time.After(l.poll):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				slog.Warn("lock: release failed", "key", key, "err", err)
			}
		})
	}, nil
}
