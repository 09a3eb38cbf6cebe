package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/pkg/errors"
)

var ErrLockNotAcquired = errors.New("lock not acquired")

// Locker provides distributed locking so that only one scheduler or worker
// pass runs per tenant at a time.
type Locker struct {
	client    *Client
	keyPrefix string
}

// NewLocker creates a new Locker
func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "lock:"
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Lock is a held distributed lock. Release must be called by the holder.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// Acquire attempts to take the lock, returning ErrLockNotAcquired when another
// holder has it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	fullKey := l.keyPrefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire lock")
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	return &Lock{
		locker: l,
		key:    fullKey,
		token:  token,
	}, nil
}

// Release releases the lock only if this holder still owns it.
func (lk *Lock) Release(ctx context.Context) error {
	script := goredis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	return script.Run(ctx, lk.locker.client.rdb, []string{lk.key}, lk.token).Err()
}

// Extend extends the lock's TTL if this holder still owns it.
func (lk *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	script := goredis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, lk.locker.client.rdb, []string{lk.key}, lk.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotAcquired
	}
	return nil
}

// WithLock runs fn while holding the lock, releasing it afterwards.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()

	return fn(ctx)
}
