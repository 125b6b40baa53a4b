package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPattern     = "%scheckout:complete:%s"
	defaultLockTTL     = 30 * time.Second
	releaseLockCommand = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`
)

// ErrLockHeld is returned when another submission holds the lock.
var ErrLockHeld = errors.New("redis lock: already held")

// Locker is the subset of the Redis client used by SessionLock.
type Locker interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// SessionLock serialises completion of one checkout session across instances.
type SessionLock struct {
	client Locker
	prefix string
	ttl    time.Duration
}

// NewSessionLock constructs a lock with the given TTL. The TTL bounds how long a crashed holder blocks retries.
func NewSessionLock(client Locker, keyPrefix string, ttl time.Duration) (*SessionLock, error) {
	if client == nil {
		return nil, errors.New("session lock requires redis client")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &SessionLock{client: client, prefix: strings.TrimSpace(keyPrefix), ttl: ttl}, nil
}

// Acquire takes the lock for sessionID with the caller's token. The returned release func only
// deletes the key while it still holds token.
func (l *SessionLock) Acquire(ctx context.Context, sessionID, token string) (func(context.Context) error, error) {
	key := fmt.Sprintf(lockKeyPattern, l.prefix, sessionID)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, wrapError("checkout.lock.acquire", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func(ctx context.Context) error {
		if err := l.client.Eval(ctx, releaseLockCommand, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return wrapError("checkout.lock.release", err)
		}
		return nil
	}
	return release, nil
}
