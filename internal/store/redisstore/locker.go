package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"number-hunt-bot/internal/pkg/lock"
	"number-hunt-bot/internal/store"
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	minPollInterval = 5 * time.Millisecond
	maxPollInterval = 100 * time.Millisecond
)

// Locker is a lock.Locker shared by every process using the same Redis.
// The lock expires after ttl so a crashed holder cannot block a group forever.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewLocker creates a distributed group locker.
func NewLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// errLockBusy makes the poll loop try again.
var errLockBusy = errors.New("group lock is held")

// Acquire polls SET NX with exponential backoff until the lock is taken or
// ctx is done.
func (l *Locker) Acquire(ctx context.Context, groupID int64) (func(), error) {
	key := l.key(groupID)
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minPollInterval
	b.MaxInterval = maxPollInterval
	b.MaxElapsedTime = 0

	release, err := backoff.RetryWithData(func() (func(), error) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, backoff.Permanent(store.Unavailable("redis lock", err))
		}
		if !ok {
			return nil, errLockBusy
		}
		return func() { l.release(key, token) }, nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, lock.ErrLockTimeout
		}
		return nil, err
	}
	return release, nil
}

func (l *Locker) release(key, token string) {
	// Released with its own context so a cancelled request still frees the lock
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to release group lock")
		return
	}
	if n == 0 {
		log.Warn().Err(lock.ErrNotHeld).Str("key", key).Msg("Group lock expired before release")
	}
}

func (l *Locker) key(groupID int64) string {
	return fmt.Sprintf("%slock:group:%d", l.prefix, groupID)
}
