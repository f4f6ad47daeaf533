package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/slabworks/internal/config"
)

const keyJobLockPrefix = "lock:"

// LocalLocker is a process-local try-lock keyed by string.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLease
	clock func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]localLease),
		clock: time.Now,
	}
}

func (l *LocalLocker) TryLock(key string, ttl time.Duration) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return "", false
	}
	token := uuid.NewString()
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}
	return token, true
}

func (l *LocalLocker) Release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.held[key]; ok && lease.token == token {
		delete(l.held, key)
	}
}

// releaseIfOwner deletes the lease only while it still carries our token, so
// a holder whose lease expired cannot drop its successor's.
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// JobLocker serializes work on one job with a fixed lease. It uses redis
// when a client is configured and an in-process map otherwise.
type JobLocker struct {
	client *redis.Client
	local  *LocalLocker
	ttl    time.Duration
}

func NewJobLocker(client *redis.Client, cfg config.Config) *JobLocker {
	ttl := cfg.Generation.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &JobLocker{
		client: client,
		local:  NewLocalLocker(),
		ttl:    ttl,
	}
}

// TryLock returns the lease token when the job was free. Redis errors are
// returned so callers can fall back to the database claim.
func (l *JobLocker) TryLock(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if l.client == nil {
		token, ok := l.local.TryLock(key, l.ttl)
		return token, ok, nil
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyJobLockPrefix+key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *JobLocker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	if l.client == nil {
		l.local.Release(key, token)
		return nil
	}
	return releaseIfOwner.Run(ctx, l.client, []string{keyJobLockPrefix + key}, token).Err()
}
