package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock
var ErrLockHeld = errors.New("lock already held")

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held Redis lock
type Lock struct {
	m     *Manager
	key   string
	token string
}

// AcquireLock takes lock:<name> for ttl. A second caller gets ErrLockHeld until the
// holder releases it or the ttl lapses.
func (m *Manager) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := "lock:" + name
	token := uuid.NewString()
	ok, err := m.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{m: m, key: key, token: token}, nil
}

// Release frees the lock if it is still ours
func (l *Lock) Release(ctx context.Context) error {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	if err := l.m.check(); err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, l.m.redis, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
