package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// снимаем лок только если он всё ещё наш
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var ErrLockLost = errors.New("lock lease expired before release")

// RedisLocker — распределённый лок для нескольких инстансов: сначала локальный пул, затем аренда SET NX PX.
type RedisLocker struct {
	client *redis.Client
	local  *Pool
	ttl    time.Duration
	retry  time.Duration
	onLost func(key string, err error)
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client: client,
		local:  NewPool(),
		ttl:    ttl,
		retry:  20 * time.Millisecond,
	}
}

// OnLost — колбэк, если аренда истекла раньше unlock (операция дольше TTL).
func (r *RedisLocker) OnLost(fn func(key string, err error)) { r.onLost = fn }

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	const op = "keylock.RedisLocker.Lock"

	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	lockKey := "lock:attendance:" + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(r.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			defer unlockLocal()
			// отдельный контекст: запрос мог уже отмениться, а лок снять нужно
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := releaseScript.Run(rctx, r.client, []string{lockKey}, token).Int()
			if err == nil && n == 0 {
				err = ErrLockLost
			}
			if err != nil && r.onLost != nil {
				r.onLost(key, err)
			}
		})
	}, nil
}

func (r *RedisLocker) Close() error { return r.client.Close() }
