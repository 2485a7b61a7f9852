package lockx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired = errors.New("lock held elsewhere")
	ErrLockLost    = errors.New("lock lost before work finished")
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// leases is the token-guarded key store behind a Locker.
type leases interface {
	acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, token string) error
}

type redisLeases struct {
	client *redis.Client
}

func (r redisLeases) acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, token, ttl).Result()
}

func (r redisLeases) extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int64()
	return n == 1, err
}

func (r redisLeases) release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, r.client, []string{key}, token).Err()
}

// Locker hands out cluster-wide leases stored in Redis. A lease held by Run
// is renewed every ttl/3 until the work returns.
type Locker struct {
	leases leases
	prefix string
}

func New(client *redis.Client, prefix string) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	return &Locker{leases: redisLeases{client: client}, prefix: prefix}, nil
}

func (l *Locker) key(name string) string {
	prefix := strings.TrimSuffix(l.prefix, ":")
	if prefix == "" {
		return name
	}
	return prefix + ":" + name
}

// Run executes fn while holding name. It returns ErrNotAcquired without
// calling fn when another holder has the lease. If a renewal finds the lease
// gone, fn's context is cancelled and Run reports ErrLockLost.
func (l *Locker) Run(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	key := l.key(name)
	token := uuid.NewString()
	ok, err := l.leases.acquire(ctx, key, token, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		_ = l.leases.release(context.WithoutCancel(ctx), key, token)
	}()

	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(workCtx, key, token, ttl, stop, cancel)
	}()

	err = fn(workCtx)
	close(stop)
	<-renewed

	if errors.Is(context.Cause(workCtx), ErrLockLost) {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLockLost, err)
		}
		return ErrLockLost
	}
	return err
}

func (l *Locker) renew(ctx context.Context, key, token string, ttl time.Duration, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.leases.extend(ctx, key, token, ttl)
			if err != nil {
				// a transient error is retried on the next tick
				continue
			}
			if !ok {
				cancel(ErrLockLost)
				return
			}
		}
	}
}
