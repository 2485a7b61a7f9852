package cachex

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader is a read-through cache of JSON encoded T values. Concurrent misses
// for one key share a single load. Store failures fall through to load, and
// load errors are never cached.
type Loader[T any] struct {
	store Store
	ttl   time.Duration
	group singleflight.Group
}

func NewLoader[T any](store Store, ttl time.Duration) *Loader[T] {
	return &Loader[T]{store: store, ttl: ttl}
}

func (l *Loader[T]) Get(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	if raw, ok, err := l.store.Get(ctx, key); err == nil && ok {
		var v T
		if json.Unmarshal(raw, &v) == nil {
			return v, nil
		}
	}

	res, err, _ := l.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		if raw, err := json.Marshal(v); err == nil {
			_ = l.store.Set(ctx, key, raw, l.ttl)
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

func (l *Loader[T]) Forget(ctx context.Context, key string) error {
	l.group.Forget(key)
	return l.store.Delete(ctx, key)
}
