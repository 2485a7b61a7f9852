package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/cachex"
)

type enrollmentSource interface {
	ResolveActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error)
}

// CachedEnrollments memoizes active enrollment lookups. Cache failures fall
// through to the source; misses are not cached.
type CachedEnrollments struct {
	source enrollmentSource
	ids    *cachex.Loader[int64]
}

func NewCachedEnrollments(source enrollmentSource, cache cachex.Store, ttl time.Duration) *CachedEnrollments {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedEnrollments{source: source, ids: cachex.NewLoader[int64](cache, ttl)}
}

func enrollmentKey(tenantID uuid.UUID, device models.DeviceIdentifier) string {
	return cachex.Key("enrollment", tenantID.String(), device.Type, device.ID)
}

func (c *CachedEnrollments) ResolveActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error) {
	return c.ids.Get(ctx, enrollmentKey(tenantID, device), func(ctx context.Context) (int64, error) {
		return c.source.ResolveActiveEnrollment(ctx, tenantID, device)
	})
}

// RefreshActiveEnrollment bypasses the cache. The result is left for the next
// ResolveActiveEnrollment to populate.
func (c *CachedEnrollments) RefreshActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error) {
	_ = c.ids.Forget(ctx, enrollmentKey(tenantID, device))
	return c.source.ResolveActiveEnrollment(ctx, tenantID, device)
}

func (c *CachedEnrollments) Invalidate(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) error {
	return c.ids.Forget(ctx, enrollmentKey(tenantID, device))
}
