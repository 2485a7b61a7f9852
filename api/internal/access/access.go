package access

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/authx"
)

type EnrollmentLookup interface {
	GetActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (models.Enrollment, error)
}

// Service decides whether the caller in ctx may act on a device.
type Service struct {
	enrollments EnrollmentLookup
	adminRoles  []string
}

func New(enrollments EnrollmentLookup, adminRoles []string) *Service {
	return &Service{enrollments: enrollments, adminRoles: adminRoles}
}

// IsAuthorized grants internal service callers, admins, holders of any of
// permissions, and the owner of the device's active enrollment. A device
// without an active enrollment is not authorized for non-admins.
func (s *Service) IsAuthorized(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier, permissions ...string) (bool, error) {
	if authx.IsService(ctx) {
		return true, nil
	}
	auth, ok := authx.FromContext(ctx)
	if !ok || auth.Subject == "" {
		return false, nil
	}
	if auth.HasAnyRole(s.adminRoles...) {
		return true, nil
	}
	if len(permissions) > 0 && auth.HasAnyRole(permissions...) {
		return true, nil
	}
	if s.enrollments == nil {
		return false, nil
	}
	enrollment, err := s.enrollments.GetActiveEnrollment(ctx, tenantID, device)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return enrollment.Owner != "" && enrollment.Owner == auth.Subject, nil
}
