package operations

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
)

func (m *Manager) skipsAuthorization(code string) bool {
	return m.cfg.Scheduled.IsScheduledCode(code) || m.cfg.AuthSkipCodes.Contains(code)
}

// authorizeDevices splits valid devices into authorized and unauthorized
// sets. An authorizer failure aborts the whole dispatch.
func (m *Manager) authorizeDevices(ctx context.Context, tenantID uuid.UUID, code string, valid []models.DeviceIdentifier) ([]models.DeviceIdentifier, []models.DeviceIdentifier, error) {
	if m.skipsAuthorization(code) || m.authorizer == nil {
		return valid, nil, nil
	}
	authorized := make([]models.DeviceIdentifier, 0, len(valid))
	var unauthorized []models.DeviceIdentifier
	for _, device := range valid {
		ok, err := m.authorizer.IsAuthorized(ctx, tenantID, device)
		if err != nil {
			return nil, nil, managementError("authorize device "+device.String(), err)
		}
		if ok {
			authorized = append(authorized, device)
		} else {
			unauthorized = append(unauthorized, device)
		}
	}
	return authorized, unauthorized, nil
}

// requireAccess gates device scoped reads and updates. A failing authorizer
// surfaces as a management error carrying its cause, not as a denial.
func (m *Manager) requireAccess(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) error {
	if m.authorizer == nil {
		return nil
	}
	ok, err := m.authorizer.IsAuthorized(ctx, tenantID, device, m.cfg.OperatorPermissions...)
	if err != nil {
		m.logger.Error(ctx, "device_authorization_failed", "authorization check failed",
			slog.String("device", device.String()),
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return managementError("authorize device "+device.String(), err)
	}
	if !ok {
		return &accessError{device: device}
	}
	return nil
}

type accessError struct {
	device models.DeviceIdentifier
}

func (e *accessError) Error() string {
	return ErrAccessDenied.Error() + ": caller is not authorized for device " + e.device.String()
}

func (e *accessError) Unwrap() error { return ErrAccessDenied }

func activityStatuses(invalid []models.DeviceIdentifier, unauthorized []models.DeviceIdentifier, authorized []models.DeviceIdentifier, at time.Time) []models.ActivityStatus {
	out := make([]models.ActivityStatus, 0, len(invalid)+len(unauthorized)+len(authorized))
	for _, d := range invalid {
		out = append(out, models.ActivityStatus{Device: d, Status: models.ActivityInvalid, UpdatedAt: at})
	}
	for _, d := range unauthorized {
		out = append(out, models.ActivityStatus{Device: d, Status: models.ActivityUnauthorized, UpdatedAt: at})
	}
	for _, d := range authorized {
		out = append(out, models.ActivityStatus{Device: d, Status: models.ActivityPending, UpdatedAt: at})
	}
	return out
}
