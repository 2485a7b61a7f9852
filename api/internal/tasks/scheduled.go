package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/authx"
	"device-operation-management/shared/lockx"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/metricsx"
	"device-operation-management/shared/tenantx"
)

type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]uuid.UUID, error)
}

type EnrollmentLister interface {
	ListActiveEnrollments(ctx context.Context, tenantID uuid.UUID, deviceType string) ([]models.Enrollment, error)
}

type Dispatcher interface {
	AddOperation(ctx context.Context, op models.Operation, devices []models.DeviceIdentifier) (models.Activity, error)
}

// ScheduledDispatcher sends every scheduled operation code to every device
// with an active enrollment. Scheduled codes reuse outstanding operations,
// so a device that has not picked up the last run is not queued twice.
type ScheduledDispatcher struct {
	Locker      Locker
	Tenants     TenantLister
	Enrollments EnrollmentLister
	Dispatcher  Dispatcher
	Logger      logx.Logger
	Codes       []string
	// TenantIDs restricts the run to these tenants. Empty means all.
	TenantIDs  []uuid.UUID
	DeviceType string
	LockTTL    time.Duration
}

const scheduledLockKey = "lock:operations:scheduled_dispatch"

func (d *ScheduledDispatcher) Handle(ctx context.Context, t *asynq.Task) error {
	ttl := d.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	err := d.Locker.Run(ctx, scheduledLockKey, ttl, d.run)
	switch {
	case errors.Is(err, lockx.ErrNotAcquired):
		metricsx.IncScheduledRuns("skipped")
		d.Logger.Info(ctx, "scheduled_dispatch_skipped", "scheduled dispatch already running elsewhere")
		return nil
	case err != nil:
		metricsx.IncScheduledRuns("failed")
		return err
	}
	metricsx.IncScheduledRuns("completed")
	return nil
}

func (d *ScheduledDispatcher) run(ctx context.Context) error {
	if len(d.Codes) == 0 {
		return nil
	}
	tenants := d.TenantIDs
	if len(tenants) == 0 {
		ids, err := d.Tenants.ListTenantIDs(ctx)
		if err != nil {
			return err
		}
		tenants = ids
	}

	ctx = authx.ServiceContext(ctx, "scheduler")
	var failed int
	for _, tenantID := range tenants {
		if err := d.runTenant(tenantx.WithTenantID(ctx, tenantID), tenantID); err != nil {
			failed++
			d.Logger.Error(ctx, "scheduled_dispatch_failed", "scheduled dispatch failed for tenant",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("tenant_id", tenantID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if failed > 0 && failed == len(tenants) {
		return errors.New("scheduled dispatch failed for every tenant")
	}
	return nil
}

func (d *ScheduledDispatcher) runTenant(ctx context.Context, tenantID uuid.UUID) error {
	enrollments, err := d.Enrollments.ListActiveEnrollments(ctx, tenantID, d.DeviceType)
	if err != nil {
		return err
	}
	if len(enrollments) == 0 {
		return nil
	}
	devices := make([]models.DeviceIdentifier, 0, len(enrollments))
	for _, e := range enrollments {
		devices = append(devices, e.Device)
	}

	for _, code := range d.Codes {
		op := models.Operation{
			Code:    code,
			Type:    models.OperationTypeCommand,
			Control: models.ControlRepeat,
			Payload: models.CommandPayload{Enabled: true},
		}
		activity, err := d.Dispatcher.AddOperation(ctx, op, devices)
		if err != nil {
			return err
		}
		d.Logger.Info(ctx, "scheduled_dispatch", "scheduled operation dispatched",
			slog.String("tenant_id", tenantID.String()),
			slog.String("code", code),
			slog.String("activity_id", activity.ActivityID),
			slog.Int("devices", len(devices)),
		)
	}
	return nil
}
