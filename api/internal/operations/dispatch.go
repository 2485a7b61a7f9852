package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/events"
	"device-operation-management/shared/metricsx"
)

type dispatchTarget struct {
	Device     models.DeviceIdentifier `json:"device"`
	ActivityID string                  `json:"activityId"`
	Reused     bool                    `json:"reused"`
}

type dispatchedEvent struct {
	Activity models.Activity  `json:"activity"`
	Targets  []dispatchTarget `json:"targets"`
}

// AddOperation dispatches op to every authorized device and returns one
// activity. The activity id is the one assigned to the first requested
// device and is empty when that device was not dispatched to.
func (m *Manager) AddOperation(ctx context.Context, op models.Operation, devices []models.DeviceIdentifier) (models.Activity, error) {
	activity, _, err := m.dispatch(ctx, op, devices)
	return activity, err
}

// AddOperationPerDevice behaves like AddOperation and also reports the
// activity id assigned to each dispatched device.
func (m *Manager) AddOperationPerDevice(ctx context.Context, op models.Operation, devices []models.DeviceIdentifier) (models.Activity, map[models.DeviceIdentifier]string, error) {
	return m.dispatch(ctx, op, devices)
}

func (m *Manager) dispatch(ctx context.Context, op models.Operation, devices []models.DeviceIdentifier) (activity models.Activity, ids map[models.DeviceIdentifier]string, err error) {
	ctx, span := m.tracer.Start(ctx, "operations.dispatch", trace.WithAttributes(
		attribute.String("operation.code", op.Code),
		attribute.String("operation.type", string(op.Type)),
		attribute.Int("devices.requested", len(devices)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()

	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return models.Activity{}, nil, err
	}
	if err := prepareOperation(&op, devices); err != nil {
		return models.Activity{}, nil, err
	}

	valid, invalid, err := m.validator.Validate(ctx, tenantID, devices)
	if err != nil {
		metricsx.IncDispatchFailures("validate")
		return models.Activity{}, nil, managementError("validate devices", err)
	}
	if len(valid) == 0 {
		return models.Activity{}, nil, fmt.Errorf("%w: none of the %d requested devices exist", ErrInvalidDevice, len(devices))
	}

	authorized, unauthorized, err := m.authorizeDevices(ctx, tenantID, op.Code, valid)
	if err != nil {
		metricsx.IncDispatchFailures("authorize")
		return models.Activity{}, nil, err
	}

	now := m.cfg.Now()
	activity = models.Activity{Code: op.Code, Type: op.Type, CreatedAt: now}
	sample := DispatchSample{
		TenantID:     tenantID,
		Code:         op.Code,
		Type:         op.Type,
		Requested:    len(devices),
		Invalid:      len(invalid),
		Unauthorized: len(unauthorized),
	}

	if len(authorized) == 0 {
		activity.Statuses = activityStatuses(invalid, unauthorized, nil, now)
		m.logger.Info(ctx, "operation_dispatch_unauthorized", "caller is not authorized for any requested device",
			slog.String("code", op.Code),
			slog.Int("unauthorized", len(unauthorized)),
			slog.Int("invalid", len(invalid)),
		)
		sample.Duration = time.Since(start)
		m.record(ctx, sample)
		return activity, map[models.DeviceIdentifier]string{}, nil
	}

	scheduled := m.cfg.Scheduled.IsScheduledCode(op.Code)
	action := selectDedup(scheduled, op.Control == models.ControlNoRepeat)
	op.Status = models.StatusPending
	op.CreatedAt = now
	sample.Scheduled = scheduled

	tx, err := m.store.Begin(ctx)
	if err != nil {
		metricsx.IncDispatchFailures("begin")
		return models.Activity{}, nil, managementError("begin dispatch transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ids = make(map[models.DeviceIdentifier]string, len(authorized))
	targets := make([]dispatchTarget, 0, len(authorized))
	pushes := make([]models.Operation, 0, len(authorized))
	for _, device := range authorized {
		operationID, reused, err := m.dispatchToDevice(ctx, tx, tenantID, op, action, device)
		if err != nil {
			metricsx.IncDispatchFailures("persist")
			m.logger.Error(ctx, "operation_dispatch_failed", "dispatch rolled back",
				slog.String("code", op.Code),
				slog.String("device", device.String()),
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			return models.Activity{}, nil, err
		}
		activityID := models.FormatActivityID(operationID)
		ids[device] = activityID
		targets = append(targets, dispatchTarget{Device: device, ActivityID: activityID, Reused: reused})

		pushed := op
		pushed.ID = operationID
		pushed.ActivityID = activityID
		pushes = append(pushes, pushed)
		if reused {
			sample.Reused++
		} else {
			sample.Inserted++
		}
	}

	activity.ActivityID = ids[devices[0]]
	if !scheduled {
		activity.Statuses = activityStatuses(invalid, unauthorized, authorized, now)
	}

	if err := m.appendOutbox(ctx, tx, tenantID, events.AggregateActivity, activity.ActivityID, events.EventOperationDispatched,
		dispatchedEvent{Activity: activity, Targets: targets}, now); err != nil {
		metricsx.IncDispatchFailures("outbox")
		return models.Activity{}, nil, managementError("record dispatch of "+op.Code, err)
	}
	if err := tx.Commit(ctx); err != nil {
		metricsx.IncDispatchFailures("commit")
		return models.Activity{}, nil, managementError("commit dispatch of "+op.Code, err)
	}

	for i, device := range authorized {
		m.notify(ctx, device, pushes[i])
	}

	metricsx.AddOperationsDispatched(string(op.Type), string(action), sample.Inserted)
	metricsx.AddOperationsReused(string(op.Type), sample.Reused)
	metricsx.ObserveDispatchLatency(time.Since(start))
	span.SetAttributes(attribute.Int("devices.dispatched", len(authorized)))
	m.logger.Info(ctx, "operation_dispatched", "operation dispatched",
		slog.String("code", op.Code),
		slog.String("type", string(op.Type)),
		slog.String("activity_id", activity.ActivityID),
		slog.String("action", string(action)),
		slog.Int("inserted", sample.Inserted),
		slog.Int("reused", sample.Reused),
		slog.Int("unauthorized", len(unauthorized)),
		slog.Int("invalid", len(invalid)),
	)
	sample.Duration = time.Since(start)
	m.record(ctx, sample)
	return activity, ids, nil
}

func prepareOperation(op *models.Operation, devices []models.DeviceIdentifier) error {
	if len(devices) == 0 {
		return invalidArgument("at least one device identifier is required")
	}
	op.Code = strings.TrimSpace(op.Code)
	if op.Code == "" {
		return invalidArgument("operation code is required")
	}
	control, ok := models.ParseControl(string(op.Control))
	if !ok {
		return invalidArgument("unknown control %q", op.Control)
	}
	op.Control = control
	if err := op.CheckPayload(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

// dispatchToDevice applies the dedup action for one device inside tx and
// returns the operation id the device ends up with.
func (m *Manager) dispatchToDevice(ctx context.Context, tx Tx, tenantID uuid.UUID, op models.Operation, action Action, device models.DeviceIdentifier) (int64, bool, error) {
	ops := tx.Operations()
	enrollmentID, err := m.lockActiveEnrollment(ctx, ops, tenantID, device)
	if err != nil {
		return 0, false, err
	}

	switch action {
	case ActionReuse:
		existing, found, err := ops.FindActiveByCode(ctx, tenantID, enrollmentID, op.Code)
		if err != nil {
			return 0, false, managementError("look up active "+op.Code+" for device "+device.String(), err)
		}
		if found {
			return existing, true, nil
		}
	case ActionSupersede:
		if _, err := ops.MarkRepeated(ctx, tenantID, enrollmentID, op.Code); err != nil {
			return 0, false, managementError("supersede pending "+op.Code+" for device "+device.String(), err)
		}
	}

	operationID, err := storeFor(tx, op.Type).Insert(ctx, tenantID, op)
	if err != nil {
		return 0, false, managementError(fmt.Sprintf("insert %s operation %s for device %s", op.Type, op.Code, device), err)
	}
	if err := ops.AddMapping(ctx, tenantID, enrollmentID, operationID); err != nil {
		return 0, false, managementError(fmt.Sprintf("map operation %d to device %s", operationID, device), err)
	}
	return operationID, false, nil
}

// lockActiveEnrollment resolves the device's enrollment and locks it in the
// current transaction. A resolved id that is no longer ACTIVE is re-resolved
// once past any cache.
func (m *Manager) lockActiveEnrollment(ctx context.Context, ops OperationStore, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error) {
	enrollmentID, err := m.enrollments.ResolveActiveEnrollment(ctx, tenantID, device)
	for attempt := 0; ; attempt++ {
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return 0, managementError("no active enrollment for device "+device.String(), err)
			}
			return 0, managementError("resolve enrollment for device "+device.String(), err)
		}
		active, lockErr := ops.LockEnrollment(ctx, enrollmentID)
		if lockErr != nil {
			return 0, managementError("lock enrollment for device "+device.String(), lockErr)
		}
		if active {
			return enrollmentID, nil
		}
		if attempt > 0 {
			return 0, managementError("no active enrollment for device "+device.String(), models.ErrNotFound)
		}
		m.logger.Warn(ctx, "stale_enrollment", "resolved enrollment is no longer active",
			slog.String("device", device.String()),
			slog.Int64("enrollment_id", enrollmentID),
		)
		enrollmentID, err = m.refreshEnrollment(ctx, tenantID, device)
	}
}

func (m *Manager) refreshEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error) {
	if r, ok := m.enrollments.(EnrollmentRefresher); ok {
		return r.RefreshActiveEnrollment(ctx, tenantID, device)
	}
	return m.enrollments.ResolveActiveEnrollment(ctx, tenantID, device)
}

func (m *Manager) notify(ctx context.Context, device models.DeviceIdentifier, op models.Operation) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, device, op); err != nil {
		metricsx.IncPushFailures()
		m.logger.Warn(ctx, "push_notification_failed", "push notification failed",
			slog.String("device", device.String()),
			slog.Int64("operation_id", op.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) record(ctx context.Context, sample DispatchSample) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordDispatch(ctx, sample); err != nil {
		m.logger.Warn(ctx, "dispatch_sample_failed", "dispatch sample not recorded",
			slog.String("code", sample.Code),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) appendOutbox(ctx context.Context, s Stores, tenantID uuid.UUID, aggregateType string, aggregateID string, eventType string, payload any, at time.Time) error {
	env, err := events.NewEnvelope(tenantID, aggregateType, aggregateID, eventType, payload, at)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.Outbox().Append(ctx, models.OutboxEvent{
		EventID:       env.EventID,
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         m.cfg.ActivityTopic,
		Payload:       body,
		CreatedAt:     at,
		UpdatedAt:     at,
	})
}
