package operations

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/events"
	"device-operation-management/shared/metricsx"
	"device-operation-management/shared/workflow"
)

// GetOperations lists every operation mapped to the device's active
// enrollment. It returns nil without an error when there is none.
func (m *Manager) GetOperations(ctx context.Context, device models.DeviceIdentifier) ([]models.Operation, error) {
	tenantID, err := m.deviceAccess(ctx, device)
	if err != nil {
		return nil, err
	}
	enrollmentID, err := m.enrollments.ResolveActiveEnrollment(ctx, tenantID, device)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, managementError("resolve enrollment for device "+device.String(), err)
	}
	ops, err := m.store.Operations().ListForEnrollment(ctx, tenantID, enrollmentID, nil)
	if err != nil {
		return nil, managementError("list operations for device "+device.String(), err)
	}
	return m.resolveAll(ctx, tenantID, ops)
}

func (m *Manager) GetOperationsPage(ctx context.Context, device models.DeviceIdentifier, page models.PaginationRequest) (models.PaginationResult, error) {
	if page.Offset < 0 || page.Limit <= 0 {
		return models.PaginationResult{}, invalidArgument("invalid page offset=%d limit=%d", page.Offset, page.Limit)
	}
	tenantID, enrollmentID, err := m.deviceEnrollment(ctx, device)
	if err != nil {
		return models.PaginationResult{}, err
	}
	ops, err := m.store.Operations().ListForEnrollment(ctx, tenantID, enrollmentID, &page)
	if err != nil {
		return models.PaginationResult{}, managementError("list operations for device "+device.String(), err)
	}
	resolved, err := m.resolveAll(ctx, tenantID, ops)
	if err != nil {
		return models.PaginationResult{}, err
	}
	total, err := m.store.Operations().CountForEnrollment(ctx, tenantID, enrollmentID)
	if err != nil {
		return models.PaginationResult{}, managementError("count operations for device "+device.String(), err)
	}
	if resolved == nil {
		resolved = []models.Operation{}
	}
	return models.PaginationResult{Data: resolved, RecordsTotal: total, RecordsFiltered: total}, nil
}

func (m *Manager) GetPendingOperations(ctx context.Context, device models.DeviceIdentifier) ([]models.Operation, error) {
	return m.GetOperationsByDeviceAndStatus(ctx, device, models.StatusPending)
}

// GetOperationsByDeviceAndStatus merges the typed stores and orders the
// result by creation time, then id.
func (m *Manager) GetOperationsByDeviceAndStatus(ctx context.Context, device models.DeviceIdentifier, status models.Status) ([]models.Operation, error) {
	if _, ok := models.ParseStatus(string(status)); !ok {
		return nil, invalidArgument("unknown status %q", status)
	}
	tenantID, enrollmentID, err := m.deviceEnrollment(ctx, device)
	if err != nil {
		return nil, err
	}
	var merged []models.Operation
	for _, store := range typedStores(m.store) {
		ops, err := store.ListByEnrollmentAndStatus(ctx, tenantID, enrollmentID, status)
		if err != nil {
			return nil, managementError(fmt.Sprintf("list %s operations for device %s", status, device), err)
		}
		merged = append(merged, ops...)
	}
	slices.SortFunc(merged, func(a, b models.Operation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for i := range merged {
		merged[i].ActivityID = models.FormatActivityID(merged[i].ID)
	}
	return merged, nil
}

// GetNextPendingOperation returns nil when the device has nothing queued.
func (m *Manager) GetNextPendingOperation(ctx context.Context, device models.DeviceIdentifier) (*models.Operation, error) {
	tenantID, enrollmentID, err := m.deviceEnrollment(ctx, device)
	if err != nil {
		return nil, err
	}
	next, err := m.store.Operations().NextPending(ctx, tenantID, enrollmentID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, managementError("fetch next pending operation for device "+device.String(), err)
	}
	op, err := m.resolve(ctx, m.store, tenantID, next)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (m *Manager) GetOperationByDeviceAndOperationID(ctx context.Context, device models.DeviceIdentifier, operationID int64) (models.Operation, error) {
	tenantID, enrollmentID, err := m.deviceEnrollment(ctx, device)
	if err != nil {
		return models.Operation{}, err
	}
	base, err := m.store.Operations().GetForEnrollment(ctx, tenantID, enrollmentID, operationID)
	if err != nil {
		return models.Operation{}, notFoundOr(err, operationID, "fetch operation for device "+device.String())
	}
	op, err := m.resolve(ctx, m.store, tenantID, base)
	if err != nil {
		return models.Operation{}, err
	}
	op.Responses, err = m.store.Operations().Responses(ctx, tenantID, enrollmentID, operationID)
	if err != nil {
		return models.Operation{}, managementError(fmt.Sprintf("fetch responses of operation %d", operationID), err)
	}
	return op, nil
}

func (m *Manager) GetOperation(ctx context.Context, operationID int64) (models.Operation, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return models.Operation{}, err
	}
	base, err := m.store.Operations().Get(ctx, tenantID, operationID)
	if err != nil {
		return models.Operation{}, notFoundOr(err, operationID, "fetch operation")
	}
	return m.resolve(ctx, m.store, tenantID, base)
}

// UpdateOperation moves the operation to op.Status and stores op.Response
// when the transition happened. It reports whether the status changed.
func (m *Manager) UpdateOperation(ctx context.Context, device models.DeviceIdentifier, op models.Operation) (updated bool, err error) {
	ctx, span := m.tracer.Start(ctx, "operations.UpdateOperation", trace.WithAttributes(
		attribute.Int64("operation.id", op.ID),
		attribute.String("operation.status", string(op.Status)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if op.Status != "" {
		status, ok := models.ParseStatus(string(op.Status))
		if !ok {
			return false, invalidArgument("unknown status %q", op.Status)
		}
		op.Status = status
	}
	tenantID, enrollmentID, err := m.deviceEnrollment(ctx, device)
	if err != nil {
		return false, err
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return false, managementError("begin update transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if op.Status == "" {
		return false, nil
	}
	current, err := tx.Operations().GetForEnrollment(ctx, tenantID, enrollmentID, op.ID)
	if err != nil {
		return false, notFoundOr(err, op.ID, "fetch operation for device "+device.String())
	}
	if !workflow.CanTransition(string(current.Status), string(op.Status)) {
		m.logger.Info(ctx, "operation_transition_rejected", "status transition not allowed",
			slog.Int64("operation_id", op.ID),
			slog.String("from", string(current.Status)),
			slog.String("to", string(op.Status)),
			slog.String("error_code", "FAILED_PRECONDITION"),
		)
		return false, nil
	}

	updated, err = tx.Operations().TransitionStatus(ctx, tenantID, enrollmentID, op.ID, current.Status, op.Status)
	if err != nil {
		return false, managementError(fmt.Sprintf("update operation %d status to %s", op.ID, op.Status), err)
	}
	if !updated {
		return false, nil
	}
	now := m.cfg.Now()
	if len(op.Response) > 0 {
		resp := models.OperationResponse{OperationID: op.ID, EnrollmentID: enrollmentID, Payload: op.Response, ReceivedAt: now}
		if err := tx.Operations().AppendResponse(ctx, tenantID, resp); err != nil {
			return false, managementError(fmt.Sprintf("store response of operation %d", op.ID), err)
		}
	}
	change := events.StatusChanged{
		OperationID: op.ID,
		ActivityID:  models.FormatActivityID(op.ID),
		Device:      events.Device{ID: device.ID, Type: device.Type},
		From:        string(current.Status),
		To:          string(op.Status),
		Transition:  workflow.EventTypeForTransition(string(current.Status), string(op.Status)),
		ChangedAt:   now,
	}
	if err := m.appendOutbox(ctx, tx, tenantID, events.AggregateOperation, change.ActivityID, events.EventOperationStatusChanged, change, now); err != nil {
		return false, managementError(fmt.Sprintf("record status change of operation %d", op.ID), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, managementError(fmt.Sprintf("commit update of operation %d", op.ID), err)
	}
	metricsx.IncStatusTransitions(string(current.Status), string(op.Status))
	m.logger.Info(ctx, change.Transition, "operation status updated",
		slog.Int64("operation_id", op.ID),
		slog.String("device", device.String()),
		slog.String("from", change.From),
		slog.String("to", change.To),
		slog.Bool("response", len(op.Response) > 0),
	)
	return true, nil
}

func (m *Manager) DeleteOperation(ctx context.Context, operationID int64) error {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return managementError("begin delete transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := tx.Operations().Get(ctx, tenantID, operationID)
	if err != nil {
		return notFoundOr(err, operationID, "fetch operation")
	}
	if err := storeFor(tx, current.Type).Delete(ctx, tenantID, operationID); err != nil {
		return managementError(fmt.Sprintf("delete operation %d", operationID), err)
	}
	now := m.cfg.Now()
	activityID := models.FormatActivityID(operationID)
	deleted := map[string]any{"operation_id": operationID, "code": current.Code, "type": current.Type}
	if err := m.appendOutbox(ctx, tx, tenantID, events.AggregateOperation, activityID, events.EventOperationDeleted, deleted, now); err != nil {
		return managementError(fmt.Sprintf("record delete of operation %d", operationID), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return managementError(fmt.Sprintf("commit delete of operation %d", operationID), err)
	}
	m.logger.Info(ctx, "operation_deleted", "operation deleted",
		slog.Int64("operation_id", operationID),
		slog.String("code", current.Code),
	)
	return nil
}

func (m *Manager) GetOperationByActivityID(ctx context.Context, activityID string) (models.Activity, error) {
	operationID, err := ParseActivityID(activityID)
	if err != nil {
		return models.Activity{}, err
	}
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return models.Activity{}, err
	}
	activity, err := m.store.Operations().Activity(ctx, tenantID, operationID)
	if err != nil {
		return models.Activity{}, notFoundOr(err, operationID, "fetch activity "+activityID)
	}
	return activity, nil
}

func (m *Manager) GetOperationByActivityIDs(ctx context.Context, activityIDs []string) ([]models.Activity, error) {
	operationIDs := make([]int64, 0, len(activityIDs))
	for _, activityID := range activityIDs {
		id, err := ParseActivityID(activityID)
		if err != nil {
			return nil, err
		}
		operationIDs = append(operationIDs, id)
	}
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	activities, err := m.store.Operations().Activities(ctx, tenantID, operationIDs)
	if err != nil {
		return nil, managementError("fetch activities", err)
	}
	return activities, nil
}

func (m *Manager) GetActivitiesUpdatedAfter(ctx context.Context, since time.Time) ([]models.Activity, error) {
	return m.activitiesUpdatedAfter(ctx, since, nil)
}

func (m *Manager) GetActivitiesUpdatedAfterPage(ctx context.Context, since time.Time, limit int, offset int) ([]models.Activity, error) {
	if limit <= 0 || offset < 0 {
		return nil, invalidArgument("invalid page offset=%d limit=%d", offset, limit)
	}
	return m.activitiesUpdatedAfter(ctx, since, &models.PaginationRequest{Offset: offset, Limit: limit})
}

func (m *Manager) GetActivityCountUpdatedAfter(ctx context.Context, since time.Time) (int, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return 0, err
	}
	n, err := m.store.Operations().ActivityCountUpdatedAfter(ctx, tenantID, since)
	if err != nil {
		return 0, managementError("count activities updated after "+since.Format(time.RFC3339), err)
	}
	return n, nil
}

func (m *Manager) activitiesUpdatedAfter(ctx context.Context, since time.Time, page *models.PaginationRequest) ([]models.Activity, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	activities, err := m.store.Operations().ActivitiesUpdatedAfter(ctx, tenantID, since, page)
	if err != nil {
		return nil, managementError("list activities updated after "+since.Format(time.RFC3339), err)
	}
	return activities, nil
}

func (m *Manager) deviceAccess(ctx context.Context, device models.DeviceIdentifier) (uuid.UUID, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if err := m.requireAccess(ctx, tenantID, device); err != nil {
		return uuid.Nil, err
	}
	return tenantID, nil
}

// deviceEnrollment authorizes the caller and resolves the device's active
// enrollment, which must exist.
func (m *Manager) deviceEnrollment(ctx context.Context, device models.DeviceIdentifier) (uuid.UUID, int64, error) {
	tenantID, err := m.deviceAccess(ctx, device)
	if err != nil {
		return uuid.Nil, 0, err
	}
	enrollmentID, err := m.enrollments.ResolveActiveEnrollment(ctx, tenantID, device)
	if errors.Is(err, models.ErrNotFound) {
		return uuid.Nil, 0, managementError("no active enrollment for device "+device.String(), err)
	}
	if err != nil {
		return uuid.Nil, 0, managementError("resolve enrollment for device "+device.String(), err)
	}
	return tenantID, enrollmentID, nil
}

// resolve loads the type specific payload for an operation read from the
// shared operation row.
func (m *Manager) resolve(ctx context.Context, s Stores, tenantID uuid.UUID, base models.Operation) (models.Operation, error) {
	op := base
	if models.HasTypedPayload(base.Type) {
		typed, err := storeFor(s, base.Type).Get(ctx, tenantID, base.ID)
		if err != nil {
			return models.Operation{}, notFoundOr(err, base.ID, fmt.Sprintf("fetch %s payload", base.Type))
		}
		op.Payload = typed.Payload
	}
	op.ActivityID = models.FormatActivityID(op.ID)
	return op, nil
}

func (m *Manager) resolveAll(ctx context.Context, tenantID uuid.UUID, ops []models.Operation) ([]models.Operation, error) {
	if len(ops) == 0 {
		return ops, nil
	}
	out := make([]models.Operation, 0, len(ops))
	for _, base := range ops {
		op, err := m.resolve(ctx, m.store, tenantID, base)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func notFoundOr(err error, operationID int64, msg string) error {
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: operation %d", ErrOperationNotFound, operationID)
	}
	return managementError(fmt.Sprintf("%s %d", msg, operationID), err)
}
