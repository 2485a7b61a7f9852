package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
)

func (r operationRows) Activity(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Activity, error) {
	activities, err := r.Activities(ctx, tenantID, []int64{operationID})
	if err != nil {
		return models.Activity{}, err
	}
	if len(activities) == 0 {
		return models.Activity{}, models.ErrNotFound
	}
	return activities[0], nil
}

// Activities builds one activity per operation id found, with a status
// entry for every enrollment the operation is mapped to. Unknown ids are
// skipped.
func (r operationRows) Activities(ctx context.Context, tenantID uuid.UUID, operationIDs []int64) ([]models.Activity, error) {
	if len(operationIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT o.operation_id, o.code, o.type, o.created_at, o.status, o.updated_at,
			eo.enrollment_id, e.device_id, e.device_type
		FROM operations o
		LEFT JOIN enrollment_operations eo ON eo.operation_id = o.operation_id
		LEFT JOIN enrollments e ON e.enrollment_id = eo.enrollment_id
		WHERE o.tenant_id = $1 AND o.operation_id = ANY($2)
		ORDER BY o.operation_id ASC, eo.enrollment_id ASC
	`, tenantID, operationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type statusKey struct {
		operationID  int64
		enrollmentID int64
	}
	type statusPos struct {
		activity int
		status   int
	}
	var (
		out      []models.Activity
		index    = map[int64]int{}
		statuses = map[statusKey]statusPos{}
	)
	for rows.Next() {
		var (
			id                int64
			code, opType      string
			createdAt         time.Time
			status            string
			updatedAt         time.Time
			enrollmentID      *int64
			deviceID, devType *string
		)
		if err := rows.Scan(&id, &code, &opType, &createdAt, &status, &updatedAt, &enrollmentID, &deviceID, &devType); err != nil {
			return nil, err
		}
		pos, ok := index[id]
		if !ok {
			out = append(out, models.Activity{
				ActivityID: models.FormatActivityID(id),
				Code:       code,
				Type:       models.OperationType(opType),
				CreatedAt:  createdAt,
			})
			pos = len(out) - 1
			index[id] = pos
		}
		if enrollmentID == nil {
			continue
		}
		entry := models.ActivityStatus{
			Status:    models.ActivityState(status),
			UpdatedAt: updatedAt,
		}
		if deviceID != nil && devType != nil {
			entry.Device = models.DeviceIdentifier{ID: *deviceID, Type: *devType}
		}
		out[pos].Statuses = append(out[pos].Statuses, entry)
		statuses[statusKey{id, *enrollmentID}] = statusPos{activity: pos, status: len(out[pos].Statuses) - 1}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	responses, err := r.db.Query(ctx, `
		SELECT operation_id, enrollment_id, payload, received_at
		FROM operation_responses
		WHERE tenant_id = $1 AND operation_id = ANY($2)
		ORDER BY received_at ASC, response_id ASC
	`, tenantID, operationIDs)
	if err != nil {
		return nil, err
	}
	defer responses.Close()
	for responses.Next() {
		var (
			key        statusKey
			payload    []byte
			receivedAt time.Time
		)
		if err := responses.Scan(&key.operationID, &key.enrollmentID, &payload, &receivedAt); err != nil {
			return nil, err
		}
		if at, ok := statuses[key]; ok {
			entry := &out[at.activity].Statuses[at.status]
			entry.Responses = append(entry.Responses, models.ActivityResponse{Payload: string(payload), ReceivedAt: receivedAt})
		}
	}
	return out, responses.Err()
}

func (r operationRows) ActivitiesUpdatedAfter(ctx context.Context, tenantID uuid.UUID, since time.Time, page *models.PaginationRequest) ([]models.Activity, error) {
	limit, offset := pageArgs(page)
	rows, err := r.db.Query(ctx, `
		SELECT operation_id
		FROM operations
		WHERE tenant_id = $1 AND updated_at > $2
		ORDER BY operation_id ASC
		LIMIT $3 OFFSET $4
	`, tenantID, since, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	return r.Activities(ctx, tenantID, ids)
}

func (r operationRows) ActivityCountUpdatedAfter(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM operations WHERE tenant_id = $1 AND updated_at > $2
	`, tenantID, since).Scan(&n)
	return n, err
}
