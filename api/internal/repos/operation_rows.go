package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/workflow"
)

// operationRows implements operations.OperationStore over the shared
// operations table and its mapping and response tables.
type operationRows struct {
	db DBTX
}

func (r operationRows) LockEnrollment(ctx context.Context, enrollmentID int64) (bool, error) {
	if _, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, enrollmentID); err != nil {
		return false, err
	}
	var one int
	err := r.db.QueryRow(ctx, `
		SELECT 1
		FROM enrollments
		WHERE enrollment_id = $1 AND status = $2
		FOR SHARE
	`, enrollmentID, models.EnrollmentActive).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r operationRows) FindActiveByCode(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, code string) (int64, bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		SELECT o.operation_id
		FROM operations o
		JOIN enrollment_operations eo ON eo.operation_id = o.operation_id
		WHERE o.tenant_id = $1 AND eo.enrollment_id = $2 AND o.code = $3 AND o.status = ANY($4)
		ORDER BY o.operation_id ASC
		LIMIT 1
		FOR UPDATE OF o
	`, tenantID, enrollmentID, code, workflow.NonTerminalStatuses()).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (r operationRows) MarkRepeated(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, code string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE operations o
		SET status = $4, updated_at = now()
		FROM enrollment_operations eo
		WHERE eo.operation_id = o.operation_id
			AND o.tenant_id = $1 AND eo.enrollment_id = $2 AND o.code = $3 AND o.status = $5
	`, tenantID, enrollmentID, code, string(models.StatusRepeated), string(models.StatusPending))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r operationRows) AddMapping(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO enrollment_operations (operation_id, enrollment_id, tenant_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (operation_id, enrollment_id) DO NOTHING
	`, operationID, enrollmentID, tenantID)
	return err
}

func (r operationRows) Get(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Operation, error) {
	op, err := scanOperation(r.db.QueryRow(ctx, `
		SELECT `+operationColumns+`
		FROM operations o
		WHERE o.tenant_id = $1 AND o.operation_id = $2
	`, tenantID, operationID))
	return op, mapNoRows(err)
}

func (r operationRows) GetForEnrollment(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64) (models.Operation, error) {
	op, err := scanOperation(r.db.QueryRow(ctx, `
		SELECT `+operationColumns+`
		FROM operations o
		JOIN enrollment_operations eo ON eo.operation_id = o.operation_id
		WHERE o.tenant_id = $1 AND eo.enrollment_id = $2 AND o.operation_id = $3
	`, tenantID, enrollmentID, operationID))
	return op, mapNoRows(err)
}

// TransitionStatus moves the row only while it still holds from, so a
// concurrent update loses instead of overwriting.
func (r operationRows) TransitionStatus(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64, from models.Status, to models.Status) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE operations o
		SET status = $5, received_at = COALESCE(o.received_at, now()), updated_at = now()
		FROM enrollment_operations eo
		WHERE eo.operation_id = o.operation_id
			AND o.tenant_id = $1 AND eo.enrollment_id = $2 AND o.operation_id = $3 AND o.status = $4
	`, tenantID, enrollmentID, operationID, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r operationRows) AppendResponse(ctx context.Context, tenantID uuid.UUID, resp models.OperationResponse) error {
	receivedAt := resp.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO operation_responses (operation_id, enrollment_id, tenant_id, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`, resp.OperationID, resp.EnrollmentID, tenantID, resp.Payload, receivedAt)
	return err
}

func (r operationRows) Responses(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64) ([]models.OperationResponse, error) {
	rows, err := r.db.Query(ctx, `
		SELECT operation_id, enrollment_id, payload, received_at
		FROM operation_responses
		WHERE tenant_id = $1 AND enrollment_id = $2 AND operation_id = $3
		ORDER BY received_at ASC, response_id ASC
	`, tenantID, enrollmentID, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OperationResponse
	for rows.Next() {
		var resp models.OperationResponse
		if err := rows.Scan(&resp.OperationID, &resp.EnrollmentID, &resp.Payload, &resp.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

func (r operationRows) ListForEnrollment(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, page *models.PaginationRequest) ([]models.Operation, error) {
	limit, offset := pageArgs(page)
	rows, err := r.db.Query(ctx, `
		SELECT `+operationColumns+`
		FROM operations o
		JOIN enrollment_operations eo ON eo.operation_id = o.operation_id
		WHERE o.tenant_id = $1 AND eo.enrollment_id = $2
		ORDER BY o.operation_id ASC
		LIMIT $3 OFFSET $4
	`, tenantID, enrollmentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOperations(rows)
}

func (r operationRows) CountForEnrollment(ctx context.Context, tenantID uuid.UUID, enrollmentID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*)
		FROM enrollment_operations eo
		JOIN operations o ON o.operation_id = eo.operation_id
		WHERE o.tenant_id = $1 AND eo.enrollment_id = $2
	`, tenantID, enrollmentID).Scan(&n)
	return n, err
}

func (r operationRows) NextPending(ctx context.Context, tenantID uuid.UUID, enrollmentID int64) (models.Operation, error) {
	op, err := scanOperation(r.db.QueryRow(ctx, `
		SELECT `+operationColumns+`
		FROM operations o
		JOIN enrollment_operations eo ON eo.operation_id = o.operation_id
		WHERE o.tenant_id = $1 AND eo.enrollment_id = $2 AND o.status = $3
		ORDER BY o.created_at ASC, o.operation_id ASC
		LIMIT 1
	`, tenantID, enrollmentID, string(models.StatusPending)))
	return op, mapNoRows(err)
}
