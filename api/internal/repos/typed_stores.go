package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"device-operation-management/api/internal/models"
)

const operationColumns = `o.operation_id, o.code, o.type, o.control, o.status, o.created_at, o.received_at`

func scanOperation(row pgx.Row, extra ...any) (models.Operation, error) {
	var (
		op                      models.Operation
		opType, control, status string
	)
	dest := append([]any{&op.ID, &op.Code, &opType, &control, &status, &op.CreatedAt, &op.ReceivedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Operation{}, err
	}
	op.Type = models.OperationType(opType)
	op.Control = models.Control(control)
	op.Status = models.Status(status)
	return op, nil
}

func insertOperationRow(ctx context.Context, db DBTX, tenantID uuid.UUID, op models.Operation) (int64, error) {
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := op.Status
	if status == "" {
		status = models.StatusPending
	}
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO operations (tenant_id, code, type, control, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING operation_id
	`, tenantID, op.Code, string(op.Type), string(op.Control), string(status), createdAt).Scan(&id)
	return id, err
}

func deleteOperationRow(ctx context.Context, db DBTX, tenantID uuid.UUID, operationID int64, typeFilter string, args ...any) error {
	tag, err := db.Exec(ctx, `
		DELETE FROM operations o
		WHERE o.tenant_id = $1 AND o.operation_id = $2 AND `+typeFilter,
		append([]any{tenantID, operationID}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// payloadTable describes the side table holding one payload variant.
type payloadTable struct {
	opType  models.OperationType
	name    string
	column  string
	encode  func(models.Payload) (any, error)
	newDest func() any
	decode  func(dest any) (models.Payload, error)
}

var commandTable = payloadTable{
	opType:  models.OperationTypeCommand,
	name:    "command_operations",
	column:  "enabled",
	newDest: func() any { return new(bool) },
	encode: func(p models.Payload) (any, error) {
		c, ok := p.(models.CommandPayload)
		if !ok {
			return nil, payloadMismatch(models.OperationTypeCommand, p)
		}
		return c.Enabled, nil
	},
	decode: func(dest any) (models.Payload, error) {
		return models.CommandPayload{Enabled: *dest.(*bool)}, nil
	},
}

var configTable = payloadTable{
	opType:  models.OperationTypeConfig,
	name:    "config_operations",
	column:  "properties",
	newDest: func() any { return new([]byte) },
	encode: func(p models.Payload) (any, error) {
		c, ok := p.(models.ConfigPayload)
		if !ok {
			return nil, payloadMismatch(models.OperationTypeConfig, p)
		}
		return json.Marshal(c.Properties)
	},
	decode: func(dest any) (models.Payload, error) {
		var out models.ConfigPayload
		if err := json.Unmarshal(*dest.(*[]byte), &out.Properties); err != nil {
			return nil, err
		}
		return out, nil
	},
}

var profileTable = payloadTable{
	opType:  models.OperationTypeProfile,
	name:    "profile_operations",
	column:  "data",
	newDest: func() any { return new([]byte) },
	encode: func(p models.Payload) (any, error) {
		c, ok := p.(models.ProfilePayload)
		if !ok {
			return nil, payloadMismatch(models.OperationTypeProfile, p)
		}
		if c.Data == nil {
			return []byte{}, nil
		}
		return c.Data, nil
	},
	decode: func(dest any) (models.Payload, error) {
		return models.ProfilePayload{Data: *dest.(*[]byte)}, nil
	},
}

var policyTable = payloadTable{
	opType:  models.OperationTypePolicy,
	name:    "policy_operations",
	column:  "features",
	newDest: func() any { return new([]byte) },
	encode: func(p models.Payload) (any, error) {
		c, ok := p.(models.PolicyPayload)
		if !ok {
			return nil, payloadMismatch(models.OperationTypePolicy, p)
		}
		return json.Marshal(c.Features)
	},
	decode: func(dest any) (models.Payload, error) {
		var out models.PolicyPayload
		if err := json.Unmarshal(*dest.(*[]byte), &out.Features); err != nil {
			return nil, err
		}
		return out, nil
	},
}

func payloadMismatch(want models.OperationType, p models.Payload) error {
	if p == nil {
		return fmt.Errorf("%s operation has no payload", want)
	}
	return fmt.Errorf("%s store cannot persist %s payload", want, p.OperationType())
}

// typedStore persists operations whose payload lives in a side table
// keyed by operation_id.
type typedStore struct {
	db    DBTX
	table payloadTable
}

func (s typedStore) Insert(ctx context.Context, tenantID uuid.UUID, op models.Operation) (int64, error) {
	if op.Type != s.table.opType {
		return 0, fmt.Errorf("%s store cannot persist %s operation", s.table.opType, op.Type)
	}
	value, err := s.table.encode(op.Payload)
	if err != nil {
		return 0, err
	}
	id, err := insertOperationRow(ctx, s.db, tenantID, op)
	if err != nil {
		return 0, err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO `+s.table.name+` (operation_id, `+s.table.column+`) VALUES ($1, $2)`, id, value)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s typedStore) scan(row pgx.Row) (models.Operation, error) {
	dest := s.table.newDest()
	op, err := scanOperation(row, dest)
	if err != nil {
		return models.Operation{}, err
	}
	op.Payload, err = s.table.decode(dest)
	if err != nil {
		return models.Operation{}, fmt.Errorf("decode %s payload of operation %d: %w", s.table.opType, op.ID, err)
	}
	return op, nil
}

func (s typedStore) Get(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Operation, error) {
	op, err := s.scan(s.db.QueryRow(ctx, `
		SELECT `+operationColumns+`, p.`+s.table.column+`
		FROM operations o
		JOIN `+s.table.name+` p ON p.operation_id = o.operation_id
		WHERE o.tenant_id = $1 AND o.operation_id = $2
	`, tenantID, operationID))
	return op, mapNoRows(err)
}

func (s typedStore) ListByEnrollmentAndStatus(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, status models.Status) ([]models.Operation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+operationColumns+`, p.`+s.table.column+`
		FROM operations o
		JOIN `+s.table.name+` p ON p.operation_id = o.operation_id
		JOIN enrollment_operations eo ON eo.operation_id = o.operation_id
		WHERE o.tenant_id = $1 AND eo.enrollment_id = $2 AND o.status = $3
		ORDER BY o.created_at ASC, o.operation_id ASC
	`, tenantID, enrollmentID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Operation
	for rows.Next() {
		op, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s typedStore) Delete(ctx context.Context, tenantID uuid.UUID, operationID int64) error {
	return deleteOperationRow(ctx, s.db, tenantID, operationID, `o.type = $3`, string(s.table.opType))
}

// genericStore holds the operation types that carry no payload.
type genericStore struct {
	db DBTX
}

const genericTypeFilter = `o.type NOT IN ('COMMAND', 'CONFIG', 'PROFILE', 'POLICY')`

func (s genericStore) Insert(ctx context.Context, tenantID uuid.UUID, op models.Operation) (int64, error) {
	if models.HasTypedPayload(op.Type) {
		return 0, fmt.Errorf("%s operation must be stored with its payload", op.Type)
	}
	return insertOperationRow(ctx, s.db, tenantID, op)
}

func (s genericStore) Get(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Operation, error) {
	op, err := scanOperation(s.db.QueryRow(ctx, `
		SELECT `+operationColumns+`
		FROM operations o
		WHERE o.tenant_id = $1 AND o.operation_id = $2 AND `+genericTypeFilter,
		tenantID, operationID))
	return op, mapNoRows(err)
}

func (s genericStore) ListByEnrollmentAndStatus(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, status models.Status) ([]models.Operation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+operationColumns+`
		FROM operations o
		JOIN enrollment_operations eo ON eo.operation_id = o.operation_id
		WHERE o.tenant_id = $1 AND eo.enrollment_id = $2 AND o.status = $3 AND `+genericTypeFilter+`
		ORDER BY o.created_at ASC, o.operation_id ASC
	`, tenantID, enrollmentID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOperations(rows)
}

func (s genericStore) Delete(ctx context.Context, tenantID uuid.UUID, operationID int64) error {
	return deleteOperationRow(ctx, s.db, tenantID, operationID, genericTypeFilter)
}

func collectOperations(rows pgx.Rows) ([]models.Operation, error) {
	var out []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
