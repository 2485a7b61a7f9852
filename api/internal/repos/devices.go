package repos

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/dbx"
)

// DevicesRepo answers device existence and enrollment questions for the
// operation manager and the access service.
type DevicesRepo struct {
	pool *pgxpool.Pool
}

func NewDevicesRepo(pool *pgxpool.Pool) *DevicesRepo {
	return &DevicesRepo{pool: pool}
}

// Validate splits devices into those known to the tenant and the rest,
// keeping the request order in both halves.
func (r *DevicesRepo) Validate(ctx context.Context, tenantID uuid.UUID, devices []models.DeviceIdentifier) ([]models.DeviceIdentifier, []models.DeviceIdentifier, error) {
	if len(devices) == 0 {
		return nil, nil, nil
	}
	types := make([]string, len(devices))
	ids := make([]string, len(devices))
	for i, d := range devices {
		types[i] = d.Type
		ids[i] = d.ID
	}
	rows, err := r.pool.Query(ctx, `
		SELECT d.device_type, d.device_id
		FROM devices d
		JOIN unnest($2::text[], $3::text[]) AS req(device_type, device_id)
			ON req.device_type = d.device_type AND req.device_id = d.device_id
		WHERE d.tenant_id = $1
	`, tenantID, types, ids)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	known := map[models.DeviceIdentifier]struct{}{}
	for rows.Next() {
		var d models.DeviceIdentifier
		if err := rows.Scan(&d.Type, &d.ID); err != nil {
			return nil, nil, err
		}
		known[d] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var valid, invalid []models.DeviceIdentifier
	for _, d := range devices {
		if _, ok := known[d]; ok {
			valid = append(valid, d)
		} else {
			invalid = append(invalid, d)
		}
	}
	return valid, invalid, nil
}

func (r *DevicesRepo) ResolveActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		SELECT enrollment_id
		FROM enrollments
		WHERE tenant_id = $1 AND device_type = $2 AND device_id = $3 AND status = $4
	`, tenantID, device.Type, device.ID, models.EnrollmentActive).Scan(&id)
	return id, mapNoRows(err)
}

func (r *DevicesRepo) GetActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (models.Enrollment, error) {
	e, err := scanEnrollment(r.pool.QueryRow(ctx, `
		SELECT enrollment_id, tenant_id, device_type, device_id, owner, status, created_at, updated_at
		FROM enrollments
		WHERE tenant_id = $1 AND device_type = $2 AND device_id = $3 AND status = $4
	`, tenantID, device.Type, device.ID, models.EnrollmentActive))
	return e, mapNoRows(err)
}

// ListActiveEnrollments returns the tenant's active enrollments, filtered
// to deviceType unless it is empty.
func (r *DevicesRepo) ListActiveEnrollments(ctx context.Context, tenantID uuid.UUID, deviceType string) ([]models.Enrollment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT enrollment_id, tenant_id, device_type, device_id, owner, status, created_at, updated_at
		FROM enrollments
		WHERE tenant_id = $1 AND status = $2 AND ($3::text IS NULL OR device_type = $3)
		ORDER BY enrollment_id ASC
	`, tenantID, models.EnrollmentActive, nullIfEmpty(deviceType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Enroll registers the device if needed and makes a new ACTIVE enrollment
// for owner, retiring any previous one.
func (r *DevicesRepo) Enroll(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier, owner string) (models.Enrollment, error) {
	if device.ID == "" || device.Type == "" {
		return models.Enrollment{}, errors.New("device id and type are required")
	}
	var e models.Enrollment
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO devices (tenant_id, device_type, device_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, device_type, device_id) DO NOTHING
		`, tenantID, device.Type, device.ID); err != nil {
			return fmt.Errorf("register device: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE enrollments
			SET status = $4, updated_at = now()
			WHERE tenant_id = $1 AND device_type = $2 AND device_id = $3 AND status = $5
		`, tenantID, device.Type, device.ID, models.EnrollmentInactive, models.EnrollmentActive); err != nil {
			return fmt.Errorf("retire enrollment: %w", err)
		}
		var err error
		e, err = scanEnrollment(tx.QueryRow(ctx, `
			INSERT INTO enrollments (tenant_id, device_type, device_id, owner, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING enrollment_id, tenant_id, device_type, device_id, owner, status, created_at, updated_at
		`, tenantID, device.Type, device.ID, owner, models.EnrollmentActive))
		if err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}
		return nil
	})
	return e, err
}

// Unenroll marks the active enrollment REMOVED. Operations mapped to it
// stay in place but are no longer served.
func (r *DevicesRepo) Unenroll(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = $4, updated_at = now()
		WHERE tenant_id = $1 AND device_type = $2 AND device_id = $3 AND status = $5
	`, tenantID, device.Type, device.ID, models.EnrollmentRemoved, models.EnrollmentActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func scanEnrollment(row pgx.Row) (models.Enrollment, error) {
	var e models.Enrollment
	err := row.Scan(&e.EnrollmentID, &e.TenantID, &e.Device.Type, &e.Device.ID, &e.Owner, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}
