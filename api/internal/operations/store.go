package operations

import (
	"context"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
)

// TypedStore persists operations of one payload shape. Reads return
// models.ErrNotFound when no row matches.
type TypedStore interface {
	Insert(ctx context.Context, tenantID uuid.UUID, op models.Operation) (int64, error)
	Get(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Operation, error)
	ListByEnrollmentAndStatus(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, status models.Status) ([]models.Operation, error)
	Delete(ctx context.Context, tenantID uuid.UUID, operationID int64) error
}

// OperationStore covers the shared operation row, enrollment mappings,
// responses and activity views.
type OperationStore interface {
	// LockEnrollment serializes dispatches to one enrollment until the
	// enclosing transaction ends. It reports false when the enrollment is no
	// longer ACTIVE.
	LockEnrollment(ctx context.Context, enrollmentID int64) (bool, error)
	FindActiveByCode(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, code string) (int64, bool, error)
	MarkRepeated(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, code string) (int64, error)
	AddMapping(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64) error

	Get(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Operation, error)
	GetForEnrollment(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64) (models.Operation, error)
	TransitionStatus(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64, from models.Status, to models.Status) (bool, error)
	AppendResponse(ctx context.Context, tenantID uuid.UUID, resp models.OperationResponse) error
	Responses(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64) ([]models.OperationResponse, error)

	ListForEnrollment(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, page *models.PaginationRequest) ([]models.Operation, error)
	CountForEnrollment(ctx context.Context, tenantID uuid.UUID, enrollmentID int64) (int, error)
	NextPending(ctx context.Context, tenantID uuid.UUID, enrollmentID int64) (models.Operation, error)

	Activity(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Activity, error)
	Activities(ctx context.Context, tenantID uuid.UUID, operationIDs []int64) ([]models.Activity, error)
	ActivitiesUpdatedAfter(ctx context.Context, tenantID uuid.UUID, since time.Time, page *models.PaginationRequest) ([]models.Activity, error)
	ActivityCountUpdatedAfter(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
}

type OutboxWriter interface {
	Append(ctx context.Context, event models.OutboxEvent) error
}

type Stores interface {
	Command() TypedStore
	Config() TypedStore
	Profile() TypedStore
	Policy() TypedStore
	Generic() TypedStore
	Operations() OperationStore
	Outbox() OutboxWriter
}

type Tx interface {
	Stores
	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit.
	Rollback(ctx context.Context) error
}

type Store interface {
	Stores
	Begin(ctx context.Context) (Tx, error)
}

type EnrollmentResolver interface {
	// ResolveActiveEnrollment returns models.ErrNotFound when the device has
	// no ACTIVE enrollment.
	ResolveActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error)
}

// EnrollmentRefresher is implemented by caching resolvers. Refresh drops the
// cached id and resolves from the source.
type EnrollmentRefresher interface {
	RefreshActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error)
}

type DeviceValidator interface {
	Validate(ctx context.Context, tenantID uuid.UUID, devices []models.DeviceIdentifier) (valid []models.DeviceIdentifier, invalid []models.DeviceIdentifier, err error)
}

type Authorizer interface {
	IsAuthorized(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier, permissions ...string) (bool, error)
}

type ScheduleRegistry interface {
	IsScheduledCode(code string) bool
}

type Notifier interface {
	Notify(ctx context.Context, device models.DeviceIdentifier, op models.Operation) error
}

type DispatchSample struct {
	TenantID     uuid.UUID
	Code         string
	Type         models.OperationType
	Scheduled    bool
	Requested    int
	Invalid      int
	Unauthorized int
	Inserted     int
	Reused       int
	Duration     time.Duration
}

type Recorder interface {
	RecordDispatch(ctx context.Context, sample DispatchSample) error
}
