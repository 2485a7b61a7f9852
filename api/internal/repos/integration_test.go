//go:build integration

package repos_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"device-operation-management/api/internal/models"
	"device-operation-management/api/internal/operations"
	"device-operation-management/api/internal/repos"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/tenantx"
)

type allowAll struct{}

func (allowAll) IsAuthorized(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier, permissions ...string) (bool, error) {
	return true, nil
}

func openPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := repos.ApplySchema(ctx, pool); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return pool
}

func TestOperationLifecycleAgainstPostgres(t *testing.T) {
	pool := openPool(t)
	ctx := context.Background()

	tenant, err := repos.NewTenantsRepo(pool).CreateTenant(ctx, "it-"+uuid.NewString()[:8], "integration")
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	devices := repos.NewDevicesRepo(pool)
	device := models.DeviceIdentifier{ID: uuid.NewString(), Type: "android"}
	enrollment, err := devices.Enroll(ctx, tenant.TenantID, device, "alice")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if enrollment.Status != models.EnrollmentActive || enrollment.Owner != "alice" {
		t.Fatalf("unexpected enrollment %#v", enrollment)
	}

	manager := operations.New(operations.Deps{
		Store:       repos.NewOperationsStore(pool),
		Enrollments: devices,
		Validator:   devices,
		Authorizer:  allowAll{},
		Logger:      logx.Discard(),
	}, operations.Config{})
	tctx := tenantx.WithTenant(ctx, tenantx.TenantContext{ID: tenant.TenantID.String()})

	op := models.Operation{
		Code:    "WIFI",
		Type:    models.OperationTypeConfig,
		Payload: models.ConfigPayload{Properties: []models.ConfigProperty{{Name: "ssid", Value: "lab"}}},
	}
	activity, err := manager.AddOperation(tctx, op, []models.DeviceIdentifier{device, {ID: "ghost", Type: "android"}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	operationID, err := operations.ParseActivityID(activity.ActivityID)
	if err != nil {
		t.Fatalf("activity id %q: %v", activity.ActivityID, err)
	}

	pending, err := manager.GetPendingOperations(tctx, device)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending operation, got %d %v", len(pending), err)
	}
	cfg, ok := pending[0].Payload.(models.ConfigPayload)
	if !ok || len(cfg.Properties) != 1 || cfg.Properties[0].Value != "lab" {
		t.Fatalf("config payload not round-tripped: %#v", pending[0].Payload)
	}

	updated, err := manager.UpdateOperation(tctx, device, models.Operation{
		ID:       operationID,
		Status:   models.StatusCompleted,
		Response: []byte(`{"ok":true}`),
	})
	if err != nil || !updated {
		t.Fatalf("update: %v %v", updated, err)
	}

	got, err := manager.GetOperationByActivityID(tctx, activity.ActivityID)
	if err != nil {
		t.Fatalf("activity lookup: %v", err)
	}
	if len(got.Statuses) != 1 || got.Statuses[0].Status != models.ActivityCompleted || len(got.Statuses[0].Responses) != 1 {
		t.Fatalf("unexpected activity %#v", got)
	}

	if err := devices.Unenroll(ctx, tenant.TenantID, device); err != nil {
		t.Fatalf("unenroll: %v", err)
	}
	if _, err := devices.ResolveActiveEnrollment(ctx, tenant.TenantID, device); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected no active enrollment after unenroll, got %v", err)
	}

	if err := manager.DeleteOperation(tctx, operationID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := manager.GetOperation(tctx, operationID); !errors.Is(err, operations.ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound after delete, got %v", err)
	}
}

func TestOutboxClaimAndDeliver(t *testing.T) {
	pool := openPool(t)
	ctx := context.Background()
	outbox := repos.NewOutboxRepo(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	event, err := repos.InsertOutbox(ctx, tx, models.OutboxEvent{
		TenantID:      uuid.New(),
		AggregateType: "operation",
		AggregateID:   "ACTIVITY_1",
		Topic:         "operation.activities",
		Payload:       []byte(`{"hello":"world"}`),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	claimed, err := outbox.ClaimPending(ctx, "it", 100)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	found := false
	for _, c := range claimed {
		if c.EventID == event.EventID {
			found = true
		}
	}
	if !found {
		t.Fatalf("inserted event was not claimed")
	}
	if err := outbox.MarkDelivered(ctx, event.EventID); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	stored, err := outbox.GetByID(ctx, event.EventID)
	if err != nil || stored.Status != repos.OutboxStatusDelivered {
		t.Fatalf("expected delivered, got %q %v", stored.Status, err)
	}
}
