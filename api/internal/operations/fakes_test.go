package operations

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/tenantx"
)

var testTenant = uuid.MustParse("7d5b8f3e-2f3c-4c55-9a57-3c1f0f7e2a11")

type fakeDirectory struct {
	enrollments map[models.DeviceIdentifier]int64
	// unenrolled devices exist but have no active enrollment.
	unenrolled map[models.DeviceIdentifier]bool
	resolveErr error
	// cached stands in for a resolver cache that still holds an old id.
	cached    map[models.DeviceIdentifier]int64
	refreshes int
}

func (d *fakeDirectory) add(device models.DeviceIdentifier, enrollmentID int64) {
	d.enrollments[device] = enrollmentID
}

func (d *fakeDirectory) Validate(ctx context.Context, tenantID uuid.UUID, devices []models.DeviceIdentifier) ([]models.DeviceIdentifier, []models.DeviceIdentifier, error) {
	var valid, invalid []models.DeviceIdentifier
	for _, device := range devices {
		if _, ok := d.enrollments[device]; ok || d.unenrolled[device] {
			valid = append(valid, device)
		} else {
			invalid = append(invalid, device)
		}
	}
	return valid, invalid, nil
}

func (d *fakeDirectory) ResolveActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error) {
	if d.resolveErr != nil {
		return 0, d.resolveErr
	}
	if id, ok := d.cached[device]; ok {
		return id, nil
	}
	id, ok := d.enrollments[device]
	if !ok {
		return 0, models.ErrNotFound
	}
	return id, nil
}

func (d *fakeDirectory) RefreshActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (int64, error) {
	d.refreshes++
	delete(d.cached, device)
	return d.ResolveActiveEnrollment(ctx, tenantID, device)
}

type fakeAuthorizer struct {
	denied      map[models.DeviceIdentifier]bool
	err         error
	calls       int
	permissions []string
}

func (a *fakeAuthorizer) IsAuthorized(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier, permissions ...string) (bool, error) {
	a.calls++
	a.permissions = permissions
	if a.err != nil {
		return false, a.err
	}
	return !a.denied[device], nil
}

type fakeNotifier struct {
	err  error
	sent []models.Operation
}

func (n *fakeNotifier) Notify(ctx context.Context, device models.DeviceIdentifier, op models.Operation) error {
	n.sent = append(n.sent, op)
	return n.err
}

type fakeRecorder struct {
	samples []DispatchSample
}

func (r *fakeRecorder) RecordDispatch(ctx context.Context, sample DispatchSample) error {
	r.samples = append(r.samples, sample)
	return nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	manager  *Manager
	store    *memStore
	dir      *fakeDirectory
	auth     *fakeAuthorizer
	notifier *fakeNotifier
	recorder *fakeRecorder
	clock    *fakeClock
}

var (
	deviceA = models.DeviceIdentifier{ID: "dev-a", Type: "android"}
	deviceB = models.DeviceIdentifier{ID: "dev-b", Type: "android"}
	deviceC = models.DeviceIdentifier{ID: "dev-c", Type: "ios"}
	ghost   = models.DeviceIdentifier{ID: "ghost", Type: "android"}
)

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemStore(clock.Now)
	dir := &fakeDirectory{enrollments: map[models.DeviceIdentifier]int64{}, unenrolled: map[models.DeviceIdentifier]bool{}}
	for i, d := range []models.DeviceIdentifier{deviceA, deviceB, deviceC} {
		id := int64(100 + i)
		dir.add(d, id)
		store.devices[id] = d
	}
	auth := &fakeAuthorizer{denied: map[models.DeviceIdentifier]bool{}}
	notifier := &fakeNotifier{}
	recorder := &fakeRecorder{}
	cfg.Now = clock.Now
	m := New(Deps{
		Store:       store,
		Enrollments: dir,
		Validator:   dir,
		Authorizer:  auth,
		Notifier:    notifier,
		Recorder:    recorder,
		Logger:      logx.Discard(),
	}, cfg)
	return &harness{manager: m, store: store, dir: dir, auth: auth, notifier: notifier, recorder: recorder, clock: clock}
}

func tenantCtx() context.Context {
	return tenantx.WithTenant(context.Background(), tenantx.TenantContext{ID: testTenant.String(), Slug: "acme"})
}

func command(code string) models.Operation {
	return models.Operation{Code: code, Type: models.OperationTypeCommand, Payload: models.CommandPayload{Enabled: true}}
}
