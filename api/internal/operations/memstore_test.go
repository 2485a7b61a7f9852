package operations

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/workflow"
)

type memRow struct {
	tenantID  uuid.UUID
	op        models.Operation
	updatedAt time.Time
}

type memState struct {
	nextID    int64
	rows      map[int64]memRow
	mappings  map[int64]int64
	responses []models.OperationResponse
	outbox    []models.OutboxEvent
}

func (s *memState) clone() *memState {
	out := &memState{
		nextID:    s.nextID,
		rows:      make(map[int64]memRow, len(s.rows)),
		mappings:  make(map[int64]int64, len(s.mappings)),
		responses: slices.Clone(s.responses),
		outbox:    slices.Clone(s.outbox),
	}
	for k, v := range s.rows {
		out.rows[k] = v
	}
	for k, v := range s.mappings {
		out.mappings[k] = v
	}
	return out
}

type memHooks struct {
	insertErr   func(op models.Operation, n int) error
	responseErr error
	commitErr   error
	inserts     int
	locked      []int64
	retired     map[int64]bool
}

type memView struct {
	st      *memState
	hooks   *memHooks
	devices map[int64]models.DeviceIdentifier
	now     func() time.Time
}

func (v *memView) Command() TypedStore { return memTyped{v: v, t: models.OperationTypeCommand} }
func (v *memView) Config() TypedStore  { return memTyped{v: v, t: models.OperationTypeConfig} }
func (v *memView) Profile() TypedStore { return memTyped{v: v, t: models.OperationTypeProfile} }
func (v *memView) Policy() TypedStore  { return memTyped{v: v, t: models.OperationTypePolicy} }
func (v *memView) Generic() TypedStore { return memTyped{v: v} }

func (v *memView) Operations() OperationStore { return memOps{v: v} }
func (v *memView) Outbox() OutboxWriter       { return memOutbox{v: v} }

type memStore struct {
	mu sync.Mutex
	memView
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{memView: memView{
		st:      &memState{rows: map[int64]memRow{}, mappings: map[int64]int64{}},
		hooks:   &memHooks{},
		devices: map[int64]models.DeviceIdentifier{},
		now:     now,
	}}
}

func (s *memStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTx{parent: s, memView: memView{st: s.st.clone(), hooks: s.hooks, devices: s.devices, now: s.now}}, nil
}

func (s *memStore) state() *memState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *memStore) rowsByCode(code string) []models.Operation {
	var out []models.Operation
	for _, row := range s.state().rows {
		if row.op.Code == code {
			out = append(out, row.op)
		}
	}
	slices.SortFunc(out, func(a, b models.Operation) int { return int(a.ID - b.ID) })
	return out
}

type memTx struct {
	memView
	parent *memStore
	done   bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already closed")
	}
	if t.hooks.commitErr != nil {
		return t.hooks.commitErr
	}
	t.parent.mu.Lock()
	t.parent.st = t.st
	t.parent.mu.Unlock()
	t.done = true
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

type memTyped struct {
	v *memView
	t models.OperationType
}

func (m memTyped) matches(t models.OperationType) bool {
	if m.t == "" {
		return !models.HasTypedPayload(t)
	}
	return m.t == t
}

func (m memTyped) Insert(ctx context.Context, tenantID uuid.UUID, op models.Operation) (int64, error) {
	if !m.matches(op.Type) {
		return 0, errors.New("operation routed to the wrong store")
	}
	m.v.hooks.inserts++
	if m.v.hooks.insertErr != nil {
		if err := m.v.hooks.insertErr(op, m.v.hooks.inserts); err != nil {
			return 0, err
		}
	}
	m.v.st.nextID++
	op.ID = m.v.st.nextID
	op.Response = nil
	op.Responses = nil
	op.ActivityID = ""
	m.v.st.rows[op.ID] = memRow{tenantID: tenantID, op: op, updatedAt: op.CreatedAt}
	return op.ID, nil
}

func (m memTyped) Get(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Operation, error) {
	row, ok := m.v.st.rows[operationID]
	if !ok || row.tenantID != tenantID || !m.matches(row.op.Type) {
		return models.Operation{}, models.ErrNotFound
	}
	return row.op, nil
}

func (m memTyped) ListByEnrollmentAndStatus(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, status models.Status) ([]models.Operation, error) {
	var out []models.Operation
	for id, row := range m.v.st.rows {
		if row.tenantID != tenantID || !m.matches(row.op.Type) || row.op.Status != status {
			continue
		}
		if m.v.st.mappings[id] != enrollmentID {
			continue
		}
		out = append(out, row.op)
	}
	// map iteration order is random; callers must sort.
	return out, nil
}

func (m memTyped) Delete(ctx context.Context, tenantID uuid.UUID, operationID int64) error {
	row, ok := m.v.st.rows[operationID]
	if !ok || row.tenantID != tenantID || !m.matches(row.op.Type) {
		return models.ErrNotFound
	}
	delete(m.v.st.rows, operationID)
	delete(m.v.st.mappings, operationID)
	kept := m.v.st.responses[:0]
	for _, r := range m.v.st.responses {
		if r.OperationID != operationID {
			kept = append(kept, r)
		}
	}
	m.v.st.responses = kept
	return nil
}

type memOps struct {
	v *memView
}

func (m memOps) mapped(tenantID uuid.UUID, enrollmentID int64) []models.Operation {
	var out []models.Operation
	for id, row := range m.v.st.rows {
		if row.tenantID == tenantID && m.v.st.mappings[id] == enrollmentID {
			out = append(out, row.op)
		}
	}
	slices.SortFunc(out, func(a, b models.Operation) int { return int(a.ID - b.ID) })
	return out
}

func base(op models.Operation) models.Operation {
	op.Payload = nil
	return op
}

func (m memOps) LockEnrollment(ctx context.Context, enrollmentID int64) (bool, error) {
	m.v.hooks.locked = append(m.v.hooks.locked, enrollmentID)
	return !m.v.hooks.retired[enrollmentID], nil
}

func (m memOps) FindActiveByCode(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, code string) (int64, bool, error) {
	for _, op := range m.mapped(tenantID, enrollmentID) {
		if op.Code == code && !workflow.IsTerminal(string(op.Status)) {
			return op.ID, true, nil
		}
	}
	return 0, false, nil
}

func (m memOps) MarkRepeated(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, code string) (int64, error) {
	var n int64
	for _, op := range m.mapped(tenantID, enrollmentID) {
		if op.Code == code && op.Status == models.StatusPending {
			row := m.v.st.rows[op.ID]
			row.op.Status = models.StatusRepeated
			row.updatedAt = m.v.now()
			m.v.st.rows[op.ID] = row
			n++
		}
	}
	return n, nil
}

func (m memOps) AddMapping(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64) error {
	m.v.st.mappings[operationID] = enrollmentID
	return nil
}

func (m memOps) Get(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Operation, error) {
	row, ok := m.v.st.rows[operationID]
	if !ok || row.tenantID != tenantID {
		return models.Operation{}, models.ErrNotFound
	}
	return base(row.op), nil
}

func (m memOps) GetForEnrollment(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64) (models.Operation, error) {
	op, err := m.Get(ctx, tenantID, operationID)
	if err != nil {
		return op, err
	}
	if m.v.st.mappings[operationID] != enrollmentID {
		return models.Operation{}, models.ErrNotFound
	}
	return op, nil
}

func (m memOps) TransitionStatus(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64, from models.Status, to models.Status) (bool, error) {
	row, ok := m.v.st.rows[operationID]
	if !ok || row.tenantID != tenantID || m.v.st.mappings[operationID] != enrollmentID || row.op.Status != from {
		return false, nil
	}
	row.op.Status = to
	now := m.v.now()
	if row.op.ReceivedAt == nil {
		row.op.ReceivedAt = &now
	}
	row.updatedAt = now
	m.v.st.rows[operationID] = row
	return true, nil
}

func (m memOps) AppendResponse(ctx context.Context, tenantID uuid.UUID, resp models.OperationResponse) error {
	if m.v.hooks.responseErr != nil {
		return m.v.hooks.responseErr
	}
	m.v.st.responses = append(m.v.st.responses, resp)
	return nil
}

func (m memOps) Responses(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, operationID int64) ([]models.OperationResponse, error) {
	var out []models.OperationResponse
	for _, r := range m.v.st.responses {
		if r.OperationID == operationID && r.EnrollmentID == enrollmentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m memOps) ListForEnrollment(ctx context.Context, tenantID uuid.UUID, enrollmentID int64, page *models.PaginationRequest) ([]models.Operation, error) {
	ops := m.mapped(tenantID, enrollmentID)
	for i := range ops {
		ops[i] = base(ops[i])
	}
	return paginate(ops, page), nil
}

func (m memOps) CountForEnrollment(ctx context.Context, tenantID uuid.UUID, enrollmentID int64) (int, error) {
	return len(m.mapped(tenantID, enrollmentID)), nil
}

func (m memOps) NextPending(ctx context.Context, tenantID uuid.UUID, enrollmentID int64) (models.Operation, error) {
	var next *models.Operation
	for _, op := range m.mapped(tenantID, enrollmentID) {
		if op.Status != models.StatusPending {
			continue
		}
		if next == nil || op.CreatedAt.Before(next.CreatedAt) {
			o := op
			next = &o
		}
	}
	if next == nil {
		return models.Operation{}, models.ErrNotFound
	}
	return base(*next), nil
}

func (m memOps) activity(operationID int64) models.Activity {
	row := m.v.st.rows[operationID]
	a := models.Activity{
		ActivityID: models.FormatActivityID(operationID),
		Code:       row.op.Code,
		Type:       row.op.Type,
		CreatedAt:  row.op.CreatedAt,
	}
	if enrollmentID, ok := m.v.st.mappings[operationID]; ok {
		status := models.ActivityStatus{
			Device:    m.v.devices[enrollmentID],
			Status:    models.ActivityState(row.op.Status),
			UpdatedAt: row.updatedAt,
		}
		for _, r := range m.v.st.responses {
			if r.OperationID == operationID {
				status.Responses = append(status.Responses, models.ActivityResponse{Payload: string(r.Payload), ReceivedAt: r.ReceivedAt})
			}
		}
		a.Statuses = []models.ActivityStatus{status}
	}
	return a
}

func (m memOps) Activity(ctx context.Context, tenantID uuid.UUID, operationID int64) (models.Activity, error) {
	row, ok := m.v.st.rows[operationID]
	if !ok || row.tenantID != tenantID {
		return models.Activity{}, models.ErrNotFound
	}
	return m.activity(operationID), nil
}

func (m memOps) Activities(ctx context.Context, tenantID uuid.UUID, operationIDs []int64) ([]models.Activity, error) {
	var out []models.Activity
	for _, id := range operationIDs {
		if row, ok := m.v.st.rows[id]; ok && row.tenantID == tenantID {
			out = append(out, m.activity(id))
		}
	}
	return out, nil
}

func (m memOps) updatedAfter(tenantID uuid.UUID, since time.Time) []int64 {
	var ids []int64
	for id, row := range m.v.st.rows {
		if row.tenantID == tenantID && row.updatedAt.After(since) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (m memOps) ActivitiesUpdatedAfter(ctx context.Context, tenantID uuid.UUID, since time.Time, page *models.PaginationRequest) ([]models.Activity, error) {
	ids := paginate(m.updatedAfter(tenantID, since), page)
	out := make([]models.Activity, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.activity(id))
	}
	return out, nil
}

func (m memOps) ActivityCountUpdatedAfter(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	return len(m.updatedAfter(tenantID, since)), nil
}

func paginate[T any](items []T, page *models.PaginationRequest) []T {
	if page == nil {
		return items
	}
	if page.Offset >= len(items) {
		return nil
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

type memOutbox struct {
	v *memView
}

func (m memOutbox) Append(ctx context.Context, event models.OutboxEvent) error {
	m.v.st.outbox = append(m.v.st.outbox, event)
	return nil
}
