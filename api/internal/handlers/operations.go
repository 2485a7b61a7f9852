package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"device-operation-management/api/internal/models"
	"device-operation-management/api/internal/operations"
	"device-operation-management/shared/httpx"
	"device-operation-management/shared/logx"
)

// OperationService is the part of operations.Manager served over HTTP.
type OperationService interface {
	AddOperation(ctx context.Context, op models.Operation, devices []models.DeviceIdentifier) (models.Activity, error)
	AddOperationPerDevice(ctx context.Context, op models.Operation, devices []models.DeviceIdentifier) (models.Activity, map[models.DeviceIdentifier]string, error)
	GetOperations(ctx context.Context, device models.DeviceIdentifier) ([]models.Operation, error)
	GetOperationsPage(ctx context.Context, device models.DeviceIdentifier, page models.PaginationRequest) (models.PaginationResult, error)
	GetPendingOperations(ctx context.Context, device models.DeviceIdentifier) ([]models.Operation, error)
	GetOperationsByDeviceAndStatus(ctx context.Context, device models.DeviceIdentifier, status models.Status) ([]models.Operation, error)
	GetNextPendingOperation(ctx context.Context, device models.DeviceIdentifier) (*models.Operation, error)
	GetOperationByDeviceAndOperationID(ctx context.Context, device models.DeviceIdentifier, operationID int64) (models.Operation, error)
	GetOperation(ctx context.Context, operationID int64) (models.Operation, error)
	UpdateOperation(ctx context.Context, device models.DeviceIdentifier, op models.Operation) (bool, error)
	DeleteOperation(ctx context.Context, operationID int64) error
	GetOperationByActivityID(ctx context.Context, activityID string) (models.Activity, error)
	GetOperationByActivityIDs(ctx context.Context, activityIDs []string) ([]models.Activity, error)
	GetActivitiesUpdatedAfter(ctx context.Context, since time.Time) ([]models.Activity, error)
	GetActivitiesUpdatedAfterPage(ctx context.Context, since time.Time, limit int, offset int) ([]models.Activity, error)
	GetActivityCountUpdatedAfter(ctx context.Context, since time.Time) (int, error)
}

type Operations struct {
	Service OperationService
	Logger  logx.Logger
}

func (h Operations) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/operations", h.dispatch)
	mux.HandleFunc("GET /api/v1/operations/{operationID}", h.getOperation)
	mux.HandleFunc("DELETE /api/v1/operations/{operationID}", h.deleteOperation)

	mux.HandleFunc("GET /api/v1/devices/{type}/{id}/operations", h.listDeviceOperations)
	mux.HandleFunc("GET /api/v1/devices/{type}/{id}/operations/pending", h.pendingOperations)
	mux.HandleFunc("GET /api/v1/devices/{type}/{id}/operations/next", h.nextPendingOperation)
	mux.HandleFunc("GET /api/v1/devices/{type}/{id}/operations/{operationID}", h.getDeviceOperation)
	mux.HandleFunc("PUT /api/v1/devices/{type}/{id}/operations/{operationID}", h.updateDeviceOperation)

	mux.HandleFunc("GET /api/v1/activities", h.listActivities)
	mux.HandleFunc("GET /api/v1/activities/count", h.countActivities)
	mux.HandleFunc("GET /api/v1/activities/{activityID}", h.getActivity)
}

type operationRequest struct {
	Code    string          `json:"code"`
	Type    string          `json:"type"`
	Control string          `json:"control,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type dispatchRequest struct {
	Operation operationRequest          `json:"operation"`
	Devices   []models.DeviceIdentifier `json:"devices"`
	PerDevice bool                      `json:"perDevice,omitempty"`
}

type deviceActivity struct {
	Device     models.DeviceIdentifier `json:"device"`
	ActivityID string                  `json:"activityId"`
}

type dispatchResponse struct {
	models.Activity
	Devices []deviceActivity `json:"devices,omitempty"`
}

type updateRequest struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type operationResponse struct {
	ID         int64           `json:"id"`
	ActivityID string          `json:"activityId"`
	Code       string          `json:"code"`
	Type       string          `json:"type"`
	Control    string          `json:"control"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	ReceivedAt *time.Time      `json:"receivedAt,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Responses  []responseItem  `json:"responses,omitempty"`
}

type responseItem struct {
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

type pageResponse struct {
	Data            []operationResponse `json:"data"`
	RecordsTotal    int                 `json:"recordsTotal"`
	RecordsFiltered int                 `json:"recordsFiltered"`
}

func (h Operations) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	op, err := req.Operation.toModel()
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}

	if !req.PerDevice {
		activity, err := h.Service.AddOperation(r.Context(), op, req.Devices)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, dispatchResponse{Activity: activity})
		return
	}

	activity, ids, err := h.Service.AddOperationPerDevice(r.Context(), op, req.Devices)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := dispatchResponse{Activity: activity}
	for _, device := range req.Devices {
		if id, ok := ids[device]; ok {
			resp.Devices = append(resp.Devices, deviceActivity{Device: device, ActivityID: id})
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (h Operations) getOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := operationIDParam(w, r)
	if !ok {
		return
	}
	op, err := h.Service.GetOperation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOperation(w, r, http.StatusOK, op)
}

func (h Operations) deleteOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := operationIDParam(w, r)
	if !ok {
		return
	}
	if err := h.Service.DeleteOperation(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h Operations) listDeviceOperations(w http.ResponseWriter, r *http.Request) {
	device := deviceParam(r)
	query := r.URL.Query()

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, ok := models.ParseStatus(raw)
		if !ok {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown status", nil)
			return
		}
		ops, err := h.Service.GetOperationsByDeviceAndStatus(r.Context(), device, status)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeOperations(w, r, ops)
		return
	}

	if query.Has("limit") || query.Has("offset") {
		limit, err := httpx.QueryInt(r, "limit", 50)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		offset, err := httpx.QueryInt(r, "offset", 0)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		page, err := h.Service.GetOperationsPage(r.Context(), device, models.PaginationRequest{Offset: offset, Limit: limit})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		resp := pageResponse{RecordsTotal: page.RecordsTotal, RecordsFiltered: page.RecordsFiltered}
		resp.Data, err = toResponses(page.Data)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}

	ops, err := h.Service.GetOperations(r.Context(), device)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOperations(w, r, ops)
}

func (h Operations) pendingOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.Service.GetPendingOperations(r.Context(), deviceParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOperations(w, r, ops)
}

func (h Operations) nextPendingOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.Service.GetNextPendingOperation(r.Context(), deviceParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if op == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeOperation(w, r, http.StatusOK, *op)
}

func (h Operations) getDeviceOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := operationIDParam(w, r)
	if !ok {
		return
	}
	op, err := h.Service.GetOperationByDeviceAndOperationID(r.Context(), deviceParam(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOperation(w, r, http.StatusOK, op)
}

func (h Operations) updateDeviceOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := operationIDParam(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	op := models.Operation{ID: id}
	// an absent status records the response without a transition
	if strings.TrimSpace(req.Status) != "" {
		status, ok := models.ParseStatus(req.Status)
		if !ok {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown status", nil)
			return
		}
		op.Status = status
	}
	if len(req.Response) > 0 && string(req.Response) != "null" {
		op.Response = []byte(req.Response)
	}
	updated, err := h.Service.UpdateOperation(r.Context(), deviceParam(r), op)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (h Operations) getActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := h.Service.GetOperationByActivityID(r.Context(), r.PathValue("activityID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, activity)
}

// listActivities serves either an explicit id list (?ids=A,B) or the
// activities updated after ?since, optionally paged.
func (h Operations) listActivities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("ids")); raw != "" {
		var ids []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ids = append(ids, part)
			}
		}
		activities, err := h.Service.GetOperationByActivityIDs(r.Context(), ids)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, nonNil(activities))
		return
	}

	since, ok := sinceParam(w, r)
	if !ok {
		return
	}
	if query.Has("limit") || query.Has("offset") {
		limit, err := httpx.QueryInt(r, "limit", 50)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		offset, err := httpx.QueryInt(r, "offset", 0)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		activities, err := h.Service.GetActivitiesUpdatedAfterPage(r.Context(), since, limit, offset)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, nonNil(activities))
		return
	}
	activities, err := h.Service.GetActivitiesUpdatedAfter(r.Context(), since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, nonNil(activities))
}

func (h Operations) countActivities(w http.ResponseWriter, r *http.Request) {
	since, ok := sinceParam(w, r)
	if !ok {
		return
	}
	n, err := h.Service.GetActivityCountUpdatedAfter(r.Context(), since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h Operations) writeOperation(w http.ResponseWriter, r *http.Request, status int, op models.Operation) {
	resp, err := toResponse(op)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, status, resp)
}

func (h Operations) writeOperations(w http.ResponseWriter, r *http.Request, ops []models.Operation) {
	resp, err := toResponses(ops)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// writeError maps operation errors onto HTTP statuses. ErrAccessDenied is
// checked before ErrOperationManagement because it wraps it.
func (h Operations) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, operations.ErrInvalidArgument):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, operations.ErrInvalidDevice):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_DEVICE", err.Error(), nil)
	case errors.Is(err, operations.ErrAccessDenied):
		httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "access denied", nil)
	case errors.Is(err, operations.ErrOperationNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		h.Logger.Error(r.Context(), "operation_request_failed", "operation request failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "operation management failed", nil)
	}
}

func (o operationRequest) toModel() (models.Operation, error) {
	opType, ok := models.ParseOperationType(o.Type)
	if !ok {
		return models.Operation{}, errors.New("unknown operation type")
	}
	control, ok := models.ParseControl(o.Control)
	if !ok {
		return models.Operation{}, errors.New("unknown control")
	}
	op := models.Operation{Code: strings.TrimSpace(o.Code), Type: opType, Control: control}
	if models.HasTypedPayload(opType) {
		payload, err := models.DecodePayload(opType, o.Payload)
		if err != nil {
			return models.Operation{}, err
		}
		op.Payload = payload
	} else if len(o.Payload) > 0 && string(o.Payload) != "null" {
		return models.Operation{}, errors.New(string(opType) + " operation does not carry a payload")
	}
	return op, nil
}

func toResponse(op models.Operation) (operationResponse, error) {
	payload, err := models.EncodePayload(op.Payload)
	if err != nil {
		return operationResponse{}, err
	}
	activityID := op.ActivityID
	if activityID == "" {
		activityID = models.FormatActivityID(op.ID)
	}
	resp := operationResponse{
		ID:         op.ID,
		ActivityID: activityID,
		Code:       op.Code,
		Type:       string(op.Type),
		Control:    string(op.Control),
		Status:     string(op.Status),
		CreatedAt:  op.CreatedAt,
		ReceivedAt: op.ReceivedAt,
		Payload:    payload,
	}
	for _, r := range op.Responses {
		resp.Responses = append(resp.Responses, responseItem{Payload: rawOrString(r.Payload), ReceivedAt: r.ReceivedAt})
	}
	return resp, nil
}

func toResponses(ops []models.Operation) ([]operationResponse, error) {
	out := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		resp, err := toResponse(op)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// rawOrString embeds JSON responses as-is and quotes anything else.
func rawOrString(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func nonNil(activities []models.Activity) []models.Activity {
	if activities == nil {
		return []models.Activity{}
	}
	return activities
}

func deviceParam(r *http.Request) models.DeviceIdentifier {
	return models.DeviceIdentifier{ID: r.PathValue("id"), Type: r.PathValue("type")}
}

func operationIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("operationID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "operation id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func sinceParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "since is required", nil)
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "since must be RFC3339 or epoch milliseconds", nil)
		return time.Time{}, false
	}
	return since, true
}
