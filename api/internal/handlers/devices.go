package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/httpx"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/tenantx"
)

type DeviceRegistry interface {
	Enroll(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier, owner string) (models.Enrollment, error)
	Unenroll(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) error
	GetActiveEnrollment(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) (models.Enrollment, error)
}

type EnrollmentInvalidator interface {
	Invalidate(ctx context.Context, tenantID uuid.UUID, device models.DeviceIdentifier) error
}

// Devices manages enrollments. Enrollment changes drop the cached
// device-to-enrollment resolution so dispatch sees them immediately.
type Devices struct {
	Registry DeviceRegistry
	Cache    EnrollmentInvalidator
	Logger   logx.Logger
	// Admin wraps the mutating routes, typically with a role check.
	Admin func(http.Handler) http.Handler
}

type enrollRequest struct {
	Owner string `json:"owner"`
}

type enrollmentResponse struct {
	EnrollmentID int64                   `json:"enrollmentId"`
	Device       models.DeviceIdentifier `json:"device"`
	Owner        string                  `json:"owner"`
	Status       string                  `json:"status"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
}

func (h Devices) Register(mux *http.ServeMux) {
	admin := h.Admin
	if admin == nil {
		admin = func(next http.Handler) http.Handler { return next }
	}
	mux.HandleFunc("GET /api/v1/devices/{type}/{id}/enrollment", h.getEnrollment)
	mux.Handle("PUT /api/v1/admin/devices/{type}/{id}", admin(http.HandlerFunc(h.enroll)))
	mux.Handle("DELETE /api/v1/admin/devices/{type}/{id}", admin(http.HandlerFunc(h.unenroll)))
}

func (h Devices) getEnrollment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	e, err := h.Registry.GetActiveEnrollment(r.Context(), tenantID, deviceParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toEnrollment(e))
}

func (h Devices) enroll(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var req enrollRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	req.Owner = strings.TrimSpace(req.Owner)
	if req.Owner == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "owner is required", nil)
		return
	}
	device := deviceParam(r)
	e, err := h.Registry.Enroll(r.Context(), tenantID, device, req.Owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidate(r, tenantID, device)
	httpx.WriteJSON(w, http.StatusOK, toEnrollment(e))
}

func (h Devices) unenroll(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	device := deviceParam(r)
	if err := h.Registry.Unenroll(r.Context(), tenantID, device); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidate(r, tenantID, device)
	w.WriteHeader(http.StatusNoContent)
}

func (h Devices) invalidate(r *http.Request, tenantID uuid.UUID, device models.DeviceIdentifier) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(r.Context(), tenantID, device); err != nil {
		h.Logger.Warn(r.Context(), "enrollment_cache_invalidate_failed", "enrollment cache invalidate failed",
			slog.String("device", device.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (h Devices) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, models.ErrNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "enrollment not found", nil)
		return
	}
	h.Logger.Error(r.Context(), "device_request_failed", "device request failed",
		slog.String("error_code", "INTERNAL_ERROR"),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "device request failed", nil)
}

func toEnrollment(e models.Enrollment) enrollmentResponse {
	return enrollmentResponse{
		EnrollmentID: e.EnrollmentID,
		Device:       e.Device,
		Owner:        e.Owner,
		Status:       e.Status,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func tenantParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, err := tenantx.UUIDFromContext(r.Context())
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
		return uuid.Nil, false
	}
	return tenantID, true
}
