package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/authx"
	"device-operation-management/shared/httpx"
	"device-operation-management/shared/tenantx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditLog) error
}

// AuditRecorder is satisfied by *AuditSink.
type AuditRecorder interface {
	Enqueue(entry models.AuditLog) bool
}

type AuditMiddleware struct {
	Enabled bool
	Sink    AuditRecorder
	Skip    func(*http.Request) bool
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Sink == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)

		tenantID := tenantx.TenantIDFromContext(r.Context())
		if tenantID == "" {
			tenantID = strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		}
		if tenantID == "" {
			return
		}
		tenantUUID, err := uuid.Parse(tenantID)
		if err != nil {
			return
		}

		if !shouldAudit(r, lrw.statusCode) {
			return
		}

		resourceType, resourceID := resourceFromPath(r.URL.Path)
		entry := models.AuditLog{
			OccurredAt:   time.Now().UTC(),
			TenantID:     tenantUUID,
			Action:       actionForRequest(r, lrw.statusCode),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			RequestID:    httpx.RequestIDFromContext(r.Context()),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   lrw.statusCode,
			DurationMS:   time.Since(start).Milliseconds(),
			ClientIP:     httpx.ClientIP(r),
			UserAgent:    strings.TrimSpace(r.UserAgent()),
			Details:      auditDetails(r, lrw.statusCode),
		}

		if p, ok := authx.FromContext(r.Context()); ok {
			entry.Subject = p.Subject
		}
		m.Sink.Enqueue(entry)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// shouldAudit records every mutation and every denied request. Reads are
// only audited when they touch operation data.
func shouldAudit(r *http.Request, statusCode int) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	resource, _ := resourceFromPath(r.URL.Path)
	return resource != nil && *resource != "devices"
}

func actionForRequest(r *http.Request, statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "auth_failed"
	case http.StatusForbidden:
		return "access_denied"
	}
	switch r.Method {
	case http.MethodPost:
		if strings.HasSuffix(r.URL.Path, "/operations") {
			return "dispatch"
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func auditDetails(r *http.Request, statusCode int) []byte {
	details := map[string]any{
		"status_code": statusCode,
	}
	if q := r.URL.Query(); len(q) > 0 {
		query := map[string]string{}
		for key := range q {
			query[key] = q.Get(key)
		}
		details["query"] = query
	}
	if device := deviceFromPath(r.URL.Path); device != "" {
		details["device"] = device
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return b
}

// resourceFromPath maps /api/v1/<resource>/<id> onto an audit resource.
// Device scoped operation paths resolve to the operation itself.
func resourceFromPath(path string) (*string, *string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		return nil, nil
	}
	parts = parts[2:]
	if parts[0] == "admin" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return nil, nil
	}
	resource := parts[0]
	switch resource {
	case "operations", "activities":
		return &resource, optionalPart(parts, 1)
	case "devices":
		if len(parts) >= 4 && parts[3] == "operations" {
			ops := "operations"
			return &ops, optionalPart(parts, 4)
		}
		if len(parts) >= 3 {
			id := parts[1] + "/" + parts[2]
			return &resource, &id
		}
		return &resource, nil
	}
	return nil, nil
}

func deviceFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "devices" {
			return parts[i+1] + "/" + parts[i+2]
		}
	}
	return ""
}

func optionalPart(parts []string, i int) *string {
	if len(parts) <= i {
		return nil
	}
	val := strings.TrimSpace(parts[i])
	if val == "" || val == "pending" || val == "next" || val == "count" {
		return nil
	}
	return &val
}
