package httpx

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"device-operation-management/shared/logx"
)

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Code string `json:"code"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"code":"REBOOT"}`))
	if err := DecodeJSON(httptest.NewRecorder(), r, &dst); err != nil || dst.Code != "REBOOT" {
		t.Fatalf("decode: %v %q", err, dst.Code)
	}

	for _, body := range []string{``, `{"code":"A","extra":1}`, `{"code":"A"}{"code":"B"}`, `[`} {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if err := DecodeJSON(httptest.NewRecorder(), r, &dst); err == nil {
			t.Fatalf("expected error for body %q", body)
		}
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=25&offset=x", nil)
	if v, err := QueryInt(r, "limit", 10); err != nil || v != 25 {
		t.Fatalf("limit: %d %v", v, err)
	}
	if v, err := QueryInt(r, "missing", 10); err != nil || v != 10 {
		t.Fatalf("default: %d %v", v, err)
	}
	if _, err := QueryInt(r, "offset", 0); err == nil {
		t.Fatalf("expected error for non-numeric offset")
	}
}

func TestWriteErrorCarriesRequestID(t *testing.T) {
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "missing", nil)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusNotFound || env.Error.Code != "NOT_FOUND" || env.Error.RequestID != "req-1" {
		t.Fatalf("unexpected response %d %#v", rec.Code, env)
	}
}

func TestWithTimeoutWritesGatewayTimeout(t *testing.T) {
	h := WithTimeout(10*time.Millisecond, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestRequestLogIncludesAnnotations(t *testing.T) {
	var buf bytes.Buffer
	logger := logx.NewWithWriter(&buf, "api", "test", "", "info")
	h := WithRequestLog(logger, RequestLogOptions{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), slog.String("tenant_id", "t-1"))
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["tenant_id"] != "t-1" || line["status_code"] != float64(http.StatusAccepted) {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestAnnotateWithoutRequestLogIsNoop(t *testing.T) {
	Annotate(httptest.NewRequest(http.MethodGet, "/", nil).Context(), slog.String("k", "v"))
}

func TestWithTimeoutSurfacesPanicToRecover(t *testing.T) {
	h := WithRecover(logx.Discard(), WithTimeout(time.Second, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
