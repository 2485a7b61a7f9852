package metricsx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentLabelsByRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/devices/{type}/{id}/operations", func(w http.ResponseWriter, r *http.Request) {})
	h := Instrument(mux, mux)

	for _, id := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/devices/android/"+id+"/operations", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET /api/v1/devices/{type}/{id}/operations", "200")); got != 3 {
		t.Fatalf("expected 3 requests on the route, got %v", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("unmatched", "404")); got != 1 {
		t.Fatalf("expected 1 unmatched request, got %v", got)
	}
}

func TestRouteLabelWithoutMux(t *testing.T) {
	if got := routeLabel(nil, httptest.NewRequest(http.MethodGet, "/x", nil)); got != "unmatched" {
		t.Fatalf("unexpected label %q", got)
	}
}
