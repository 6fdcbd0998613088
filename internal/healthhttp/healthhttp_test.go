package healthhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer() (*Server, *http.ServeMux) {
	s := New(":0", Status{WorkerID: "w1", InFlight: func() int { return 3 }, MaxConcurrent: 8})
	return s, s.srv.Handler.(*http.ServeMux)
}

func TestHealthzUnhealthyBeforeMarkReady(t *testing.T) {
	s, mux := newTestServer()
	_ = s

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before MarkReady, got %d", rec.Code)
	}
}

func TestHealthzReadyAfterMarkReady(t *testing.T) {
	s, mux := newTestServer()
	s.MarkReady()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after MarkReady, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["worker_id"] != "w1" {
		t.Errorf("unexpected worker_id: %v", body["worker_id"])
	}
}

func TestMetricsReportsLoad(t *testing.T) {
	_, mux := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["in_flight"].(float64) != 3 {
		t.Errorf("unexpected in_flight: %v", body["in_flight"])
	}
	if body["max_concurrent"].(float64) != 8 {
		t.Errorf("unexpected max_concurrent: %v", body["max_concurrent"])
	}
}
