package health_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sonatara/voicebridge/internal/health"
)

func doRequest(t *testing.T, h http.HandlerFunc, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return rec, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()

	h := health.New()
	rec, body := doRequest(t, h.Healthz, "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body status = %v, want ok", body["status"])
	}
}

func TestReadyz_AllChecksPass(t *testing.T) {
	t.Parallel()

	h := health.New(
		health.BackendRegistered("proxy_backend", func() bool { return true }),
		health.Checker{Name: "always", Check: func(context.Context) error { return nil }},
	)
	rec, body := doRequest(t, h.Readyz, "/readyz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	checks := body["checks"].(map[string]any)
	if checks["proxy_backend"] != "ok" {
		t.Errorf("proxy_backend = %v, want ok", checks["proxy_backend"])
	}
}

func TestReadyz_FailingCheck(t *testing.T) {
	t.Parallel()

	h := health.New(
		health.BackendRegistered("call_backend", func() bool { return false }),
		health.Checker{Name: "broken", Check: func(context.Context) error { return fmt.Errorf("down") }},
	)
	rec, body := doRequest(t, h.Readyz, "/readyz")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body["status"] != "fail" {
		t.Errorf("body status = %v, want fail", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["call_backend"] != "fail: no backend registered" {
		t.Errorf("call_backend = %v", checks["call_backend"])
	}
}
