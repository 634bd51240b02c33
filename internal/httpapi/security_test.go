package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/store"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	ta := newTestAPI(t)
	res := ta.do(t, http.MethodGet, "/healthz", "", nil)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	ta := newTestAPI(t)
	res := ta.do(t, http.MethodOptions, "/api/v1/orders", "", nil)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "DELETE") {
		t.Fatalf("expected DELETE to be allowed, got %q", got)
	}
}

func TestDeviceLoginRateLimitReturns429(t *testing.T) {
	ta := newTestAPI(t)
	body, _ := json.Marshal(domain.DeviceLoginRequest{DeviceID: "dev-register-01", Secret: "wrong-secret"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/device", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		ta.api.Handler().ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	ta := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"device_id":"%s","secret":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/device", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	ta.api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.token(t, "dev-register-01")

	res := ta.do(t, http.MethodPost, "/api/v1/queue", token, map[string]any{"customer_id": "cust-1", "priority": 1})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	ta := newTestAPI(t)

	for _, path := range []string{"/api/v1/queue", "/api/v1/events", "/api/v1/ledger-failures"} {
		res := ta.do(t, http.MethodGet, path, "", nil)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, res.Code)
		}
		res = ta.do(t, http.MethodGet, path, "not-a-jwt", nil)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 with garbage token, got %d", path, res.Code)
		}
	}
}

func TestQueueForOtherLocationForbidden(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.token(t, "dev-register-01")

	res := ta.do(t, http.MethodPost, "/api/v1/queue", token, domain.QueueAddRequest{LocationID: "loc-elsewhere", CustomerID: "cust-1"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another location, got %d", res.Code)
	}
	res = ta.do(t, http.MethodGet, "/api/v1/queue?location_id=loc-elsewhere", token, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 listing another location, got %d", res.Code)
	}
}

func TestInternalErrorsHideDetails(t *testing.T) {
	res := httptest.NewRecorder()
	writeError(res, http.StatusInternalServerError, errors.New("pq: relation \"orders\" does not exist"))

	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "internal server error" {
		t.Fatalf("expected generic message, got %q", body["error"])
	}
}

func TestServiceErrorsLogThroughAPILogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	api := &API{logger: zap.New(core)}

	res := httptest.NewRecorder()
	api.writeServiceError(res, errors.New("connection reset by peer"))
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if entries := logs.FilterMessage("internal error").All(); len(entries) != 1 {
		t.Fatalf("expected one internal error entry on the API logger, got %d", len(entries))
	}

	res = httptest.NewRecorder()
	api.writeServiceError(res, fmt.Errorf("wrap: %w", store.ErrNotFound))
	if res.Code != http.StatusNotFound || logs.Len() != 1 {
		t.Fatalf("client errors must not be logged, status=%d logs=%d", res.Code, logs.Len())
	}
}
