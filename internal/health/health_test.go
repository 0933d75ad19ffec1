package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fixedChecker bool

func (f fixedChecker) SocketHealthy() bool  { return bool(f) }
func (f fixedChecker) PollerHealthy() bool  { return bool(f) }
func (f fixedChecker) StorageHealthy() bool { return bool(f) }

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func TestHandlerReportsHealthyWhenAllComponentsUp(t *testing.T) {
	c := Checkers{Socket: fixedChecker(true), Poller: fixedChecker(true), Storage: fixedChecker(true)}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Handler(c, fixedNow).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusHealthy {
		t.Fatalf("expected healthy overall status, got %s", body.Status)
	}
	for name, comp := range body.Components {
		if comp.Status != StatusHealthy {
			t.Fatalf("expected component %s healthy, got %s", name, comp.Status)
		}
	}
}

func TestHandlerReportsUnhealthyAndServiceUnavailable(t *testing.T) {
	c := Checkers{Socket: fixedChecker(true), Poller: fixedChecker(false), Storage: fixedChecker(true)}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Handler(c, fixedNow).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy overall status, got %s", body.Status)
	}
	if body.Components["poller"].Status != StatusUnhealthy {
		t.Fatal("expected poller component reported unhealthy")
	}
}

func TestHandlerTreatsNilCheckerAsHealthy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Handler(Checkers{}, fixedNow).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when no checkers wired, got %d", rec.Code)
	}
}
