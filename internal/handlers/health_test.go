package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/services"
)

type stubSystemService struct {
	reportFn  func(context.Context) (services.SystemHealthReport, error)
	counterFn func(context.Context, services.CounterCommand) (int64, error)
}

func (s *stubSystemService) HealthReport(ctx context.Context) (services.SystemHealthReport, error) {
	if s.reportFn != nil {
		return s.reportFn(ctx)
	}
	return services.SystemHealthReport{}, errors.New("not implemented")
}

func (s *stubSystemService) NextCounterValue(ctx context.Context, cmd services.CounterCommand) (int64, error) {
	if s.counterFn != nil {
		return s.counterFn(ctx, cmd)
	}
	return 0, errors.New("not implemented")
}

func TestHealthzReportsUptime(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	handlers := NewHealthHandlers(HealthHandlersDeps{Clock: clock})
	now = now.Add(90 * time.Second)

	rr := httptest.NewRecorder()
	handlers.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected ok, got %v", resp["status"])
	}
	if resp["uptime"] != "1m30s" {
		t.Fatalf("expected uptime 1m30s, got %v", resp["uptime"])
	}
}

func TestReadyzHealthy(t *testing.T) {
	system := &stubSystemService{
		reportFn: func(ctx context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{
				Status:  domain.HealthStatusOK,
				Version: "1.4.0",
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond},
				},
			}, nil
		},
	}

	handlers := NewHealthHandlers(HealthHandlersDeps{System: system})

	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != domain.HealthStatusOK {
		t.Fatalf("expected ok status, got %v", resp["status"])
	}
	if resp["version"] != "1.4.0" {
		t.Fatalf("expected version in payload, got %v", resp["version"])
	}
	checks, ok := resp["checks"].(map[string]any)
	if !ok || checks["firestore"] == nil {
		t.Fatalf("expected firestore check, got %v", resp["checks"])
	}
}

func TestReadyzDependencyDown(t *testing.T) {
	system := &stubSystemService{
		reportFn: func(ctx context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusError, Error: "deadline exceeded"},
				},
			}, nil
		},
	}

	handlers := NewHealthHandlers(HealthHandlersDeps{System: system})

	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestReadyzCollectFailure(t *testing.T) {
	system := &stubSystemService{
		reportFn: func(ctx context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{}, errors.New("collect failed")
		},
	}

	handlers := NewHealthHandlers(HealthHandlersDeps{System: system})

	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestReadyzWithoutSystemService(t *testing.T) {
	handlers := NewHealthHandlers(HealthHandlersDeps{})

	rr := httptest.NewRecorder()
	handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}
