package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tophelanke/api/internal/domain"
)

type fakeHealthRepo struct {
	report domain.SystemHealthReport
	err    error
}

func (f *fakeHealthRepo) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if f.err != nil {
		return domain.SystemHealthReport{}, f.err
	}
	return f.report, nil
}

func TestSystemHealthReportEnrichment(t *testing.T) {
	started := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)

	repo := &fakeHealthRepo{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{
			"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond},
		},
	}}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "abc1234",
			Environment: "production",
			StartedAt:   started,
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService returned error: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport returned error: %v", err)
	}

	if report.Version != "1.4.0" || report.CommitSHA != "abc1234" || report.Environment != "production" {
		t.Fatalf("expected build metadata filled in, got %+v", report)
	}
	if report.Uptime != 90*time.Second {
		t.Fatalf("expected 90s uptime, got %v", report.Uptime)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected derived ok status, got %q", report.Status)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generated timestamp, got %v", report.GeneratedAt)
	}
}

func TestSystemHealthReportCollectedValuesWin(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := &fakeHealthRepo{report: domain.SystemHealthReport{
		Status:  domain.HealthStatusDegraded,
		Version: "2.0.0",
	}}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "1.4.0"},
	})
	if err != nil {
		t.Fatalf("NewSystemService returned error: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport returned error: %v", err)
	}
	if report.Version != "2.0.0" {
		t.Fatalf("collected version must win, got %q", report.Version)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("collected status must win, got %q", report.Status)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		{name: "no checks", checks: nil, want: domain.HealthStatusOK},
		{
			name: "all ok",
			checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
				"pubsub":    {Status: domain.HealthStatusOK},
			},
			want: domain.HealthStatusOK,
		},
		{
			name: "error dominates",
			checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusDegraded},
				"pubsub":    {Status: domain.HealthStatusError},
			},
			want: domain.HealthStatusError,
		},
		{
			name: "degraded without errors",
			checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
				"pubsub":    {Status: domain.HealthStatusDegraded},
			},
			want: domain.HealthStatusDegraded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveStatus(tc.checks); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSystemNextCounterValue(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	counterRepo := &fakeCounterRepo{}
	counters := newCounterServiceForTest(t, counterRepo, now)

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &fakeHealthRepo{},
		Clock:            func() time.Time { return now },
		Counters:         counters,
	})
	if err != nil {
		t.Fatalf("NewSystemService returned error: %v", err)
	}

	value, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: "jobs:sweeper"})
	if err != nil {
		t.Fatalf("NextCounterValue returned error: %v", err)
	}
	if value != 1 {
		t.Fatalf("expected 1, got %d", value)
	}
	if counterRepo.lastStepID != "jobs:sweeper" {
		t.Fatalf("unexpected counter id %q", counterRepo.lastStepID)
	}

	if _, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: "bez-dvotacke"}); err == nil {
		t.Fatal("expected scope:name format error")
	}
	if _, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: " "}); err == nil {
		t.Fatal("expected empty id rejected")
	}
}

func TestSystemHealthReportCollectFailure(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := &fakeHealthRepo{err: errors.New("probe timeout")}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSystemService returned error: %v", err)
	}

	if _, err := svc.HealthReport(context.Background()); err == nil {
		t.Fatal("expected collect failure surfaced")
	}
}
