package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tophelanke/api/internal/repositories"
)

type fakeCounterRepo struct {
	values     map[string]int64
	configs    map[string][]repositories.CounterConfig
	nextErr    error
	configErr  error
	nextCalls  int
	stepsByID  map[string]int64
	lastStepID string
}

func (f *fakeCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	f.nextCalls++
	if f.nextErr != nil {
		return 0, f.nextErr
	}
	if f.values == nil {
		f.values = map[string]int64{}
	}
	if f.stepsByID == nil {
		f.stepsByID = map[string]int64{}
	}
	if step <= 0 {
		step = 1
	}
	f.values[counterID] += step
	f.stepsByID[counterID] = step
	f.lastStepID = counterID
	return f.values[counterID], nil
}

func (f *fakeCounterRepo) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if f.configErr != nil {
		return f.configErr
	}
	if f.configs == nil {
		f.configs = map[string][]repositories.CounterConfig{}
	}
	f.configs[counterID] = append(f.configs[counterID], cfg)
	return nil
}

func newCounterServiceForTest(t *testing.T, repo repositories.CounterRepository, now time.Time) CounterService {
	t.Helper()
	svc, err := NewCounterService(CounterServiceDeps{
		Repository: repo,
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewCounterService returned error: %v", err)
	}
	return svc
}

func TestCounterNextComposesID(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := &fakeCounterRepo{}
	svc := newCounterServiceForTest(t, repo, now)

	value, err := svc.Next(context.Background(), " invoices ", " monthly ", CounterGenerationOptions{})
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if value.Value != 1 {
		t.Fatalf("expected value 1, got %d", value.Value)
	}
	if repo.lastStepID != "invoices:monthly" {
		t.Fatalf("expected trimmed scope:name id, got %q", repo.lastStepID)
	}
}

func TestCounterNextValidation(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	svc := newCounterServiceForTest(t, &fakeCounterRepo{}, now)

	if _, err := svc.Next(context.Background(), "", "monthly", CounterGenerationOptions{}); !errors.Is(err, ErrCounterInvalidInput) {
		t.Fatalf("expected ErrCounterInvalidInput for empty scope, got %v", err)
	}
	if _, err := svc.Next(context.Background(), "invoices", "  ", CounterGenerationOptions{}); !errors.Is(err, ErrCounterInvalidInput) {
		t.Fatalf("expected ErrCounterInvalidInput for empty name, got %v", err)
	}
}

func TestCounterNextFormatting(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := &fakeCounterRepo{values: map[string]int64{"invoices:monthly": 41}}
	svc := newCounterServiceForTest(t, repo, now)

	value, err := svc.Next(context.Background(), "invoices", "monthly", CounterGenerationOptions{
		Prefix:    "INV-",
		Suffix:    "/26",
		PadLength: 5,
	})
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if value.Formatted != "INV-00042/26" {
		t.Fatalf("expected INV-00042/26, got %q", value.Formatted)
	}

	value, err = svc.Next(context.Background(), "invoices", "monthly", CounterGenerationOptions{
		Formatter: func(current time.Time, seq int64) string {
			return current.Format("2006") + "/custom"
		},
	})
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if value.Formatted != "2026/custom" {
		t.Fatalf("expected formatter to win, got %q", value.Formatted)
	}
}

func TestCounterConfigureOncePerSignature(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := &fakeCounterRepo{}
	svc := newCounterServiceForTest(t, repo, now)

	max := int64(9999)
	opts := CounterGenerationOptions{Step: 2, MaxValue: &max}

	for i := 0; i < 3; i++ {
		if _, err := svc.Next(context.Background(), "orders", "2026", opts); err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
	}
	if got := len(repo.configs["orders:2026"]); got != 1 {
		t.Fatalf("expected one Configure call per signature, got %d", got)
	}

	initial := int64(100)
	opts.InitialValue = &initial
	if _, err := svc.Next(context.Background(), "orders", "2026", opts); err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if got := len(repo.configs["orders:2026"]); got != 2 {
		t.Fatalf("expected reconfiguration on changed signature, got %d", got)
	}
}

func TestCounterErrorMapping(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	repo := &fakeCounterRepo{nextErr: repositories.NewCounterError(repositories.CounterErrorExhausted, "max reached", nil)}
	svc := newCounterServiceForTest(t, repo, now)
	if _, err := svc.Next(context.Background(), "orders", "2026", CounterGenerationOptions{}); !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("expected ErrCounterExhausted, got %v", err)
	}

	repo = &fakeCounterRepo{nextErr: repositories.NewCounterError(repositories.CounterErrorInvalidInput, "bad step", nil)}
	svc = newCounterServiceForTest(t, repo, now)
	if _, err := svc.Next(context.Background(), "orders", "2026", CounterGenerationOptions{}); !errors.Is(err, ErrCounterInvalidInput) {
		t.Fatalf("expected ErrCounterInvalidInput, got %v", err)
	}
}

func TestNextOrderNumber(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := &fakeCounterRepo{values: map[string]int64{"orders:2026": 41}}
	svc := newCounterServiceForTest(t, repo, now)

	number, err := svc.NextOrderNumber(context.Background())
	if err != nil {
		t.Fatalf("NextOrderNumber returned error: %v", err)
	}
	if number != "TH-2026-000042" {
		t.Fatalf("expected TH-2026-000042, got %q", number)
	}
	if repo.lastStepID != "orders:2026" {
		t.Fatalf("expected year-scoped counter, got %q", repo.lastStepID)
	}
}
