package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/repositories"
)

// fakeRepoError is the minimal RepositoryError used across service tests.
type fakeRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
	msg         string
}

func (e fakeRepoError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return "repository error"
}

func (e fakeRepoError) IsNotFound() bool    { return e.notFound }
func (e fakeRepoError) IsConflict() bool    { return e.conflict }
func (e fakeRepoError) IsUnavailable() bool { return e.unavailable }

var errRepoNotFound = fakeRepoError{notFound: true, msg: "document missing"}

type fakeCouponRepo struct {
	coupons map[string]domain.Coupon

	insertFn    func(context.Context, domain.Coupon) error
	deleteFn    func(context.Context, string) error
	listFn      func(context.Context, repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error)
	markUsed    int
	decremented int
}

func (f *fakeCouponRepo) Insert(ctx context.Context, coupon domain.Coupon) error {
	if f.insertFn != nil {
		return f.insertFn(ctx, coupon)
	}
	if f.coupons == nil {
		f.coupons = map[string]domain.Coupon{}
	}
	f.coupons[coupon.Code] = coupon
	return nil
}

func (f *fakeCouponRepo) Delete(ctx context.Context, couponID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, couponID)
	}
	return nil
}

func (f *fakeCouponRepo) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	for _, coupon := range f.coupons {
		if coupon.ID == couponID {
			return coupon, nil
		}
	}
	return domain.Coupon{}, errRepoNotFound
}

func (f *fakeCouponRepo) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	coupon, ok := f.coupons[code]
	if !ok {
		return domain.Coupon{}, errRepoNotFound
	}
	return coupon, nil
}

func (f *fakeCouponRepo) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	if f.listFn != nil {
		return f.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Coupon]{}, nil
}

func (f *fakeCouponRepo) MarkUsedBy(ctx context.Context, couponID string, userID string, now time.Time) error {
	f.markUsed++
	return nil
}

func (f *fakeCouponRepo) DecrementAmount(ctx context.Context, couponID string, now time.Time) error {
	f.decremented++
	return nil
}

func newCouponServiceForTest(t *testing.T, repo repositories.CouponRepository, now time.Time) CouponService {
	t.Helper()
	svc, err := NewCouponService(CouponServiceDeps{
		Coupons: repo,
		Clock:   func() time.Time { return now },
		IDGenerator: func() string {
			return "cpn-test"
		},
	})
	if err != nil {
		t.Fatalf("NewCouponService returned error: %v", err)
	}
	return svc
}

func TestCouponCheckEvaluationRules(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name   string
		coupon domain.Coupon
		userID string
		valid  bool
		reason string
	}{
		{
			name:   "inactive",
			coupon: domain.Coupon{Code: "mrtav", Active: false, DiscountPercent: 10},
			reason: CouponReasonInactive,
		},
		{
			name:   "single use needs a user",
			coupon: domain.Coupon{Code: "jednom", Active: true, SingleUse: true, DiscountPercent: 10},
			reason: CouponReasonUserRequired,
		},
		{
			name:   "single use already redeemed",
			coupon: domain.Coupon{Code: "jednom", Active: true, SingleUse: true, Users: []string{"user-1"}, DiscountPercent: 10},
			userID: "user-1",
			reason: CouponReasonAlreadyUsed,
		},
		{
			name:   "single use fresh user",
			coupon: domain.Coupon{Code: "jednom", Active: true, SingleUse: true, Users: []string{"user-1"}, DiscountPercent: 10},
			userID: "user-2",
			valid:  true,
		},
		{
			name:   "single use wins over multiple use",
			coupon: domain.Coupon{Code: "oba", Active: true, SingleUse: true, MultipleUse: true, Amount: 0, DiscountPercent: 10},
			userID: "user-1",
			valid:  true,
		},
		{
			name:   "multiple use exhausted",
			coupon: domain.Coupon{Code: "vise", Active: true, MultipleUse: true, Amount: 0, DiscountPercent: 10},
			reason: CouponReasonExhausted,
		},
		{
			name:   "multiple use with balance",
			coupon: domain.Coupon{Code: "vise", Active: true, MultipleUse: true, Amount: 3, DiscountPercent: 10},
			valid:  true,
		},
		{
			name:   "time sensitive expired",
			coupon: domain.Coupon{Code: "istekao", Active: true, TimeSensitive: true, ExpiresAt: &past, DiscountPercent: 10},
			reason: CouponReasonExpired,
		},
		{
			name:   "time sensitive still valid",
			coupon: domain.Coupon{Code: "vazi", Active: true, TimeSensitive: true, ExpiresAt: &future, DiscountPercent: 10},
			valid:  true,
		},
		{
			name:   "amount sensitive exhausted",
			coupon: domain.Coupon{Code: "potrosen", Active: true, AmountSensitive: true, Amount: 0, DiscountPercent: 10},
			reason: CouponReasonExhausted,
		},
		{
			name:   "amount sensitive with balance",
			coupon: domain.Coupon{Code: "preostalo", Active: true, AmountSensitive: true, Amount: 3, DiscountPercent: 10},
			valid:  true,
		},
		{
			name:   "amount sensitive exhausted before expiry",
			coupon: domain.Coupon{Code: "kombinacija", Active: true, AmountSensitive: true, Amount: 0, TimeSensitive: true, ExpiresAt: &past, DiscountPercent: 10},
			reason: CouponReasonExhausted,
		},
		{
			name:   "amount sensitive multiple use with balance",
			coupon: domain.Coupon{Code: "oboje", Active: true, MultipleUse: true, AmountSensitive: true, Amount: 5, DiscountPercent: 10},
			valid:  true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeCouponRepo{coupons: map[string]domain.Coupon{tc.coupon.Code: tc.coupon}}
			svc := newCouponServiceForTest(t, repo, now)

			result, err := svc.Check(context.Background(), CouponCheckCommand{
				Code:   tc.coupon.Code,
				UserID: tc.userID,
			})
			if err != nil {
				t.Fatalf("Check returned error: %v", err)
			}
			if result.Valid != tc.valid {
				t.Fatalf("expected valid=%v, got %v (reason %q)", tc.valid, result.Valid, result.Reason)
			}
			if !tc.valid && result.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, result.Reason)
			}
			if tc.valid && result.DiscountPercent != tc.coupon.DiscountPercent {
				t.Fatalf("expected discount %d, got %d", tc.coupon.DiscountPercent, result.DiscountPercent)
			}
			if repo.markUsed != 0 || repo.decremented != 0 {
				t.Fatal("Check must not redeem the coupon")
			}
		})
	}
}

func TestCouponCheckFoldsCode(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := &fakeCouponRepo{coupons: map[string]domain.Coupon{
		"leto45": {Code: "leto45", Active: true, DiscountPercent: 45},
	}}
	svc := newCouponServiceForTest(t, repo, now)

	for _, input := range []string{" LETO45 ", "Leto45", "ЛЕТО45"} {
		result, err := svc.Check(context.Background(), CouponCheckCommand{Code: input})
		if err != nil {
			t.Fatalf("Check(%q) returned error: %v", input, err)
		}
		if !result.Valid {
			t.Fatalf("Check(%q) expected valid, got reason %q", input, result.Reason)
		}
	}
}

func TestCouponCheckUnknownCode(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	svc := newCouponServiceForTest(t, &fakeCouponRepo{}, now)

	_, err := svc.Check(context.Background(), CouponCheckCommand{Code: "nepostoji"})
	if !errors.Is(err, ErrCouponNotFound) {
		t.Fatalf("expected ErrCouponNotFound, got %v", err)
	}
}

func TestCouponCheckEmptyCode(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	svc := newCouponServiceForTest(t, &fakeCouponRepo{}, now)

	_, err := svc.Check(context.Background(), CouponCheckCommand{Code: "   "})
	if !errors.Is(err, ErrCouponInvalidInput) {
		t.Fatalf("expected ErrCouponInvalidInput, got %v", err)
	}
}

func TestCouponCreateValidation(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	expires := now.Add(24 * time.Hour)

	cases := []struct {
		name string
		cmd  CreateCouponCommand
	}{
		{name: "missing code", cmd: CreateCouponCommand{DiscountPercent: 10}},
		{name: "zero discount", cmd: CreateCouponCommand{Code: "x", DiscountPercent: 0}},
		{name: "discount above 100", cmd: CreateCouponCommand{Code: "x", DiscountPercent: 101}},
		{name: "multiple use without amount", cmd: CreateCouponCommand{Code: "x", DiscountPercent: 10, MultipleUse: true}},
		{name: "amount sensitive without balance", cmd: CreateCouponCommand{Code: "x", DiscountPercent: 10, AmountSensitive: true}},
		{name: "time sensitive without expiry", cmd: CreateCouponCommand{Code: "x", DiscountPercent: 10, TimeSensitive: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newCouponServiceForTest(t, &fakeCouponRepo{}, now)
			_, err := svc.Create(context.Background(), tc.cmd)
			if !errors.Is(err, ErrCouponInvalidInput) {
				t.Fatalf("expected ErrCouponInvalidInput, got %v", err)
			}
		})
	}

	svc := newCouponServiceForTest(t, &fakeCouponRepo{}, now)
	coupon, err := svc.Create(context.Background(), CreateCouponCommand{
		Code:            "Jesen-20",
		DiscountPercent: 20,
		Active:          true,
		TimeSensitive:   true,
		ExpiresAt:       &expires,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if coupon.Code != "jesen-20" {
		t.Fatalf("expected folded code, got %q", coupon.Code)
	}
	if coupon.ID != "cpn-test" {
		t.Fatalf("expected generated id, got %q", coupon.ID)
	}
	if coupon.Users == nil || len(coupon.Users) != 0 {
		t.Fatalf("expected empty users list, got %#v", coupon.Users)
	}
	if !coupon.CreatedAt.Equal(now) {
		t.Fatalf("expected createdAt %v, got %v", now, coupon.CreatedAt)
	}
}

func TestCouponCreateDuplicateCode(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := &fakeCouponRepo{
		insertFn: func(ctx context.Context, coupon domain.Coupon) error {
			return fakeRepoError{conflict: true, msg: "code taken"}
		},
	}
	svc := newCouponServiceForTest(t, repo, now)

	_, err := svc.Create(context.Background(), CreateCouponCommand{Code: "leto10", DiscountPercent: 10})
	if !errors.Is(err, ErrCouponCodeExists) {
		t.Fatalf("expected ErrCouponCodeExists, got %v", err)
	}
}

func TestCouponDelete(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	var deleted string
	repo := &fakeCouponRepo{
		deleteFn: func(ctx context.Context, couponID string) error {
			deleted = couponID
			return nil
		},
	}
	svc := newCouponServiceForTest(t, repo, now)

	if err := svc.Delete(context.Background(), " cpn-1 "); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if deleted != "cpn-1" {
		t.Fatalf("expected trimmed id, got %q", deleted)
	}

	if err := svc.Delete(context.Background(), ""); !errors.Is(err, ErrCouponInvalidInput) {
		t.Fatalf("expected ErrCouponInvalidInput, got %v", err)
	}

	repo.deleteFn = func(ctx context.Context, couponID string) error {
		return errRepoNotFound
	}
	if err := svc.Delete(context.Background(), "cpn-x"); !errors.Is(err, ErrCouponNotFound) {
		t.Fatalf("expected ErrCouponNotFound, got %v", err)
	}
}

func TestCouponListPassesFilter(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	var captured repositories.CouponListFilter
	repo := &fakeCouponRepo{
		listFn: func(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
			captured = filter
			return domain.CursorPage[domain.Coupon]{NextPageToken: "tok"}, nil
		},
	}
	svc := newCouponServiceForTest(t, repo, now)

	page, err := svc.List(context.Background(), CouponListFilter{
		ActiveOnly: true,
		Pagination: Pagination{PageSize: 5, PageToken: "cursor"},
	})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if !captured.ActiveOnly || captured.Pagination.PageSize != 5 || captured.Pagination.PageToken != "cursor" {
		t.Fatalf("unexpected filter: %#v", captured)
	}
	if page.NextPageToken != "tok" {
		t.Fatalf("expected next page token, got %q", page.NextPageToken)
	}
}
