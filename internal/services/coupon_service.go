package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/platform/textutil"
	"github.com/tophelanke/api/internal/repositories"
)

// Rejection reasons reported by Check.
const (
	CouponReasonInactive     = "inactive"
	CouponReasonAlreadyUsed  = "already_used"
	CouponReasonExhausted    = "exhausted"
	CouponReasonExpired      = "expired"
	CouponReasonUserRequired = "user_required"
)

var (
	// ErrCouponInvalidInput signals the caller provided invalid arguments.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponNotFound indicates no coupon matches the given code or id.
	ErrCouponNotFound = errors.New("coupon: not found")
	// ErrCouponCodeExists indicates another coupon already carries the code.
	ErrCouponCodeExists = errors.New("coupon: code already exists")
)

// CouponServiceDeps bundles the collaborators required to construct a coupon service.
type CouponServiceDeps struct {
	Coupons     repositories.CouponRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	repo   repositories.CouponRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewCouponService wires dependencies into a concrete CouponService implementation.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &couponService{
		repo: deps.Coupons,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *couponService) Check(ctx context.Context, cmd CouponCheckCommand) (CouponCheckResult, error) {
	code := textutil.FoldCode(cmd.Code)
	if code == "" {
		return CouponCheckResult{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}

	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return CouponCheckResult{}, s.mapRepositoryError(err)
	}

	result := evaluateCoupon(coupon, cmd.UserID, s.clock())
	s.logger(ctx, "coupon.check", map[string]any{
		"code":   code,
		"valid":  result.Valid,
		"reason": result.Reason,
	})
	return result, nil
}

func (s *couponService) Create(ctx context.Context, cmd CreateCouponCommand) (Coupon, error) {
	code := textutil.FoldCode(cmd.Code)
	if code == "" {
		return Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	if cmd.DiscountPercent < 1 || cmd.DiscountPercent > 100 {
		return Coupon{}, fmt.Errorf("%w: discount percent must be between 1 and 100", ErrCouponInvalidInput)
	}
	if cmd.SingleUse && cmd.MultipleUse {
		// Permitted on purpose: single-use takes precedence at evaluation time.
		s.logger(ctx, "coupon.flags_overlap", map[string]any{"code": code})
	}
	if cmd.MultipleUse && cmd.Amount <= 0 {
		return Coupon{}, fmt.Errorf("%w: multiple-use coupons need a positive redemption amount", ErrCouponInvalidInput)
	}
	if cmd.AmountSensitive && cmd.Amount <= 0 {
		return Coupon{}, fmt.Errorf("%w: amount-sensitive coupons need a positive use balance", ErrCouponInvalidInput)
	}
	if cmd.TimeSensitive && cmd.ExpiresAt == nil {
		return Coupon{}, fmt.Errorf("%w: time-sensitive coupons need an expiry", ErrCouponInvalidInput)
	}

	now := s.clock()
	coupon := Coupon{
		ID:              s.newID(),
		Code:            code,
		DiscountPercent: cmd.DiscountPercent,
		Active:          cmd.Active,
		SingleUse:       cmd.SingleUse,
		MultipleUse:     cmd.MultipleUse,
		TimeSensitive:   cmd.TimeSensitive,
		AmountSensitive: cmd.AmountSensitive,
		Amount:          cmd.Amount,
		ExpiresAt:       cmd.ExpiresAt,
		Users:           []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Insert(ctx, coupon); err != nil {
		return Coupon{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "coupon.created", map[string]any{"couponId": coupon.ID, "code": code})
	return coupon, nil
}

func (s *couponService) Delete(ctx context.Context, couponID string) error {
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return fmt.Errorf("%w: coupon id is required", ErrCouponInvalidInput)
	}
	if err := s.repo.Delete(ctx, couponID); err != nil {
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, "coupon.deleted", map[string]any{"couponId": couponID})
	return nil
}

func (s *couponService) List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error) {
	page, err := s.repo.List(ctx, repositories.CouponListFilter{
		ActiveOnly: filter.ActiveOnly,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Coupon]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *couponService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCouponCodeExists) {
		return ErrCouponCodeExists
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCouponNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCouponCodeExists, err)
		}
	}
	return err
}

// evaluateCoupon applies the flag rules against one coupon without mutating
// it. The order matters: inactive fails first, then amount exhaustion, then
// expiry; for coupons flagged both single-use and multiple-use the single-use
// rule wins.
func evaluateCoupon(coupon Coupon, userID string, now time.Time) CouponCheckResult {
	reject := func(reason string) CouponCheckResult {
		return CouponCheckResult{Valid: false, Reason: reason, Coupon: coupon}
	}

	if !coupon.Active {
		return reject(CouponReasonInactive)
	}
	// Amount is the remaining use balance for amount-sensitive coupons.
	if coupon.AmountSensitive && coupon.Amount < 1 {
		return reject(CouponReasonExhausted)
	}
	if coupon.TimeSensitive && coupon.ExpiresAt != nil && coupon.ExpiresAt.Before(now) {
		return reject(CouponReasonExpired)
	}
	if coupon.SingleUse {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return reject(CouponReasonUserRequired)
		}
		for _, used := range coupon.Users {
			if used != "" && used == userID {
				return reject(CouponReasonAlreadyUsed)
			}
		}
	} else if coupon.MultipleUse {
		if coupon.Amount <= 0 {
			return reject(CouponReasonExhausted)
		}
	}

	return CouponCheckResult{
		Valid:           true,
		DiscountPercent: coupon.DiscountPercent,
		Coupon:          coupon,
	}
}
