package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/tophelanke/api/internal/domain"
	pfirestore "github.com/tophelanke/api/internal/platform/firestore"
	"github.com/tophelanke/api/internal/repositories"
)

const couponsCollection = "coupons"

// ErrCouponCodeTaken is returned when inserting a coupon whose folded code
// already exists.
var ErrCouponCodeTaken = errors.New("coupons: code already exists")

// CouponRepository implements repositories.CouponRepository backed by Firestore.
type CouponRepository struct {
	provider *pfirestore.Provider
	coupons  *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	coupons := pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil, nil)
	return &CouponRepository{provider: provider, coupons: coupons}, nil
}

func (r *CouponRepository) Insert(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon repository not initialised")
	}
	if strings.TrimSpace(coupon.ID) == "" || strings.TrimSpace(coupon.Code) == "" {
		return errors.New("coupon insert: id and code are required")
	}

	doc := newCouponDocument(coupon)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		dupQuery := client.Collection(couponsCollection).Where("code", "==", doc.Code).Limit(1)
		dupes, err := tx.Documents(dupQuery).GetAll()
		if err != nil {
			return err
		}
		if len(dupes) > 0 {
			return ErrCouponCodeTaken
		}
		ref, err := r.coupons.DocumentRef(ctx, coupon.ID)
		if err != nil {
			return err
		}
		return tx.Create(ref, doc)
	})
	if err != nil {
		if errors.Is(err, ErrCouponCodeTaken) {
			return ErrCouponCodeTaken
		}
		return pfirestore.WrapError("coupons.insert", err)
	}
	return nil
}

func (r *CouponRepository) Delete(ctx context.Context, couponID string) error {
	if r == nil || r.coupons == nil {
		return errors.New("coupon repository not initialised")
	}
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return errors.New("coupon delete: id is required")
	}
	ref, err := r.coupons.DocumentRef(ctx, couponID)
	if err != nil {
		return err
	}
	// Existence check first so deleting an unknown coupon surfaces 404.
	if _, err := ref.Get(ctx); err != nil {
		return pfirestore.WrapError("coupons.delete", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("coupons.delete", err)
	}
	return nil
}

func (r *CouponRepository) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	if r == nil || r.coupons == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return domain.Coupon{}, errors.New("coupon find: id is required")
	}
	doc, err := r.coupons.Get(ctx, couponID)
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByCode expects the folded canonical code produced by the service layer.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Coupon{}, errors.New("coupon find: code is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", err)
	}
	iter := client.Collection(couponsCollection).Where("code", "==", code).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", status.Error(codes.NotFound, "coupon not found"))
	}
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", err)
	}
	var doc couponDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Coupon{}, fmt.Errorf("decode coupon %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func (r *CouponRepository) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Coupon]{}, errors.New("coupon repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
	}

	query := client.Collection(couponsCollection).Query
	if filter.ActiveOnly {
		query = query.Where("active", "==", true)
	}
	query = query.OrderBy("code", firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeListPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
		}
		query = query.StartAfter(decoded.Cursor)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var coupons []domain.Coupon
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
		}
		var doc couponDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Coupon]{}, fmt.Errorf("decode coupon %s: %w", snap.Ref.ID, err)
		}
		coupons = append(coupons, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(coupons) > pageSize
	if hasMore {
		coupons = coupons[:pageSize]
	}
	var nextToken string
	if hasMore && len(coupons) > 0 {
		encoded, err := encodeListPageToken(listPageToken{Cursor: coupons[len(coupons)-1].Code})
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Coupon]{Items: coupons, NextPageToken: nextToken}, nil
}

// MarkUsedBy appends userID to the redeemer list. Conflict when the user
// already redeemed, so a replayed confirmation cannot double-spend.
func (r *CouponRepository) MarkUsedBy(ctx context.Context, couponID string, userID string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("coupon redeem: user id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.getCouponTx(ctx, tx, couponID)
		if err != nil {
			return err
		}
		for _, existing := range doc.Users {
			if existing == userID {
				return status.Error(codes.FailedPrecondition, "coupon already redeemed by user")
			}
		}
		doc.Users = append(doc.Users, userID)
		doc.UsedNumber++
		doc.UpdatedAt = now.UTC()
		return tx.Set(ref, doc)
	})
	return pfirestore.WrapError("coupons.markUsed", err)
}

// DecrementAmount consumes one redemption from a multiple-use coupon.
func (r *CouponRepository) DecrementAmount(ctx context.Context, couponID string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon repository not initialised")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.getCouponTx(ctx, tx, couponID)
		if err != nil {
			return err
		}
		if doc.Amount <= 0 {
			return status.Error(codes.FailedPrecondition, "coupon redemptions exhausted")
		}
		doc.Amount--
		doc.UsedNumber++
		doc.UpdatedAt = now.UTC()
		return tx.Set(ref, doc)
	})
	return pfirestore.WrapError("coupons.decrement", err)
}

func (r *CouponRepository) getCouponTx(ctx context.Context, tx *firestore.Transaction, couponID string) (*firestore.DocumentRef, couponDocument, error) {
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return nil, couponDocument{}, errors.New("coupon id is required")
	}
	ref, err := r.coupons.DocumentRef(ctx, couponID)
	if err != nil {
		return nil, couponDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		return nil, couponDocument{}, err
	}
	var doc couponDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, couponDocument{}, fmt.Errorf("decode coupon %s: %w", couponID, err)
	}
	return ref, doc, nil
}

// Helper structures ---------------------------------------------------------

type couponDocument struct {
	Code            string     `firestore:"code"`
	DiscountPercent int        `firestore:"discountPercent"`
	Active          bool       `firestore:"active"`
	SingleUse       bool       `firestore:"singleUse"`
	MultipleUse     bool       `firestore:"multipleUse"`
	TimeSensitive   bool       `firestore:"timeSensitive"`
	AmountSensitive bool       `firestore:"amountSensitive"`
	Amount          int64      `firestore:"amount"`
	ExpiresAt       *time.Time `firestore:"expiresAt,omitempty"`
	Users           []string   `firestore:"users"`
	UsedNumber      int64      `firestore:"usedNumber"`
	CreatedAt       time.Time  `firestore:"createdAt"`
	UpdatedAt       time.Time  `firestore:"updatedAt"`
}

func newCouponDocument(coupon domain.Coupon) couponDocument {
	users := append([]string(nil), coupon.Users...)
	if users == nil {
		users = []string{}
	}
	return couponDocument{
		Code:            strings.TrimSpace(coupon.Code),
		DiscountPercent: coupon.DiscountPercent,
		Active:          coupon.Active,
		SingleUse:       coupon.SingleUse,
		MultipleUse:     coupon.MultipleUse,
		TimeSensitive:   coupon.TimeSensitive,
		AmountSensitive: coupon.AmountSensitive,
		Amount:          coupon.Amount,
		ExpiresAt:       coupon.ExpiresAt,
		Users:           users,
		UsedNumber:      coupon.UsedNumber,
		CreatedAt:       coupon.CreatedAt.UTC(),
		UpdatedAt:       coupon.UpdatedAt.UTC(),
	}
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	return domain.Coupon{
		ID:              id,
		Code:            d.Code,
		DiscountPercent: d.DiscountPercent,
		Active:          d.Active,
		SingleUse:       d.SingleUse,
		MultipleUse:     d.MultipleUse,
		TimeSensitive:   d.TimeSensitive,
		AmountSensitive: d.AmountSensitive,
		Amount:          d.Amount,
		ExpiresAt:       d.ExpiresAt,
		Users:           append([]string(nil), d.Users...),
		UsedNumber:      d.UsedNumber,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}
