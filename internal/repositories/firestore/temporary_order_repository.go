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
)

const temporaryOrdersCollection = "temporaryOrders"

// TemporaryOrderRepository stores pending checkouts until the buyer confirms
// by e-mail or the sweep removes them. Contact fields arrive already encrypted
// from the service layer.
type TemporaryOrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[temporaryOrderDocument]
}

// NewTemporaryOrderRepository constructs a Firestore-backed temporary order repository.
func NewTemporaryOrderRepository(provider *pfirestore.Provider) (*TemporaryOrderRepository, error) {
	if provider == nil {
		return nil, errors.New("temporary order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[temporaryOrderDocument](provider, temporaryOrdersCollection, nil, nil)
	return &TemporaryOrderRepository{provider: provider, orders: orders}, nil
}

func (r *TemporaryOrderRepository) Insert(ctx context.Context, order domain.TemporaryOrder) error {
	if r == nil || r.orders == nil {
		return errors.New("temporary order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.Token) == "" {
		return errors.New("temporary order insert: id and token are required")
	}
	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newTemporaryOrderDocument(order)); err != nil {
		return pfirestore.WrapError("temporaryOrders.insert", err)
	}
	return nil
}

func (r *TemporaryOrderRepository) FindByToken(ctx context.Context, token string) (domain.TemporaryOrder, error) {
	if r == nil || r.provider == nil {
		return domain.TemporaryOrder{}, errors.New("temporary order repository not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.TemporaryOrder{}, errors.New("temporary order find: token is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.TemporaryOrder{}, pfirestore.WrapError("temporaryOrders.findByToken", err)
	}
	iter := client.Collection(temporaryOrdersCollection).Where("token", "==", token).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.TemporaryOrder{}, pfirestore.WrapError("temporaryOrders.findByToken", status.Error(codes.NotFound, "temporary order not found"))
	}
	if err != nil {
		return domain.TemporaryOrder{}, pfirestore.WrapError("temporaryOrders.findByToken", err)
	}
	var doc temporaryOrderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.TemporaryOrder{}, fmt.Errorf("decode temporary order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func (r *TemporaryOrderRepository) Delete(ctx context.Context, temporaryOrderID string) error {
	if r == nil || r.orders == nil {
		return errors.New("temporary order repository not initialised")
	}
	temporaryOrderID = strings.TrimSpace(temporaryOrderID)
	if temporaryOrderID == "" {
		return errors.New("temporary order delete: id is required")
	}
	ref, err := r.orders.DocumentRef(ctx, temporaryOrderID)
	if err != nil {
		return err
	}
	if _, err := ref.Get(ctx); err != nil {
		return pfirestore.WrapError("temporaryOrders.delete", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("temporaryOrders.delete", err)
	}
	return nil
}

// DeleteExpired removes at most limit documents whose expiry precedes now.
// The sweep runs repeatedly, so partial progress under the limit is fine.
func (r *TemporaryOrderRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("temporary order repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("temporaryOrders.sweep", err)
	}

	iter := client.Collection(temporaryOrdersCollection).
		Where("expiresAt", "<", now.UTC()).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	deleted := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return deleted, pfirestore.WrapError("temporaryOrders.sweep", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			// Another sweep may have raced us to this document.
			if status.Code(err) == codes.NotFound {
				continue
			}
			return deleted, pfirestore.WrapError("temporaryOrders.sweep", err)
		}
		deleted++
	}
	return deleted, nil
}

// Helper structures ---------------------------------------------------------

type temporaryOrderDocument struct {
	Token            string              `firestore:"token"`
	Contact          contactDocument     `firestore:"contact"`
	Lines            []orderLineDocument `firestore:"lines"`
	Totals           totalsDocument      `firestore:"totals"`
	CouponCode       string              `firestore:"couponCode,omitempty"`
	Note             string              `firestore:"note,omitempty"`
	SessionUserID    string              `firestore:"sessionUserId,omitempty"`
	CreateNewAccount bool                `firestore:"createNewAccount"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	ExpiresAt        time.Time           `firestore:"expiresAt"`
}

type contactDocument struct {
	FullName string `firestore:"fullName"`
	Email    string `firestore:"email"`
	Phone    string `firestore:"phone"`
	Address  string `firestore:"address"`
	City     string `firestore:"city"`
	PostCode string `firestore:"postCode"`
	Country  string `firestore:"country"`
}

type orderLineDocument struct {
	ItemID      string `firestore:"itemId"`
	VariationID string `firestore:"variationId"`
	Name        string `firestore:"name"`
	Size        string `firestore:"size"`
	Color       string `firestore:"color"`
	Quantity    int    `firestore:"qty"`
	UnitPrice   int64  `firestore:"unitPrice"`
}

type totalsDocument struct {
	Subtotal   int64  `firestore:"subtotal"`
	Shipping   int64  `firestore:"shipping"`
	Discount   int64  `firestore:"discount"`
	GrandTotal int64  `firestore:"grandTotal"`
	Currency   string `firestore:"currency"`
}

func newTemporaryOrderDocument(order domain.TemporaryOrder) temporaryOrderDocument {
	return temporaryOrderDocument{
		Token:            strings.TrimSpace(order.Token),
		Contact:          newContactDocument(order.Contact),
		Lines:            newOrderLineDocuments(order.Lines),
		Totals:           newTotalsDocument(order.Totals),
		CouponCode:       strings.TrimSpace(order.CouponCode),
		Note:             order.Note,
		SessionUserID:    strings.TrimSpace(order.SessionUserID),
		CreateNewAccount: order.CreateNewAccount,
		CreatedAt:        order.CreatedAt.UTC(),
		ExpiresAt:        order.ExpiresAt.UTC(),
	}
}

func (d temporaryOrderDocument) toDomain(id string) domain.TemporaryOrder {
	return domain.TemporaryOrder{
		ID:               id,
		Token:            d.Token,
		Contact:          d.Contact.toDomain(),
		Lines:            orderLinesToDomain(d.Lines),
		Totals:           d.Totals.toDomain(),
		CouponCode:       d.CouponCode,
		Note:             d.Note,
		SessionUserID:    d.SessionUserID,
		CreateNewAccount: d.CreateNewAccount,
		CreatedAt:        d.CreatedAt,
		ExpiresAt:        d.ExpiresAt,
	}
}

func newContactDocument(contact domain.ContactDetails) contactDocument {
	return contactDocument{
		FullName: contact.FullName,
		Email:    contact.Email,
		Phone:    contact.Phone,
		Address:  contact.Address,
		City:     contact.City,
		PostCode: contact.PostCode,
		Country:  contact.Country,
	}
}

func (d contactDocument) toDomain() domain.ContactDetails {
	return domain.ContactDetails{
		FullName: d.FullName,
		Email:    d.Email,
		Phone:    d.Phone,
		Address:  d.Address,
		City:     d.City,
		PostCode: d.PostCode,
		Country:  d.Country,
	}
}

func newOrderLineDocuments(lines []domain.OrderLine) []orderLineDocument {
	out := make([]orderLineDocument, len(lines))
	for i, line := range lines {
		out[i] = orderLineDocument{
			ItemID:      strings.TrimSpace(line.ItemID),
			VariationID: strings.TrimSpace(line.VariationID),
			Name:        line.Name,
			Size:        line.Size,
			Color:       line.Color,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		}
	}
	return out
}

func orderLinesToDomain(lines []orderLineDocument) []domain.OrderLine {
	out := make([]domain.OrderLine, len(lines))
	for i, line := range lines {
		out[i] = domain.OrderLine{
			ItemID:      line.ItemID,
			VariationID: line.VariationID,
			Name:        line.Name,
			Size:        line.Size,
			Color:       line.Color,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		}
	}
	return out
}

func newTotalsDocument(totals domain.OrderTotals) totalsDocument {
	return totalsDocument{
		Subtotal:   totals.Subtotal,
		Shipping:   totals.Shipping,
		Discount:   totals.Discount,
		GrandTotal: totals.GrandTotal,
		Currency:   strings.TrimSpace(totals.Currency),
	}
}

func (d totalsDocument) toDomain() domain.OrderTotals {
	return domain.OrderTotals{
		Subtotal:   d.Subtotal,
		Shipping:   d.Shipping,
		Discount:   d.Discount,
		GrandTotal: d.GrandTotal,
		Currency:   d.Currency,
	}
}
