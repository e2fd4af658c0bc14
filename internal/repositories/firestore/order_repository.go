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

const ordersCollection = "orders"

// OrderRepository implements repositories.OrderRepository backed by Firestore.
//
// The confirm and transition operations are multi-document transactions. The
// Firestore client requires every read to happen before the first write, so
// both methods gather all documents up front and only then stage the writes.
type OrderRepository struct {
	provider  *pfirestore.Provider
	orders    *pfirestore.BaseRepository[orderDocument]
	temporary *pfirestore.BaseRepository[temporaryOrderDocument]
	items     *pfirestore.BaseRepository[itemDocument]
	coupons   *pfirestore.BaseRepository[couponDocument]
	users     *pfirestore.BaseRepository[userDocument]
	customers *pfirestore.BaseRepository[customerDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:  provider,
		orders:    pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		temporary: pfirestore.NewBaseRepository[temporaryOrderDocument](provider, temporaryOrdersCollection, nil, nil),
		items:     pfirestore.NewBaseRepository[itemDocument](provider, itemsCollection, nil, nil),
		coupons:   pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil, nil),
		users:     pfirestore.NewBaseRepository[userDocument](provider, usersCollection, nil, nil),
		customers: pfirestore.NewBaseRepository[customerDocument](provider, customersCollection, nil, nil),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}
	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: id is required")
	}
	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
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
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if len(filter.Status) == 1 {
		query = query.Where("status", "==", filter.Status[0])
	} else if len(filter.Status) > 1 {
		query = query.Where("status", "in", filter.Status)
	}
	if buyerID := strings.TrimSpace(filter.BuyerID); buyerID != "" {
		query = query.Where("buyerId", "==", buyerID)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeListPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		cursor, err := time.Parse(time.RFC3339Nano, decoded.Cursor)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", fmt.Errorf("invalid page token cursor: %w", err))
		}
		query = query.StartAfter(cursor)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		cursor := orders[len(orders)-1].CreatedAt.UTC().Format(time.RFC3339Nano)
		encoded, err := encodeListPageToken(listPageToken{Cursor: cursor})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// ConfirmFromTemporary turns a pending checkout into a confirmed order in a
// single transaction: order create, per-line stock decrement, coupon
// redemption, buyer link, cart clear and temporary order delete all commit or
// none do. The temporary order is re-read in the transaction, so two
// confirmations racing on the same token cannot both succeed.
func (r *OrderRepository) ConfirmFromTemporary(ctx context.Context, req repositories.ConfirmationRequest) (repositories.ConfirmationResult, error) {
	if r == nil || r.provider == nil {
		return repositories.ConfirmationResult{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(req.TemporaryOrderID) == "" || strings.TrimSpace(req.Order.ID) == "" {
		return repositories.ConfirmationResult{}, errors.New("order confirm: temporary order id and order id are required")
	}
	if req.NewUser != nil && req.NewCustomer != nil {
		return repositories.ConfirmationResult{}, errors.New("order confirm: at most one new buyer may be created")
	}

	now := req.Now.UTC()
	var result repositories.ConfirmationResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Reads first. The Firestore client rejects reads after writes.
		tempRef, err := r.temporary.DocumentRef(ctx, req.TemporaryOrderID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(tempRef); err != nil {
			return err
		}

		itemRefs := make(map[string]*firestore.DocumentRef)
		itemDocs := make(map[string]itemDocument)
		for _, line := range req.Order.Lines {
			if _, ok := itemDocs[line.ItemID]; ok {
				continue
			}
			ref, doc, err := r.getItemTx(ctx, tx, line.ItemID)
			if err != nil {
				return err
			}
			itemRefs[line.ItemID] = ref
			itemDocs[line.ItemID] = doc
		}

		var couponRef *firestore.DocumentRef
		var couponDoc couponDocument
		if req.CouponRedemption != repositories.CouponRedemptionNone {
			couponRef, couponDoc, err = r.getCouponTx(ctx, tx, req.CouponID)
			if err != nil {
				return err
			}
		}

		// Apply the stock decrements in memory, flooring at zero and
		// collecting shortfalls as backorders on the item documents.
		stock := make([]repositories.VariationAdjustResult, 0, len(req.Order.Lines))
		for _, line := range req.Order.Lines {
			doc := itemDocs[line.ItemID]
			idx := doc.variationIndexByID(line.VariationID)
			if idx < 0 {
				return repositories.NewStockError(repositories.StockErrorVariationNotFound, fmt.Sprintf("variation %s not found on item %s", line.VariationID, line.ItemID), nil)
			}
			variation := doc.Variations[idx]
			previous := variation.Amount
			remaining := previous - line.Quantity
			shortfall := 0
			if remaining < 0 {
				shortfall = -remaining
				remaining = 0
				doc.Backorders = append(doc.Backorders, backorderDocument{
					Size:       variation.Size,
					Color:      variation.Color,
					Quantity:   shortfall,
					RecordedAt: now,
				})
			}
			doc.Variations[idx].Amount = remaining
			doc.UpdatedAt = now
			itemDocs[line.ItemID] = doc
			stock = append(stock, repositories.VariationAdjustResult{
				ItemID:      line.ItemID,
				VariationID: variation.ID,
				Size:        variation.Size,
				Color:       variation.Color,
				Previous:    previous,
				Remaining:   remaining,
				Shortfall:   shortfall,
			})
		}

		switch req.CouponRedemption {
		case repositories.CouponRedemptionMarkUsed:
			for _, existing := range couponDoc.Users {
				if existing == req.CouponUserID {
					return status.Error(codes.FailedPrecondition, "coupon already redeemed by user")
				}
			}
			couponDoc.Users = append(couponDoc.Users, req.CouponUserID)
			couponDoc.UsedNumber++
			couponDoc.UpdatedAt = now
		case repositories.CouponRedemptionDecrement:
			if couponDoc.Amount <= 0 {
				return status.Error(codes.FailedPrecondition, "coupon redemptions exhausted")
			}
			couponDoc.Amount--
			couponDoc.UsedNumber++
			couponDoc.UpdatedAt = now
		}

		// Writes.
		orderRef, err := r.orders.DocumentRef(ctx, req.Order.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, newOrderDocument(req.Order)); err != nil {
			return err
		}
		for itemID, doc := range itemDocs {
			if err := tx.Set(itemRefs[itemID], doc); err != nil {
				return err
			}
		}
		if couponRef != nil {
			if err := tx.Set(couponRef, couponDoc); err != nil {
				return err
			}
		}
		if err := r.writeBuyerTx(ctx, tx, req, now); err != nil {
			return err
		}
		if err := tx.Delete(tempRef); err != nil {
			return err
		}

		result = repositories.ConfirmationResult{Order: req.Order, Stock: stock}
		return nil
	})
	if err != nil {
		return repositories.ConfirmationResult{}, wrapStockError("orders.confirm", err)
	}
	return result, nil
}

// writeBuyerTx links the order to its buyer. New buyers are created with the
// order already attached; existing buyer documents get at most one update so
// the transaction never writes the same document twice.
func (r *OrderRepository) writeBuyerTx(ctx context.Context, tx *firestore.Transaction, req repositories.ConfirmationRequest, now time.Time) error {
	clearCartUserID := strings.TrimSpace(req.ClearCartUserID)

	switch {
	case req.NewUser != nil:
		ref, err := r.users.DocumentRef(ctx, req.NewUser.ID)
		if err != nil {
			return err
		}
		return tx.Create(ref, newUserDocument(*req.NewUser))
	case req.NewCustomer != nil:
		ref, err := r.customers.DocumentRef(ctx, req.NewCustomer.ID)
		if err != nil {
			return err
		}
		return tx.Create(ref, newCustomerDocument(*req.NewCustomer))
	}

	switch req.Order.Buyer.Kind {
	case domain.BuyerKindUser:
		ref, err := r.users.DocumentRef(ctx, req.Order.Buyer.ID)
		if err != nil {
			return err
		}
		updates := []firestore.Update{
			{Path: "orderIds", Value: firestore.ArrayUnion(req.Order.ID)},
			{Path: "updatedAt", Value: now},
		}
		if clearCartUserID == req.Order.Buyer.ID {
			updates = append(updates, firestore.Update{Path: "cart", Value: []cartLineDocument{}})
			clearCartUserID = ""
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}
	case domain.BuyerKindCustomer:
		ref, err := r.customers.DocumentRef(ctx, req.Order.Buyer.ID)
		if err != nil {
			return err
		}
		updates := []firestore.Update{
			{Path: "orderIds", Value: firestore.ArrayUnion(req.Order.ID)},
			{Path: "updatedAt", Value: now},
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}
	default:
		return fmt.Errorf("order confirm: unknown buyer kind %q", req.Order.Buyer.Kind)
	}

	if clearCartUserID != "" {
		ref, err := r.users.DocumentRef(ctx, clearCartUserID)
		if err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "cart", Value: []cartLineDocument{}},
			{Path: "updatedAt", Value: now},
		})
	}
	return nil
}

// ApplyTransition writes the updated order and its stock side effects
// atomically. The stored status is compared against ExpectedStatus so two
// admins racing on the same order cannot both win.
func (r *OrderRepository) ApplyTransition(ctx context.Context, req repositories.TransitionRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(req.Order.ID) == "" {
		return domain.Order{}, errors.New("order transition: id is required")
	}

	now := req.Now.UTC()
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, req.Order.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var stored orderDocument
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("decode order %s: %w", req.Order.ID, err)
		}
		if stored.Status != string(req.ExpectedStatus) {
			return status.Errorf(codes.FailedPrecondition, "order status changed: have %s, want %s", stored.Status, req.ExpectedStatus)
		}

		itemRefs := make(map[string]*firestore.DocumentRef)
		itemDocs := make(map[string]itemDocument)
		for _, effect := range req.Effects {
			if _, ok := itemDocs[effect.ItemID]; ok {
				continue
			}
			ref, doc, err := r.getItemTx(ctx, tx, effect.ItemID)
			if err != nil {
				return err
			}
			itemRefs[effect.ItemID] = ref
			itemDocs[effect.ItemID] = doc
		}

		for _, effect := range req.Effects {
			doc := itemDocs[effect.ItemID]
			if effect.RestockQty > 0 {
				idx := doc.variationIndexBySizeColor(effect.Size, effect.Color)
				if idx < 0 {
					return repositories.NewStockError(repositories.StockErrorVariationNotFound, fmt.Sprintf("no variation %s/%s on item %s", effect.Size, effect.Color, effect.ItemID), nil)
				}
				doc.Variations[idx].Amount += effect.RestockQty
			}
			doc.SoldCount = floorZero(doc.SoldCount + effect.SoldDelta)
			doc.ReturnedCount = floorZero(doc.ReturnedCount + effect.ReturnedDelta)
			doc.UpdatedAt = now
			itemDocs[effect.ItemID] = doc
		}

		if err := tx.Set(orderRef, newOrderDocument(req.Order)); err != nil {
			return err
		}
		for itemID, doc := range itemDocs {
			if err := tx.Set(itemRefs[itemID], doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapStockError("orders.transition", err)
	}
	return req.Order, nil
}

func floorZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func (r *OrderRepository) getItemTx(ctx context.Context, tx *firestore.Transaction, itemID string) (*firestore.DocumentRef, itemDocument, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil, itemDocument{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "item id is required", nil)
	}
	ref, err := r.items.DocumentRef(ctx, itemID)
	if err != nil {
		return nil, itemDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, itemDocument{}, repositories.NewStockError(repositories.StockErrorItemNotFound, fmt.Sprintf("item %s not found", itemID), err)
		}
		return nil, itemDocument{}, err
	}
	var doc itemDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, itemDocument{}, fmt.Errorf("decode item %s: %w", itemID, err)
	}
	return ref, doc, nil
}

func (r *OrderRepository) getCouponTx(ctx context.Context, tx *firestore.Transaction, couponID string) (*firestore.DocumentRef, couponDocument, error) {
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

type orderDocument struct {
	Number           string              `firestore:"number"`
	BuyerKind        string              `firestore:"buyerKind"`
	BuyerID          string              `firestore:"buyerId"`
	Contact          contactDocument     `firestore:"contact"`
	Lines            []orderLineDocument `firestore:"lines"`
	Totals           totalsDocument      `firestore:"totals"`
	CouponCode       string              `firestore:"couponCode,omitempty"`
	Note             string              `firestore:"note,omitempty"`
	Status           string              `firestore:"status"`
	ExchangedOrderID string              `firestore:"exchangedOrderId,omitempty"`
	EmailSent        bool                `firestore:"emailSent"`
	ConfirmedAt      time.Time           `firestore:"confirmedAt"`
	FulfilledAt      *time.Time          `firestore:"fulfilledAt,omitempty"`
	ReturnedAt       *time.Time          `firestore:"returnedAt,omitempty"`
	CancelledAt      *time.Time          `firestore:"cancelledAt,omitempty"`
	RefundDate       *time.Time          `firestore:"refundDate,omitempty"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		Number:           strings.TrimSpace(order.Number),
		BuyerKind:        string(order.Buyer.Kind),
		BuyerID:          strings.TrimSpace(order.Buyer.ID),
		Contact:          newContactDocument(order.Contact),
		Lines:            newOrderLineDocuments(order.Lines),
		Totals:           newTotalsDocument(order.Totals),
		CouponCode:       strings.TrimSpace(order.CouponCode),
		Note:             order.Note,
		Status:           string(order.Status),
		ExchangedOrderID: strings.TrimSpace(order.ExchangedOrderID),
		EmailSent:        order.EmailSent,
		ConfirmedAt:      order.ConfirmedAt.UTC(),
		FulfilledAt:      utcOrNil(order.FulfilledAt),
		ReturnedAt:       utcOrNil(order.ReturnedAt),
		CancelledAt:      utcOrNil(order.CancelledAt),
		RefundDate:       utcOrNil(order.RefundDate),
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:               id,
		Number:           d.Number,
		Buyer:            domain.BuyerRef{Kind: domain.BuyerKind(d.BuyerKind), ID: d.BuyerID},
		Contact:          d.Contact.toDomain(),
		Lines:            orderLinesToDomain(d.Lines),
		Totals:           d.Totals.toDomain(),
		CouponCode:       d.CouponCode,
		Note:             d.Note,
		Status:           domain.OrderStatus(d.Status),
		ExchangedOrderID: d.ExchangedOrderID,
		EmailSent:        d.EmailSent,
		ConfirmedAt:      d.ConfirmedAt,
		FulfilledAt:      d.FulfilledAt,
		ReturnedAt:       d.ReturnedAt,
		CancelledAt:      d.CancelledAt,
		RefundDate:       d.RefundDate,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
