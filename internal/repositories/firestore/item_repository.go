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
	"github.com/tophelanke/api/internal/platform/pagination"
	"github.com/tophelanke/api/internal/repositories"
)

const itemsCollection = "items"

// ItemRepository implements repositories.ItemRepository backed by Firestore.
// Stock mutations run inside transactions so concurrent checkouts never
// observe a partially adjusted variation list.
type ItemRepository struct {
	provider *pfirestore.Provider
	items    *pfirestore.BaseRepository[itemDocument]
}

// NewItemRepository constructs a Firestore-backed item repository.
func NewItemRepository(provider *pfirestore.Provider) (*ItemRepository, error) {
	if provider == nil {
		return nil, errors.New("item repository requires firestore provider")
	}
	items := pfirestore.NewBaseRepository[itemDocument](provider, itemsCollection, nil, nil)
	return &ItemRepository{provider: provider, items: items}, nil
}

func (r *ItemRepository) Insert(ctx context.Context, item domain.Item) error {
	if r == nil || r.items == nil {
		return errors.New("item repository not initialised")
	}
	if strings.TrimSpace(item.ID) == "" {
		return repositories.NewStockError(repositories.StockErrorInvalidInput, "item insert: id is required", nil)
	}
	ref, err := r.items.DocumentRef(ctx, item.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newItemDocument(item)); err != nil {
		return pfirestore.WrapError("items.insert", err)
	}
	return nil
}

func (r *ItemRepository) Update(ctx context.Context, item domain.Item) error {
	if r == nil || r.items == nil {
		return errors.New("item repository not initialised")
	}
	if strings.TrimSpace(item.ID) == "" {
		return repositories.NewStockError(repositories.StockErrorInvalidInput, "item update: id is required", nil)
	}
	if _, err := r.items.Set(ctx, item.ID, newItemDocument(item)); err != nil {
		return pfirestore.WrapError("items.update", err)
	}
	return nil
}

func (r *ItemRepository) FindByID(ctx context.Context, itemID string) (domain.Item, error) {
	if r == nil || r.items == nil {
		return domain.Item{}, errors.New("item repository not initialised")
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.Item{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "item find: id is required", nil)
	}
	doc, err := r.items.Get(ctx, itemID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Item{}, repositories.NewStockError(repositories.StockErrorItemNotFound, fmt.Sprintf("item %s not found", itemID), err)
		}
		return domain.Item{}, pfirestore.WrapError("items.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ItemRepository) List(ctx context.Context, filter repositories.ItemListFilter) (domain.CursorPage[domain.Item], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Item]{}, errors.New("item repository not initialised")
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
		return domain.CursorPage[domain.Item]{}, pfirestore.WrapError("items.list", err)
	}

	query := client.Collection(itemsCollection).Query
	if category := strings.TrimSpace(filter.Category); category != "" {
		query = query.Where("category", "==", category)
	}
	query = query.OrderBy("name", firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeListPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Item]{}, pfirestore.WrapError("items.list", err)
		}
		query = query.StartAfter(decoded.Cursor)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var items []domain.Item
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Item]{}, pfirestore.WrapError("items.list", err)
		}
		var doc itemDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Item]{}, fmt.Errorf("decode item %s: %w", snap.Ref.ID, err)
		}
		items = append(items, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(items) > pageSize
	if hasMore {
		items = items[:pageSize]
	}
	var nextToken string
	if hasMore && len(items) > 0 {
		encoded, err := encodeListPageToken(listPageToken{Cursor: items[len(items)-1].Name})
		if err != nil {
			return domain.CursorPage[domain.Item]{}, pfirestore.WrapError("items.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Item]{Items: items, NextPageToken: nextToken}, nil
}

// DecrementVariation subtracts quantity from the variation addressed by ID.
// The stored amount never drops below zero; the shortfall is reported back so
// the caller can decide about backorders.
func (r *ItemRepository) DecrementVariation(ctx context.Context, req repositories.VariationAdjustRequest) (repositories.VariationAdjustResult, error) {
	if r == nil || r.provider == nil {
		return repositories.VariationAdjustResult{}, errors.New("item repository not initialised")
	}
	if req.Quantity <= 0 {
		return repositories.VariationAdjustResult{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "decrement: quantity must be > 0", nil)
	}

	now := req.Now.UTC()
	var result repositories.VariationAdjustResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.getItemTx(ctx, tx, req.ItemID)
		if err != nil {
			return err
		}
		idx := doc.variationIndexByID(req.VariationID)
		if idx < 0 {
			return repositories.NewStockError(repositories.StockErrorVariationNotFound, fmt.Sprintf("variation %s not found on item %s", req.VariationID, req.ItemID), nil)
		}

		variation := doc.Variations[idx]
		previous := variation.Amount
		remaining := previous - req.Quantity
		shortfall := 0
		if remaining < 0 {
			shortfall = -remaining
			remaining = 0
		}
		doc.Variations[idx].Amount = remaining
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		result = repositories.VariationAdjustResult{
			ItemID:      req.ItemID,
			VariationID: variation.ID,
			Size:        variation.Size,
			Color:       variation.Color,
			Previous:    previous,
			Remaining:   remaining,
			Shortfall:   shortfall,
		}
		return nil
	})
	if err != nil {
		return repositories.VariationAdjustResult{}, wrapStockError("items.decrement", err)
	}
	return result, nil
}

// IncrementVariationBySizeColor restocks the variation addressed by its
// (size, color) pair. Returns and cancellations address stock this way
// because the warehouse labels parcels with size and color, not IDs.
func (r *ItemRepository) IncrementVariationBySizeColor(ctx context.Context, req repositories.RestockRequest) (repositories.VariationAdjustResult, error) {
	if r == nil || r.provider == nil {
		return repositories.VariationAdjustResult{}, errors.New("item repository not initialised")
	}
	if req.Quantity <= 0 {
		return repositories.VariationAdjustResult{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "restock: quantity must be > 0", nil)
	}

	now := req.Now.UTC()
	var result repositories.VariationAdjustResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.getItemTx(ctx, tx, req.ItemID)
		if err != nil {
			return err
		}
		idx := doc.variationIndexBySizeColor(req.Size, req.Color)
		if idx < 0 {
			return repositories.NewStockError(repositories.StockErrorVariationNotFound, fmt.Sprintf("no variation %s/%s on item %s", req.Size, req.Color, req.ItemID), nil)
		}

		variation := doc.Variations[idx]
		previous := variation.Amount
		doc.Variations[idx].Amount = previous + req.Quantity
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		result = repositories.VariationAdjustResult{
			ItemID:      req.ItemID,
			VariationID: variation.ID,
			Size:        variation.Size,
			Color:       variation.Color,
			Previous:    previous,
			Remaining:   previous + req.Quantity,
		}
		return nil
	})
	if err != nil {
		return repositories.VariationAdjustResult{}, wrapStockError("items.restock", err)
	}
	return result, nil
}

func (r *ItemRepository) AppendBackorder(ctx context.Context, itemID string, backorder domain.Backorder) error {
	if r == nil || r.items == nil {
		return errors.New("item repository not initialised")
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return repositories.NewStockError(repositories.StockErrorInvalidInput, "backorder: item id is required", nil)
	}
	ref, err := r.items.DocumentRef(ctx, itemID)
	if err != nil {
		return err
	}
	entry := backorderDocument{
		Size:       strings.TrimSpace(backorder.Size),
		Color:      strings.TrimSpace(backorder.Color),
		Quantity:   backorder.Quantity,
		RecordedAt: backorder.RecordedAt.UTC(),
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "backorders", Value: firestore.ArrayUnion(entry)},
		{Path: "updatedAt", Value: backorder.RecordedAt.UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return repositories.NewStockError(repositories.StockErrorItemNotFound, fmt.Sprintf("item %s not found", itemID), err)
		}
		return pfirestore.WrapError("items.backorder", err)
	}
	return nil
}

func (r *ItemRepository) AdjustSoldCount(ctx context.Context, itemID string, delta int) (int, error) {
	return r.adjustCounter(ctx, itemID, "soldCount", delta)
}

func (r *ItemRepository) AdjustReturnedCount(ctx context.Context, itemID string, delta int) (int, error) {
	return r.adjustCounter(ctx, itemID, "returnedCount", delta)
}

func (r *ItemRepository) adjustCounter(ctx context.Context, itemID string, field string, delta int) (int, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("item repository not initialised")
	}
	if delta == 0 {
		return 0, repositories.NewStockError(repositories.StockErrorInvalidInput, "adjust: delta must be non-zero", nil)
	}

	now := time.Now().UTC()
	var updated int
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.getItemTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		current := doc.SoldCount
		if field == "returnedCount" {
			current = doc.ReturnedCount
		}
		next := current + delta
		if next < 0 {
			next = 0
		}
		if field == "returnedCount" {
			doc.ReturnedCount = next
		} else {
			doc.SoldCount = next
		}
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return 0, wrapStockError("items.adjust", err)
	}
	return updated, nil
}

func (r *ItemRepository) getItemTx(ctx context.Context, tx *firestore.Transaction, itemID string) (*firestore.DocumentRef, itemDocument, error) {
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

// Helper structures ---------------------------------------------------------

type itemDocument struct {
	Name          string              `firestore:"name"`
	Category      string              `firestore:"category"`
	Description   string              `firestore:"description,omitempty"`
	Price         int64               `firestore:"price"`
	Currency      string              `firestore:"currency"`
	Variations    []variationDocument `firestore:"variations"`
	SoldCount     int                 `firestore:"soldCount"`
	ReturnedCount int                 `firestore:"returnedCount"`
	Backorders    []backorderDocument `firestore:"backorders,omitempty"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

type variationDocument struct {
	ID     string `firestore:"id"`
	Size   string `firestore:"size"`
	Color  string `firestore:"color"`
	Amount int    `firestore:"amount"`
}

type backorderDocument struct {
	Size       string    `firestore:"size"`
	Color      string    `firestore:"color"`
	Quantity   int       `firestore:"qty"`
	RecordedAt time.Time `firestore:"recordedAt"`
}

func newItemDocument(item domain.Item) itemDocument {
	variations := make([]variationDocument, len(item.Variations))
	for i, v := range item.Variations {
		variations[i] = variationDocument{
			ID:     strings.TrimSpace(v.ID),
			Size:   strings.TrimSpace(v.Size),
			Color:  strings.TrimSpace(v.Color),
			Amount: v.Amount,
		}
	}
	backorders := make([]backorderDocument, len(item.Backorders))
	for i, b := range item.Backorders {
		backorders[i] = backorderDocument{
			Size:       strings.TrimSpace(b.Size),
			Color:      strings.TrimSpace(b.Color),
			Quantity:   b.Quantity,
			RecordedAt: b.RecordedAt.UTC(),
		}
	}
	return itemDocument{
		Name:          strings.TrimSpace(item.Name),
		Category:      strings.TrimSpace(item.Category),
		Description:   strings.TrimSpace(item.Description),
		Price:         item.Price,
		Currency:      strings.TrimSpace(item.Currency),
		Variations:    variations,
		SoldCount:     item.SoldCount,
		ReturnedCount: item.ReturnedCount,
		Backorders:    backorders,
		CreatedAt:     item.CreatedAt.UTC(),
		UpdatedAt:     item.UpdatedAt.UTC(),
	}
}

func (d itemDocument) toDomain(id string) domain.Item {
	variations := make([]domain.Variation, len(d.Variations))
	for i, v := range d.Variations {
		variations[i] = domain.Variation{
			ID:     v.ID,
			Size:   v.Size,
			Color:  v.Color,
			Amount: v.Amount,
		}
	}
	backorders := make([]domain.Backorder, len(d.Backorders))
	for i, b := range d.Backorders {
		backorders[i] = domain.Backorder{
			Size:       b.Size,
			Color:      b.Color,
			Quantity:   b.Quantity,
			RecordedAt: b.RecordedAt,
		}
	}
	return domain.Item{
		ID:            id,
		Name:          d.Name,
		Category:      d.Category,
		Description:   d.Description,
		Price:         d.Price,
		Currency:      d.Currency,
		Variations:    variations,
		SoldCount:     d.SoldCount,
		ReturnedCount: d.ReturnedCount,
		Backorders:    backorders,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (d itemDocument) variationIndexByID(variationID string) int {
	target := strings.TrimSpace(variationID)
	for i, v := range d.Variations {
		if v.ID == target {
			return i
		}
	}
	return -1
}

func (d itemDocument) variationIndexBySizeColor(size, color string) int {
	size = strings.TrimSpace(size)
	color = strings.TrimSpace(color)
	for i, v := range d.Variations {
		if strings.EqualFold(v.Size, size) && strings.EqualFold(v.Color, color) {
			return i
		}
	}
	return -1
}

type listPageToken struct {
	Cursor string
}

func encodeListPageToken(token listPageToken) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{StartAfter: []any{token.Cursor}})
}

func decodeListPageToken(encoded string) (*listPageToken, error) {
	cursor, err := pagination.DecodeToken(encoded)
	if err != nil {
		return nil, err
	}
	if len(cursor.StartAfter) == 0 {
		return nil, fmt.Errorf("%w: missing cursor", pagination.ErrInvalidPageToken)
	}
	value, ok := cursor.StartAfter[0].(string)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: malformed cursor", pagination.ErrInvalidPageToken)
	}
	return &listPageToken{Cursor: value}, nil
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
