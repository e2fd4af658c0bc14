package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/repositories"
)

// lowStockThreshold is the inclusive upper bound of the low-stock band.
const lowStockThreshold = 3

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrItemNotFound indicates the item could not be located.
	ErrItemNotFound = errors.New("inventory: item not found")
	// ErrVariationNotFound indicates no variation matches the given address.
	ErrVariationNotFound = errors.New("inventory: variation not found")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Items  repositories.ItemRepository
	Alerts StockAlertPublisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.ItemRepository
	alerts StockAlertPublisher
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Items == nil {
		return nil, errors.New("inventory service: item repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		repo:   deps.Items,
		alerts: deps.Alerts,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *inventoryService) Decrement(ctx context.Context, cmd StockDecrementCommand) (StockLevel, error) {
	if strings.TrimSpace(cmd.ItemID) == "" {
		return StockLevel{}, fmt.Errorf("%w: item id is required", ErrInventoryInvalidInput)
	}
	if strings.TrimSpace(cmd.VariationID) == "" {
		return StockLevel{}, fmt.Errorf("%w: variation id is required", ErrInventoryInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return StockLevel{}, fmt.Errorf("%w: quantity must be positive", ErrInventoryInvalidInput)
	}

	now := s.clock()
	result, err := s.repo.DecrementVariation(ctx, repositories.VariationAdjustRequest{
		ItemID:      cmd.ItemID,
		VariationID: cmd.VariationID,
		Quantity:    cmd.Quantity,
		Now:         now,
	})
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}

	if result.Shortfall > 0 {
		if err := s.repo.AppendBackorder(ctx, result.ItemID, domain.Backorder{
			Size:       result.Size,
			Color:      result.Color,
			Quantity:   result.Shortfall,
			RecordedAt: now,
		}); err != nil {
			s.logger(ctx, "inventory.backorder_record_failed", map[string]any{
				"itemId": result.ItemID,
				"error":  err.Error(),
			})
		}
	}

	publishStockAlerts(ctx, s.alerts, s.logger, []repositories.VariationAdjustResult{result}, now)

	return stockLevelFromResult(result), nil
}

func (s *inventoryService) Restock(ctx context.Context, cmd RestockCommand) (StockLevel, error) {
	if strings.TrimSpace(cmd.ItemID) == "" {
		return StockLevel{}, fmt.Errorf("%w: item id is required", ErrInventoryInvalidInput)
	}
	if strings.TrimSpace(cmd.Size) == "" || strings.TrimSpace(cmd.Color) == "" {
		return StockLevel{}, fmt.Errorf("%w: size and color are required", ErrInventoryInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return StockLevel{}, fmt.Errorf("%w: quantity must be positive", ErrInventoryInvalidInput)
	}

	result, err := s.repo.IncrementVariationBySizeColor(ctx, repositories.RestockRequest{
		ItemID:   cmd.ItemID,
		Size:     cmd.Size,
		Color:    cmd.Color,
		Quantity: cmd.Quantity,
		Now:      s.clock(),
	})
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	return stockLevelFromResult(result), nil
}

func (s *inventoryService) RecordSold(ctx context.Context, itemID string, delta int) (int, error) {
	if strings.TrimSpace(itemID) == "" {
		return 0, fmt.Errorf("%w: item id is required", ErrInventoryInvalidInput)
	}
	updated, err := s.repo.AdjustSoldCount(ctx, itemID, delta)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *inventoryService) RecordReturned(ctx context.Context, itemID string, delta int) (int, error) {
	if strings.TrimSpace(itemID) == "" {
		return 0, fmt.Errorf("%w: item id is required", ErrInventoryInvalidInput)
	}
	updated, err := s.repo.AdjustReturnedCount(ctx, itemID, delta)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *inventoryService) GetItem(ctx context.Context, itemID string) (Item, error) {
	if strings.TrimSpace(itemID) == "" {
		return Item{}, fmt.Errorf("%w: item id is required", ErrInventoryInvalidInput)
	}
	item, err := s.repo.FindByID(ctx, itemID)
	if err != nil {
		return Item{}, s.mapRepositoryError(err)
	}
	return item, nil
}

func (s *inventoryService) ListItems(ctx context.Context, filter ItemListFilter) (domain.CursorPage[Item], error) {
	page, err := s.repo.List(ctx, repositories.ItemListFilter{
		Category:   strings.TrimSpace(filter.Category),
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Item]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	return mapStockError(err)
}

func mapStockError(err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorItemNotFound:
			return fmt.Errorf("%w: %s", ErrItemNotFound, stockErr.Message)
		case repositories.StockErrorVariationNotFound:
			return fmt.Errorf("%w: %s", ErrVariationNotFound, stockErr.Message)
		case repositories.StockErrorInvalidInput:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, stockErr.Message)
		}
	}
	return err
}

// publishStockAlerts raises the notifications a stock change warrants. Alerts
// are fire-and-forget: a publish failure is logged and never fails the
// operation that caused it.
func publishStockAlerts(ctx context.Context, alerts StockAlertPublisher, logger func(context.Context, string, map[string]any), results []repositories.VariationAdjustResult, now time.Time) {
	if alerts == nil {
		return
	}
	for _, result := range results {
		for _, alert := range alertsForResult(result, now) {
			if err := alerts.PublishStockAlert(ctx, alert); err != nil && logger != nil {
				logger(ctx, "stock_alert_publish_failed", map[string]any{
					"kind":   string(alert.Kind),
					"itemId": alert.ItemID,
					"error":  err.Error(),
				})
			}
		}
	}
}

func alertsForResult(result repositories.VariationAdjustResult, now time.Time) []StockAlertEvent {
	base := StockAlertEvent{
		ItemID:      result.ItemID,
		VariationID: result.VariationID,
		Size:        result.Size,
		Color:       result.Color,
		Remaining:   result.Remaining,
		Shortfall:   result.Shortfall,
		OccurredAt:  now,
	}

	var events []StockAlertEvent
	if result.Shortfall > 0 {
		alert := base
		alert.Kind = domain.StockAlertBackorder
		events = append(events, alert)
	}
	switch {
	case result.Remaining == 0 && result.Previous > 0:
		alert := base
		alert.Kind = domain.StockAlertOut
		events = append(events, alert)
	case result.Remaining > 0 && result.Remaining <= lowStockThreshold && result.Remaining < result.Previous:
		alert := base
		alert.Kind = domain.StockAlertLow
		events = append(events, alert)
	}
	return events
}

func stockLevelFromResult(result repositories.VariationAdjustResult) StockLevel {
	return StockLevel{
		ItemID:      result.ItemID,
		VariationID: result.VariationID,
		Size:        result.Size,
		Color:       result.Color,
		Previous:    result.Previous,
		Remaining:   result.Remaining,
		Shortfall:   result.Shortfall,
	}
}
