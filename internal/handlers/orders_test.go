package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/platform/auth"
	"github.com/tophelanke/api/internal/platform/pagination"
	"github.com/tophelanke/api/internal/services"
)

type stubOrderService struct {
	confirmFn    func(context.Context, services.ConfirmOrderCommand) (services.Order, error)
	getFn        func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
	markFn       func(context.Context, string, bool) (services.Order, error)
}

func (s *stubOrderService) Confirm(ctx context.Context, cmd services.ConfirmOrderCommand) (services.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) MarkEmailSent(ctx context.Context, orderID string, delivered bool) (services.Order, error) {
	if s.markFn != nil {
		return s.markFn(ctx, orderID, delivered)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubInvoiceService struct {
	uploadFn   func(context.Context, services.InvoiceUploadCommand) (services.SignedInvoiceURL, error)
	downloadFn func(context.Context, string) (services.SignedInvoiceURL, error)
}

func (s *stubInvoiceService) IssueUploadURL(ctx context.Context, cmd services.InvoiceUploadCommand) (services.SignedInvoiceURL, error) {
	if s.uploadFn != nil {
		return s.uploadFn(ctx, cmd)
	}
	return services.SignedInvoiceURL{}, errors.New("not implemented")
}

func (s *stubInvoiceService) IssueDownloadURL(ctx context.Context, orderID string) (services.SignedInvoiceURL, error) {
	if s.downloadFn != nil {
		return s.downloadFn(ctx, orderID)
	}
	return services.SignedInvoiceURL{}, errors.New("not implemented")
}

type stubAuditLogService struct {
	recordFn func(context.Context, services.AuditRecord)
	listFn   func(context.Context, string, services.Pagination) (domain.CursorPage[services.AuditEntry], error)
}

func (s *stubAuditLogService) Record(ctx context.Context, record services.AuditRecord) {
	if s.recordFn != nil {
		s.recordFn(ctx, record)
	}
}

func (s *stubAuditLogService) ListByOrder(ctx context.Context, orderID string, pager services.Pagination) (domain.CursorPage[services.AuditEntry], error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID, pager)
	}
	return domain.CursorPage[services.AuditEntry]{}, nil
}

func newAdminOrderRouter(h *AdminOrderHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin", h.Routes)
	return router
}

func sampleOrder(now time.Time) services.Order {
	return services.Order{
		ID:     "ord-1",
		Number: "TH-2026-000042",
		Buyer:  domain.BuyerRef{Kind: domain.BuyerKindCustomer, ID: "cust-1"},
		Lines: []domain.OrderLine{
			{ItemID: "item-1", VariationID: "var-1", Name: "Majica", Size: "M", Color: "crna", Quantity: 2, UnitPrice: 2500},
		},
		Totals:      domain.OrderTotals{Subtotal: 5000, Shipping: 400, Discount: 500, GrandTotal: 4900, Currency: "RSD"},
		Status:      domain.OrderStatusProcessing,
		ConfirmedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestAdminOrderHandlersTransitionStatus(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	var captured services.OrderStatusTransitionCommand
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusFulfilled
			ts := now
			order.FulfilledAt = &ts
			return order, nil
		},
	}

	router := newAdminOrderRouter(NewAdminOrderHandlers(AdminOrderHandlersDeps{Orders: service}))

	body := bytes.NewBufferString(`{"orderId":"ord-1","status":"fulfilled"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/porudzbine/status", body)
	req = req.WithContext(auth.WithServiceIdentity(req.Context(), &auth.ServiceIdentity{Email: "ops@tophelanke.rs"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord-1" {
		t.Fatalf("expected order id ord-1, got %q", captured.OrderID)
	}
	if captured.TargetStatus != domain.OrderStatusFulfilled {
		t.Fatalf("expected target fulfilled, got %q", captured.TargetStatus)
	}
	if captured.ActorID != "ops@tophelanke.rs" {
		t.Fatalf("expected actor from service identity, got %q", captured.ActorID)
	}

	var resp orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "fulfilled" {
		t.Fatalf("expected fulfilled status, got %q", resp.Status)
	}
	if resp.FulfilledAt == "" {
		t.Fatal("expected fulfilledAt to be set")
	}
}

func TestAdminOrderHandlersTransitionRejected(t *testing.T) {
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: returned -> fulfilled", services.ErrOrderInvalidTransition)
		},
	}

	router := newAdminOrderRouter(NewAdminOrderHandlers(AdminOrderHandlersDeps{Orders: service}))

	req := httptest.NewRequest(http.MethodPost, "/admin/porudzbine/status", bytes.NewBufferString(`{"orderId":"ord-1","status":"fulfilled"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["error"] != "conflict" {
		t.Fatalf("expected conflict code, got %v", resp["error"])
	}
}

func TestAdminOrderHandlersListOrdersFilters(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	fromExpected := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	toExpected := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{"orders/0042"}})
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}

	var captured services.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder(now)},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	router := newAdminOrderRouter(NewAdminOrderHandlers(AdminOrderHandlersDeps{Orders: service}))

	target := "/admin/porudzbine?status=processing,fulfilled&buyerId=cust-1&pageSize=10&pageToken=" + token +
		"&createdAfter=2026-08-01T00:00:00Z&createdBefore=2026-09-01T00:00:00Z"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(captured.Status) != 2 || captured.Status[0] != "processing" || captured.Status[1] != "fulfilled" {
		t.Fatalf("unexpected status filter: %#v", captured.Status)
	}
	if captured.BuyerID != "cust-1" {
		t.Fatalf("expected buyer cust-1, got %q", captured.BuyerID)
	}
	if captured.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.Pagination.PageSize)
	}
	if captured.Pagination.PageToken != token {
		t.Fatalf("expected page token %q, got %q", token, captured.Pagination.PageToken)
	}
	if captured.DateRange.From == nil || !captured.DateRange.From.Equal(fromExpected) {
		t.Fatalf("unexpected date range from: %#v", captured.DateRange.From)
	}
	if captured.DateRange.To == nil || !captured.DateRange.To.Equal(toExpected) {
		t.Fatalf("unexpected date range to: %#v", captured.DateRange.To)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(resp.Orders))
	}
	if resp.Orders[0].Number != "TH-2026-000042" {
		t.Fatalf("unexpected order number %q", resp.Orders[0].Number)
	}
	if resp.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token, got %q", resp.NextPageToken)
	}
}

func TestAdminOrderHandlersListOrdersInvalidPageSize(t *testing.T) {
	router := newAdminOrderRouter(NewAdminOrderHandlers(AdminOrderHandlersDeps{Orders: &stubOrderService{}}))

	req := httptest.NewRequest(http.MethodGet, "/admin/porudzbine?pageSize=abc", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: %s", services.ErrOrderNotFound, orderID)
		},
	}

	router := newAdminOrderRouter(NewAdminOrderHandlers(AdminOrderHandlersDeps{Orders: service}))

	req := httptest.NewRequest(http.MethodGet, "/admin/porudzbine/ord-missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersInvoiceDownload(t *testing.T) {
	expires := time.Date(2026, 8, 20, 10, 5, 0, 0, time.UTC)
	invoices := &stubInvoiceService{
		downloadFn: func(ctx context.Context, orderID string) (services.SignedInvoiceURL, error) {
			return services.SignedInvoiceURL{
				OrderID:   orderID,
				URL:       "https://storage.example.com/invoices/ord-1.pdf?sig=abc",
				Method:    http.MethodGet,
				ExpiresAt: expires,
			}, nil
		},
	}

	router := newAdminOrderRouter(NewAdminOrderHandlers(AdminOrderHandlersDeps{Orders: &stubOrderService{}, Invoices: invoices}))

	req := httptest.NewRequest(http.MethodGet, "/admin/porudzbine/ord-1/racun", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp invoiceURLResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.OrderID != "ord-1" {
		t.Fatalf("expected order id ord-1, got %q", resp.OrderID)
	}
	if resp.Method != http.MethodGet {
		t.Fatalf("expected GET method, got %q", resp.Method)
	}
	if resp.ExpiresAt != expires.Format(time.RFC3339) {
		t.Fatalf("unexpected expiry %q", resp.ExpiresAt)
	}
}

func TestAdminOrderHandlersAuditTrail(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	audit := &stubAuditLogService{
		listFn: func(ctx context.Context, orderID string, pager services.Pagination) (domain.CursorPage[services.AuditEntry], error) {
			if orderID != "ord-1" {
				t.Fatalf("expected order id ord-1, got %q", orderID)
			}
			return domain.CursorPage[services.AuditEntry]{
				Items: []services.AuditEntry{
					{ID: "aud-1", OrderID: orderID, Subject: "ops@tophelanke.rs", FromStatus: domain.OrderStatusProcessing, ToStatus: domain.OrderStatusFulfilled, OccurredAt: now},
				},
			}, nil
		},
	}

	router := newAdminOrderRouter(NewAdminOrderHandlers(AdminOrderHandlersDeps{Orders: &stubOrderService{}, Audit: audit}))

	req := httptest.NewRequest(http.MethodGet, "/admin/porudzbine/ord-1/dnevnik", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp auditTrailResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.OrderID != "ord-1" {
		t.Fatalf("expected order id ord-1, got %q", resp.OrderID)
	}
	if len(resp.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(resp.Entries))
	}
	entry := resp.Entries[0]
	if entry.FromStatus != "processing" || entry.ToStatus != "fulfilled" {
		t.Fatalf("unexpected transition %q -> %q", entry.FromStatus, entry.ToStatus)
	}
}

func TestAdminSubjectFallsBack(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/admin/porudzbine/status", nil)
	if got := adminSubject(req); got != "admin" {
		t.Fatalf("expected fallback subject, got %q", got)
	}

	req = req.WithContext(auth.WithServiceIdentity(req.Context(), &auth.ServiceIdentity{Subject: "svc-123"}))
	if got := adminSubject(req); got != "svc-123" {
		t.Fatalf("expected subject svc-123, got %q", got)
	}
}
