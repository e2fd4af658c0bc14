package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/platform/auth"
	"github.com/tophelanke/api/internal/platform/httpx"
	"github.com/tophelanke/api/internal/platform/pagination"
	"github.com/tophelanke/api/internal/repositories"
	"github.com/tophelanke/api/internal/services"
)

const (
	maxOrderRequestBody  = 8 * 1024
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// AdminOrderHandlers exposes the back-office order endpoints. Authentication
// is applied by the surrounding admin route group.
type AdminOrderHandlers struct {
	orders   services.OrderService
	invoices services.InvoiceService
	audit    services.AuditLogService
}

// AdminOrderHandlersDeps bundles collaborators for the admin order handlers.
type AdminOrderHandlersDeps struct {
	Orders   services.OrderService
	Invoices services.InvoiceService
	Audit    services.AuditLogService
}

// NewAdminOrderHandlers constructs the admin order handlers.
func NewAdminOrderHandlers(deps AdminOrderHandlersDeps) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		orders:   deps.Orders,
		invoices: deps.Invoices,
		audit:    deps.Audit,
	}
}

// Routes registers the /admin order endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/porudzbine/status", h.transitionStatus)
	r.Get("/porudzbine", h.listOrders)
	r.Get("/porudzbine/{orderId}", h.getOrder)
	r.Get("/porudzbine/{orderId}/racun", h.invoiceDownload)
	r.Get("/porudzbine/{orderId}/dnevnik", h.auditTrail)
}

type transitionRequest struct {
	OrderID          string `json:"orderId"`
	Status           string `json:"status"`
	ExchangedOrderID string `json:"exchangedOrderId"`
}

type orderLinePayload struct {
	ItemID      string `json:"itemId"`
	VariationID string `json:"variationId"`
	Name        string `json:"name"`
	Size        string `json:"size"`
	Color       string `json:"color"`
	Quantity    int    `json:"qty"`
	UnitPrice   int64  `json:"unitPrice"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	Number           string             `json:"number"`
	BuyerKind        string             `json:"buyerKind"`
	BuyerID          string             `json:"buyerId"`
	Lines            []orderLinePayload `json:"lines"`
	Totals           totalsPayload      `json:"totals"`
	CouponCode       string             `json:"couponCode,omitempty"`
	Note             string             `json:"note,omitempty"`
	Status           string             `json:"status"`
	ExchangedOrderID string             `json:"exchangedOrderId,omitempty"`
	EmailSent        bool               `json:"emailSent"`
	ConfirmedAt      string             `json:"confirmedAt"`
	FulfilledAt      string             `json:"fulfilledAt,omitempty"`
	ReturnedAt       string             `json:"returnedAt,omitempty"`
	CancelledAt      string             `json:"cancelledAt,omitempty"`
	RefundDate       string             `json:"refundDate,omitempty"`
	CreatedAt        string             `json:"createdAt"`
	UpdatedAt        string             `json:"updatedAt"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type invoiceURLResponse struct {
	OrderID   string `json:"orderId"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	ExpiresAt string `json:"expiresAt"`
}

type auditEntryPayload struct {
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	FromStatus string `json:"fromStatus"`
	ToStatus   string `json:"toStatus"`
	OccurredAt string `json:"occurredAt"`
}

type auditTrailResponse struct {
	OrderID       string              `json:"orderId"`
	Entries       []auditEntryPayload `json:"entries"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

func (h *AdminOrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}

	var req transitionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:          req.OrderID,
		TargetStatus:     domain.OrderStatus(strings.TrimSpace(req.Status)),
		ExchangedOrderID: req.ExchangedOrderID,
		ActorID:          adminSubject(r),
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, orderToPayload(order))
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pager, err := paginationFromQuery(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}
	filter := repositories.OrderListFilter{
		BuyerID:    strings.TrimSpace(query.Get("buyerId")),
		Pagination: pager,
	}
	for _, raw := range query["status"] {
		for _, status := range strings.Split(raw, ",") {
			status = strings.TrimSpace(status)
			if status != "" {
				filter.Status = append(filter.Status, status)
			}
		}
	}
	if raw := strings.TrimSpace(query.Get("createdAfter")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("validation_error", "createdAfter must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("createdBefore")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("validation_error", "createdBefore must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.To = &ts
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := orderListResponse{
		Orders:        make([]orderPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Orders = append(resp.Orders, orderToPayload(order))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToPayload(order))
}

func (h *AdminOrderHandlers) invoiceDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_service_unavailable", "invoice service unavailable", http.StatusServiceUnavailable))
		return
	}

	signed, err := h.invoices.IssueDownloadURL(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, invoiceURLResponse{
		OrderID:   signed.OrderID,
		URL:       signed.URL,
		Method:    signed.Method,
		ExpiresAt: signed.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *AdminOrderHandlers) auditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_service_unavailable", "audit service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	pager, err := paginationFromQuery(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}
	page, err := h.audit.ListByOrder(ctx, orderID, pager)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := auditTrailResponse{
		OrderID:       orderID,
		Entries:       make([]auditEntryPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, entry := range page.Items {
		resp.Entries = append(resp.Entries, auditEntryPayload{
			ID:         entry.ID,
			Subject:    entry.Subject,
			FromStatus: string(entry.FromStatus),
			ToStatus:   string(entry.ToStatus),
			OccurredAt: entry.OccurredAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// adminSubject resolves the acting admin from the validated OIDC token.
func adminSubject(r *http.Request) string {
	if identity, ok := auth.ServiceIdentityFromContext(r.Context()); ok {
		if email := strings.TrimSpace(identity.Email); email != "" {
			return email
		}
		if subject := strings.TrimSpace(identity.Subject); subject != "" {
			return subject
		}
	}
	return "admin"
}

func orderToPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:               order.ID,
		Number:           order.Number,
		BuyerKind:        string(order.Buyer.Kind),
		BuyerID:          order.Buyer.ID,
		Lines:            make([]orderLinePayload, 0, len(order.Lines)),
		Totals:           totalsFromDomain(order.Totals),
		CouponCode:       order.CouponCode,
		Note:             order.Note,
		Status:           string(order.Status),
		ExchangedOrderID: order.ExchangedOrderID,
		EmailSent:        order.EmailSent,
		ConfirmedAt:      order.ConfirmedAt.Format(time.RFC3339),
		CreatedAt:        order.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        order.UpdatedAt.Format(time.RFC3339),
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, orderLinePayload{
			ItemID:      line.ItemID,
			VariationID: line.VariationID,
			Name:        line.Name,
			Size:        line.Size,
			Color:       line.Color,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		})
	}
	if order.FulfilledAt != nil {
		payload.FulfilledAt = order.FulfilledAt.Format(time.RFC3339)
	}
	if order.ReturnedAt != nil {
		payload.ReturnedAt = order.ReturnedAt.Format(time.RFC3339)
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = order.CancelledAt.Format(time.RFC3339)
	}
	if order.RefundDate != nil {
		payload.RefundDate = order.RefundDate.Format(time.RFC3339)
	}
	return payload
}

// paginationFromQuery normalises the pageSize and pageToken query parameters.
func paginationFromQuery(query url.Values) (domain.Pagination, error) {
	params, err := pagination.Parse(query, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		return domain.Pagination{}, err
	}
	return domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}, nil
}
