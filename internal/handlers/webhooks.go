package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tophelanke/api/internal/platform/httpx"
	"github.com/tophelanke/api/internal/services"
)

const maxWebhookRequestBody = 16 * 1024

// WebhookHandlers receives delivery callbacks from the mailer worker. Request
// authenticity is enforced by the HMAC middleware on the webhook group.
type WebhookHandlers struct {
	orders services.OrderService
}

// WebhookHandlersDeps bundles collaborators for the webhook handlers.
type WebhookHandlersDeps struct {
	Orders services.OrderService
}

// NewWebhookHandlers constructs the webhook handlers.
func NewWebhookHandlers(deps WebhookHandlersDeps) *WebhookHandlers {
	return &WebhookHandlers{orders: deps.Orders}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/mailer", h.mailerCallback)
}

type mailerCallbackRequest struct {
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
}

type mailerCallbackResponse struct {
	OrderID   string `json:"orderId"`
	EmailSent bool   `json:"emailSent"`
}

func (h *WebhookHandlers) mailerCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}

	var req mailerCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "orderId is required", http.StatusBadRequest))
		return
	}

	var delivered bool
	switch strings.ToLower(strings.TrimSpace(req.Status)) {
	case "delivered":
		delivered = true
	case "failed", "bounced":
		delivered = false
	default:
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "status must be delivered, failed or bounced", http.StatusBadRequest))
		return
	}

	order, err := h.orders.MarkEmailSent(ctx, orderID, delivered)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, mailerCallbackResponse{
		OrderID:   order.ID,
		EmailSent: order.EmailSent,
	})
}
