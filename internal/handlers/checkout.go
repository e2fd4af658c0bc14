package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tophelanke/api/internal/domain"
	"github.com/tophelanke/api/internal/platform/auth"
	"github.com/tophelanke/api/internal/platform/httpx"
	"github.com/tophelanke/api/internal/services"
)

const maxCheckoutRequestBody = 32 * 1024

// CheckoutHandlers exposes the storefront checkout endpoints.
type CheckoutHandlers struct {
	checkout    services.CheckoutService
	orders      services.OrderService
	sessions    *auth.SessionManager
	idempotency func(http.Handler) http.Handler
}

// CheckoutHandlersDeps bundles collaborators for the checkout handlers.
type CheckoutHandlersDeps struct {
	Checkout services.CheckoutService
	Orders   services.OrderService
	Sessions *auth.SessionManager
	// Idempotency wraps the confirm endpoint so a retried request replays the
	// stored response instead of spending the token twice.
	Idempotency func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs the storefront checkout handlers.
func NewCheckoutHandlers(deps CheckoutHandlersDeps) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout:    deps.Checkout,
		orders:      deps.Orders,
		sessions:    deps.Sessions,
		idempotency: deps.Idempotency,
	}
}

// Routes registers the checkout endpoints. Both accept anonymous buyers; a
// valid session merely links the order to the account.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.sessions != nil {
		group = group.With(h.sessions.OptionalSession())
	}
	group.Post("/porucivanje", h.placeOrder)

	confirm := group
	if h.idempotency != nil {
		confirm = confirm.With(h.idempotency)
	}
	confirm.Post("/potvrdite-porudzbinu", h.confirmOrder)
}

type contactPayload struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	City     string `json:"city"`
	PostCode string `json:"postCode"`
	Country  string `json:"country"`
}

type checkoutLinePayload struct {
	ItemID      string `json:"itemId"`
	VariationID string `json:"variationId"`
	Quantity    int    `json:"qty"`
}

type placeOrderRequest struct {
	Contact          contactPayload        `json:"contact"`
	Lines            []checkoutLinePayload `json:"lines"`
	CouponCode       string                `json:"couponCode"`
	Note             string                `json:"note"`
	CreateNewAccount bool                  `json:"createNewAccount"`
}

type totalsPayload struct {
	Subtotal   int64  `json:"subtotal"`
	Shipping   int64  `json:"shipping"`
	Discount   int64  `json:"discount"`
	GrandTotal int64  `json:"grandTotal"`
	Currency   string `json:"currency"`
}

type placeOrderResponse struct {
	Token     string        `json:"token"`
	ExpiresAt string        `json:"expiresAt"`
	Totals    totalsPayload `json:"totals"`
}

type confirmOrderRequest struct {
	Token string `json:"token"`
}

func (h *CheckoutHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), status))
		return
	}

	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.PlaceOrderCommand{
		Contact: domain.ContactDetails{
			FullName: req.Contact.FullName,
			Email:    req.Contact.Email,
			Phone:    req.Contact.Phone,
			Address:  req.Contact.Address,
			City:     req.Contact.City,
			PostCode: req.Contact.PostCode,
			Country:  req.Contact.Country,
		},
		CouponCode:       req.CouponCode,
		Note:             req.Note,
		CreateNewAccount: req.CreateNewAccount,
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.CheckoutLine{
			ItemID:      line.ItemID,
			VariationID: line.VariationID,
			Quantity:    line.Quantity,
		})
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		cmd.SessionUserID = identity.UID
	}

	temp, err := h.checkout.PlaceOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, placeOrderResponse{
		Token:     temp.Token,
		ExpiresAt: temp.ExpiresAt.Format(time.RFC3339),
		Totals:    totalsFromDomain(temp.Totals),
	})
}

func (h *CheckoutHandlers) confirmOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}

	var req confirmOrderRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("validation_error", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "token is required", http.StatusBadRequest))
		return
	}

	cmd := services.ConfirmOrderCommand{Token: token}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		cmd.SessionUserID = identity.UID
	}

	order, err := h.orders.Confirm(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, orderToPayload(order))
}

func totalsFromDomain(totals domain.OrderTotals) totalsPayload {
	return totalsPayload{
		Subtotal:   totals.Subtotal,
		Shipping:   totals.Shipping,
		Discount:   totals.Discount,
		GrandTotal: totals.GrandTotal,
		Currency:   totals.Currency,
	}
}
