package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tophelanke/api/internal/platform/auth"
	"github.com/tophelanke/api/internal/platform/httpx"
	"github.com/tophelanke/api/internal/services"
)

const (
	maxCouponRequestBody = 8 * 1024

	defaultCouponCheckLimit  = 20
	defaultCouponCheckWindow = time.Minute
)

// CouponHandlers exposes the storefront coupon check and admin coupon CRUD.
type CouponHandlers struct {
	coupons  services.CouponService
	sessions *auth.SessionManager
	limiter  rateLimiter
}

// CouponHandlersDeps bundles collaborators for the coupon handlers.
type CouponHandlersDeps struct {
	Coupons  services.CouponService
	Sessions *auth.SessionManager
	// CheckLimit and CheckWindow bound how often one client may probe coupon
	// codes. Zero values fall back to 20 checks per minute.
	CheckLimit  int
	CheckWindow time.Duration
	Clock       func() time.Time
}

// NewCouponHandlers constructs the coupon handlers.
func NewCouponHandlers(deps CouponHandlersDeps) *CouponHandlers {
	limit := deps.CheckLimit
	if limit <= 0 {
		limit = defaultCouponCheckLimit
	}
	window := deps.CheckWindow
	if window <= 0 {
		window = defaultCouponCheckWindow
	}
	return &CouponHandlers{
		coupons:  deps.Coupons,
		sessions: deps.Sessions,
		limiter:  newSimpleRateLimiter(limit, window, deps.Clock),
	}
}

// StorefrontRoutes registers the public coupon check endpoint.
func (h *CouponHandlers) StorefrontRoutes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.sessions != nil {
		group = group.With(h.sessions.OptionalSession())
	}
	group.Post("/provera-kupona", h.checkCoupon)
}

// AdminRoutes registers the coupon management endpoints. Authentication is
// applied by the surrounding admin route group.
func (h *CouponHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/kuponi", h.createCoupon)
	r.Get("/kuponi", h.listCoupons)
	r.Delete("/izbrisite-kupon/{couponId}", h.deleteCoupon)
}

type couponCheckRequest struct {
	Code string `json:"code"`
}

type couponCheckResponse struct {
	Valid           bool   `json:"valid"`
	DiscountPercent int    `json:"discountPercent"`
	Reason          string `json:"reason,omitempty"`
}

type createCouponRequest struct {
	Code            string `json:"code"`
	DiscountPercent int    `json:"discountPercent"`
	Active          bool   `json:"active"`
	SingleUse       bool   `json:"singleUse"`
	MultipleUse     bool   `json:"multipleUse"`
	TimeSensitive   bool   `json:"timeSensitive"`
	AmountSensitive bool   `json:"amountSensitive"`
	Amount          int64  `json:"amount"`
	ExpiresAt       string `json:"expiresAt"`
}

type couponPayload struct {
	ID              string `json:"id"`
	Code            string `json:"code"`
	DiscountPercent int    `json:"discountPercent"`
	Active          bool   `json:"active"`
	SingleUse       bool   `json:"singleUse"`
	MultipleUse     bool   `json:"multipleUse"`
	TimeSensitive   bool   `json:"timeSensitive"`
	AmountSensitive bool   `json:"amountSensitive"`
	Amount          int64  `json:"amount"`
	ExpiresAt       string `json:"expiresAt,omitempty"`
	UsedNumber      int64  `json:"usedNumber"`
	UsedBy          int    `json:"usedBy"`
	CreatedAt       string `json:"createdAt"`
}

type couponListResponse struct {
	Coupons       []couponPayload `json:"coupons"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

func (h *CouponHandlers) checkCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many coupon checks, slow down", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxCouponRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}

	var req couponCheckRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.CouponCheckCommand{
		Code: req.Code,
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		cmd.UserID = identity.UID
	}

	result, err := h.coupons.Check(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, couponCheckResponse{
		Valid:           result.Valid,
		DiscountPercent: result.DiscountPercent,
		Reason:          result.Reason,
	})
}

func (h *CouponHandlers) createCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCouponRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}

	var req createCouponRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.CreateCouponCommand{
		Code:            req.Code,
		DiscountPercent: req.DiscountPercent,
		Active:          req.Active,
		SingleUse:       req.SingleUse,
		MultipleUse:     req.MultipleUse,
		TimeSensitive:   req.TimeSensitive,
		AmountSensitive: req.AmountSensitive,
		Amount:          req.Amount,
	}
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("validation_error", "expiresAt must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.ExpiresAt = &ts
	}

	coupon, err := h.coupons.Create(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, couponToPayload(coupon))
}

func (h *CouponHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pager, err := paginationFromQuery(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
		return
	}
	filter := services.CouponListFilter{
		ActiveOnly: query.Get("active") == "true",
		Pagination: pager,
	}

	page, err := h.coupons.List(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := couponListResponse{
		Coupons:       make([]couponPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, coupon := range page.Items {
		resp.Coupons = append(resp.Coupons, couponToPayload(coupon))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CouponHandlers) deleteCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	couponID := strings.TrimSpace(chi.URLParam(r, "couponId"))
	if couponID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", "coupon id is required", http.StatusBadRequest))
		return
	}

	if err := h.coupons.Delete(ctx, couponID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func couponToPayload(coupon services.Coupon) couponPayload {
	payload := couponPayload{
		ID:              coupon.ID,
		Code:            coupon.Code,
		DiscountPercent: coupon.DiscountPercent,
		Active:          coupon.Active,
		SingleUse:       coupon.SingleUse,
		MultipleUse:     coupon.MultipleUse,
		TimeSensitive:   coupon.TimeSensitive,
		AmountSensitive: coupon.AmountSensitive,
		Amount:          coupon.Amount,
		UsedNumber:      coupon.UsedNumber,
		UsedBy:          len(coupon.Users),
		CreatedAt:       coupon.CreatedAt.Format(time.RFC3339),
	}
	if coupon.ExpiresAt != nil {
		payload.ExpiresAt = coupon.ExpiresAt.Format(time.RFC3339)
	}
	return payload
}
