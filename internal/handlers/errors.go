package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/tophelanke/api/internal/platform/httpx"
	"github.com/tophelanke/api/internal/services"
)

var errBodyTooLarge = errors.New("request body too large")

// readLimitedBody reads at most limit bytes from the request body.
func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() {
		_ = r.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// writeServiceError translates service sentinels into the canonical error
// envelope. Unrecognised errors become opaque 500s; the cause is for the logs,
// not the client.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrCouponInvalidInput),
		errors.Is(err, services.ErrInventoryInvalidInput),
		errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrInvoiceInvalidInput),
		errors.Is(err, services.ErrAuditInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponNotFound),
		errors.Is(err, services.ErrItemNotFound),
		errors.Is(err, services.ErrVariationNotFound),
		errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrOrderTokenNotFound),
		errors.Is(err, services.ErrInvoiceNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderTokenExpired),
		errors.Is(err, services.ErrOrderConflict),
		errors.Is(err, services.ErrOrderInvalidTransition),
		errors.Is(err, services.ErrOrderCouponRejected),
		errors.Is(err, services.ErrCheckoutCouponRejected),
		errors.Is(err, services.ErrCouponCodeExists):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
