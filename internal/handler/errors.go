package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/shipment"
	"github.com/xenking/storefront/internal/sessioncart"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// apiError is the JSON error envelope returned by every endpoint.
type apiError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

func newError(status int, code, message string) *apiError {
	return &apiError{Code: code, Message: message, Status: status}
}

func (e *apiError) with(key string, value any) *apiError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *apiError) Error() string { return e.Message }

// mapError converts domain errors to API errors. Unknown errors become 500.
func mapError(err error) *apiError {
	var (
		apiErr      *apiError
		validation  *order.ValidationError
		outOfStock  *cart.OutOfStockError
		stock       *order.InsufficientStockError
		unavailable *order.ItemUnavailableError
		transition  *order.TransitionError
		carrier     *shipment.CarrierError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &validation):
		return newError(http.StatusUnprocessableEntity, "validation_failed", "request validation failed").
			with("fields", validation.Fields)
	case errors.As(err, &outOfStock):
		return newError(http.StatusConflict, "out_of_stock", outOfStock.Error()).
			with("item", outOfStock.Ref.String())
	case errors.As(err, &stock):
		return newError(http.StatusConflict, "insufficient_stock", stock.Error()).
			with("item", stock.Ref.String()).
			with("available", stock.Available)
	case errors.As(err, &unavailable):
		return newError(http.StatusConflict, "item_unavailable", unavailable.Error()).
			with("item", unavailable.Ref.String())
	case errors.As(err, &transition):
		return newError(http.StatusConflict, "invalid_transition", transition.Error())
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrWaybillRequired):
		return newError(http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, order.ErrEmptyCart):
		return newError(http.StatusConflict, "empty_cart", "cart is empty")
	case errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidLine),
		errors.Is(err, cart.ErrInvalidOwner):
		return newError(http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, cart.ErrLineNotFound):
		return newError(http.StatusNotFound, "line_not_found", "cart line not found")
	case errors.Is(err, catalog.ErrNotFound):
		return newError(http.StatusNotFound, "item_not_found", "item not found")
	case errors.Is(err, order.ErrNotFound):
		return newError(http.StatusNotFound, "order_not_found", "order not found")
	case errors.Is(err, sessioncart.ErrConflict):
		return newError(http.StatusConflict, "conflict", "cart was modified concurrently").with("retryable", true)
	case errors.Is(err, payment.ErrNotPayable):
		return newError(http.StatusConflict, "not_payable", err.Error())
	case errors.Is(err, payment.ErrAlreadyPaid):
		return newError(http.StatusConflict, "already_paid", err.Error())
	case errors.Is(err, payment.ErrInvalidSignature):
		return newError(http.StatusForbidden, "invalid_signature", "callback signature mismatch")
	case errors.Is(err, payment.ErrMalformed):
		return newError(http.StatusBadRequest, "malformed_callback", err.Error())
	case errors.Is(err, payment.ErrOrderMismatch):
		return newError(http.StatusConflict, "order_mismatch", err.Error())
	case errors.Is(err, payment.ErrNotFound):
		return newError(http.StatusNotFound, "payment_not_found", "no open payment")
	case errors.Is(err, shipment.ErrBusy):
		return newError(http.StatusConflict, "busy", err.Error()).with("retryable", true)
	case errors.Is(err, shipment.ErrNotCarrierDelivery),
		errors.Is(err, shipment.ErrMissingRefs):
		return newError(http.StatusUnprocessableEntity, "not_shippable", err.Error())
	case errors.As(err, &carrier):
		if carrier.Retryable {
			return newError(http.StatusServiceUnavailable, "carrier_unavailable", carrier.Error()).
				with("retryable", true)
		}
		return newError(http.StatusBadGateway, "carrier_rejected", carrier.Error()).
			with("retryable", false)
	case errors.Is(err, auth.ErrUnauthorized):
		return newError(http.StatusUnauthorized, "unauthorized", "valid api key required")
	case errors.Is(err, auth.ErrForbidden):
		return newError(http.StatusForbidden, "forbidden", "api key lacks scope")
	}
	return newError(http.StatusInternalServerError, "internal", "internal server error")
}

// writeError logs and writes err as the JSON error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := mapError(err)
	lg := zctx.From(r.Context())

	var consistency *order.ConsistencyError
	switch {
	case errors.As(err, &consistency):
		lg.Error("Order consistency violation", zap.Error(err))
	case e.Status >= http.StatusInternalServerError:
		lg.Error("Request failed", zap.Error(err))
	default:
		lg.Debug("Request rejected", zap.Int("status", e.Status), zap.Error(err))
	}

	payload := map[string]any{
		"error":   e.Code,
		"message": sanitize(e.Message, 512),
		"status":  e.Status,
	}
	if id := httpmiddleware.RequestIDFromContext(r.Context()); id != "" {
		payload["request_id"] = id
	}
	for k, v := range e.Details {
		payload[k] = v
	}
	writeJSON(w, e.Status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes a bounded request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return newError(http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
	}
	return nil
}

func sanitize(value string, limit int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
