package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

type openPaymentResponse struct {
	OrderNumber   string            `json:"orderNumber"`
	TransactionID string            `json:"transactionId"`
	Payment       *payment.Redirect `json:"payment"`
}

func (h *Handler) openPayment(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if _, ok := h.ownOrder(w, r, number); !ok {
		return
	}
	opened, err := h.Payments.Open(r.Context(), number)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, openPaymentResponse{
		OrderNumber:   number,
		TransactionID: opened.Transaction.ID.String(),
		Payment:       opened.Redirect,
	})
}

// paymentCallback receives the gateway's server-to-server notification. The
// gateway expects a plain OK once the callback is recorded, including for
// duplicates.
func (h *Handler) paymentCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		writeError(w, r, payment.ErrMalformed)
		return
	}
	ctx := r.Context()
	cb, err := h.Callbacks.ParseCallback(r.PostForm)
	if err != nil {
		zctx.From(ctx).Warn("Rejected payment callback", zap.Error(err))
		writeError(w, r, err)
		return
	}
	if _, err := h.Payments.Reconcile(ctx, cb); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			zctx.From(ctx).Warn("Payment callback for unknown order",
				zap.String("order_number", cb.OrderNumber),
				zap.String("external_id", cb.ExternalID),
			)
		}
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// paymentFailure is called when the shopper returns from the gateway failure
// page.
func (h *Handler) paymentFailure(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if _, ok := h.ownOrder(w, r, number); !ok {
		return
	}
	if err := h.Payments.Cancel(r.Context(), number); err != nil {
		writeError(w, r, err)
		return
	}
	o, ok := h.ownOrder(w, r, number)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOrder(o))
}
