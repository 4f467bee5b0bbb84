package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

const (
	nextPayment      = "payment"
	nextConfirmation = "confirmation"
)

type checkoutResponse struct {
	OrderNumber string            `json:"orderNumber"`
	Status      order.Status      `json:"status"`
	Total       string            `json:"total"`
	Next        string            `json:"next"`
	Replayed    bool              `json:"replayed,omitempty"`
	Payment     *payment.Redirect `json:"payment,omitempty"`
}

type orderItemResponse struct {
	GoodID    string `json:"goodId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	Total     string `json:"total"`
}

type orderResponse struct {
	OrderNumber    string              `json:"orderNumber"`
	Status         order.Status        `json:"status"`
	PaymentMethod  order.PaymentMethod `json:"paymentMethod"`
	PaymentStatus  order.PaymentStatus `json:"paymentStatus"`
	DeliveryMethod string              `json:"deliveryMethod"`
	TrackingNumber string              `json:"trackingNumber,omitempty"`
	Total          string              `json:"total"`
	Items          []orderItemResponse `json:"items"`
}

func toOrder(o *order.Order) orderResponse {
	resp := orderResponse{
		OrderNumber:    o.OrderNumber,
		Status:         o.Status,
		PaymentMethod:  o.PaymentMethod,
		PaymentStatus:  o.PaymentStatus,
		DeliveryMethod: o.Delivery.Method.DisplayName(),
		TrackingNumber: o.Delivery.TrackingNumber,
		Total:          money(o.Total()),
		Items:          make([]orderItemResponse, len(o.Items)),
	}
	for i, item := range o.Items {
		resp.Items[i] = orderItemResponse{
			GoodID:    item.GoodID(),
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: money(item.UnitPrice),
			Total:     money(item.Total()),
		}
	}
	return resp
}

// checkout submits the caller's cart. Card orders get a gateway redirect in
// the response. A failed redirect still returns the order; the client can
// retry through the payment endpoint.
func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req order.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	owner, ok := h.owner(w, r, false)
	if !ok {
		writeError(w, r, order.ErrEmptyCart)
		return
	}

	ctx := r.Context()
	res, err := h.Orders.Checkout(ctx, owner, r.Header.Get("Idempotency-Key"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o := res.Order

	resp := checkoutResponse{
		OrderNumber: o.OrderNumber,
		Status:      o.Status,
		Total:       money(o.Total()),
		Next:        nextConfirmation,
		Replayed:    res.Replayed,
	}
	if o.PaymentMethod == order.PaymentCardOnline && o.PaymentStatus != order.PaymentPaid {
		resp.Next = nextPayment
		opened, err := h.Payments.Open(ctx, o.OrderNumber)
		if err != nil {
			zctx.From(ctx).Warn("Payment redirect failed after checkout",
				zap.String("order_number", o.OrderNumber),
				zap.Error(err),
			)
		} else {
			resp.Payment = opened.Redirect
		}
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// getOrder shows an order on the confirmation and payment result pages. It
// never changes the order.
func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownOrder(w, r, chi.URLParam(r, "number"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOrder(o))
}

// ownOrder loads a submitted order placed by the caller. Orders of anyone
// else are reported as not found.
func (h *Handler) ownOrder(w http.ResponseWriter, r *http.Request, number string) (*order.Order, bool) {
	owner, ok := h.owner(w, r, false)
	if !ok {
		writeError(w, r, order.ErrNotFound)
		return nil, false
	}
	o, err := h.Orders.GetForOwner(r.Context(), owner, number)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if o.Status == order.StatusCart {
		writeError(w, r, order.ErrNotFound)
		return nil, false
	}
	return o, true
}
