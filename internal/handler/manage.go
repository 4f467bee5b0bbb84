package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/storefront/internal/domain/order"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type statusRequest struct {
	Status order.Status `json:"status" validate:"required,oneof=processing shipped completed canceled"`
}

type waybillResponse struct {
	TrackingNumber string `json:"trackingNumber"`
	Existing       bool   `json:"existing"`
}

type exportResponse struct {
	Emitted  int  `json:"emitted"`
	Promoted int  `json:"promoted"`
	Skipped  bool `json:"skipped"`
}

type staleResponse struct {
	TransactionID string    `json:"transactionId"`
	OrderNumber   string    `json:"orderNumber"`
	Status        string    `json:"status"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"createdAt"`
}

func orderID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, newError(http.StatusBadRequest, "invalid_request", "order id must be a positive integer")
	}
	return id, nil
}

func (h *Handler) createWaybill(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Shipments.CreateWaybill(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, waybillResponse{TrackingNumber: res.TrackingNumber, Existing: res.Existing})
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, newError(http.StatusUnprocessableEntity, "validation_failed", "request validation failed").
			with("fields", map[string]string{"status": "must be one of: processing shipped completed canceled"}))
		return
	}
	o, err := h.Orders.Transition(r.Context(), id, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(o))
}

func (h *Handler) runExport(w http.ResponseWriter, r *http.Request) {
	res, err := h.Exporter.RunOnce(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{Emitted: res.Emitted, Promoted: res.Promoted, Skipped: res.Skipped})
}

func (h *Handler) stalePayments(w http.ResponseWriter, r *http.Request) {
	age := 30 * time.Minute
	if v := r.URL.Query().Get("age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, r, newError(http.StatusBadRequest, "invalid_request", "age must be a positive duration"))
			return
		}
		age = d
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, newError(http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	stale, err := h.Payments.Stale(r.Context(), age, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]staleResponse, len(stale))
	for i, s := range stale {
		resp[i] = staleResponse{
			TransactionID: s.ID.String(),
			OrderNumber:   s.OrderNumber,
			Status:        string(s.Status),
			Amount:        money(s.Amount),
			Currency:      s.Currency,
			CreatedAt:     s.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
