package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/catalog"
)

type lineRequest struct {
	Kind     string `json:"kind"`
	ID       int64  `json:"id"`
	Quantity int    `json:"quantity"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

type summaryResponse struct {
	LineCount     int    `json:"lineCount"`
	TotalQuantity int    `json:"totalQuantity"`
	TotalAmount   string `json:"totalAmount"`
	StockLimited  bool   `json:"stockLimited,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type lineResponse struct {
	Kind      catalog.Kind `json:"kind"`
	ID        int64        `json:"id"`
	Quantity  int          `json:"quantity"`
	UnitPrice string       `json:"unitPrice"`
	Total     string       `json:"total"`
}

type cartResponse struct {
	Lines []lineResponse `json:"lines"`
	summaryResponse
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func toSummary(s cart.Summary) summaryResponse {
	return summaryResponse{
		LineCount:     s.LineCount,
		TotalQuantity: s.TotalQuantity,
		TotalAmount:   money(s.TotalAmount),
	}
}

func toCart(lines []cart.Line) cartResponse {
	resp := cartResponse{
		Lines:           make([]lineResponse, len(lines)),
		summaryResponse: toSummary(cart.Summarize(lines)),
	}
	for i, l := range lines {
		resp.Lines[i] = lineResponse{
			Kind:      l.Kind,
			ID:        l.RefID,
			Quantity:  l.Quantity,
			UnitPrice: money(l.UnitPrice),
			Total:     money(l.Total()),
		}
	}
	return resp
}

// owner resolves whose cart a request addresses. Authenticated requests use
// the account cart. Anonymous requests use the session cookie, which is
// issued when create is set and the request has none.
func (h *Handler) owner(w http.ResponseWriter, r *http.Request, create bool) (cart.Owner, bool) {
	if userID := r.Header.Get(h.cfg.UserHeader); userID != "" {
		return cart.User(userID), true
	}
	if c, err := r.Cookie(h.cfg.SessionCookie); err == nil && c.Value != "" {
		return cart.Session(c.Value), true
	}
	if !create {
		return cart.Owner{}, false
	}
	sid := uuid.NewString()
	h.setSession(w, sid)
	return cart.Session(sid), true
}

func (h *Handler) setSession(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookie,
		Value:    sid,
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func lineRef(r *http.Request) (catalog.Ref, error) {
	kind, err := catalog.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		return catalog.Ref{}, cart.ErrInvalidLine
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return catalog.Ref{}, cart.ErrInvalidLine
	}
	return catalog.Ref{Kind: kind, ID: id}, nil
}

func writeMutation(w http.ResponseWriter, res *cart.Result) {
	resp := toSummary(res.Summary)
	resp.StockLimited = res.StockLimited
	resp.Limit = res.Limit
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r, false)
	if !ok {
		writeJSON(w, http.StatusOK, toCart(nil))
		return
	}
	lines, err := h.Carts.Lines(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCart(lines))
}

func (h *Handler) cartSummary(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r, false)
	if !ok {
		writeJSON(w, http.StatusOK, toSummary(cart.Summary{TotalAmount: decimal.Zero}))
		return
	}
	s, err := h.Carts.Summarize(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummary(s))
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	kind, err := catalog.ParseKind(req.Kind)
	if err != nil || req.ID <= 0 {
		writeError(w, r, cart.ErrInvalidLine)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	owner, _ := h.owner(w, r, true)
	res, err := h.Carts.AddLine(r.Context(), owner, catalog.Ref{Kind: kind, ID: req.ID}, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeMutation(w, res)
}

func (h *Handler) increment(w http.ResponseWriter, r *http.Request) {
	h.mutateLine(w, r, h.Carts.Increment)
}

func (h *Handler) decrement(w http.ResponseWriter, r *http.Request) {
	h.mutateLine(w, r, h.Carts.Decrement)
}

func (h *Handler) removeLine(w http.ResponseWriter, r *http.Request) {
	h.mutateLine(w, r, h.Carts.RemoveLine)
}

func (h *Handler) setQuantity(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.mutateLine(w, r, func(ctx context.Context, owner cart.Owner, ref catalog.Ref) (*cart.Result, error) {
		return h.Carts.SetQuantity(ctx, owner, ref, req.Quantity)
	})
}

func (h *Handler) mutateLine(w http.ResponseWriter, r *http.Request, fn func(context.Context, cart.Owner, catalog.Ref) (*cart.Result, error)) {
	ref, err := lineRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	owner, _ := h.owner(w, r, true)
	res, err := fn(r.Context(), owner, ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeMutation(w, res)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r, false)
	if !ok {
		writeJSON(w, http.StatusOK, toSummary(cart.Summary{TotalAmount: decimal.Zero}))
		return
	}
	res, err := h.Carts.Clear(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeMutation(w, res)
}

type mergeResponse struct {
	cartResponse
	Merged      bool                 `json:"merged"`
	Adjustments []adjustmentResponse `json:"adjustments,omitempty"`
}

type adjustmentResponse struct {
	Item      string `json:"item"`
	Requested int    `json:"requested"`
	Kept      int    `json:"kept"`
}

// mergeCart is called by the auth front-end right after login. The session
// cookie is rotated so the merged session cart cannot be replayed.
func (h *Handler) mergeCart(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(h.cfg.UserHeader)
	if userID == "" {
		writeError(w, r, newError(http.StatusUnauthorized, "unauthenticated", "user identity required"))
		return
	}
	c, err := r.Cookie(h.cfg.SessionCookie)
	if err != nil || c.Value == "" {
		lines, err := h.Carts.Lines(r.Context(), cart.User(userID))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mergeResponse{cartResponse: toCart(lines)})
		return
	}

	res, err := h.Merger.OnAuthenticate(r.Context(), c.Value, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.setSession(w, uuid.NewString())

	resp := mergeResponse{cartResponse: toCart(res.Lines), Merged: res.Merged}
	for _, a := range res.Adjustments {
		resp.Adjustments = append(resp.Adjustments, adjustmentResponse{
			Item:      a.Ref.String(),
			Requested: a.Requested,
			Kept:      a.Kept,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
