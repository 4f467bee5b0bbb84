// Package handler implements the storefront HTTP API on chi.
package handler

import (
	"context"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/shipment"
	"github.com/xenking/storefront/internal/export"
)

// Carts is the cart service used by the cart endpoints.
type Carts interface {
	AddLine(ctx context.Context, owner cart.Owner, ref catalog.Ref, qty int) (*cart.Result, error)
	Increment(ctx context.Context, owner cart.Owner, ref catalog.Ref) (*cart.Result, error)
	Decrement(ctx context.Context, owner cart.Owner, ref catalog.Ref) (*cart.Result, error)
	SetQuantity(ctx context.Context, owner cart.Owner, ref catalog.Ref, qty int) (*cart.Result, error)
	RemoveLine(ctx context.Context, owner cart.Owner, ref catalog.Ref) (*cart.Result, error)
	Clear(ctx context.Context, owner cart.Owner) (*cart.Result, error)
	Lines(ctx context.Context, owner cart.Owner) ([]cart.Line, error)
	Summarize(ctx context.Context, owner cart.Owner) (cart.Summary, error)
}

// Merger folds a session cart into an account cart after login.
type Merger interface {
	OnAuthenticate(ctx context.Context, sessionID, userID string) (*cart.MergeResult, error)
}

// Orders is the order service.
type Orders interface {
	Checkout(ctx context.Context, owner cart.Owner, key string, req order.CheckoutRequest) (*order.CheckoutResult, error)
	GetForOwner(ctx context.Context, owner cart.Owner, number string) (*order.Order, error)
	Transition(ctx context.Context, id int64, to order.Status) (*order.Order, error)
}

// Payments is the payment ledger.
type Payments interface {
	Open(ctx context.Context, orderNumber string) (*payment.Opened, error)
	Reconcile(ctx context.Context, cb *payment.Callback) (*payment.Reconciliation, error)
	Cancel(ctx context.Context, orderNumber string) error
	Stale(ctx context.Context, age time.Duration, limit int) ([]payment.StaleTransaction, error)
}

// CallbackParser verifies and parses gateway callbacks.
type CallbackParser interface {
	ParseCallback(form url.Values) (*payment.Callback, error)
}

// Shipments creates waybills.
type Shipments interface {
	CreateWaybill(ctx context.Context, orderID int64) (*shipment.Result, error)
}

// Exporter runs an export.
type Exporter interface {
	RunOnce(ctx context.Context) (*export.Result, error)
}

// Authenticator resolves manager API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*auth.APIKeyInfo, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// UserHeader carries the authenticated user id set by the auth proxy.
	UserHeader    string
	SessionCookie string
	CookieSecure  bool
	SessionTTL    time.Duration
}

// Deps are the services the Handler delegates to.
type Deps struct {
	Carts     Carts
	Merger    Merger
	Orders    Orders
	Payments  Payments
	Callbacks CallbackParser
	Shipments Shipments
	Directory shipment.Directory
	Exporter  Exporter
	Keys      Authenticator
}

// Handler serves the storefront API.
type Handler struct {
	cfg Config
	Deps
}

// New creates a Handler.
func New(cfg Config, deps Deps) *Handler {
	if cfg.UserHeader == "" {
		cfg.UserHeader = "X-User-ID"
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "sid"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	return &Handler{cfg: cfg, Deps: deps}
}

// Routes registers every API route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.getCart)
			r.Delete("/", h.clearCart)
			r.Get("/summary", h.cartSummary)
			r.Post("/merge", h.mergeCart)
			r.Post("/lines", h.addLine)
			r.Route("/lines/{kind}/{id}", func(r chi.Router) {
				r.Put("/", h.setQuantity)
				r.Delete("/", h.removeLine)
				r.Post("/increment", h.increment)
				r.Post("/decrement", h.decrement)
			})
		})

		r.Post("/checkout", h.checkout)
		r.Get("/orders/{number}", h.getOrder)

		r.Route("/payments", func(r chi.Router) {
			r.Post("/callback", h.paymentCallback)
			r.Post("/{number}", h.openPayment)
			r.Post("/{number}/failure", h.paymentFailure)
		})

		r.Route("/carrier", func(r chi.Router) {
			r.Get("/cities", h.searchCities)
			r.Get("/warehouses", h.warehouses)
		})

		r.Route("/manage", func(r chi.Router) {
			r.Use(h.requireAPIKey)
			r.With(requireScope(auth.ScopeOrders)).Post("/orders/{id}/waybill", h.createWaybill)
			r.With(requireScope(auth.ScopeOrders)).Post("/orders/{id}/status", h.changeStatus)
			r.With(requireScope(auth.ScopeExport)).Post("/export", h.runExport)
			r.With(requireScope(auth.ScopePayments)).Get("/payments/stale", h.stalePayments)
		})
	})
}
