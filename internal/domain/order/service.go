package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/catalog"
)

// Sentinel errors returned by repositories.
var (
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateCheckout is returned when another request committed a
	// checkout with the same idempotency key first.
	ErrDuplicateCheckout = errors.New("checkout key already used")
	// ErrCartClaimed is returned when the session cart generation already
	// became an order.
	ErrCartClaimed     = errors.New("session cart already checked out")
	ErrWaybillRequired = errors.New("carrier delivery needs a waybill before shipping")
)

// CheckoutResult is the outcome of a checkout submission.
type CheckoutResult struct {
	Order *Order
	// Replayed is set when the idempotency key or the session cart matched an
	// earlier checkout.
	Replayed bool
}

// Service encapsulates checkout and status transitions.
type Service struct {
	orders  Repository
	session cart.SessionStore
	cache   cart.SummaryCache
	now     func() time.Time

	checkouts metric.Int64Counter
}

// NewService creates an order Service. cache may be nil; now defaults to
// time.Now.
func NewService(orders Repository, session cart.SessionStore, cache cart.SummaryCache, meter metric.Meter, now func() time.Time) (*Service, error) {
	if now == nil {
		now = time.Now
	}
	checkouts, err := meter.Int64Counter("storefront.order.checkouts",
		metric.WithDescription("Checkout submissions by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create checkouts counter")
	}
	return &Service{
		orders:    orders,
		session:   session,
		cache:     cache,
		now:       now,
		checkouts: checkouts,
	}, nil
}

func (s *Service) record(ctx context.Context, outcome string) {
	s.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Checkout turns the owner's cart into an order in status IN_PROCESS. Order
// number assignment, price snapshots and the status change commit together; on
// any failure the cart is left untouched. A repeated call with the same key
// returns the order created by the first one, and so does a repeated checkout
// of a session cart that already became an order.
func (s *Service) Checkout(ctx context.Context, owner cart.Owner, key string, req CheckoutRequest) (*CheckoutResult, error) {
	if !owner.Valid() {
		return nil, cart.ErrInvalidOwner
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		s.record(ctx, "invalid")
		return nil, err
	}

	if key != "" {
		o, err := s.orders.FindByCheckoutKey(ctx, owner, key)
		switch {
		case err == nil:
			return s.replay(ctx, owner, o), nil
		case !errors.Is(err, ErrNotFound):
			return nil, errors.Wrap(err, "find checkout")
		}
	}

	in := CheckoutInput{UserID: owner.UserID, Key: key}
	if owner.Anonymous() {
		snap, err := s.session.Snapshot(ctx, owner)
		if err != nil {
			return nil, errors.Wrap(err, "load session cart")
		}
		if len(snap.Lines) == 0 {
			return nil, ErrEmptyCart
		}
		in.SessionID = owner.SessionID
		in.CartID = snap.ID
		in.Lines = snap.Lines
	}

	now := s.now()
	o, err := s.orders.Checkout(ctx, in, func(o *Order, live map[catalog.Ref]catalog.Item) error {
		return Submit(o, live, req, now)
	})
	switch {
	case errors.Is(err, ErrDuplicateCheckout):
		o, err := s.orders.FindByCheckoutKey(ctx, owner, key)
		if err != nil {
			return nil, errors.Wrap(err, "find checkout")
		}
		return s.replay(ctx, owner, o), nil
	case errors.Is(err, ErrCartClaimed):
		o, err := s.orders.FindBySessionCart(ctx, in.CartID)
		if err != nil {
			return nil, errors.Wrap(err, "find claimed cart")
		}
		return s.replay(ctx, owner, o), nil
	case err != nil:
		s.record(ctx, "rejected")
		return nil, errors.Wrap(err, "checkout")
	}
	s.record(ctx, "submitted")

	lg := zctx.From(ctx).With(zap.Int64("order_id", o.ID), zap.String("order_number", o.OrderNumber))
	s.cleanup(ctx, owner, lg)
	lg.Info("Order submitted",
		zap.String("payment_method", string(o.PaymentMethod)),
		zap.String("delivery_method", string(o.Delivery.Method)),
		zap.Stringer("total", o.Total()),
	)
	return &CheckoutResult{Order: o}, nil
}

// replay answers a repeated checkout with the order the first one created.
// The session cart cleanup is retried in case it failed the first time.
func (s *Service) replay(ctx context.Context, owner cart.Owner, o *Order) *CheckoutResult {
	s.record(ctx, "replayed")
	s.cleanup(ctx, owner, zctx.From(ctx).With(zap.Int64("order_id", o.ID), zap.String("order_number", o.OrderNumber)))
	return &CheckoutResult{Order: o, Replayed: true}
}

func (s *Service) cleanup(ctx context.Context, owner cart.Owner, lg *zap.Logger) {
	if owner.Anonymous() {
		if err := s.session.Clear(ctx, owner); err != nil {
			lg.Warn("Session cart cleanup failed", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, owner.Key()); err != nil {
			lg.Warn("Cart summary cache invalidation failed", zap.Error(err))
		}
	}
}

// GetForOwner returns the order with the given number if owner placed it.
// Orders of other owners are reported as ErrNotFound.
func (s *Service) GetForOwner(ctx context.Context, owner cart.Owner, number string) (*Order, error) {
	if !owner.Valid() {
		return nil, ErrNotFound
	}
	o, err := s.orders.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if !o.OwnedBy(owner) {
		return nil, ErrNotFound
	}
	return o, nil
}

// Transition moves an order to status to. Moving into the current status is a
// no-op. Checkout and waybill creation have dedicated flows and are rejected
// here.
func (s *Service) Transition(ctx context.Context, id int64, to Status) (*Order, error) {
	if to == StatusInProcess {
		return nil, errors.Wrap(ErrInvalidTransition, "orders are submitted by checkout")
	}
	return s.orders.Update(ctx, id, func(o *Order) (bool, error) {
		changed, err := Transition(o.Status, to)
		if err != nil || !changed {
			return false, err
		}
		if to == StatusShipped && o.Delivery.Method.RequiresCarrier() && o.Delivery.TrackingNumber == "" {
			return false, ErrWaybillRequired
		}
		from := o.Status
		o.Status = to
		zctx.From(ctx).Info("Order status changed",
			zap.Int64("order_id", o.ID),
			zap.String("order_number", o.OrderNumber),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return true, nil
	})
}
