package payment

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/order"
)

// Opened is a freshly initiated payment and the redirect that starts it.
type Opened struct {
	Transaction *Transaction
	Redirect    *Redirect
}

// Reconciliation is the result of applying a gateway callback.
type Reconciliation struct {
	Transaction *Transaction
	// Duplicate is set when the callback was seen before. Nothing was changed.
	Duplicate bool
}

// Ledger opens payments and reconciles gateway callbacks.
type Ledger struct {
	repo     Repository
	gateway  Gateway
	notifier Notifier
	currency string
	now      func() time.Time

	reconciled metric.Int64Counter
}

// NewLedger creates a Ledger for one gateway.
func NewLedger(repo Repository, gateway Gateway, notifier Notifier, currency string, meter metric.Meter, now func() time.Time) (*Ledger, error) {
	if now == nil {
		now = time.Now
	}
	reconciled, err := meter.Int64Counter("storefront.payment.callbacks",
		metric.WithDescription("Gateway callbacks by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create callbacks counter")
	}
	return &Ledger{
		repo:       repo,
		gateway:    gateway,
		notifier:   notifier,
		currency:   currency,
		now:        now,
		reconciled: reconciled,
	}, nil
}

// Open starts a card payment for the order: it records an initiated
// transaction and returns the gateway redirect. An earlier open transaction of
// the order is cancelled so at most one attempt is open.
func (l *Ledger) Open(ctx context.Context, orderNumber string) (*Opened, error) {
	var out Opened
	err := l.repo.WithOrder(ctx, orderNumber, func(ctx context.Context, o *OrderRef, tx Tx) error {
		if o.PaymentMethod != order.PaymentCardOnline ||
			(o.Status != order.StatusInProcess && o.Status != order.StatusProcessing) {
			return ErrNotPayable
		}
		if o.PaymentStatus == order.PaymentPaid {
			return ErrAlreadyPaid
		}

		now := l.now()
		prev, err := tx.LatestOpen(ctx, o.ID, l.gateway.System())
		switch {
		case err == nil:
			prev.Status = StatusCancelled
			prev.ErrorMessage = "superseded by a new payment attempt"
			prev.CompletedAt = &now
			if err := tx.Complete(ctx, prev); err != nil {
				return errors.Wrap(err, "cancel previous attempt")
			}
		case !errors.Is(err, ErrNotFound):
			return errors.Wrap(err, "find open transaction")
		}

		redirect, err := l.gateway.Checkout(ctx, CheckoutParams{
			OrderNumber: o.Number,
			Amount:      o.Total,
			Currency:    l.currency,
			Email:       o.Email,
		})
		if err != nil {
			return errors.Wrap(err, "prepare redirect")
		}

		t := &Transaction{
			ID:             uuid.New(),
			OrderID:        o.ID,
			Type:           TypePayment,
			Status:         StatusInitiated,
			Amount:         o.Total,
			Currency:       l.currency,
			GatewaySystem:  l.gateway.System(),
			RequestPayload: encodeFields(redirect.Fields),
			CreatedAt:      now,
		}
		if err := tx.Insert(ctx, t); err != nil {
			return errors.Wrap(err, "insert transaction")
		}
		if o.PaymentStatus != order.PaymentPending {
			if err := tx.SetPaymentStatus(ctx, o.ID, order.PaymentPending); err != nil {
				return errors.Wrap(err, "set payment status")
			}
		}
		out = Opened{Transaction: t, Redirect: redirect}
		return nil
	})
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Payment opened",
		zap.String("order_number", orderNumber),
		zap.Stringer("transaction_id", out.Transaction.ID),
		zap.Stringer("amount", out.Transaction.Amount),
	)
	return &out, nil
}

// Reconcile applies a verified gateway callback. Callbacks are idempotent by
// external id: a callback for a transaction that already reached a terminal
// status is acknowledged without side effects.
func (l *Ledger) Reconcile(ctx context.Context, cb *Callback) (*Reconciliation, error) {
	if cb.OrderNumber == "" || cb.ExternalID == "" {
		return nil, ErrMalformed
	}
	lg := zctx.From(ctx).With(
		zap.String("order_number", cb.OrderNumber),
		zap.String("external_id", cb.ExternalID),
	)

	var (
		res    Reconciliation
		notify *OrderRef
	)
	err := l.repo.WithOrder(ctx, cb.OrderNumber, func(ctx context.Context, o *OrderRef, tx Tx) error {
		existing, err := tx.FindByExternalID(ctx, l.gateway.System(), cb.ExternalID)
		switch {
		case err == nil:
			if existing.OrderID != o.ID {
				return ErrOrderMismatch
			}
			if existing.Status.Terminal() {
				res = Reconciliation{Transaction: existing, Duplicate: true}
				return nil
			}
		case !errors.Is(err, ErrNotFound):
			return errors.Wrap(err, "find by external id")
		}

		now := l.now()
		t := existing
		insert := false
		if t == nil {
			t, err = tx.LatestOpen(ctx, o.ID, l.gateway.System())
			switch {
			case errors.Is(err, ErrNotFound):
				// The gateway reported a payment this ledger never opened.
				t = &Transaction{
					ID:            uuid.New(),
					OrderID:       o.ID,
					Type:          TypeCallback,
					Amount:        o.Total,
					Currency:      l.currency,
					GatewaySystem: l.gateway.System(),
					CreatedAt:     now,
				}
				insert = true
			case err != nil:
				return errors.Wrap(err, "find open transaction")
			}
		}

		t.ExternalID = cb.ExternalID
		t.ResponsePayload = encodeFields(cb.Raw)
		t.CompletedAt = &now
		status := order.PaymentPaid
		if cb.Success {
			t.Status = StatusSuccess
		} else {
			t.Status = StatusFailed
			t.ErrorMessage = cb.ErrorMessage
			if t.ErrorMessage == "" {
				t.ErrorMessage = "payment declined"
			}
			status = order.PaymentFailed
		}

		if insert {
			err = tx.Insert(ctx, t)
		} else {
			err = tx.Complete(ctx, t)
		}
		if err != nil {
			return errors.Wrap(err, "store transaction")
		}

		// A late failure for another attempt never downgrades a paid order.
		if o.PaymentStatus != order.PaymentPaid && o.PaymentStatus != status {
			if err := tx.SetPaymentStatus(ctx, o.ID, status); err != nil {
				return errors.Wrap(err, "set payment status")
			}
			if status == order.PaymentPaid {
				ref := *o
				ref.PaymentStatus = status
				notify = &ref
			}
		}
		res = Reconciliation{Transaction: t}
		return nil
	})
	if err != nil {
		l.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return nil, err
	}

	lg = lg.With(zap.Stringer("transaction_id", res.Transaction.ID))
	if res.Duplicate {
		l.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "duplicate")))
		lg.Info("Duplicate payment callback ignored", zap.String("status", string(res.Transaction.Status)))
		return &res, nil
	}
	l.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Transaction.Status))))
	lg.Info("Payment callback reconciled",
		zap.String("status", string(res.Transaction.Status)),
		zap.String("approval_code", cb.ApprovalCode),
		zap.String("error_message", res.Transaction.ErrorMessage),
	)

	if notify != nil && l.notifier != nil {
		if err := l.notifier.PaymentSucceeded(ctx, *notify, res.Transaction); err != nil {
			lg.Error("Payment notification failed", zap.Error(err))
		}
	}
	return &res, nil
}

// Cancel records that the shopper returned from the gateway without paying.
// The open transaction is cancelled and the order payment marked failed. It is
// a no-op when no transaction is open.
func (l *Ledger) Cancel(ctx context.Context, orderNumber string) error {
	return l.repo.WithOrder(ctx, orderNumber, func(ctx context.Context, o *OrderRef, tx Tx) error {
		t, err := tx.LatestOpen(ctx, o.ID, l.gateway.System())
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "find open transaction")
		}

		now := l.now()
		t.Status = StatusCancelled
		t.ErrorMessage = "cancelled by customer"
		t.CompletedAt = &now
		if err := tx.Complete(ctx, t); err != nil {
			return errors.Wrap(err, "cancel transaction")
		}
		if o.PaymentStatus != order.PaymentPaid {
			if err := tx.SetPaymentStatus(ctx, o.ID, order.PaymentFailed); err != nil {
				return errors.Wrap(err, "set payment status")
			}
		}
		zctx.From(ctx).Info("Payment cancelled by customer",
			zap.String("order_number", orderNumber),
			zap.Stringer("transaction_id", t.ID),
		)
		return nil
	})
}

// Stale lists open transactions older than age for a reconciliation sweep.
func (l *Ledger) Stale(ctx context.Context, age time.Duration, limit int) ([]StaleTransaction, error) {
	return l.repo.Stale(ctx, l.now().Add(-age), limit)
}

func encodeFields(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var e jx.Encoder
	e.ObjStart()
	for _, k := range keys {
		e.FieldStart(k)
		e.Str(fields[k])
	}
	e.ObjEnd()
	return e.Bytes()
}
