// Package payment keeps the ledger of payment gateway round-trips and
// reconciles asynchronous gateway callbacks against orders.
package payment

import (
	"context"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/order"
)

// Sentinel errors for the payment ledger.
var (
	ErrNotFound         = errors.New("payment transaction not found")
	ErrNotPayable       = errors.New("order is not awaiting online payment")
	ErrAlreadyPaid      = errors.New("order is already paid")
	ErrInvalidSignature = errors.New("callback signature mismatch")
	ErrMalformed        = errors.New("malformed gateway callback")
	ErrOrderMismatch    = errors.New("callback transaction belongs to another order")
)

// Type is the kind of ledger row.
type Type string

const (
	TypePayment  Type = "payment"
	TypeRefund   Type = "refund"
	TypeCallback Type = "callback"
)

// Status is the state of a ledger row.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a row in status s is immutable.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Transaction is one gateway round-trip.
type Transaction struct {
	ID              uuid.UUID
	OrderID         int64
	Type            Type
	Status          Status
	Amount          decimal.Decimal
	Currency        string
	GatewaySystem   string
	ExternalID      string
	RequestPayload  []byte
	ResponsePayload []byte
	ErrorMessage    string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// OrderRef is the locked order a ledger operation works on.
type OrderRef struct {
	ID            int64
	Number        string
	Status        order.Status
	PaymentMethod order.PaymentMethod
	PaymentStatus order.PaymentStatus
	Email         string
	Total         decimal.Decimal
}

// StaleTransaction is an open transaction that never saw a callback.
type StaleTransaction struct {
	Transaction
	OrderNumber string
}

// Tx is the ledger as seen inside one database transaction that holds the
// order lock.
type Tx interface {
	FindByExternalID(ctx context.Context, system, externalID string) (*Transaction, error)
	// LatestOpen returns the newest initiated or processing row of the order.
	LatestOpen(ctx context.Context, orderID int64, system string) (*Transaction, error)
	Insert(ctx context.Context, t *Transaction) error
	// Complete persists status, external id, response payload, error message
	// and completion time of t.
	Complete(ctx context.Context, t *Transaction) error
	SetPaymentStatus(ctx context.Context, orderID int64, status order.PaymentStatus) error
}

// Repository runs ledger work under an order lock.
type Repository interface {
	// WithOrder locks the order with the given number and runs fn in one
	// transaction. It returns order.ErrNotFound for unknown numbers.
	WithOrder(ctx context.Context, orderNumber string, fn func(ctx context.Context, o *OrderRef, tx Tx) error) error
	Stale(ctx context.Context, before time.Time, limit int) ([]StaleTransaction, error)
}

// CheckoutParams describes the payment the shopper is redirected for.
type CheckoutParams struct {
	OrderNumber string
	Amount      decimal.Decimal
	Currency    string
	Email       string
}

// Redirect is the form the shopper's browser posts to the gateway.
type Redirect struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// Callback is a parsed and verified gateway notification.
type Callback struct {
	OrderNumber  string
	ExternalID   string
	Success      bool
	ApprovalCode string
	ErrorMessage string
	Raw          map[string]string
}

// Gateway prepares redirects and verifies callbacks for one payment system.
type Gateway interface {
	System() string
	Checkout(ctx context.Context, p CheckoutParams) (*Redirect, error)
	ParseCallback(form url.Values) (*Callback, error)
}

// Notifier is told about payments that succeeded, exactly once per payment.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, o OrderRef, t *Transaction) error
}
