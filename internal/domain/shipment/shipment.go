// Package shipment creates carrier waybills for orders and follows their
// tracking status.
package shipment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/order"
)

// Sentinel errors for waybill preconditions.
var (
	ErrNotCarrierDelivery  = errors.New("order is not delivered by the carrier")
	ErrMissingRefs         = errors.New("order has no carrier city or warehouse")
	ErrSenderNotConfigured = errors.New("carrier sender is not configured")
	ErrAPIKeyNotConfigured = errors.New("carrier api key is not configured")
	ErrBusy                = errors.New("waybill creation for this order is in progress")
)

// CarrierError wraps a failed carrier call. Retryable errors may succeed when
// the call is repeated later; the rest need an operator.
type CarrierError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *CarrierError) Error() string {
	return fmt.Sprintf("carrier %s: %v", e.Op, e.Err)
}

func (e *CarrierError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable carrier error.
func IsRetryable(err error) bool {
	var ce *CarrierError
	return errors.As(err, &ce) && ce.Retryable
}

// Sender is the shop's counterparty registered with the carrier.
type Sender struct {
	CityRef    string
	Ref        string
	AddressRef string
	ContactRef string
	Phone      string
}

// Configured reports whether every sender reference is set.
func (s Sender) Configured() bool {
	return s.CityRef != "" && s.Ref != "" && s.AddressRef != "" && s.ContactRef != "" && s.Phone != ""
}

// WaybillRequest is a warehouse-to-warehouse parcel.
type WaybillRequest struct {
	Sender         Sender
	RecipientName  string
	RecipientPhone string
	CityRef        string
	WarehouseRef   string
	Description    string
	// Cost is the declared value.
	Cost decimal.Decimal
	// CashOnDelivery is the amount collected from the recipient. Zero means
	// nothing is collected.
	CashOnDelivery decimal.Decimal
	Weight         decimal.Decimal
	Seats          int
	Date           time.Time
}

// Waybill is a created carrier document.
type Waybill struct {
	Ref               string
	TrackingNumber    string
	Cost              decimal.Decimal
	EstimatedDelivery string
}

// TrackingStatus is the carrier view of a parcel.
type TrackingStatus struct {
	Number string
	Code   int
	Status string
}

// Received reports whether the recipient has picked up the parcel.
func (t TrackingStatus) Received() bool {
	switch t.Code {
	case 9, 10, 11:
		return true
	}
	return false
}

// City is a settlement known to the carrier.
type City struct {
	Ref     string `json:"ref"`
	Name    string `json:"name"`
	Present string `json:"present"`
	Area    string `json:"area"`
	Region  string `json:"region,omitempty"`
}

// Warehouse is a carrier branch or parcel locker.
type Warehouse struct {
	Ref          string `json:"ref"`
	Description  string `json:"description"`
	ShortAddress string `json:"shortAddress"`
	Number       string `json:"number"`
	CityRef      string `json:"cityRef"`
}

// Carrier is the outbound carrier API.
type Carrier interface {
	CreateWaybill(ctx context.Context, req WaybillRequest) (*Waybill, error)
	Track(ctx context.Context, numbers []string) ([]TrackingStatus, error)
}

// Directory looks up carrier destinations for the checkout form.
type Directory interface {
	SearchCities(ctx context.Context, query string) ([]City, error)
	Warehouses(ctx context.Context, cityRef string) ([]Warehouse, error)
}

// Orders is the order persistence the service needs.
type Orders interface {
	Get(ctx context.Context, id int64) (*order.Order, error)
	Update(ctx context.Context, id int64, fn func(o *order.Order) (bool, error)) (*order.Order, error)
	// ListShipped returns SHIPPED orders that have a tracking number, oldest
	// first.
	ListShipped(ctx context.Context, limit int) ([]order.Order, error)
}

// Locker runs fn while holding a named lock shared by every process. It
// reports acquired=false without running fn when the lock is held elsewhere.
type Locker interface {
	TryLock(ctx context.Context, key string, fn func(ctx context.Context) error) (acquired bool, err error)
}
