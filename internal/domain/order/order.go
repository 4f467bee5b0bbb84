// Package order owns the order lifecycle: checkout of a cart into an order,
// the status state machine and the line-item consistency rules.
package order

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/catalog"
)

// DeliveryMethod is how the order reaches the customer.
type DeliveryMethod string

const (
	DeliveryNovaPoshta DeliveryMethod = "nova_poshta"
	DeliveryUkrposhta  DeliveryMethod = "ukrposhta"
)

// RequiresCarrier reports whether the method ships through the carrier
// integration and therefore needs city and warehouse references.
func (m DeliveryMethod) RequiresCarrier() bool {
	return m == DeliveryNovaPoshta
}

// DisplayName is the name used in the back-office export.
func (m DeliveryMethod) DisplayName() string {
	switch m {
	case DeliveryNovaPoshta:
		return "Нова Пошта"
	case DeliveryUkrposhta:
		return "Укр Пошта"
	default:
		return string(m)
	}
}

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentCash       PaymentMethod = "cash"
	PaymentCardOnline PaymentMethod = "card_online"
)

// PaymentStatus is the cached projection of the payment ledger on the order.
type PaymentStatus string

const (
	PaymentNone    PaymentStatus = "none"
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Contact is the customer contact captured at checkout.
type Contact struct {
	FullName string
	Phone    string
	Email    string
}

// Delivery holds delivery instructions and carrier references. City and
// Address are the display text the customer picked; for carrier delivery
// Address names the warehouse.
type Delivery struct {
	Method         DeliveryMethod
	City           string
	Address        string
	CityRef        string
	WarehouseRef   string
	TrackingNumber string
}

// Item is a single order line.
type Item struct {
	ID        int64
	Kind      catalog.Kind
	RefID     int64
	ProductID int64
	// VariantID is zero when the item is a product without variants.
	VariantID int64
	Quantity  int
	UnitPrice decimal.Decimal
	SKU       string
	Name      string
}

// Ref returns the catalog reference of the item.
func (i Item) Ref() catalog.Ref {
	return catalog.Ref{Kind: i.Kind, ID: i.RefID}
}

// Total is quantity times unit price.
func (i Item) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// GoodID is the identifier the fulfillment system knows the item by: the
// variant SKU, "V" and the variant id for variants without a SKU, or the
// product id.
func (i Item) GoodID() string {
	if i.VariantID != 0 {
		if i.SKU != "" {
			return i.SKU
		}
		return "V" + strconv.FormatInt(i.VariantID, 10)
	}
	return strconv.FormatInt(i.ProductID, 10)
}

// Order is the durable record a cart becomes. While Status is StatusCart the
// order is the account cart and only its items change.
type Order struct {
	ID      int64
	OwnerID string
	// SessionID is the anonymous session that placed a guest order.
	SessionID     string
	Status        Status
	Contact       Contact
	Delivery      Delivery
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	Comment       string
	OrderNumber   string
	Exported      bool
	ExportedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Items         []Item
}

// OwnedBy reports whether owner placed the order. A guest order belongs to
// its session until the shopper signs in and it is adopted by the account.
func (o *Order) OwnedBy(owner cart.Owner) bool {
	if !owner.Anonymous() {
		return o.OwnerID == owner.UserID
	}
	return o.OwnerID == "" && o.SessionID != "" && o.SessionID == owner.SessionID
}

// Total is always recomputed from the items.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Total())
	}
	return total
}

// CheckSubmitted verifies the invariants of an order past CART.
func (o *Order) CheckSubmitted() error {
	switch {
	case o.Status == StatusCart:
		return errors.Errorf("order %d is still a cart", o.ID)
	case o.OrderNumber == "":
		return errors.Errorf("order %d has no number", o.ID)
	case o.Contact.FullName == "" || o.Contact.Phone == "":
		return errors.Errorf("order %d has no contact", o.ID)
	case o.Delivery.Address == "" && (o.Delivery.CityRef == "" || o.Delivery.WarehouseRef == ""):
		return errors.Errorf("order %d has no delivery destination", o.ID)
	}
	return nil
}

// FormatNumber derives an order number from the submission time and the row
// id. The id suffix keeps numbers unique when many orders are submitted in the
// same second.
func FormatNumber(t time.Time, id int64) string {
	return fmt.Sprintf("%s-%06d", t.UTC().Format("060102"), id)
}

// CheckoutInput selects the cart to check out.
type CheckoutInput struct {
	// UserID selects the account cart. When empty, Lines holds the anonymous
	// cart of SessionID to turn into a new order.
	UserID    string
	SessionID string
	// CartID is the session cart generation. Each generation becomes at most
	// one order.
	CartID string
	Lines  []cart.Line
	Key    string
}

// Owner returns the cart owner the input checks out.
func (in CheckoutInput) Owner() cart.Owner {
	return cart.Owner{UserID: in.UserID, SessionID: in.SessionID}
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Checkout locks the CART order selected by in, creating it from in.Lines
	// for anonymous carts, passes it with the live catalog state of its items to
	// fn and persists the result in the same transaction.
	Checkout(ctx context.Context, in CheckoutInput, fn func(o *Order, live map[catalog.Ref]catalog.Item) error) (*Order, error)
	// FindByCheckoutKey returns the order owner submitted with key.
	FindByCheckoutKey(ctx context.Context, owner cart.Owner, key string) (*Order, error)
	// FindBySessionCart returns the order created from the session cart
	// generation cartID.
	FindBySessionCart(ctx context.Context, cartID string) (*Order, error)
	Get(ctx context.Context, id int64) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	// Update locks the order, applies fn and persists status, tracking number,
	// payment status and export fields when fn reports a change.
	Update(ctx context.Context, id int64, fn func(o *Order) (bool, error)) (*Order, error)
}
