package order

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/storefront/internal/domain/catalog"
)

// ErrEmptyCart is returned when checking out a cart without lines.
var ErrEmptyCart = errors.New("cart is empty")

// ValidationError carries field-level messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ItemUnavailableError is returned when a cart line no longer exists in the
// catalog.
type ItemUnavailableError struct {
	Ref catalog.Ref
}

func (e *ItemUnavailableError) Error() string {
	return fmt.Sprintf("%s is no longer available", e.Ref)
}

// InsufficientStockError is returned when stock dropped below the cart quantity.
type InsufficientStockError struct {
	Ref       catalog.Ref
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: requested %d, available %d", e.Ref, e.Requested, e.Available)
}

// ConsistencyError reports an item whose variant belongs to another product.
// It is never corrected automatically.
type ConsistencyError struct {
	ItemID           int64
	ProductID        int64
	VariantID        int64
	VariantProductID int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("order item %d: variant %d belongs to product %d, not %d",
		e.ItemID, e.VariantID, e.VariantProductID, e.ProductID)
}

// CheckoutRequest is the contact, delivery and payment data submitted at
// checkout.
type CheckoutRequest struct {
	FullName            string         `json:"fullName" validate:"required,max=255"`
	Phone               string         `json:"phone" validate:"required,max=32"`
	Email               string         `json:"email" validate:"required,email,max=254"`
	DeliveryMethod      DeliveryMethod `json:"deliveryMethod" validate:"required,oneof=nova_poshta ukrposhta"`
	City                string         `json:"city" validate:"required,max=100"`
	DeliveryAddress     string         `json:"deliveryAddress" validate:"required,max=500"`
	CarrierCityRef      string         `json:"carrierCityRef" validate:"max=64"`
	CarrierWarehouseRef string         `json:"carrierWarehouseRef" validate:"max=64"`
	PaymentMethod       PaymentMethod  `json:"paymentMethod" validate:"required,oneof=cash card_online"`
	Comment             string         `json:"comment" validate:"max=2000"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(checkoutDeliveryValidation, CheckoutRequest{})
	return v
}

// checkoutDeliveryValidation requires the carrier references for carrier
// delivery. City and address text are required for every method.
func checkoutDeliveryValidation(sl validator.StructLevel) {
	req := sl.Current().Interface().(CheckoutRequest)
	if !req.DeliveryMethod.RequiresCarrier() {
		return
	}
	if req.CarrierCityRef == "" {
		sl.ReportError(req.CarrierCityRef, "carrierCityRef", "CarrierCityRef", "carrier_ref", "")
	}
	if req.CarrierWarehouseRef == "" {
		sl.ReportError(req.CarrierWarehouseRef, "carrierWarehouseRef", "CarrierWarehouseRef", "carrier_ref", "")
	}
}

// Normalize trims every text field.
func (r *CheckoutRequest) Normalize() {
	for _, f := range []*string{
		&r.FullName, &r.Phone, &r.Email, &r.City, &r.DeliveryAddress,
		&r.CarrierCityRef, &r.CarrierWarehouseRef, &r.Comment,
	} {
		*f = strings.TrimSpace(*f)
	}
	r.DeliveryMethod = DeliveryMethod(strings.TrimSpace(string(r.DeliveryMethod)))
	r.PaymentMethod = PaymentMethod(strings.TrimSpace(string(r.PaymentMethod)))
}

// Validate checks the request and returns a *ValidationError listing every
// offending field.
func (r CheckoutRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate checkout")
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return &ValidationError{Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "carrier_ref":
		return "is required for carrier delivery"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

// Submit moves a CART order to IN_PROCESS. It checks the guards, snapshots
// live prices into the items and fills in the submitted data. o is left
// unchanged when a guard fails.
func Submit(o *Order, live map[catalog.Ref]catalog.Item, req CheckoutRequest, now time.Time) error {
	if o.Status != StatusCart {
		return &TransitionError{From: o.Status, To: StatusInProcess}
	}
	if len(o.Items) == 0 {
		return ErrEmptyCart
	}

	items := slices.Clone(o.Items)
	for i, item := range items {
		cur, ok := live[item.Ref()]
		if !ok {
			return &ItemUnavailableError{Ref: item.Ref()}
		}
		if item.VariantID != 0 && cur.ProductID != item.ProductID {
			return &ConsistencyError{
				ItemID:           item.ID,
				ProductID:        item.ProductID,
				VariantID:        item.VariantID,
				VariantProductID: cur.ProductID,
			}
		}
		if item.Quantity > cur.Available {
			return &InsufficientStockError{Ref: item.Ref(), Requested: item.Quantity, Available: cur.Available}
		}
		items[i].UnitPrice = cur.Price
		items[i].SKU = cur.SKU
		items[i].Name = cur.Name
	}

	next := *o
	next.Items = items
	next.Status = StatusInProcess
	next.Contact = Contact{FullName: req.FullName, Phone: req.Phone, Email: req.Email}
	next.Delivery = Delivery{
		Method:       req.DeliveryMethod,
		City:         req.City,
		Address:      req.DeliveryAddress,
		CityRef:      req.CarrierCityRef,
		WarehouseRef: req.CarrierWarehouseRef,
	}
	next.PaymentMethod = req.PaymentMethod
	next.PaymentStatus = PaymentNone
	if req.PaymentMethod == PaymentCardOnline {
		next.PaymentStatus = PaymentPending
	}
	next.Comment = req.Comment
	next.OrderNumber = FormatNumber(now, o.ID)
	next.CreatedAt = now
	next.Exported = false
	next.ExportedAt = nil
	if err := next.CheckSubmitted(); err != nil {
		return errors.Wrap(err, "submitted order")
	}

	*o = next
	return nil
}
