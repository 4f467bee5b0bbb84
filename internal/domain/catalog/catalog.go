// Package catalog describes the purchasable units the order core reads from the
// product catalog: products without variants and product variants.
package catalog

import (
	"context"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a referenced product or variant does not exist.
var ErrNotFound = errors.New("catalog item not found")

// Kind tags what a cart line or order item refers to.
type Kind string

const (
	KindProduct Kind = "product"
	KindVariant Kind = "variant"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindProduct || k == KindVariant
}

// ParseKind converts a wire value into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", errors.Errorf("unknown item kind %q", s)
	}
	return k, nil
}

// Ref identifies a purchasable unit.
type Ref struct {
	Kind Kind
	ID   int64
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + strconv.FormatInt(r.ID, 10)
}

// Item is the live catalog view of a purchasable unit.
type Item struct {
	Ref       Ref
	ProductID int64
	// VariantID is zero for products sold without variants.
	VariantID int64
	SKU       string
	Name      string
	Price     decimal.Decimal
	Available int
}

// Repository reads live price and stock for purchasable units.
type Repository interface {
	Lookup(ctx context.Context, ref Ref) (*Item, error)
	LookupMany(ctx context.Context, refs []Ref) (map[Ref]Item, error)
}

// Product is a catalog entry as loaded by the seeding tool.
type Product struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	SKU      string          `json:"sku"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Variants []Variant       `json:"variants"`
}

// Variant is a sellable variation of a Product with its own price and stock.
type Variant struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	SKU      string          `json:"sku"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}
