// Package cart implements the shopping cart for authenticated accounts and
// anonymous sessions. Both flavors share one set of line semantics: a line is
// unique per (kind, id), quantities are clamped to stock and every mutation
// re-snapshots the unit price.
package cart

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/catalog"
)

// Sentinel errors for cart operations.
var (
	ErrInvalidOwner    = errors.New("cart owner required")
	ErrInvalidLine     = errors.New("invalid cart line reference")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrLineNotFound    = errors.New("cart line not found")
	ErrCacheMiss       = errors.New("cart summary cache miss")
)

// OutOfStockError is returned when a line is added for an item with no stock.
type OutOfStockError struct {
	Ref catalog.Ref
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("%s is out of stock", e.Ref)
}

// Owner identifies whose cart is addressed. Exactly one field is set.
type Owner struct {
	UserID    string
	SessionID string
}

// User returns the owner of an authenticated account cart.
func User(id string) Owner { return Owner{UserID: id} }

// Session returns the owner of an anonymous session cart.
func Session(id string) Owner { return Owner{SessionID: id} }

// Anonymous reports whether the cart lives in the session store.
func (o Owner) Anonymous() bool { return o.UserID == "" }

// Valid reports whether exactly one identity is set.
func (o Owner) Valid() bool {
	return (o.UserID == "") != (o.SessionID == "")
}

// Key is a stable cache key for the owner.
func (o Owner) Key() string {
	if o.Anonymous() {
		return "session:" + o.SessionID
	}
	return "user:" + o.UserID
}

// Line is one product or variant in a cart with its snapshotted unit price.
type Line struct {
	Kind      catalog.Kind    `json:"kind"`
	RefID     int64           `json:"id"`
	Quantity  int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"price"`
}

// Ref returns the catalog reference of the line.
func (l Line) Ref() catalog.Ref {
	return catalog.Ref{Kind: l.Kind, ID: l.RefID}
}

// Total is quantity times unit price.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Validate checks a line read back from storage.
func (l Line) Validate() error {
	switch {
	case !l.Kind.Valid():
		return errors.Errorf("line kind %q", l.Kind)
	case l.RefID <= 0:
		return errors.Errorf("line id %d", l.RefID)
	case l.Quantity <= 0:
		return errors.Errorf("line %s quantity %d", l.Ref(), l.Quantity)
	case l.UnitPrice.IsNegative():
		return errors.Errorf("line %s price %s", l.Ref(), l.UnitPrice)
	}
	return nil
}

// Summary is the badge view of a cart.
type Summary struct {
	LineCount     int             `json:"lineCount"`
	TotalQuantity int             `json:"totalQuantity"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

// Summarize recomputes the summary from lines.
func Summarize(lines []Line) Summary {
	s := Summary{LineCount: len(lines), TotalAmount: decimal.Zero}
	for _, l := range lines {
		s.TotalQuantity += l.Quantity
		s.TotalAmount = s.TotalAmount.Add(l.Total())
	}
	return s
}

// Store persists the lines of one cart flavor.
type Store interface {
	Lines(ctx context.Context, owner Owner) ([]Line, error)
	// Mutate runs fn over the current lines while holding the owner's cart
	// exclusively and persists the returned lines.
	Mutate(ctx context.Context, owner Owner, fn func([]Line) ([]Line, error)) ([]Line, error)
	Clear(ctx context.Context, owner Owner) error
}

// Snapshot is a session cart together with its generation id. The id is
// assigned when the first line is added and lives until the cart is cleared
// or emptied.
type Snapshot struct {
	ID    string
	Lines []Line
}

// SessionStore is the anonymous cart store.
type SessionStore interface {
	Store
	Snapshot(ctx context.Context, owner Owner) (Snapshot, error)
}

// DurableStore is the account cart store, which can record merges of
// anonymous carts.
type DurableStore interface {
	Store
	// MergeOnce applies fn to the account cart unless sessionID was merged
	// before. merged is false for a repeated merge.
	MergeOnce(ctx context.Context, userID, sessionID string, fn func([]Line) ([]Line, error)) (lines []Line, merged bool, err error)
	// AdoptOrders hands the orders placed by sessionID over to userID. It is
	// idempotent and returns the number of orders adopted by this call.
	AdoptOrders(ctx context.Context, userID, sessionID string) (int, error)
}

// SummaryCache keeps precomputed summaries for badge reads. Every Delete
// starts a new generation of the entry; a Set carrying an older generation is
// dropped, so a summary computed before an invalidation is never cached after
// it.
type SummaryCache interface {
	// Get returns the cached summary or ErrCacheMiss. The generation is
	// returned in both cases and must be read before the lines are.
	Get(ctx context.Context, key string) (*Summary, int64, error)
	// Set stores s unless the entry was invalidated after gen was read.
	Set(ctx context.Context, key string, gen int64, s Summary) error
	Delete(ctx context.Context, key string) error
}
