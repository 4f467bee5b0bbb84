package cart

import (
	"slices"

	"github.com/xenking/storefront/internal/domain/catalog"
)

// Op is a cart mutation kind.
type Op int

const (
	OpAdd Op = iota
	OpSet
	OpDecrement
	OpRemove
)

// Mutation is a single change to one line.
type Mutation struct {
	Op  Op
	Ref catalog.Ref
	// Quantity is the delta for OpAdd and the target for OpSet.
	Quantity int
}

// Outcome describes the line after a mutation.
type Outcome struct {
	// Line is nil when the line was removed.
	Line *Line
	// StockLimited is set when the requested quantity was clamped to Limit.
	StockLimited bool
	Limit        int
}

// Apply returns a copy of lines with m applied. item is the live catalog view of
// m.Ref and may be nil only for OpRemove.
func Apply(lines []Line, m Mutation, item *catalog.Item) ([]Line, Outcome, error) {
	next := slices.Clone(lines)
	idx := slices.IndexFunc(next, func(l Line) bool { return l.Ref() == m.Ref })

	var qty int
	switch m.Op {
	case OpRemove:
		if idx >= 0 {
			next = slices.Delete(next, idx, idx+1)
		}
		return next, Outcome{}, nil
	case OpDecrement:
		if idx < 0 {
			return nil, Outcome{}, ErrLineNotFound
		}
		if next[idx].Quantity <= 1 {
			return slices.Delete(next, idx, idx+1), Outcome{}, nil
		}
		line := next[idx]
		line.Quantity--
		line.UnitPrice = item.Price
		next[idx] = line
		return next, Outcome{Line: &line}, nil
	case OpAdd:
		if m.Quantity <= 0 {
			return nil, Outcome{}, ErrInvalidQuantity
		}
		qty = m.Quantity
		if idx >= 0 {
			qty += next[idx].Quantity
		}
	case OpSet:
		qty = max(m.Quantity, 1)
	}

	if item.Available <= 0 {
		return nil, Outcome{}, &OutOfStockError{Ref: m.Ref}
	}

	var out Outcome
	if qty > item.Available {
		qty = item.Available
		out.StockLimited = true
		out.Limit = item.Available
	}

	line := Line{Kind: m.Ref.Kind, RefID: m.Ref.ID, Quantity: qty, UnitPrice: item.Price}
	if idx >= 0 {
		next[idx] = line
	} else {
		next = append(next, line)
	}
	out.Line = &line
	return next, out, nil
}

// Adjustment records an anonymous line that could not be merged in full.
type Adjustment struct {
	Ref       catalog.Ref
	Requested int
	// Kept is zero when the line was dropped.
	Kept int
}

// Merge folds anonymous lines into account lines. Quantities of matching lines
// are summed and re-clamped to stock, prices are re-snapshotted, and lines for
// unknown or sold out items are dropped.
func Merge(account, anonymous []Line, items map[catalog.Ref]catalog.Item) ([]Line, []Adjustment) {
	next := slices.Clone(account)
	var adjustments []Adjustment
	for _, anon := range anonymous {
		ref := anon.Ref()
		item, ok := items[ref]
		idx := slices.IndexFunc(next, func(l Line) bool { return l.Ref() == ref })

		if !ok || item.Available <= 0 {
			adjustments = append(adjustments, Adjustment{Ref: ref, Requested: anon.Quantity})
			continue
		}
		qty := anon.Quantity
		if idx >= 0 {
			qty += next[idx].Quantity
		}
		if qty > item.Available {
			adjustments = append(adjustments, Adjustment{Ref: ref, Requested: qty, Kept: item.Available})
			qty = item.Available
		}

		line := Line{Kind: ref.Kind, RefID: ref.ID, Quantity: qty, UnitPrice: item.Price}
		if idx >= 0 {
			next[idx] = line
		} else {
			next = append(next, line)
		}
	}
	return next, adjustments
}
