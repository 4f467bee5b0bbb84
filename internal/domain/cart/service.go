package cart

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/storefront/internal/domain/catalog"
)

// Result is returned by every cart mutation.
type Result struct {
	Outcome
	Lines   []Line
	Summary Summary
}

// Service routes cart operations to the account or session store and keeps
// the summary cache coherent with mutations.
type Service struct {
	items   catalog.Repository
	durable Store
	session Store
	cache   SummaryCache
	sfg     singleflight.Group
}

// NewService creates a cart Service. cache may be nil.
func NewService(items catalog.Repository, durable, session Store, cache SummaryCache) *Service {
	return &Service{
		items:   items,
		durable: durable,
		session: session,
		cache:   cache,
	}
}

func (s *Service) store(owner Owner) Store {
	if owner.Anonymous() {
		return s.session
	}
	return s.durable
}

// AddLine adds qty units of ref, creating the line if needed.
func (s *Service) AddLine(ctx context.Context, owner Owner, ref catalog.Ref, qty int) (*Result, error) {
	return s.mutate(ctx, owner, Mutation{Op: OpAdd, Ref: ref, Quantity: qty})
}

// Increment adds one unit of ref.
func (s *Service) Increment(ctx context.Context, owner Owner, ref catalog.Ref) (*Result, error) {
	return s.mutate(ctx, owner, Mutation{Op: OpAdd, Ref: ref, Quantity: 1})
}

// Decrement removes one unit of ref, dropping the line at quantity 1.
func (s *Service) Decrement(ctx context.Context, owner Owner, ref catalog.Ref) (*Result, error) {
	return s.mutate(ctx, owner, Mutation{Op: OpDecrement, Ref: ref})
}

// SetQuantity sets the quantity of ref, never below 1.
func (s *Service) SetQuantity(ctx context.Context, owner Owner, ref catalog.Ref, qty int) (*Result, error) {
	return s.mutate(ctx, owner, Mutation{Op: OpSet, Ref: ref, Quantity: qty})
}

// RemoveLine drops the line for ref. Removing a missing line is not an error.
func (s *Service) RemoveLine(ctx context.Context, owner Owner, ref catalog.Ref) (*Result, error) {
	return s.mutate(ctx, owner, Mutation{Op: OpRemove, Ref: ref})
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context, owner Owner) (*Result, error) {
	if !owner.Valid() {
		return nil, ErrInvalidOwner
	}
	if err := s.store(owner).Clear(ctx, owner); err != nil {
		return nil, errors.Wrap(err, "clear cart")
	}
	s.invalidate(ctx, owner)
	return &Result{Summary: Summarize(nil)}, nil
}

// Lines returns the current lines of the cart.
func (s *Service) Lines(ctx context.Context, owner Owner) ([]Line, error) {
	if !owner.Valid() {
		return nil, ErrInvalidOwner
	}
	lines, err := s.store(owner).Lines(ctx, owner)
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	return lines, nil
}

// Summarize returns the cart summary, served from cache when possible.
// Concurrent misses for one owner share a single store read. A summary read
// before a concurrent mutation invalidated the entry is returned but not
// cached.
func (s *Service) Summarize(ctx context.Context, owner Owner) (Summary, error) {
	if !owner.Valid() {
		return Summary{}, ErrInvalidOwner
	}
	key := owner.Key()
	v, err, _ := s.sfg.Do(key, func() (any, error) {
		var gen int64
		if s.cache != nil {
			cached, g, err := s.cache.Get(ctx, key)
			if err == nil {
				return *cached, nil
			}
			if !errors.Is(err, ErrCacheMiss) {
				zctx.From(ctx).Warn("Cart summary cache read failed", zap.String("cart", key), zap.Error(err))
			}
			gen = g
		}

		lines, err := s.store(owner).Lines(ctx, owner)
		if err != nil {
			return nil, errors.Wrap(err, "load cart")
		}
		summary := Summarize(lines)
		if s.cache != nil {
			if err := s.cache.Set(ctx, key, gen, summary); err != nil {
				zctx.From(ctx).Warn("Cart summary cache write failed", zap.String("cart", key), zap.Error(err))
			}
		}
		return summary, nil
	})
	if err != nil {
		return Summary{}, err
	}
	return v.(Summary), nil
}

func (s *Service) mutate(ctx context.Context, owner Owner, m Mutation) (*Result, error) {
	if !owner.Valid() {
		return nil, ErrInvalidOwner
	}
	if !m.Ref.Kind.Valid() || m.Ref.ID <= 0 {
		return nil, ErrInvalidLine
	}

	var item *catalog.Item
	if m.Op != OpRemove {
		found, err := s.items.Lookup(ctx, m.Ref)
		if err != nil {
			return nil, errors.Wrapf(err, "lookup %s", m.Ref)
		}
		item = found
	}

	var out Outcome
	lines, err := s.store(owner).Mutate(ctx, owner, func(current []Line) ([]Line, error) {
		next, o, err := Apply(current, m, item)
		if err != nil {
			return nil, err
		}
		out = o
		return next, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "mutate cart")
	}
	s.invalidate(ctx, owner)

	if out.StockLimited {
		zctx.From(ctx).Info("Cart quantity limited by stock",
			zap.String("cart", owner.Key()),
			zap.Stringer("item", m.Ref),
			zap.Int("limit", out.Limit),
		)
	}
	return &Result{Outcome: out, Lines: lines, Summary: Summarize(lines)}, nil
}

func (s *Service) invalidate(ctx context.Context, owner Owner) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, owner.Key()); err != nil {
		zctx.From(ctx).Warn("Cart summary cache invalidation failed", zap.String("cart", owner.Key()), zap.Error(err))
	}
}
