package cart

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/catalog"
)

// MergeResult is the account cart after a session cart was folded into it.
type MergeResult struct {
	Lines       []Line
	Summary     Summary
	Adjustments []Adjustment
	// Merged is false when there was nothing to merge or the session was
	// merged before.
	Merged bool
}

// Consolidator merges anonymous session carts into account carts on login.
type Consolidator struct {
	items   catalog.Repository
	durable DurableStore
	session Store
	cache   SummaryCache
}

// NewConsolidator creates a Consolidator. cache may be nil.
func NewConsolidator(items catalog.Repository, durable DurableStore, session Store, cache SummaryCache) *Consolidator {
	return &Consolidator{
		items:   items,
		durable: durable,
		session: session,
		cache:   cache,
	}
}

// OnAuthenticate merges the cart of sessionID into the account cart of userID.
// The merge commits atomically and is recorded, so replaying it after a crash
// or a failed session cleanup changes nothing. The session cart is cleared only
// after the merge committed. Orders the session placed as a guest move to the
// account first, whether or not the session still has a cart.
func (c *Consolidator) OnAuthenticate(ctx context.Context, sessionID, userID string) (*MergeResult, error) {
	if sessionID == "" || userID == "" {
		return nil, ErrInvalidOwner
	}
	lg := zctx.From(ctx).With(zap.String("session", sessionID), zap.String("user", userID))
	anonOwner, userOwner := Session(sessionID), User(userID)

	adopted, err := c.durable.AdoptOrders(ctx, userID, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "adopt guest orders")
	}
	if adopted > 0 {
		lg.Info("Guest orders adopted", zap.Int("orders", adopted))
	}

	anonymous, err := c.session.Lines(ctx, anonOwner)
	if err != nil {
		return nil, errors.Wrap(err, "load session cart")
	}
	if len(anonymous) == 0 {
		lines, err := c.durable.Lines(ctx, userOwner)
		if err != nil {
			return nil, errors.Wrap(err, "load account cart")
		}
		return &MergeResult{Lines: lines, Summary: Summarize(lines)}, nil
	}

	refs := make([]catalog.Ref, len(anonymous))
	for i, l := range anonymous {
		refs[i] = l.Ref()
	}
	items, err := c.items.LookupMany(ctx, refs)
	if err != nil {
		return nil, errors.Wrap(err, "lookup items")
	}

	var adjustments []Adjustment
	lines, merged, err := c.durable.MergeOnce(ctx, userID, sessionID, func(current []Line) ([]Line, error) {
		next, adj := Merge(current, anonymous, items)
		adjustments = adj
		return next, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "merge carts")
	}
	if !merged {
		adjustments = nil
		lg.Info("Session cart already merged")
	} else {
		lg.Info("Session cart merged",
			zap.Int("anonymous_lines", len(anonymous)),
			zap.Int("adjusted", len(adjustments)),
		)
	}

	if err := c.session.Clear(ctx, anonOwner); err != nil {
		lg.Warn("Session cart cleanup failed", zap.Error(err))
	}
	if c.cache != nil {
		for _, o := range []Owner{anonOwner, userOwner} {
			if err := c.cache.Delete(ctx, o.Key()); err != nil {
				lg.Warn("Cart summary cache invalidation failed", zap.String("cart", o.Key()), zap.Error(err))
			}
		}
	}

	return &MergeResult{
		Lines:       lines,
		Summary:     Summarize(lines),
		Adjustments: adjustments,
		Merged:      merged,
	}, nil
}
