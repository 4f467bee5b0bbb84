package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/catalog"
)

const (
	ensureCartSQL = `INSERT INTO orders (owner_id, status) VALUES ($1, 'cart')
		ON CONFLICT (owner_id) WHERE status = 'cart' AND owner_id IS NOT NULL DO NOTHING`

	lockCartSQL = `SELECT id FROM orders WHERE owner_id = $1 AND status = 'cart' FOR UPDATE`

	cartLinesByOwnerSQL = `SELECT i.kind, i.ref_id, i.quantity, i.unit_price
		FROM order_items i
		JOIN orders o ON o.id = i.order_id
		WHERE o.owner_id = $1 AND o.status = 'cart'
		ORDER BY i.id`

	cartLinesByOrderSQL = `SELECT kind, ref_id, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY id`

	// The variant join resolves the owning product; product lines own themselves.
	upsertItemSQL = `INSERT INTO order_items (order_id, kind, ref_id, product_id, variant_id, quantity, unit_price)
		SELECT $1, $2::text, $3::bigint, COALESCE(v.product_id, $3::bigint), v.id, $4, $5
		FROM (SELECT 1) AS one
		LEFT JOIN product_variants v ON $2::text = 'variant' AND v.id = $3::bigint
		ON CONFLICT (order_id, kind, ref_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, unit_price = EXCLUDED.unit_price`

	deleteItemSQL = `DELETE FROM order_items WHERE order_id = $1 AND kind = $2 AND ref_id = $3`

	touchOrderSQL = `UPDATE orders SET updated_at = now() WHERE id = $1`

	clearCartSQL = `DELETE FROM order_items
		WHERE order_id = (SELECT id FROM orders WHERE owner_id = $1 AND status = 'cart')`

	recordMergeSQL = `INSERT INTO cart_merges (session_id, order_id) VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING`

	adoptOrdersSQL = `UPDATE orders SET owner_id = $1, updated_at = now()
		WHERE session_id = $2 AND owner_id IS NULL AND status <> 'cart'`
)

var _ cart.DurableStore = (*CartRepository)(nil)

// CartRepository stores account carts as the owner's CART order. Every
// mutation locks the order row, so concurrent mutations of one cart are
// serialized and the stock check sees the committed quantity.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Lines returns the account cart lines.
func (r *CartRepository) Lines(ctx context.Context, owner cart.Owner) ([]cart.Line, error) {
	if owner.Anonymous() {
		return nil, cart.ErrInvalidOwner
	}
	rows, err := r.pool.Query(ctx, cartLinesByOwnerSQL, owner.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "query cart lines")
	}
	return pgx.CollectRows(rows, scanLine)
}

// Mutate implements cart.Store.
func (r *CartRepository) Mutate(ctx context.Context, owner cart.Owner, fn func([]cart.Line) ([]cart.Line, error)) ([]cart.Line, error) {
	if owner.Anonymous() {
		return nil, cart.ErrInvalidOwner
	}
	var out []cart.Line
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		orderID, current, err := lockCart(ctx, tx, owner.UserID)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if err := writeLines(ctx, tx, orderID, current, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes every line of the account cart.
func (r *CartRepository) Clear(ctx context.Context, owner cart.Owner) error {
	if owner.Anonymous() {
		return cart.ErrInvalidOwner
	}
	if _, err := r.pool.Exec(ctx, clearCartSQL, owner.UserID); err != nil {
		return errors.Wrap(err, "clear cart")
	}
	return nil
}

// MergeOnce implements cart.DurableStore. The merge marker and the merged
// lines commit together.
func (r *CartRepository) MergeOnce(ctx context.Context, userID, sessionID string, fn func([]cart.Line) ([]cart.Line, error)) ([]cart.Line, bool, error) {
	if userID == "" || sessionID == "" {
		return nil, false, cart.ErrInvalidOwner
	}
	var (
		out    []cart.Line
		merged bool
	)
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		orderID, current, err := lockCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, recordMergeSQL, sessionID, orderID)
		if err != nil {
			return errors.Wrap(err, "record merge")
		}
		if tag.RowsAffected() == 0 {
			out = current
			return nil
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if err := writeLines(ctx, tx, orderID, current, next); err != nil {
			return err
		}
		out, merged = next, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, merged, nil
}

// AdoptOrders implements cart.DurableStore.
func (r *CartRepository) AdoptOrders(ctx context.Context, userID, sessionID string) (int, error) {
	if userID == "" || sessionID == "" {
		return 0, cart.ErrInvalidOwner
	}
	tag, err := r.pool.Exec(ctx, adoptOrdersSQL, userID, sessionID)
	if err != nil {
		return 0, errors.Wrap(err, "adopt guest orders")
	}
	return int(tag.RowsAffected()), nil
}

// lockCart creates the account cart when missing and locks it.
func lockCart(ctx context.Context, tx pgx.Tx, userID string) (int64, []cart.Line, error) {
	if _, err := tx.Exec(ctx, ensureCartSQL, userID); err != nil {
		return 0, nil, errors.Wrap(err, "ensure cart")
	}
	var orderID int64
	if err := tx.QueryRow(ctx, lockCartSQL, userID).Scan(&orderID); err != nil {
		return 0, nil, errors.Wrap(err, "lock cart")
	}
	rows, err := tx.Query(ctx, cartLinesByOrderSQL, orderID)
	if err != nil {
		return 0, nil, errors.Wrap(err, "query cart lines")
	}
	lines, err := pgx.CollectRows(rows, scanLine)
	if err != nil {
		return 0, nil, errors.Wrap(err, "scan cart lines")
	}
	return orderID, lines, nil
}

// writeLines persists next over current: removed lines are deleted and the
// rest upserted on (order_id, kind, ref_id).
func writeLines(ctx context.Context, tx pgx.Tx, orderID int64, current, next []cart.Line) error {
	keep := make(map[catalog.Ref]struct{}, len(next))
	batch := &pgx.Batch{}
	for _, l := range next {
		keep[l.Ref()] = struct{}{}
		batch.Queue(upsertItemSQL, orderID, string(l.Kind), l.RefID, l.Quantity, l.UnitPrice)
	}
	for _, l := range current {
		if _, ok := keep[l.Ref()]; !ok {
			batch.Queue(deleteItemSQL, orderID, string(l.Kind), l.RefID)
		}
	}
	batch.Queue(touchOrderSQL, orderID)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "write cart lines")
	}
	return nil
}

func scanLine(row pgx.CollectableRow) (cart.Line, error) {
	var l cart.Line
	err := row.Scan(&l.Kind, &l.RefID, &l.Quantity, &l.UnitPrice)
	return l, err
}
