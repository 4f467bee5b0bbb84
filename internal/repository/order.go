package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/shipment"
	"github.com/xenking/storefront/internal/export"
)

const orderColumns = `o.id, COALESCE(o.owner_id, ''), COALESCE(o.session_id, ''), o.status,
	o.full_name, o.phone, o.email, o.comment,
	o.delivery_method, o.delivery_city, o.delivery_address, o.carrier_city_ref, o.carrier_warehouse_ref, o.tracking_number,
	o.payment_method, o.payment_status, COALESCE(o.order_number, ''), o.exported, o.exported_at,
	o.created_at, o.updated_at`

const (
	getOrderSQL         = `SELECT ` + orderColumns + ` FROM orders o WHERE o.id = $1`
	lockOrderSQL        = getOrderSQL + ` FOR UPDATE`
	getOrderByNumberSQL = `SELECT ` + orderColumns + ` FROM orders o WHERE o.order_number = $1`
	getOrderByKeySQL    = `SELECT ` + orderColumns + ` FROM orders o
		WHERE o.checkout_scope = $1 AND o.checkout_key = $2`
	getOrderBySessionCartSQL = `SELECT ` + orderColumns + ` FROM orders o WHERE o.session_cart_id = $1`
	lockOwnerCartSQL         = `SELECT ` + orderColumns + ` FROM orders o
		WHERE o.owner_id = $1 AND o.status = 'cart' FOR UPDATE`

	listForExportSQL = `SELECT ` + orderColumns + ` FROM orders o
		WHERE o.status IN ('in_process', 'processing')
		ORDER BY o.id`

	listShippedSQL = `SELECT ` + orderColumns + ` FROM orders o
		WHERE o.status = 'shipped' AND o.tracking_number <> ''
		ORDER BY o.updated_at
		LIMIT $1`

	orderItemsSQL = `SELECT i.id, i.order_id, i.kind, i.ref_id, i.product_id, COALESCE(i.variant_id, 0),
			i.quantity, i.unit_price, COALESCE(v.sku, p.sku),
			CASE WHEN COALESCE(v.name, '') = '' THEN p.name ELSE p.name || ' ' || v.name END
		FROM order_items i
		JOIN products p ON p.id = i.product_id
		LEFT JOIN product_variants v ON v.id = i.variant_id
		WHERE i.order_id = ANY($1)
		ORDER BY i.id`

	createGuestOrderSQL = `INSERT INTO orders (status, session_id, session_cart_id)
		VALUES ('cart', $1, $2) RETURNING id`

	submitOrderSQL = `UPDATE orders SET
			status = $2, full_name = $3, phone = $4, email = $5, comment = $6,
			delivery_method = $7, delivery_city = $8, delivery_address = $9,
			carrier_city_ref = $10, carrier_warehouse_ref = $11,
			payment_method = $12, payment_status = $13, order_number = $14,
			checkout_key = NULLIF($15, ''), checkout_scope = $16,
			exported = FALSE, exported_at = NULL, created_at = $17, updated_at = now()
		WHERE id = $1`

	snapshotItemSQL = `UPDATE order_items SET unit_price = $2 WHERE id = $1`

	updateOrderSQL = `UPDATE orders SET
			status = $2, tracking_number = $3, payment_status = $4, exported = $5, exported_at = $6,
			updated_at = now()
		WHERE id = $1`

	markExportedSQL = `UPDATE orders SET status = 'processing', exported = TRUE, exported_at = $2, updated_at = now()
		WHERE id = ANY($1) AND status = 'in_process'`

	checkoutKeyConstraint = "orders_checkout_key_idx"
	sessionCartConstraint = "orders_session_cart_idx"
)

var (
	_ order.Repository  = (*OrderRepository)(nil)
	_ shipment.Orders   = (*OrderRepository)(nil)
	_ export.Repository = (*OrderRepository)(nil)
)

// OrderRepository implements order persistence backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Checkout implements order.Repository.
func (r *OrderRepository) Checkout(ctx context.Context, in order.CheckoutInput, fn func(o *order.Order, live map[catalog.Ref]catalog.Item) error) (*order.Order, error) {
	var out *order.Order
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		o, err := r.openCart(ctx, tx, in)
		if err != nil {
			return err
		}
		if len(o.Items) == 0 {
			return order.ErrEmptyCart
		}

		refs := make([]catalog.Ref, len(o.Items))
		for i, item := range o.Items {
			refs[i] = item.Ref()
		}
		live, err := lookupItems(ctx, tx, refs)
		if err != nil {
			return err
		}
		if err := fn(o, live); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, submitOrderSQL, o.ID,
			o.Status, o.Contact.FullName, o.Contact.Phone, o.Contact.Email, o.Comment,
			o.Delivery.Method, o.Delivery.City, o.Delivery.Address, o.Delivery.CityRef, o.Delivery.WarehouseRef,
			o.PaymentMethod, o.PaymentStatus, o.OrderNumber, in.Key, in.Owner().Key(), o.CreatedAt,
		)
		if isUniqueViolation(err, checkoutKeyConstraint) {
			return order.ErrDuplicateCheckout
		}
		if err != nil {
			return errors.Wrap(err, "submit order")
		}

		batch := &pgx.Batch{}
		for _, item := range o.Items {
			batch.Queue(snapshotItemSQL, item.ID, item.UnitPrice)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "snapshot prices")
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// openCart locks the account cart, or turns anonymous lines into a new CART
// order. The insert claims the session cart generation: a concurrent or
// repeated checkout of the same generation fails with order.ErrCartClaimed.
func (r *OrderRepository) openCart(ctx context.Context, tx pgx.Tx, in order.CheckoutInput) (*order.Order, error) {
	var id int64
	if in.UserID != "" {
		rows, err := tx.Query(ctx, lockOwnerCartSQL, in.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "lock cart")
		}
		o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrEmptyCart
		}
		if err != nil {
			return nil, errors.Wrap(err, "lock cart")
		}
		id = o.ID
	} else {
		if in.SessionID == "" || in.CartID == "" {
			return nil, errors.New("guest checkout needs a session cart id")
		}
		err := tx.QueryRow(ctx, createGuestOrderSQL, in.SessionID, in.CartID).Scan(&id)
		if isUniqueViolation(err, sessionCartConstraint) {
			return nil, order.ErrCartClaimed
		}
		if err != nil {
			return nil, errors.Wrap(err, "create order")
		}
		if err := writeLines(ctx, tx, id, nil, in.Lines); err != nil {
			return nil, err
		}
	}

	return getOrder(ctx, tx, lockOrderSQL, id)
}

// FindByCheckoutKey implements order.Repository.
func (r *OrderRepository) FindByCheckoutKey(ctx context.Context, owner cart.Owner, key string) (*order.Order, error) {
	return getOrder(ctx, r.pool, getOrderByKeySQL, owner.Key(), key)
}

// FindBySessionCart implements order.Repository.
func (r *OrderRepository) FindBySessionCart(ctx context.Context, cartID string) (*order.Order, error) {
	return getOrder(ctx, r.pool, getOrderBySessionCartSQL, cartID)
}

// Get implements order.Repository.
func (r *OrderRepository) Get(ctx context.Context, id int64) (*order.Order, error) {
	return getOrder(ctx, r.pool, getOrderSQL, id)
}

// GetByNumber implements order.Repository.
func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	return getOrder(ctx, r.pool, getOrderByNumberSQL, number)
}

// Update implements order.Repository.
func (r *OrderRepository) Update(ctx context.Context, id int64, fn func(o *order.Order) (bool, error)) (*order.Order, error) {
	var out *order.Order
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, lockOrderSQL, id)
		if err != nil {
			return err
		}
		changed, err := fn(o)
		if err != nil {
			return err
		}
		if changed {
			_, err = tx.Exec(ctx, updateOrderSQL, o.ID,
				o.Status, o.Delivery.TrackingNumber, o.PaymentStatus, o.Exported, o.ExportedAt,
			)
			if err != nil {
				return errors.Wrapf(err, "update order %d", id)
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListShipped implements shipment.Orders.
func (r *OrderRepository) ListShipped(ctx context.Context, limit int) ([]order.Order, error) {
	return listOrders(ctx, r.pool, listShippedSQL, limit)
}

// ListForExport implements export.Repository.
func (r *OrderRepository) ListForExport(ctx context.Context) ([]order.Order, error) {
	return listOrders(ctx, r.pool, listForExportSQL)
}

// MarkExported implements export.Repository.
func (r *OrderRepository) MarkExported(ctx context.Context, ids []int64, at time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, markExportedSQL, ids, at)
	if err != nil {
		return 0, errors.Wrap(err, "mark exported")
	}
	return int(tag.RowsAffected()), nil
}

func getOrder(ctx context.Context, q querier, sql string, args ...any) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan order")
	}
	if err := loadItems(ctx, q, []*order.Order{&o}); err != nil {
		return nil, err
	}
	return &o, nil
}

func listOrders(ctx context.Context, q querier, sql string, args ...any) ([]order.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query orders")
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, errors.Wrap(err, "scan orders")
	}
	ptrs := make([]*order.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := loadItems(ctx, q, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}

func loadItems(ctx context.Context, q querier, orders []*order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[int64]*order.Order, len(orders))
	ids := make([]int64, len(orders))
	for i, o := range orders {
		byID[o.ID] = o
		ids[i] = o.ID
	}

	rows, err := q.Query(ctx, orderItemsSQL, ids)
	if err != nil {
		return errors.Wrap(err, "query order items")
	}
	var (
		item    order.Item
		orderID int64
	)
	_, err = pgx.ForEachRow(rows, []any{
		&item.ID, &orderID, &item.Kind, &item.RefID, &item.ProductID, &item.VariantID,
		&item.Quantity, &item.UnitPrice, &item.SKU, &item.Name,
	}, func() error {
		o := byID[orderID]
		o.Items = append(o.Items, item)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "scan order items")
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var o order.Order
	err := row.Scan(
		&o.ID, &o.OwnerID, &o.SessionID, &o.Status,
		&o.Contact.FullName, &o.Contact.Phone, &o.Contact.Email, &o.Comment,
		&o.Delivery.Method, &o.Delivery.City, &o.Delivery.Address, &o.Delivery.CityRef, &o.Delivery.WarehouseRef,
		&o.Delivery.TrackingNumber, &o.PaymentMethod, &o.PaymentStatus, &o.OrderNumber,
		&o.Exported, &o.ExportedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}
