package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/catalog"
)

const (
	lookupProductsSQL = `SELECT p.id, p.id, 0::bigint, p.sku, p.name, p.price, p.warehouse_quantity
		FROM products p
		WHERE p.id = ANY($1) AND p.active`

	lookupVariantsSQL = `SELECT v.id, v.product_id, v.id, v.sku,
			CASE WHEN v.name = '' THEN p.name ELSE p.name || ' ' || v.name END,
			v.price, v.warehouse_quantity
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		WHERE v.id = ANY($1) AND p.active`

	upsertProductSQL = `INSERT INTO products (id, name, sku, price, warehouse_quantity, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			sku = EXCLUDED.sku,
			price = EXCLUDED.price,
			warehouse_quantity = EXCLUDED.warehouse_quantity,
			active = TRUE`

	upsertVariantSQL = `INSERT INTO product_variants (id, product_id, name, sku, price, warehouse_quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			name = EXCLUDED.name,
			sku = EXCLUDED.sku,
			price = EXCLUDED.price,
			warehouse_quantity = EXCLUDED.warehouse_quantity`

	// Explicit ids bypass the sequences; move them past the seeded rows.
	syncSequencesSQL = `SELECT
		setval(pg_get_serial_sequence('products', 'id'), GREATEST((SELECT max(id) FROM products), 1)),
		setval(pg_get_serial_sequence('product_variants', 'id'), GREATEST((SELECT max(id) FROM product_variants), 1))`
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository reads live price and stock of products and variants.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// Lookup returns a single item or catalog.ErrNotFound.
func (r *CatalogRepository) Lookup(ctx context.Context, ref catalog.Ref) (*catalog.Item, error) {
	items, err := lookupItems(ctx, r.pool, []catalog.Ref{ref})
	if err != nil {
		return nil, err
	}
	item, ok := items[ref]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &item, nil
}

// LookupMany returns the items found among refs. Missing refs are absent from
// the map.
func (r *CatalogRepository) LookupMany(ctx context.Context, refs []catalog.Ref) (map[catalog.Ref]catalog.Item, error) {
	return lookupItems(ctx, r.pool, refs)
}

// Upsert creates or updates products and their variants in one transaction.
func (r *CatalogRepository) Upsert(ctx context.Context, products []catalog.Product) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range products {
			batch.Queue(upsertProductSQL, p.ID, p.Name, p.SKU, p.Price, p.Quantity)
			for _, v := range p.Variants {
				batch.Queue(upsertVariantSQL, v.ID, p.ID, v.Name, v.SKU, v.Price, v.Quantity)
			}
		}
		batch.Queue(syncSequencesSQL)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "upsert catalog")
		}
		return nil
	})
}

func lookupItems(ctx context.Context, q querier, refs []catalog.Ref) (map[catalog.Ref]catalog.Item, error) {
	var productIDs, variantIDs []int64
	for _, ref := range refs {
		switch ref.Kind {
		case catalog.KindProduct:
			productIDs = append(productIDs, ref.ID)
		case catalog.KindVariant:
			variantIDs = append(variantIDs, ref.ID)
		}
	}

	out := make(map[catalog.Ref]catalog.Item, len(refs))
	for _, set := range []struct {
		kind catalog.Kind
		sql  string
		ids  []int64
	}{
		{kind: catalog.KindProduct, sql: lookupProductsSQL, ids: productIDs},
		{kind: catalog.KindVariant, sql: lookupVariantsSQL, ids: variantIDs},
	} {
		if len(set.ids) == 0 {
			continue
		}
		rows, err := q.Query(ctx, set.sql, set.ids)
		if err != nil {
			return nil, errors.Wrapf(err, "lookup %s items", set.kind)
		}
		items, err := pgx.CollectRows(rows, scanItem(set.kind))
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s items", set.kind)
		}
		for _, item := range items {
			out[item.Ref] = item
		}
	}
	return out, nil
}

func scanItem(kind catalog.Kind) pgx.RowToFunc[catalog.Item] {
	return func(row pgx.CollectableRow) (catalog.Item, error) {
		item := catalog.Item{Ref: catalog.Ref{Kind: kind}}
		err := row.Scan(
			&item.Ref.ID, &item.ProductID, &item.VariantID,
			&item.SKU, &item.Name, &item.Price, &item.Available,
		)
		return item, err
	}
}
