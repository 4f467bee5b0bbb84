package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

const transactionColumns = `t.id, t.order_id, t.type, t.status, t.amount, t.currency, t.gateway_system,
	COALESCE(t.external_id, ''), t.request_payload, t.response_payload, t.error_message,
	t.created_at, t.completed_at`

const (
	lockPaymentOrderSQL = `SELECT o.id, o.order_number, o.status, o.payment_method, o.payment_status, o.email,
			COALESCE((SELECT SUM(i.quantity * i.unit_price) FROM order_items i WHERE i.order_id = o.id), 0)
		FROM orders o
		WHERE o.order_number = $1
		FOR UPDATE`

	findByExternalIDSQL = `SELECT ` + transactionColumns + ` FROM payment_transactions t
		WHERE t.gateway_system = $1 AND t.external_id = $2`

	latestOpenSQL = `SELECT ` + transactionColumns + ` FROM payment_transactions t
		WHERE t.order_id = $1 AND t.gateway_system = $2 AND t.status IN ('initiated', 'processing')
		ORDER BY t.created_at DESC
		LIMIT 1`

	insertTransactionSQL = `INSERT INTO payment_transactions (
			id, order_id, type, status, amount, currency, gateway_system, external_id,
			request_payload, response_payload, error_message, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13)`

	completeTransactionSQL = `UPDATE payment_transactions SET
			status = $2, external_id = NULLIF($3, ''), response_payload = $4, error_message = $5, completed_at = $6
		WHERE id = $1`

	setPaymentStatusSQL = `UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`

	staleTransactionsSQL = `SELECT ` + transactionColumns + `, COALESCE(o.order_number, '')
		FROM payment_transactions t
		JOIN orders o ON o.id = t.order_id
		WHERE t.status IN ('initiated', 'processing') AND t.created_at < $1
		ORDER BY t.created_at
		LIMIT $2`
)

var (
	_ payment.Repository = (*PaymentRepository)(nil)
	_ payment.Tx         = (*paymentTx)(nil)
)

// PaymentRepository stores the payment ledger in PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// WithOrder implements payment.Repository. The order row stays locked until
// fn returns, which serializes callbacks and checkout redirects per order.
func (r *PaymentRepository) WithOrder(ctx context.Context, orderNumber string, fn func(ctx context.Context, o *payment.OrderRef, tx payment.Tx) error) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var o payment.OrderRef
		err := tx.QueryRow(ctx, lockPaymentOrderSQL, orderNumber).Scan(
			&o.ID, &o.Number, &o.Status, &o.PaymentMethod, &o.PaymentStatus, &o.Email, &o.Total,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrNotFound
		}
		if err != nil {
			return errors.Wrapf(err, "lock order %q", orderNumber)
		}
		return fn(ctx, &o, &paymentTx{tx: tx})
	})
}

// Stale implements payment.Repository.
func (r *PaymentRepository) Stale(ctx context.Context, before time.Time, limit int) ([]payment.StaleTransaction, error) {
	rows, err := r.pool.Query(ctx, staleTransactionsSQL, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query stale transactions")
	}
	stale, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (payment.StaleTransaction, error) {
		var s payment.StaleTransaction
		err := row.Scan(append(transactionDest(&s.Transaction), &s.OrderNumber)...)
		return s, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan stale transactions")
	}
	return stale, nil
}

type paymentTx struct {
	tx pgx.Tx
}

func (p *paymentTx) FindByExternalID(ctx context.Context, system, externalID string) (*payment.Transaction, error) {
	return p.one(ctx, findByExternalIDSQL, system, externalID)
}

func (p *paymentTx) LatestOpen(ctx context.Context, orderID int64, system string) (*payment.Transaction, error) {
	return p.one(ctx, latestOpenSQL, orderID, system)
}

func (p *paymentTx) Insert(ctx context.Context, t *payment.Transaction) error {
	_, err := p.tx.Exec(ctx, insertTransactionSQL,
		t.ID, t.OrderID, t.Type, t.Status, t.Amount, t.Currency, t.GatewaySystem, t.ExternalID,
		t.RequestPayload, t.ResponsePayload, t.ErrorMessage, t.CreatedAt, t.CompletedAt,
	)
	if isUniqueViolation(err, "payment_transactions_external_idx") {
		return errors.Wrapf(err, "external id %q already recorded", t.ExternalID)
	}
	if err != nil {
		return errors.Wrap(err, "insert transaction")
	}
	return nil
}

func (p *paymentTx) Complete(ctx context.Context, t *payment.Transaction) error {
	tag, err := p.tx.Exec(ctx, completeTransactionSQL,
		t.ID, t.Status, t.ExternalID, t.ResponsePayload, t.ErrorMessage, t.CompletedAt,
	)
	if err != nil {
		return errors.Wrap(err, "complete transaction")
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

func (p *paymentTx) SetPaymentStatus(ctx context.Context, orderID int64, status order.PaymentStatus) error {
	if _, err := p.tx.Exec(ctx, setPaymentStatusSQL, orderID, status); err != nil {
		return errors.Wrap(err, "set payment status")
	}
	return nil
}

func (p *paymentTx) one(ctx context.Context, sql string, args ...any) (*payment.Transaction, error) {
	rows, err := p.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query transaction")
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan transaction")
	}
	return &t, nil
}

func scanTransaction(row pgx.CollectableRow) (payment.Transaction, error) {
	var t payment.Transaction
	err := row.Scan(transactionDest(&t)...)
	return t, err
}

func transactionDest(t *payment.Transaction) []any {
	return []any{
		&t.ID, &t.OrderID, &t.Type, &t.Status, &t.Amount, &t.Currency, &t.GatewaySystem,
		&t.ExternalID, &t.RequestPayload, &t.ResponsePayload, &t.ErrorMessage,
		&t.CreatedAt, &t.CompletedAt,
	}
}
