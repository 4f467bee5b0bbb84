package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/shipment"
	"github.com/xenking/storefront/internal/export"
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock(hashtextextended($1, 0))`
)

var (
	_ shipment.Locker = (*AdvisoryLocker)(nil)
	_ export.Locker   = (*AdvisoryLocker)(nil)
)

// AdvisoryLocker implements named cross-process locks with session-level
// PostgreSQL advisory locks. The lock lives on one pooled connection that is
// held until fn returns.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

// NewAdvisoryLocker returns an AdvisoryLocker that uses the given pool.
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// TryLock runs fn if the lock named key is free.
func (l *AdvisoryLocker) TryLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire connection")
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		return false, errors.Wrapf(err, "lock %q", key)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		// A lock left behind would stay with the pooled connection.
		var released bool
		err := conn.QueryRow(context.WithoutCancel(ctx), advisoryUnlockSQL, key).Scan(&released)
		if err != nil || !released {
			zctx.From(ctx).Warn("Advisory unlock failed", zap.String("key", key), zap.Error(err))
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
		}
	}()

	return true, fn(ctx)
}
