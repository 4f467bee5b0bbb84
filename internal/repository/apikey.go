package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/auth"
)

const (
	// touchAPIKeySQL resolves a key and records its use in one round trip.
	touchAPIKeySQL = `UPDATE api_keys SET last_used_at = now()
		WHERE key_hash = $1 AND active
		RETURNING id, key_hash, name, scopes`

	insertAPIKeySQL = `INSERT INTO api_keys (id, key_hash, name, scopes) VALUES ($1, $2, $3, $4)`
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository stores manager API keys.
type APIKeyRepository struct {
	pool *pgxpool.Pool
}

// NewAPIKeyRepository returns an APIKeyRepository backed by pool.
func NewAPIKeyRepository(pool *pgxpool.Pool) *APIKeyRepository {
	return &APIKeyRepository{pool: pool}
}

// FindByHash returns the active key with the given digest and bumps its
// last_used_at. Unknown and revoked keys yield auth.ErrNotFound.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	rows, err := r.pool.Query(ctx, touchAPIKeySQL, hash)
	if err != nil {
		return nil, errors.Wrap(err, "query api key")
	}
	info, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (auth.APIKeyInfo, error) {
		var k auth.APIKeyInfo
		err := row.Scan(&k.ID, &k.KeyHash, &k.Name, &k.Scopes)
		return k, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan api key")
	}
	return &info, nil
}

// Create stores a new active key.
func (r *APIKeyRepository) Create(ctx context.Context, key auth.APIKeyInfo) error {
	if _, err := r.pool.Exec(ctx, insertAPIKeySQL, key.ID, key.KeyHash, key.Name, key.Scopes); err != nil {
		return errors.Wrapf(err, "create api key %q", key.Name)
	}
	return nil
}
