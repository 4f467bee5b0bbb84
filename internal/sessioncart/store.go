// Package sessioncart keeps anonymous carts and cart summaries in Redis.
package sessioncart

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
)

// Config tunes the session store.
type Config struct {
	// TTL is refreshed on every write. Abandoned carts simply expire.
	TTL        time.Duration `default:"720h" usage:"Lifetime of an untouched session cart"`
	MaxRetries int           `default:"5" usage:"Optimistic transaction retries per mutation"`
}

// ErrConflict is returned when a mutation lost every optimistic retry.
var ErrConflict = errors.New("session cart modified concurrently")

var _ cart.SessionStore = (*Store)(nil)

// Store implements cart.SessionStore. Each session cart is one JSON document
// mutated under WATCH/MULTI. The document carries a generation id that stays
// fixed while the cart has lines; checkout claims it so a generation becomes
// at most one order.
type Store struct {
	client redis.UniversalClient
	cfg    Config
}

// NewStore creates a session Store.
func NewStore(client redis.UniversalClient, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Store{client: client, cfg: cfg}
}

type document struct {
	ID    string      `json:"id"`
	Lines []cart.Line `json:"lines"`
}

func sessionKey(id string) string {
	return "cart:session:" + id
}

// Lines returns the session lines.
func (s *Store) Lines(ctx context.Context, owner cart.Owner) ([]cart.Line, error) {
	snap, err := s.Snapshot(ctx, owner)
	if err != nil {
		return nil, err
	}
	return snap.Lines, nil
}

// Snapshot returns the session lines with the cart generation id.
func (s *Store) Snapshot(ctx context.Context, owner cart.Owner) (cart.Snapshot, error) {
	if !owner.Valid() || !owner.Anonymous() {
		return cart.Snapshot{}, cart.ErrInvalidOwner
	}
	doc, err := s.read(ctx, s.client, sessionKey(owner.SessionID))
	if err != nil {
		return cart.Snapshot{}, err
	}
	return cart.Snapshot{ID: doc.ID, Lines: doc.Lines}, nil
}

// Mutate implements cart.Store.
func (s *Store) Mutate(ctx context.Context, owner cart.Owner, fn func([]cart.Line) ([]cart.Line, error)) ([]cart.Line, error) {
	if !owner.Valid() || !owner.Anonymous() {
		return nil, cart.ErrInvalidOwner
	}
	key := sessionKey(owner.SessionID)

	var out []cart.Line
	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(cur.Lines)
		if err != nil {
			return err
		}
		var data []byte
		if len(next) > 0 {
			if cur.ID == "" {
				cur.ID = uuid.NewString()
			}
			if data, err = json.Marshal(document{ID: cur.ID, Lines: next}); err != nil {
				return errors.Wrap(err, "marshal session cart")
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if data == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, data, s.cfg.TTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	for range s.cfg.MaxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

// Clear removes the session cart.
func (s *Store) Clear(ctx context.Context, owner cart.Owner) error {
	if !owner.Valid() || !owner.Anonymous() {
		return cart.ErrInvalidOwner
	}
	if err := s.client.Del(ctx, sessionKey(owner.SessionID)).Err(); err != nil {
		return errors.Wrap(err, "delete session cart")
	}
	return nil
}

// read loads and validates the stored document. Lines that fail validation
// are dropped so a corrupted entry never blocks the shopper.
func (s *Store) read(ctx context.Context, c redis.Cmdable, key string) (document, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return document{}, nil
	}
	if err != nil {
		return document{}, errors.Wrap(err, "get session cart")
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		zctx.From(ctx).Warn("Discarding unreadable session cart", zap.String("key", key), zap.Error(err))
		return document{}, nil
	}
	lines := doc.Lines[:0]
	seen := make(map[string]struct{}, len(doc.Lines))
	for _, l := range doc.Lines {
		if err := l.Validate(); err != nil {
			zctx.From(ctx).Warn("Dropping invalid session cart line", zap.String("key", key), zap.Error(err))
			continue
		}
		ref := l.Ref().String()
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		return document{}, nil
	}
	doc.Lines = lines
	return doc, nil
}
