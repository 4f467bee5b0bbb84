package sessioncart

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/storefront/internal/domain/cart"
)

var _ cart.SummaryCache = (*SummaryCache)(nil)

// SummaryCache stores cart summaries with a jittered TTL so entries written
// together do not expire together.
type SummaryCache struct {
	client  redis.UniversalClient
	baseTTL time.Duration
	jitter  time.Duration
}

// NewSummaryCache creates a SummaryCache.
func NewSummaryCache(client redis.UniversalClient, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SummaryCache{
		client:  client,
		baseTTL: ttl,
		jitter:  ttl / 3,
	}
}

func summaryKey(key string) string {
	return "cart:summary:" + key
}

func generationKey(key string) string {
	return "cart:summary:gen:" + key
}

// Get returns cart.ErrCacheMiss when nothing is cached. The entry generation
// is returned with the miss.
func (c *SummaryCache) Get(ctx context.Context, key string) (*cart.Summary, int64, error) {
	var data, gen *redis.StringCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		data = pipe.Get(ctx, summaryKey(key))
		gen = pipe.Get(ctx, generationKey(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, errors.Wrap(err, "redis get")
	}
	g, err := gen.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, errors.Wrap(err, "parse generation")
	}

	raw, err := data.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, g, cart.ErrCacheMiss
	}
	if err != nil {
		return nil, g, errors.Wrap(err, "redis get")
	}
	var s cart.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, g, errors.Wrap(err, "unmarshal summary")
	}
	return &s, g, nil
}

// Set writes s under WATCH on the generation key. The write is skipped when
// the generation moved past gen or changes before the write commits.
func (c *SummaryCache) Set(ctx context.Context, key string, gen int64, s cart.Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal summary")
	}
	ttl := c.baseTTL
	if c.jitter > 0 {
		ttl += rand.N(c.jitter)
	}
	genKey := generationKey(key)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, summaryKey(key), data, ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

// Delete drops the entry and starts a new generation. The generation key
// outlives any entry written under it.
func (c *SummaryCache) Delete(ctx context.Context, key string) error {
	genKey := generationKey(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, summaryKey(key))
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, 2*(c.baseTTL+c.jitter))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis delete")
	}
	return nil
}
