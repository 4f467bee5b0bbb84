package app

import (
	"context"
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/events"
	"github.com/xenking/storefront/internal/export"
	"github.com/xenking/storefront/internal/repository"
)

// OpenDatabase connects to Postgres and applies pending migrations.
func OpenDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := repository.RunMigrations(pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return pool, nil
}

// OpenRedis connects to the session cart store.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// closers releases resources in reverse order of acquisition.
type closers []io.Closer

func (c closers) Close(ctx context.Context) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			zctx.From(ctx).Warn("Close failed", zap.Error(err))
		}
	}
}

// NewExporter builds the export scheduler with the file sink and, when a
// topic and brokers are configured, the Kafka sink. The returned closer
// flushes the Kafka writer.
func NewExporter(cfg *Config, pool *pgxpool.Pool, meter metric.Meter) (*export.Scheduler, io.Closer, error) {
	loc, err := time.LoadLocation(cfg.Export.Timezone)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load export timezone %q", cfg.Export.Timezone)
	}

	sinks := []export.Sink{&export.FileSink{Dir: cfg.Export.Dir, Archive: cfg.Export.Archive}}
	var closer io.Closer = io.NopCloser(nil)
	if cfg.Export.Topic != "" && len(cfg.Kafka.Brokers) > 0 {
		w := events.NewWriter(cfg.Kafka.Brokers, cfg.Export.Topic)
		sinks = append(sinks, &export.KafkaSink{Writer: w})
		closer = w
	}

	orders := repository.NewOrderRepository(pool)
	s, err := export.NewScheduler(orders, repository.NewAdvisoryLocker(pool),
		export.Feed{Location: loc, Currency: cfg.Payment.Currency},
		meter, time.Now, sinks...)
	if err != nil {
		_ = closer.Close()
		return nil, nil, errors.Wrap(err, "create export scheduler")
	}
	return s, closer, nil
}
