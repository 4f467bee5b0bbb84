package export

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/order"
)

const lockKey = "export-orders"

// Batch is one export run handed to every sink.
type Batch struct {
	At      time.Time
	Records []Record
}

// Sink receives export batches. A batch is promoted only when every sink
// accepted it, so sinks must tolerate receiving the same order again.
type Sink interface {
	Name() string
	Write(ctx context.Context, b Batch) error
}

// Repository selects and promotes exportable orders.
type Repository interface {
	// ListForExport returns IN_PROCESS and PROCESSING orders with items.
	ListForExport(ctx context.Context) ([]order.Order, error)
	// MarkExported moves the given IN_PROCESS orders to PROCESSING and flags
	// them exported. Orders no longer IN_PROCESS are left alone.
	MarkExported(ctx context.Context, ids []int64, at time.Time) (int, error)
}

// Locker runs fn while holding a named lock shared by every process.
type Locker interface {
	TryLock(ctx context.Context, key string, fn func(ctx context.Context) error) (acquired bool, err error)
}

// Result summarizes a run.
type Result struct {
	Emitted  int
	Promoted int
	// Skipped is set when another run held the lock.
	Skipped bool
}

// Scheduler runs exports.
type Scheduler struct {
	repo  Repository
	locks Locker
	sinks []Sink
	feed  Feed
	now   func() time.Time

	emitted  metric.Int64Counter
	promoted metric.Int64Counter
}

// NewScheduler creates a Scheduler writing to sinks.
func NewScheduler(repo Repository, locks Locker, feed Feed, meter metric.Meter, now func() time.Time, sinks ...Sink) (*Scheduler, error) {
	if len(sinks) == 0 {
		return nil, errors.New("export needs at least one sink")
	}
	if now == nil {
		now = time.Now
	}
	emitted, err := meter.Int64Counter("storefront.export.emitted",
		metric.WithDescription("Orders written to the export feed"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create emitted counter")
	}
	promoted, err := meter.Int64Counter("storefront.export.promoted",
		metric.WithDescription("Orders promoted to processing by export"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create promoted counter")
	}
	return &Scheduler{
		repo:     repo,
		locks:    locks,
		sinks:    sinks,
		feed:     feed,
		now:      now,
		emitted:  emitted,
		promoted: promoted,
	}, nil
}

// RunOnce exports every IN_PROCESS and PROCESSING order and promotes the
// IN_PROCESS ones. Only one run executes at a time across processes;
// overlapping runs return Skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (*Result, error) {
	lg := zctx.From(ctx)

	var res Result
	acquired, err := s.locks.TryLock(ctx, lockKey, func(ctx context.Context) error {
		orders, err := s.repo.ListForExport(ctx)
		if err != nil {
			return errors.Wrap(err, "list orders")
		}
		if len(orders) == 0 {
			lg.Debug("No orders to export")
			return nil
		}

		batch := Batch{At: s.now(), Records: make([]Record, 0, len(orders))}
		var fresh []int64
		for i := range orders {
			o := &orders[i]
			batch.Records = append(batch.Records, s.feed.Record(o))
			if o.Status == order.StatusInProcess {
				fresh = append(fresh, o.ID)
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, sink := range s.sinks {
			g.Go(func() error {
				if err := sink.Write(gctx, batch); err != nil {
					return errors.Wrapf(err, "write to %s", sink.Name())
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		res.Emitted = len(batch.Records)
		s.emitted.Add(ctx, int64(res.Emitted))

		if len(fresh) > 0 {
			res.Promoted, err = s.repo.MarkExported(ctx, fresh, batch.At)
			if err != nil {
				// The next run exports these orders again.
				return errors.Wrap(err, "mark exported")
			}
			s.promoted.Add(ctx, int64(res.Promoted))
		}

		lg.Info("Orders exported",
			zap.Int("emitted", res.Emitted),
			zap.Int("promoted", res.Promoted),
			zap.Int("sinks", len(s.sinks)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		lg.Info("Export already running, skipped")
		return &Result{Skipped: true}, nil
	}
	return &res, nil
}

// Run calls RunOnce every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				zctx.From(ctx).Error("Export run failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
