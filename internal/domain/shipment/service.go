package shipment

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/order"
)

// Config tunes the service.
type Config struct {
	Sender      Sender
	Description string
	// Timeout bounds every carrier call.
	Timeout time.Duration
	// TrackBatch is the number of parcels polled per tracking sync.
	TrackBatch int
}

// Result is the outcome of CreateWaybill.
type Result struct {
	TrackingNumber string
	// Existing is set when the order already had a waybill and the carrier
	// was not called.
	Existing bool
}

// Service creates waybills and completes delivered orders.
type Service struct {
	orders  Orders
	carrier Carrier
	locks   Locker
	cfg     Config
	now     func() time.Time

	waybills metric.Int64Counter
}

// NewService creates a Service.
func NewService(orders Orders, carrier Carrier, locks Locker, cfg Config, meter metric.Meter, now func() time.Time) (*Service, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TrackBatch <= 0 {
		cfg.TrackBatch = 100
	}
	if cfg.Description == "" {
		cfg.Description = "Товари"
	}
	if now == nil {
		now = time.Now
	}
	waybills, err := meter.Int64Counter("storefront.shipment.waybills",
		metric.WithDescription("Waybill creation attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create waybills counter")
	}
	return &Service{
		orders:   orders,
		carrier:  carrier,
		locks:    locks,
		cfg:      cfg,
		now:      now,
		waybills: waybills,
	}, nil
}

// CreateWaybill registers the order's parcel with the carrier, stores the
// tracking number and moves the order to SHIPPED. At most one carrier call is
// made per order: the tracking number is re-checked under a lock and returned
// as is when present. Local state is changed only after the carrier call
// succeeds.
func (s *Service) CreateWaybill(ctx context.Context, orderID int64) (*Result, error) {
	lg := zctx.From(ctx).With(zap.Int64("order_id", orderID))

	var res Result
	acquired, err := s.locks.TryLock(ctx, "waybill:"+strconv.FormatInt(orderID, 10), func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Delivery.TrackingNumber != "" {
			res = Result{TrackingNumber: o.Delivery.TrackingNumber, Existing: true}
			return nil
		}
		req, err := s.request(o)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		wb, err := s.carrier.CreateWaybill(callCtx, *req)
		cancel()
		if err != nil {
			s.record(ctx, "error")
			lg.Error("Waybill creation failed",
				zap.String("order_number", o.OrderNumber),
				zap.Bool("retryable", IsRetryable(err)),
				zap.Error(err),
			)
			return err
		}

		_, err = s.orders.Update(ctx, orderID, func(o *order.Order) (bool, error) {
			if _, err := order.Transition(o.Status, order.StatusShipped); err != nil {
				return false, err
			}
			o.Delivery.TrackingNumber = wb.TrackingNumber
			o.Status = order.StatusShipped
			return true, nil
		})
		if err != nil {
			// The carrier holds a document the order does not know about.
			lg.Error("Waybill created but not stored",
				zap.String("order_number", o.OrderNumber),
				zap.String("tracking_number", wb.TrackingNumber),
				zap.String("waybill_ref", wb.Ref),
				zap.Error(err),
			)
			return errors.Wrap(err, "store tracking number")
		}

		s.record(ctx, "created")
		lg.Info("Waybill created",
			zap.String("order_number", o.OrderNumber),
			zap.String("tracking_number", wb.TrackingNumber),
			zap.Stringer("cash_on_delivery", req.CashOnDelivery),
		)
		res = Result{TrackingNumber: wb.TrackingNumber}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrBusy
	}
	return &res, nil
}

func (s *Service) request(o *order.Order) (*WaybillRequest, error) {
	if !o.Delivery.Method.RequiresCarrier() {
		return nil, ErrNotCarrierDelivery
	}
	if o.Delivery.CityRef == "" || o.Delivery.WarehouseRef == "" {
		return nil, ErrMissingRefs
	}
	if !s.cfg.Sender.Configured() {
		return nil, &CarrierError{Op: "create waybill", Err: ErrSenderNotConfigured}
	}
	if o.Status != order.StatusProcessing {
		return nil, &order.TransitionError{From: o.Status, To: order.StatusShipped}
	}

	total := o.Total()
	cod := decimal.Zero
	if o.PaymentStatus != order.PaymentPaid {
		cod = total
	}
	return &WaybillRequest{
		Sender:         s.cfg.Sender,
		RecipientName:  o.Contact.FullName,
		RecipientPhone: o.Contact.Phone,
		CityRef:        o.Delivery.CityRef,
		WarehouseRef:   o.Delivery.WarehouseRef,
		Description:    s.cfg.Description,
		Cost:           total,
		CashOnDelivery: cod,
		Weight:         decimal.NewFromInt(1),
		Seats:          1,
		Date:           s.now(),
	}, nil
}

// SyncTracking polls the carrier for SHIPPED orders and completes the ones
// whose parcel was received.
func (s *Service) SyncTracking(ctx context.Context) (completed int, err error) {
	shipped, err := s.orders.ListShipped(ctx, s.cfg.TrackBatch)
	if err != nil {
		return 0, errors.Wrap(err, "list shipped orders")
	}
	if len(shipped) == 0 {
		return 0, nil
	}

	byNumber := make(map[string]int64, len(shipped))
	numbers := make([]string, 0, len(shipped))
	for _, o := range shipped {
		byNumber[o.Delivery.TrackingNumber] = o.ID
		numbers = append(numbers, o.Delivery.TrackingNumber)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	statuses, err := s.carrier.Track(callCtx, numbers)
	cancel()
	if err != nil {
		return 0, err
	}

	lg := zctx.From(ctx)
	for _, st := range statuses {
		id, ok := byNumber[st.Number]
		if !ok || !st.Received() {
			continue
		}
		o, err := s.orders.Update(ctx, id, func(o *order.Order) (bool, error) {
			if o.Status != order.StatusShipped {
				return false, nil
			}
			o.Status = order.StatusCompleted
			return true, nil
		})
		if err != nil {
			lg.Warn("Order completion failed",
				zap.Int64("order_id", id),
				zap.String("tracking_number", st.Number),
				zap.Error(err),
			)
			continue
		}
		if o.Status == order.StatusCompleted {
			completed++
			lg.Info("Order delivered",
				zap.Int64("order_id", id),
				zap.String("order_number", o.OrderNumber),
				zap.String("tracking_number", st.Number),
				zap.String("carrier_status", st.Status),
			)
		}
	}
	return completed, nil
}

// RunTracking calls SyncTracking every interval until ctx is done.
func (s *Service) RunTracking(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.SyncTracking(ctx); err != nil && ctx.Err() == nil {
				zctx.From(ctx).Warn("Tracking sync failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) record(ctx context.Context, outcome string) {
	s.waybills.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
