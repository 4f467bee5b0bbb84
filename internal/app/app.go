package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/carrier/novaposhta"
	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/shipment"
	"github.com/xenking/storefront/internal/events"
	"github.com/xenking/storefront/internal/gateway/portmone"
	"github.com/xenking/storefront/internal/handler"
	"github.com/xenking/storefront/internal/repository"
	"github.com/xenking/storefront/internal/sessioncart"
	"github.com/xenking/storefront/pkg/health"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

const serviceName = "storefront"

// Run creates all dependencies, starts the HTTP server and the background
// jobs, and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	if err := cfg.validateServer(); err != nil {
		return err
	}
	lg.Info("Initializing", zap.String("addr", cfg.Addr))
	ctx = zctx.Base(ctx, lg)
	meter := m.MeterProvider().Meter(serviceName)

	pool, err := OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	cleanup := closers{rdb}
	defer func() { cleanup.Close(ctx) }()

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// Repositories and stores.
	catalogRepo := repository.NewCatalogRepository(pool)
	cartRepo := repository.NewCartRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)
	locker := repository.NewAdvisoryLocker(pool)
	sessionStore := sessioncart.NewStore(rdb, cfg.Session.Cart)
	summaryCache := sessioncart.NewSummaryCache(rdb, cfg.Redis.SummaryTTL)

	// Domain services.
	carts := cart.NewService(catalogRepo, cartRepo, sessionStore, summaryCache)
	merger := cart.NewConsolidator(catalogRepo, cartRepo, sessionStore, summaryCache)
	orders, err := order.NewService(orderRepo, sessionStore, summaryCache, meter, time.Now)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	gateway, err := portmone.New(portmone.Config{
		URL:           cfg.Payment.URL,
		PayeeID:       cfg.Payment.PayeeID,
		SuccessURL:    cfg.Payment.SuccessURL,
		FailureURL:    cfg.Payment.FailureURL,
		Secret:        cfg.Payment.Secret,
		AllowUnsigned: cfg.Payment.AllowUnsigned,
		Scheme:        portmone.Scheme(cfg.Payment.Scheme),
	})
	if err != nil {
		return errors.Wrap(err, "create payment gateway")
	}
	var notifier payment.Notifier = events.LogNotifier{}
	if len(cfg.Kafka.Brokers) > 0 {
		w := events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.PaymentTopic)
		cleanup = append(cleanup, w)
		notifier = events.NewPaymentNotifier(w)
	}
	ledger, err := payment.NewLedger(paymentRepo, gateway, notifier, cfg.Payment.Currency, meter, time.Now)
	if err != nil {
		return errors.Wrap(err, "create payment ledger")
	}

	carrier := novaposhta.New(novaposhta.Config{
		URL:              cfg.Carrier.URL,
		APIKey:           cfg.Carrier.APIKey,
		Timeout:          cfg.Carrier.Timeout,
		FailureThreshold: cfg.Carrier.FailureThreshold,
		OpenTimeout:      cfg.Carrier.OpenTimeout,
	}, lg.Named("novaposhta"))
	shipments, err := shipment.NewService(orderRepo, carrier, locker, shipment.Config{
		Sender: shipment.Sender{
			CityRef:    cfg.Carrier.Sender.CityRef,
			Ref:        cfg.Carrier.Sender.Ref,
			AddressRef: cfg.Carrier.Sender.AddressRef,
			ContactRef: cfg.Carrier.Sender.ContactRef,
			Phone:      cfg.Carrier.Sender.Phone,
		},
		Description: cfg.Carrier.Description,
		Timeout:     cfg.Carrier.Timeout,
		TrackBatch:  cfg.Carrier.TrackBatch,
	}, meter, time.Now)
	if err != nil {
		return errors.Wrap(err, "create shipment service")
	}

	exporter, exportCloser, err := NewExporter(cfg, pool, meter)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, exportCloser)

	// HTTP.
	h := handler.New(handler.Config{
		UserHeader:    cfg.Session.UserHeader,
		SessionCookie: cfg.Session.Cookie,
		CookieSecure:  cfg.Session.CookieSecure,
		SessionTTL:    cfg.Session.Cart.TTL,
	}, handler.Deps{
		Carts:     carts,
		Merger:    merger,
		Orders:    orders,
		Payments:  ledger,
		Callbacks: gateway,
		Shipments: shipments,
		Directory: carrier,
		Exporter:  exporter,
		Keys:      auth.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
	})

	r := chi.NewRouter()
	r.Use(
		httpmiddleware.LogRequests(),
		httpmiddleware.Labeler(),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Routes(r)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(r,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Instrument(serviceName, m.TracerProvider(), m.MeterProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Export.Interval > 0 {
		g.Go(func() error {
			exporter.Run(gctx, cfg.Export.Interval)
			return nil
		})
	}
	if cfg.Carrier.TrackingInterval > 0 {
		g.Go(func() error {
			shipments.RunTracking(gctx, cfg.Carrier.TrackingInterval)
			return nil
		})
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
