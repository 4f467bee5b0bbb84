//go:build integration

package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

// --- Helpers ---

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("storefront"),
		postgres.WithUsername("storefront"),
		postgres.WithPassword("storefront"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(pool))
	// Second run is a no-op.
	require.NoError(t, RunMigrations(pool))

	err = NewCatalogRepository(pool).Upsert(ctx, []catalog.Product{
		{ID: 1, Name: "Mug", SKU: "MUG", Price: decimal.RequireFromString("12.50"), Quantity: 5},
		{
			ID: 2, Name: "Shirt", SKU: "SHIRT", Price: decimal.RequireFromString("20.00"),
			Variants: []catalog.Variant{
				{ID: 10, Name: "XL", SKU: "SHIRT-XL", Price: decimal.RequireFromString("21.00"), Quantity: 3},
			},
		},
	})
	require.NoError(t, err)
	return pool
}

var (
	mugRef = catalog.Ref{Kind: catalog.KindProduct, ID: 1}
	xlRef  = catalog.Ref{Kind: catalog.KindVariant, ID: 10}
)

func line(ref catalog.Ref, qty int, price string) cart.Line {
	return cart.Line{Kind: ref.Kind, RefID: ref.ID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func submitFn(req order.CheckoutRequest, now time.Time) func(o *order.Order, live map[catalog.Ref]catalog.Item) error {
	return func(o *order.Order, live map[catalog.Ref]catalog.Item) error {
		return order.Submit(o, live, req, now)
	}
}

func checkoutRequest() order.CheckoutRequest {
	return order.CheckoutRequest{
		FullName:            "Olena Petrenko",
		Phone:               "+380501112233",
		Email:               "olena@example.com",
		DeliveryMethod:      order.DeliveryNovaPoshta,
		City:                "Київ",
		DeliveryAddress:     "Відділення №1: вул. Пирогівський шлях, 135",
		CarrierCityRef:      "city-1",
		CarrierWarehouseRef: "wh-1",
		PaymentMethod:       order.PaymentCardOnline,
	}
}

// --- Tests ---

func TestRepositories(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	catalogRepo := NewCatalogRepository(pool)
	carts := NewCartRepository(pool)
	orders := NewOrderRepository(pool)
	payments := NewPaymentRepository(pool)

	t.Run("CatalogLookup", func(t *testing.T) {
		items, err := catalogRepo.LookupMany(ctx, []catalog.Ref{mugRef, xlRef, {Kind: catalog.KindVariant, ID: 99}})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "Shirt XL", items[xlRef].Name)
		assert.Equal(t, int64(2), items[xlRef].ProductID)
		assert.Equal(t, 3, items[xlRef].Available)

		_, err = catalogRepo.Lookup(ctx, catalog.Ref{Kind: catalog.KindProduct, ID: 99})
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("CartMutations", func(t *testing.T) {
		owner := cart.User("user-1")
		lines, err := carts.Lines(ctx, owner)
		require.NoError(t, err)
		assert.Empty(t, lines)

		_, err = carts.Mutate(ctx, owner, func([]cart.Line) ([]cart.Line, error) {
			return []cart.Line{line(mugRef, 2, "12.50"), line(xlRef, 1, "21.00")}, nil
		})
		require.NoError(t, err)

		_, err = carts.Mutate(ctx, owner, func(cur []cart.Line) ([]cart.Line, error) {
			require.Len(t, cur, 2)
			return cur[:1], nil
		})
		require.NoError(t, err)

		lines, err = carts.Lines(ctx, owner)
		require.NoError(t, err)
		require.Len(t, lines, 1)
		assert.Equal(t, mugRef, lines[0].Ref())
		assert.Equal(t, 2, lines[0].Quantity)

		require.NoError(t, carts.Clear(ctx, owner))
		lines, err = carts.Lines(ctx, owner)
		require.NoError(t, err)
		assert.Empty(t, lines)

		_, err = carts.Lines(ctx, cart.Session("sid"))
		assert.ErrorIs(t, err, cart.ErrInvalidOwner)
	})

	t.Run("ConcurrentMutationsSerialize", func(t *testing.T) {
		owner := cart.User("user-concurrent")
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := carts.Mutate(ctx, owner, func(cur []cart.Line) ([]cart.Line, error) {
					if len(cur) == 0 {
						return []cart.Line{line(mugRef, 1, "12.50")}, nil
					}
					cur[0].Quantity++
					return cur, nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		lines, err := carts.Lines(ctx, owner)
		require.NoError(t, err)
		require.Len(t, lines, 1)
		assert.Equal(t, 8, lines[0].Quantity)
	})

	t.Run("MergeOnce", func(t *testing.T) {
		merge := func([]cart.Line) ([]cart.Line, error) {
			return []cart.Line{line(xlRef, 1, "21.00")}, nil
		}
		lines, merged, err := carts.MergeOnce(ctx, "user-merge", "sid-1", merge)
		require.NoError(t, err)
		assert.True(t, merged)
		assert.Len(t, lines, 1)

		lines, merged, err = carts.MergeOnce(ctx, "user-merge", "sid-1", func([]cart.Line) ([]cart.Line, error) {
			t.Fatal("repeated merge must not run")
			return nil, nil
		})
		require.NoError(t, err)
		assert.False(t, merged)
		assert.Len(t, lines, 1)
	})

	t.Run("CheckoutAccountCart", func(t *testing.T) {
		owner := cart.User("user-checkout")
		_, err := carts.Mutate(ctx, owner, func([]cart.Line) ([]cart.Line, error) {
			return []cart.Line{line(mugRef, 2, "10.00")}, nil
		})
		require.NoError(t, err)

		now := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
		o, err := orders.Checkout(ctx, order.CheckoutInput{UserID: owner.UserID, Key: "key-1"}, submitFn(checkoutRequest(), now))
		require.NoError(t, err)
		assert.Equal(t, order.StatusInProcess, o.Status)
		assert.Equal(t, order.FormatNumber(now, o.ID), o.OrderNumber)

		stored, err := orders.GetByNumber(ctx, o.OrderNumber)
		require.NoError(t, err)
		require.Len(t, stored.Items, 1)
		assert.True(t, decimal.RequireFromString("12.50").Equal(stored.Items[0].UnitPrice))
		assert.Equal(t, "MUG", stored.Items[0].SKU)
		assert.True(t, decimal.RequireFromString("25.00").Equal(stored.Total()))
		assert.True(t, now.Equal(stored.CreatedAt))
		assert.Equal(t, "Київ", stored.Delivery.City)
		assert.Equal(t, "Відділення №1: вул. Пирогівський шлях, 135", stored.Delivery.Address)

		byKey, err := orders.FindByCheckoutKey(ctx, owner, "key-1")
		require.NoError(t, err)
		assert.Equal(t, o.ID, byKey.ID)

		_, err = orders.FindByCheckoutKey(ctx, cart.User("someone-else"), "key-1")
		assert.ErrorIs(t, err, order.ErrNotFound)

		// The account has no cart any more.
		_, err = orders.Checkout(ctx, order.CheckoutInput{UserID: owner.UserID}, submitFn(checkoutRequest(), now))
		assert.ErrorIs(t, err, order.ErrEmptyCart)
	})

	t.Run("CheckoutFailureLeavesCart", func(t *testing.T) {
		owner := cart.User("user-stock")
		_, err := carts.Mutate(ctx, owner, func([]cart.Line) ([]cart.Line, error) {
			return []cart.Line{line(xlRef, 5, "21.00")}, nil
		})
		require.NoError(t, err)

		_, err = orders.Checkout(ctx, order.CheckoutInput{UserID: owner.UserID}, submitFn(checkoutRequest(), time.Now()))
		var stockErr *order.InsufficientStockError
		require.ErrorAs(t, err, &stockErr)

		lines, err := carts.Lines(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, lines, 1)
	})

	t.Run("CheckoutGuestAndDuplicateKey", func(t *testing.T) {
		in := order.CheckoutInput{
			SessionID: "sid-guest",
			CartID:    uuid.NewString(),
			Lines:     []cart.Line{line(mugRef, 1, "12.50")},
			Key:       "guest-key",
		}
		o, err := orders.Checkout(ctx, in, submitFn(checkoutRequest(), time.Now()))
		require.NoError(t, err)
		assert.Empty(t, o.OwnerID)
		assert.Equal(t, "sid-guest", o.SessionID)

		// Same key from a new cart generation of the same session.
		again := in
		again.CartID = uuid.NewString()
		_, err = orders.Checkout(ctx, again, submitFn(checkoutRequest(), time.Now()))
		assert.ErrorIs(t, err, order.ErrDuplicateCheckout)

		// Keys are scoped per owner: another shopper may reuse it.
		other := order.CheckoutInput{
			SessionID: "sid-other",
			CartID:    uuid.NewString(),
			Lines:     []cart.Line{line(mugRef, 1, "12.50")},
			Key:       "guest-key",
		}
		theirs, err := orders.Checkout(ctx, other, submitFn(checkoutRequest(), time.Now()))
		require.NoError(t, err)
		assert.NotEqual(t, o.ID, theirs.ID)

		found, err := orders.FindByCheckoutKey(ctx, cart.Session("sid-other"), "guest-key")
		require.NoError(t, err)
		assert.Equal(t, theirs.ID, found.ID)
	})

	t.Run("SessionCartBecomesOneOrder", func(t *testing.T) {
		in := order.CheckoutInput{
			SessionID: "sid-race",
			CartID:    uuid.NewString(),
			Lines:     []cart.Line{line(mugRef, 1, "12.50")},
		}

		var (
			wg      sync.WaitGroup
			created atomic.Int32
			claimed atomic.Int32
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := orders.Checkout(ctx, in, submitFn(checkoutRequest(), time.Now()))
				switch {
				case err == nil:
					created.Add(1)
				case errors.Is(err, order.ErrCartClaimed):
					claimed.Add(1)
				default:
					t.Errorf("unexpected checkout error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), created.Load())
		assert.Equal(t, int32(3), claimed.Load())

		o, err := orders.FindBySessionCart(ctx, in.CartID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusInProcess, o.Status)
		assert.Equal(t, "sid-race", o.SessionID)

		_, err = orders.FindBySessionCart(ctx, uuid.NewString())
		assert.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("AdoptGuestOrders", func(t *testing.T) {
		in := order.CheckoutInput{
			SessionID: "sid-adopt",
			CartID:    uuid.NewString(),
			Lines:     []cart.Line{line(mugRef, 1, "12.50")},
		}
		o, err := orders.Checkout(ctx, in, submitFn(checkoutRequest(), time.Now()))
		require.NoError(t, err)

		n, err := carts.AdoptOrders(ctx, "user-adopt", "sid-adopt")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = carts.AdoptOrders(ctx, "user-adopt", "sid-adopt")
		require.NoError(t, err)
		assert.Zero(t, n)

		adopted, err := orders.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, "user-adopt", adopted.OwnerID)
		assert.True(t, adopted.OwnedBy(cart.User("user-adopt")))
		assert.False(t, adopted.OwnedBy(cart.Session("sid-adopt")))
	})

	t.Run("ExportPromotion", func(t *testing.T) {
		pending, err := orders.ListForExport(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, pending)

		ids := make([]int64, len(pending))
		for i, o := range pending {
			ids[i] = o.ID
			assert.NotEmpty(t, o.Items)
		}
		n, err := orders.MarkExported(ctx, ids, time.Now())
		require.NoError(t, err)
		assert.Equal(t, len(ids), n)

		n, err = orders.MarkExported(ctx, ids, time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)

		o, err := orders.Get(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, order.StatusProcessing, o.Status)
		assert.True(t, o.Exported)
		assert.NotNil(t, o.ExportedAt)
	})

	t.Run("UpdateAndListShipped", func(t *testing.T) {
		pending, err := orders.ListForExport(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, pending)
		id := pending[0].ID

		_, err = orders.Update(ctx, id, func(o *order.Order) (bool, error) {
			o.Delivery.TrackingNumber = "20450000000001"
			o.Status = order.StatusShipped
			return true, nil
		})
		require.NoError(t, err)

		shipped, err := orders.ListShipped(ctx, 10)
		require.NoError(t, err)
		require.Len(t, shipped, 1)
		assert.Equal(t, "20450000000001", shipped[0].Delivery.TrackingNumber)

		_, err = orders.Get(ctx, 999999)
		assert.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("PaymentLedger", func(t *testing.T) {
		owner := cart.User("user-pay")
		_, err := carts.Mutate(ctx, owner, func([]cart.Line) ([]cart.Line, error) {
			return []cart.Line{line(mugRef, 1, "12.50")}, nil
		})
		require.NoError(t, err)
		o, err := orders.Checkout(ctx, order.CheckoutInput{UserID: owner.UserID}, submitFn(checkoutRequest(), time.Now()))
		require.NoError(t, err)

		txID := uuid.New()
		err = payments.WithOrder(ctx, o.OrderNumber, func(ctx context.Context, ref *payment.OrderRef, tx payment.Tx) error {
			assert.True(t, decimal.RequireFromString("12.50").Equal(ref.Total))
			assert.Equal(t, order.PaymentPending, ref.PaymentStatus)

			_, err := tx.LatestOpen(ctx, ref.ID, "portmone")
			assert.ErrorIs(t, err, payment.ErrNotFound)

			return tx.Insert(ctx, &payment.Transaction{
				ID:             txID,
				OrderID:        ref.ID,
				Type:           payment.TypePayment,
				Status:         payment.StatusInitiated,
				Amount:         ref.Total,
				Currency:       "UAH",
				GatewaySystem:  "portmone",
				RequestPayload: []byte(`{"shop_order_number":"x"}`),
				CreatedAt:      time.Now().Add(-time.Hour),
			})
		})
		require.NoError(t, err)

		stale, err := payments.Stale(ctx, time.Now().Add(-30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, o.OrderNumber, stale[0].OrderNumber)

		err = payments.WithOrder(ctx, o.OrderNumber, func(ctx context.Context, ref *payment.OrderRef, tx payment.Tx) error {
			open, err := tx.LatestOpen(ctx, ref.ID, "portmone")
			if err != nil {
				return err
			}
			now := time.Now()
			open.Status = payment.StatusSuccess
			open.ExternalID = "bill-1"
			open.ResponsePayload = []byte(`{"RESULT":"0"}`)
			open.CompletedAt = &now
			if err := tx.Complete(ctx, open); err != nil {
				return err
			}
			return tx.SetPaymentStatus(ctx, ref.ID, order.PaymentPaid)
		})
		require.NoError(t, err)

		err = payments.WithOrder(ctx, o.OrderNumber, func(ctx context.Context, ref *payment.OrderRef, tx payment.Tx) error {
			found, err := tx.FindByExternalID(ctx, "portmone", "bill-1")
			require.NoError(t, err)
			assert.Equal(t, txID, found.ID)
			assert.Equal(t, payment.StatusSuccess, found.Status)
			assert.JSONEq(t, `{"RESULT":"0"}`, string(found.ResponsePayload))
			assert.Equal(t, order.PaymentPaid, ref.PaymentStatus)
			return nil
		})
		require.NoError(t, err)

		err = payments.WithOrder(ctx, "000000-999999", func(context.Context, *payment.OrderRef, payment.Tx) error {
			return nil
		})
		assert.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("AdvisoryLock", func(t *testing.T) {
		locks := NewAdvisoryLocker(pool)
		var inner atomic.Bool
		acquired, err := locks.TryLock(ctx, "export-orders", func(ctx context.Context) error {
			ok, err := locks.TryLock(ctx, "export-orders", func(context.Context) error {
				inner.Store(true)
				return nil
			})
			assert.False(t, ok)
			return err
		})
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.False(t, inner.Load())

		acquired, err = locks.TryLock(ctx, "export-orders", func(context.Context) error { return nil })
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("APIKeys", func(t *testing.T) {
		authn := auth.NewAuthenticator(NewAPIKeyRepository(pool), []byte("pepper"))
		raw, err := authn.Issue(ctx, "back-office", []string{auth.ScopeExport})
		require.NoError(t, err)

		got, err := authn.Authenticate(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, "back-office", got.Name)
		assert.True(t, got.HasScope(auth.ScopeExport))

		_, err = authn.Authenticate(ctx, "sk_unknown")
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})
}
