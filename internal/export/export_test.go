package export

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
)

// --- Mock implementations ---

type memRepo struct {
	mu     sync.Mutex
	orders []order.Order
	err    error
}

func (r *memRepo) ListForExport(context.Context) ([]order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []order.Order
	for _, o := range r.orders {
		if o.Status == order.StatusInProcess || o.Status == order.StatusProcessing {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memRepo) MarkExported(_ context.Context, ids []int64, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.orders {
		o := &r.orders[i]
		for _, id := range ids {
			if o.ID == id && o.Status == order.StatusInProcess {
				o.Status = order.StatusProcessing
				o.Exported = true
				o.ExportedAt = &at
				n++
			}
		}
	}
	return n, nil
}

func (r *memRepo) get(id int64) order.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.ID == id {
			return o
		}
	}
	return order.Order{}
}

type heldLocker struct {
	held bool
}

func (l *heldLocker) TryLock(ctx context.Context, _ string, fn func(context.Context) error) (bool, error) {
	if l.held {
		return false, nil
	}
	return true, fn(ctx)
}

type recordingSink struct {
	name    string
	err     error
	mu      sync.Mutex
	batches []Batch
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, b)
	return nil
}

type memWriter struct {
	msgs []kafka.Message
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

// --- Helpers ---

var (
	testNow  = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	testFeed = Feed{Location: time.UTC, Currency: "UAH"}
)

func submitted(id int64, status order.Status) order.Order {
	exportedAt := testNow.Add(-time.Hour)
	o := order.Order{
		ID:          id,
		Status:      status,
		OrderNumber: order.FormatNumber(testNow, id),
		Contact:     order.Contact{FullName: "Олена Коваль", Phone: "380671234567", Email: "olena@example.com"},
		Delivery: order.Delivery{
			Method:       order.DeliveryNovaPoshta,
			City:         "Київ",
			Address:      "Відділення №1: вул. Пирогівський шлях, 135",
			CityRef:      "city-1",
			WarehouseRef: "wh-1",
		},
		PaymentMethod: order.PaymentCash,
		CreatedAt:     time.Date(2026, 10, 16, 18, 5, 9, 0, time.UTC),
		Items: []order.Item{
			{Kind: catalog.KindVariant, RefID: 11, ProductID: 1, VariantID: 11, SKU: "DOG-FOOD-2KG", Quantity: 2, UnitPrice: decimal.RequireFromString("10.5")},
			{Kind: catalog.KindVariant, RefID: 12, ProductID: 1, VariantID: 12, Quantity: 1, UnitPrice: decimal.RequireFromString("3")},
			{Kind: catalog.KindProduct, RefID: 2, ProductID: 2, Quantity: 1, UnitPrice: decimal.RequireFromString("5")},
		},
	}
	if status == order.StatusProcessing {
		o.Exported = true
		o.ExportedAt = &exportedAt
	}
	return o
}

func newTestScheduler(t *testing.T, repo Repository, locks Locker, sinks ...Sink) *Scheduler {
	t.Helper()
	s, err := NewScheduler(repo, locks, testFeed, noop.NewMeterProvider().Meter("test"),
		func() time.Time { return testNow }, sinks...)
	require.NoError(t, err)
	return s
}

// --- Tests ---

func TestFeed_Record(t *testing.T) {
	o := submitted(42, order.StatusInProcess)
	o.Comment = "Дзвоніть після 18:00"

	rec := testFeed.Record(&o)

	assert.JSONEq(t, `{
		"Client": {
			"Name": "Олена Коваль",
			"MPhone": "380671234567",
			"CPhone": "",
			"ZIP": "",
			"Country": "Україна",
			"Region": "",
			"Місто": "Київ",
			"Address": "Відділення №1: вул. Пирогівський шлях, 135",
			"EMail": "olena@example.com"
		},
		"Options": {
			"SaleType": "1",
			"Comment": "Дзвоніть після 18:00",
			"OrderNumber": "261017-000042",
			"DeliveryCondition": "Нова Пошта",
			"DeliveryAddress": "Відділення №1: вул. Пирогівський шлях, 135",
			"ReserveDate": "",
			"BonusPay": "0",
			"GiftCertificate": "",
			"OrderDate": "2026-10-16 18:05:09",
			"CurrencyInternationalCode": "UAH"
		},
		"Goods": [
			{"GoodID": "DOG-FOOD-2KG", "Price": "10.50", "Count": "2"},
			{"GoodID": "V12", "Price": "3.00", "Count": "1"},
			{"GoodID": "2", "Price": "5.00", "Count": "1"}
		]
	}`, string(rec.Data))
}

func TestFeed_DestinationPerDeliveryMethod(t *testing.T) {
	tests := []struct {
		name     string
		delivery order.Delivery
		city     string
		address  string
	}{
		{
			name: "nova poshta warehouse",
			delivery: order.Delivery{
				Method: order.DeliveryNovaPoshta, City: "Львів", Address: "Відділення №5: вул. Городоцька, 1",
				CityRef: "city-2", WarehouseRef: "wh-5",
			},
			city:    "Львів",
			address: "Відділення №5: вул. Городоцька, 1",
		},
		{
			name:     "ukrposhta address",
			delivery: order.Delivery{Method: order.DeliveryUkrposhta, City: "Одеса", Address: "вул. Дерибасівська, 10, кв. 3"},
			city:     "Одеса",
			address:  "вул. Дерибасівська, 10, кв. 3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := submitted(9, order.StatusInProcess)
			o.Delivery = tt.delivery

			var doc struct {
				Client  map[string]string `json:"Client"`
				Options map[string]string `json:"Options"`
			}
			require.NoError(t, json.Unmarshal(testFeed.Record(&o).Data, &doc))
			assert.Equal(t, tt.city, doc.Client["Місто"])
			assert.Equal(t, tt.address, doc.Client["Address"])
			assert.Equal(t, tt.address, doc.Options["DeliveryAddress"])
			assert.Equal(t, tt.delivery.Method.DisplayName(), doc.Options["DeliveryCondition"])
		})
	}
}

func TestFeed_GoodIDForVariantWithoutSKU(t *testing.T) {
	o := submitted(5, order.StatusInProcess)
	o.Items = []order.Item{
		{Kind: catalog.KindVariant, RefID: 77, ProductID: 4, VariantID: 77, Quantity: 1, UnitPrice: decimal.RequireFromString("8")},
	}

	var doc struct {
		Goods []map[string]string `json:"Goods"`
	}
	require.NoError(t, json.Unmarshal(testFeed.Record(&o).Data, &doc))
	require.Len(t, doc.Goods, 1)
	assert.Equal(t, "V77", doc.Goods[0]["GoodID"])
}

func TestFeed_DefaultsAndZone(t *testing.T) {
	kyiv := time.FixedZone("EEST", 3*60*60)
	o := submitted(7, order.StatusInProcess)
	o.Contact.FullName = ""
	o.OrderNumber = ""

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(Feed{Location: kyiv}.Record(&o).Data, &doc))

	assert.Equal(t, "Покупець", doc["Client"]["Name"])
	assert.Equal(t, "7", doc["Options"]["OrderNumber"])
	assert.Equal(t, "2026-10-16 21:05:09", doc["Options"]["OrderDate"])
	assert.Equal(t, "UAH", doc["Options"]["CurrencyInternationalCode"])
}

func TestDocument(t *testing.T) {
	a, b := submitted(1, order.StatusInProcess), submitted(2, order.StatusProcessing)

	var docs []json.RawMessage
	require.NoError(t, json.Unmarshal(Document([]Record{testFeed.Record(&a), testFeed.Record(&b)}), &docs))
	assert.Len(t, docs, 2)

	var empty []json.RawMessage
	require.NoError(t, json.Unmarshal(Document(nil), &empty))
	assert.Empty(t, empty)
}

func TestRunOnce_PromotesOnlyInProcess(t *testing.T) {
	processing := submitted(2, order.StatusProcessing)
	repo := &memRepo{orders: []order.Order{
		submitted(1, order.StatusInProcess),
		processing,
		submitted(3, order.StatusShipped),
	}}
	sink := &recordingSink{name: "rec"}
	s := newTestScheduler(t, repo, &heldLocker{}, sink)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{Emitted: 2, Promoted: 1}, res)

	require.Len(t, sink.batches, 1)
	var numbers []string
	for _, r := range sink.batches[0].Records {
		numbers = append(numbers, r.OrderNumber)
	}
	assert.ElementsMatch(t, []string{"261017-000001", "261017-000002"}, numbers)

	promoted := repo.get(1)
	assert.Equal(t, order.StatusProcessing, promoted.Status)
	assert.True(t, promoted.Exported)
	require.NotNil(t, promoted.ExportedAt)
	assert.Equal(t, testNow, *promoted.ExportedAt)

	assert.Equal(t, processing, repo.get(2))
}

func TestRunOnce_RerunIsNoop(t *testing.T) {
	repo := &memRepo{orders: []order.Order{submitted(1, order.StatusInProcess)}}
	s := newTestScheduler(t, repo, &heldLocker{}, &recordingSink{name: "rec"})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Emitted)
	assert.Zero(t, res.Promoted)
}

func TestRunOnce_SinkFailureBlocksPromotion(t *testing.T) {
	repo := &memRepo{orders: []order.Order{submitted(1, order.StatusInProcess)}}
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("disk full")}
	s := newTestScheduler(t, repo, &heldLocker{}, good, bad)

	_, err := s.RunOnce(context.Background())
	require.ErrorContains(t, err, "write to bad")
	assert.Equal(t, order.StatusInProcess, repo.get(1).Status)
}

func TestRunOnce_Skipped(t *testing.T) {
	repo := &memRepo{orders: []order.Order{submitted(1, order.StatusInProcess)}}
	sink := &recordingSink{name: "rec"}
	s := newTestScheduler(t, repo, &heldLocker{held: true}, sink)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, sink.batches)
	assert.Equal(t, order.StatusInProcess, repo.get(1).Status)
}

func TestRunOnce_Empty(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	s := newTestScheduler(t, &memRepo{}, &heldLocker{}, sink)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Result{}, res)
	assert.Empty(t, sink.batches)
}

func TestNewScheduler_RequiresSink(t *testing.T) {
	_, err := NewScheduler(&memRepo{}, &heldLocker{}, testFeed, noop.NewMeterProvider().Meter("test"), nil)
	require.Error(t, err)
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	o := submitted(1, order.StatusInProcess)
	b := Batch{At: testNow, Records: []Record{testFeed.Record(&o)}}

	sink := &FileSink{Dir: dir, Archive: true}
	require.NoError(t, sink.Write(context.Background(), b))

	stamped, err := os.ReadFile(filepath.Join(dir, "orders_20261017_093000.json"))
	require.NoError(t, err)
	current, err := os.ReadFile(filepath.Join(dir, "orders_current.json"))
	require.NoError(t, err)
	assert.Equal(t, stamped, current)

	f, err := os.Open(filepath.Join(dir, "archive", "orders_20261017_093000.json.gz"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	archived, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, stamped, archived)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestKafkaSink(t *testing.T) {
	w := &memWriter{}
	a, b := submitted(1, order.StatusInProcess), submitted(2, order.StatusProcessing)
	batch := Batch{At: testNow, Records: []Record{testFeed.Record(&a), testFeed.Record(&b)}}

	require.NoError(t, (&KafkaSink{Writer: w}).Write(context.Background(), batch))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "261017-000001", string(w.msgs[0].Key))
	assert.Equal(t, batch.Records[1].Data, w.msgs[1].Value)
	assert.Equal(t, "processing", string(w.msgs[1].Headers[1].Value))
}
