// Package novaposhta is a client for the Nova Poshta JSON API.
package novaposhta

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/shipment"
)

// DefaultURL is the production API endpoint.
const DefaultURL = "https://api.novaposhta.ua/v2.0/json/"

// Config configures the client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
	// FailureThreshold is the number of consecutive transient failures that
	// open the circuit.
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open.
	OpenTimeout time.Duration
}

var (
	_ shipment.Carrier   = (*Client)(nil)
	_ shipment.Directory = (*Client)(nil)
)

// Client calls the carrier API through a circuit breaker.
type Client struct {
	url     string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*envelope]
}

// New creates a Client.
func New(cfg Config, lg *zap.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[*envelope](gobreaker.Settings{
		Name:    "novaposhta",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !shipment.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	return &Client{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		http:    hc,
		breaker: breaker,
	}
}

type request struct {
	APIKey           string `json:"apiKey"`
	ModelName        string `json:"modelName"`
	CalledMethod     string `json:"calledMethod"`
	MethodProperties any    `json:"methodProperties"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Errors  json.RawMessage `json:"errors"`
}

// messages flattens the errors field, which is a list of strings or an
// object keyed by code depending on the method.
func (e *envelope) messages() string {
	var list []string
	if err := json.Unmarshal(e.Errors, &list); err == nil {
		return strings.Join(list, "; ")
	}
	var byCode map[string]string
	if err := json.Unmarshal(e.Errors, &byCode); err == nil {
		parts := make([]string, 0, len(byCode))
		for code, msg := range byCode {
			parts = append(parts, code+": "+msg)
		}
		return strings.Join(parts, "; ")
	}
	return string(e.Errors)
}

func (c *Client) call(ctx context.Context, model, method string, props, out any) error {
	op := model + "." + method
	if c.apiKey == "" {
		return &shipment.CarrierError{Op: op, Err: shipment.ErrAPIKeyNotConfigured}
	}
	body, err := json.Marshal(request{
		APIKey:           c.apiKey,
		ModelName:        model,
		CalledMethod:     method,
		MethodProperties: props,
	})
	if err != nil {
		return &shipment.CarrierError{Op: op, Err: errors.Wrap(err, "encode request")}
	}

	env, err := c.breaker.Execute(func() (*envelope, error) {
		return c.do(ctx, op, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &shipment.CarrierError{Op: op, Retryable: true, Err: err}
	}
	if err != nil {
		return err
	}
	if !env.Success {
		return &shipment.CarrierError{Op: op, Err: errors.Errorf("rejected: %s", env.messages())}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &shipment.CarrierError{Op: op, Retryable: true, Err: errors.Wrap(err, "decode data")}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op string, body []byte) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &shipment.CarrierError{Op: op, Err: errors.Wrap(err, "create request")}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &shipment.CarrierError{Op: op, Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &shipment.CarrierError{Op: op, Retryable: true, Err: errors.Wrap(err, "read response")}
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &shipment.CarrierError{Op: op, Retryable: retryable, Err: errors.Errorf("status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &shipment.CarrierError{Op: op, Retryable: true, Err: errors.Wrap(err, "malformed response")}
	}
	return &env, nil
}

// SearchCities finds cities by name prefix. Cities with carrier branches are
// searched first and settlements second.
func (c *Client) SearchCities(ctx context.Context, query string) ([]shipment.City, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var cities []struct {
		Ref                 string `json:"Ref"`
		Description         string `json:"Description"`
		AreaDescription     string `json:"AreaDescription"`
		SettlementTypeDescr string `json:"SettlementTypeDescription"`
	}
	if err := c.call(ctx, "Address", "getCities", map[string]string{
		"FindByString": query,
		"Limit":        "50",
	}, &cities); err != nil {
		return nil, err
	}
	if len(cities) > 0 {
		out := make([]shipment.City, 0, len(cities))
		for _, city := range cities {
			out = append(out, shipment.City{
				Ref:     city.Ref,
				Name:    city.Description,
				Present: joinNonEmpty(", ", city.Description, city.AreaDescription),
				Area:    city.AreaDescription,
			})
		}
		return out, nil
	}

	var settlements []struct {
		Addresses []struct {
			Present         string `json:"Present"`
			MainDescription string `json:"MainDescription"`
			Area            string `json:"Area"`
			Region          string `json:"Region"`
			DeliveryCity    string `json:"DeliveryCity"`
		} `json:"Addresses"`
	}
	if err := c.call(ctx, "Address", "searchSettlements", map[string]string{
		"CityName": query,
		"Limit":    "50",
		"Page":     "1",
	}, &settlements); err != nil {
		return nil, err
	}
	var out []shipment.City
	for _, s := range settlements {
		for _, a := range s.Addresses {
			if a.DeliveryCity == "" {
				continue
			}
			out = append(out, shipment.City{
				Ref:     a.DeliveryCity,
				Name:    a.MainDescription,
				Present: a.Present,
				Area:    a.Area,
				Region:  a.Region,
			})
		}
	}
	return out, nil
}

// Warehouses lists the branches of a city.
func (c *Client) Warehouses(ctx context.Context, cityRef string) ([]shipment.Warehouse, error) {
	if cityRef == "" {
		return nil, nil
	}
	var data []struct {
		Ref          string `json:"Ref"`
		Description  string `json:"Description"`
		ShortAddress string `json:"ShortAddress"`
		Number       string `json:"Number"`
		CityRef      string `json:"CityRef"`
	}
	if err := c.call(ctx, "Address", "getWarehouses", map[string]string{
		"CityRef": cityRef,
		"Limit":   "500",
	}, &data); err != nil {
		return nil, err
	}
	out := make([]shipment.Warehouse, 0, len(data))
	for _, w := range data {
		out = append(out, shipment.Warehouse(w))
	}
	return out, nil
}

type seat struct {
	Volume string `json:"volumetricVolume"`
	Width  string `json:"volumetricWidth"`
	Length string `json:"volumetricLength"`
	Height string `json:"volumetricHeight"`
	Weight string `json:"weight"`
}

type backwardDelivery struct {
	PayerType        string `json:"PayerType"`
	CargoType        string `json:"CargoType"`
	RedeliveryString string `json:"RedeliveryString"`
}

type documentProperties struct {
	NewAddress           string             `json:"NewAddress"`
	PayerType            string             `json:"PayerType"`
	PaymentMethod        string             `json:"PaymentMethod"`
	CargoType            string             `json:"CargoType"`
	ServiceType          string             `json:"ServiceType"`
	OptionsSeat          []seat             `json:"OptionsSeat"`
	CitySender           string             `json:"CitySender"`
	Sender               string             `json:"Sender"`
	SenderAddress        string             `json:"SenderAddress"`
	ContactSender        string             `json:"ContactSender"`
	SendersPhone         string             `json:"SendersPhone"`
	CityRecipient        string             `json:"CityRecipient"`
	RecipientAddress     string             `json:"RecipientAddress"`
	RecipientName        string             `json:"RecipientName"`
	RecipientType        string             `json:"RecipientType"`
	RecipientsPhone      string             `json:"RecipientsPhone"`
	Weight               string             `json:"Weight"`
	SeatsAmount          string             `json:"SeatsAmount"`
	Description          string             `json:"Description"`
	Cost                 string             `json:"Cost"`
	DateTime             string             `json:"DateTime"`
	BackwardDeliveryData []backwardDelivery `json:"BackwardDeliveryData,omitempty"`
}

// CreateWaybill creates an express waybill. The recipient pays for delivery;
// CashOnDelivery, when positive, is collected as a money redelivery.
func (c *Client) CreateWaybill(ctx context.Context, req shipment.WaybillRequest) (*shipment.Waybill, error) {
	if !req.Sender.Configured() {
		return nil, &shipment.CarrierError{Op: "InternetDocument.save", Err: shipment.ErrSenderNotConfigured}
	}
	seats := max(req.Seats, 1)
	weight := req.Weight.StringFixed(1)
	props := documentProperties{
		NewAddress:    "1",
		PayerType:     "Recipient",
		PaymentMethod: "Cash",
		CargoType:     "Parcel",
		ServiceType:   "WarehouseWarehouse",
		OptionsSeat: []seat{{
			Volume: "0.1", Width: "10", Length: "10", Height: "10", Weight: weight,
		}},
		CitySender:       req.Sender.CityRef,
		Sender:           req.Sender.Ref,
		SenderAddress:    req.Sender.AddressRef,
		ContactSender:    req.Sender.ContactRef,
		SendersPhone:     req.Sender.Phone,
		CityRecipient:    req.CityRef,
		RecipientAddress: req.WarehouseRef,
		RecipientName:    req.RecipientName,
		RecipientType:    "PrivatePerson",
		RecipientsPhone:  req.RecipientPhone,
		Weight:           weight,
		SeatsAmount:      strconv.Itoa(seats),
		Description:      req.Description,
		Cost:             req.Cost.Ceil().String(),
		DateTime:         req.Date.Format("02.01.2006"),
	}
	if req.CashOnDelivery.IsPositive() {
		props.BackwardDeliveryData = []backwardDelivery{{
			PayerType:        "Recipient",
			CargoType:        "Money",
			RedeliveryString: req.CashOnDelivery.StringFixed(2),
		}}
	}

	var data []struct {
		Ref                   string          `json:"Ref"`
		CostOnSite            json.RawMessage `json:"CostOnSite"`
		EstimatedDeliveryDate string          `json:"EstimatedDeliveryDate"`
		IntDocNumber          string          `json:"IntDocNumber"`
		TypeDocument          json.RawMessage `json:"TypeDocument"`
	}
	if err := c.call(ctx, "InternetDocument", "save", props, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 || data[0].IntDocNumber == "" {
		return nil, &shipment.CarrierError{
			Op:        "InternetDocument.save",
			Retryable: true,
			Err:       errors.New("malformed response: no document number"),
		}
	}
	wb := &shipment.Waybill{
		Ref:               data[0].Ref,
		TrackingNumber:    data[0].IntDocNumber,
		EstimatedDelivery: data[0].EstimatedDeliveryDate,
	}
	if cost, err := parseDecimal(data[0].CostOnSite); err == nil {
		wb.Cost = cost
	}
	return wb, nil
}

// Track returns the current status of each tracking number.
func (c *Client) Track(ctx context.Context, numbers []string) ([]shipment.TrackingStatus, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	type document struct {
		DocumentNumber string `json:"DocumentNumber"`
	}
	docs := make([]document, len(numbers))
	for i, n := range numbers {
		docs[i] = document{DocumentNumber: n}
	}

	var data []struct {
		Number     string `json:"Number"`
		StatusCode string `json:"StatusCode"`
		Status     string `json:"Status"`
	}
	if err := c.call(ctx, "TrackingDocument", "getStatusDocuments", map[string]any{
		"Documents": docs,
	}, &data); err != nil {
		return nil, err
	}
	out := make([]shipment.TrackingStatus, 0, len(data))
	for _, d := range data {
		code, err := strconv.Atoi(d.StatusCode)
		if err != nil {
			return nil, &shipment.CarrierError{
				Op:        "TrackingDocument.getStatusDocuments",
				Retryable: true,
				Err:       errors.Errorf("malformed status code %q for %s", d.StatusCode, d.Number),
			}
		}
		out = append(out, shipment.TrackingStatus{Number: d.Number, Code: code, Status: d.Status})
	}
	return out, nil
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

// parseDecimal accepts a JSON number or a quoted number.
func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.Trim(string(raw), `"`))
}
