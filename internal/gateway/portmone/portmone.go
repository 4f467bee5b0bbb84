// Package portmone implements the Portmone hosted payment page: the redirect
// form posted by the shopper's browser and verification of the result
// callback.
package portmone

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net/url"
	"slices"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront/internal/domain/payment"
)

// System is the gateway name stored in the ledger.
const System = "portmone"

const signatureField = "SIGNATURE"

// Scheme selects how form fields are signed.
type Scheme string

const (
	// SchemeSHA256 hashes the sorted name=value pairs followed by the secret,
	// all joined by semicolons.
	SchemeSHA256 Scheme = "sha256"
	// SchemeHMACSHA256 keys an HMAC with the secret over the sorted pairs.
	SchemeHMACSHA256 Scheme = "hmac-sha256"
)

// ErrSecretRequired is returned when callbacks would be accepted unsigned
// without an explicit opt-in.
var ErrSecretRequired = errors.New("portmone: signing secret is required unless unsigned callbacks are allowed")

// Config configures the gateway.
type Config struct {
	URL     string
	PayeeID string
	// SuccessURL and FailureURL may contain {order}, replaced by the order number.
	SuccessURL string
	FailureURL string
	Lang       string
	Secret     string
	// AllowUnsigned accepts callbacks without a signature when Secret is empty.
	AllowUnsigned bool
	// Scheme defaults to SchemeSHA256.
	Scheme Scheme
}

var _ payment.Gateway = (*Gateway)(nil)

// Gateway implements payment.Gateway for Portmone.
type Gateway struct {
	cfg Config
}

// New validates cfg and creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.URL == "" || cfg.PayeeID == "" {
		return nil, errors.New("portmone: url and payee id are required")
	}
	if cfg.Secret == "" && !cfg.AllowUnsigned {
		return nil, ErrSecretRequired
	}
	switch cfg.Scheme {
	case "":
		cfg.Scheme = SchemeSHA256
	case SchemeSHA256, SchemeHMACSHA256:
	default:
		return nil, errors.Errorf("portmone: unknown signature scheme %q", cfg.Scheme)
	}
	if cfg.Lang == "" {
		cfg.Lang = "uk"
	}
	return &Gateway{cfg: cfg}, nil
}

// System implements payment.Gateway.
func (g *Gateway) System() string { return System }

// Signed reports whether callbacks are verified.
func (g *Gateway) Signed() bool { return g.cfg.Secret != "" }

// Checkout builds the hosted payment form. It does not call the gateway.
func (g *Gateway) Checkout(_ context.Context, p payment.CheckoutParams) (*payment.Redirect, error) {
	if p.Amount.Sign() <= 0 {
		return nil, errors.Errorf("portmone: non-positive amount %s", p.Amount)
	}
	fields := map[string]string{
		"payee_id":          g.cfg.PayeeID,
		"shop_order_number": p.OrderNumber,
		"bill_amount":       p.Amount.StringFixed(2),
		"bill_currency":     p.Currency,
		"description":       "Order " + p.OrderNumber,
		"success_url":       expand(g.cfg.SuccessURL, p.OrderNumber),
		"failure_url":       expand(g.cfg.FailureURL, p.OrderNumber),
		"lang":              g.cfg.Lang,
		"encoding":          "UTF-8",
	}
	if p.Email != "" {
		fields["emailAddress"] = p.Email
	}
	if g.cfg.Secret != "" {
		fields["signature"] = g.cfg.Scheme.Sign(fields, g.cfg.Secret)
	}
	return &payment.Redirect{URL: g.cfg.URL, Fields: fields}, nil
}

// ParseCallback verifies and decodes a result notification.
func (g *Gateway) ParseCallback(form url.Values) (*payment.Callback, error) {
	raw := make(map[string]string, len(form))
	for k := range form {
		raw[k] = form.Get(k)
	}

	if g.cfg.Secret != "" {
		got, err := hex.DecodeString(raw[signatureField])
		if err != nil || len(got) == 0 {
			return nil, payment.ErrInvalidSignature
		}
		want, _ := hex.DecodeString(g.cfg.Scheme.Sign(raw, g.cfg.Secret))
		if !hmac.Equal(got, want) {
			return nil, payment.ErrInvalidSignature
		}
	}

	cb := &payment.Callback{
		OrderNumber:  strings.TrimSpace(raw["SHOPORDERNUMBER"]),
		ExternalID:   strings.TrimSpace(raw["SHOPBILLID"]),
		ApprovalCode: raw["APPROVALCODE"],
		ErrorMessage: raw["ERROR_MESSAGE"],
		Raw:          raw,
	}
	result := strings.TrimSpace(raw["RESULT"])
	if cb.OrderNumber == "" || cb.ExternalID == "" || result == "" {
		return nil, payment.ErrMalformed
	}
	cb.Success = result == "0" || strings.EqualFold(result, "success")
	return cb, nil
}

// Sign signs fields sorted by name and rendered as name=value pairs joined by
// semicolons. Signature fields are skipped. The digest is uppercase hex.
func (s Scheme) Sign(fields map[string]string, secret string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if strings.EqualFold(k, signatureField) {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var h hash.Hash
	if s == SchemeHMACSHA256 {
		h = hmac.New(sha256.New, []byte(secret))
	} else {
		h = sha256.New()
	}
	for i, k := range keys {
		if i > 0 {
			h.Write([]byte{';'})
		}
		h.Write([]byte(k + "=" + fields[k]))
	}
	if s != SchemeHMACSHA256 {
		h.Write([]byte(";" + secret))
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

func expand(tmpl, orderNumber string) string {
	return strings.ReplaceAll(tmpl, "{order}", url.PathEscape(orderNumber))
}
