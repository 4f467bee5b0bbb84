// Package auth authenticates manager API keys. Keys are stored as
// HMAC-SHA256 digests keyed with a server-side pepper.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Scopes granted to manager keys.
const (
	ScopeOrders   = "orders:write"
	ScopeExport   = "export:run"
	ScopePayments = "payments:read"
)

// AllScopes lists every known scope.
var AllScopes = []string{ScopeOrders, ScopeExport, ScopePayments}

// Sentinel errors for API key authentication.
var (
	ErrNotFound     = errors.New("api key not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("api key lacks scope")
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      uuid.UUID
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key grants scope.
func (k *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository stores API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
	Create(ctx context.Context, key APIKeyInfo) error
}

// Authenticator resolves raw API keys.
type Authenticator struct {
	keys   Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(keys Repository, pepper []byte) *Authenticator {
	return &Authenticator{keys: keys, pepper: pepper}
}

// Hash returns the hex HMAC-SHA256 digest stored for a raw key.
func (a *Authenticator) Hash(raw string) string {
	return hex.EncodeToString(a.digest(raw))
}

func (a *Authenticator) digest(raw string) []byte {
	mac := hmac.New(sha256.New, a.pepper)
	mac.Write([]byte(raw))
	return mac.Sum(nil)
}

// Authenticate looks up the key and compares digests in constant time.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*APIKeyInfo, error) {
	if raw == "" {
		return nil, ErrUnauthorized
	}
	digest := a.digest(raw)
	info, err := a.keys.FindByHash(ctx, hex.EncodeToString(digest))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, errors.Wrap(err, "find api key")
	}

	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(digest, stored) != 1 {
		return nil, ErrUnauthorized
	}
	return info, nil
}

// Issue generates a new key, stores its digest and returns the raw key. The
// raw key is not recoverable afterwards.
func (a *Authenticator) Issue(ctx context.Context, name string, scopes []string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate key")
	}
	raw := "sk_" + hex.EncodeToString(buf)
	err := a.keys.Create(ctx, APIKeyInfo{
		ID:      uuid.New(),
		KeyHash: a.Hash(raw),
		Name:    name,
		Scopes:  scopes,
	})
	if err != nil {
		return "", errors.Wrap(err, "store api key")
	}
	return raw, nil
}
