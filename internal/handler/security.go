package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
)

// APIKeyHeader carries manager API keys.
const APIKeyHeader = "X-API-Key"

type apiKeyCtxKey struct{}

func apiKeyFromContext(ctx context.Context) *auth.APIKeyInfo {
	info, _ := ctx.Value(apiKeyCtxKey{}).(*auth.APIKeyInfo)
	return info
}

// requireAPIKey authenticates manager requests by their HMAC-hashed API key.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		info, err := h.Keys.Authenticate(ctx, r.Header.Get(APIKeyHeader))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx = context.WithValue(ctx, apiKeyCtxKey{}, info)
		ctx = zctx.With(ctx, zap.String("api_key", info.Name))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope rejects keys that were not granted scope.
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := apiKeyFromContext(r.Context())
			if info == nil || !info.HasScope(scope) {
				writeError(w, r, auth.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
