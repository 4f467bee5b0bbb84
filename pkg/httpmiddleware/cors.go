package httpmiddleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig configures CORS for the storefront front-end.
type CORSConfig struct {
	// AllowOrigins lists allowed origins. Empty or "*" allows any origin,
	// unless AllowCredentials is set, in which case only listed origins match.
	AllowOrigins []string `json:"allowOrigins" yaml:"allowOrigins"`
	// AllowHeaders defaults to DefaultCORSHeaders.
	AllowHeaders     []string `json:"allowHeaders" yaml:"allowHeaders"`
	AllowCredentials bool     `json:"allowCredentials" yaml:"allowCredentials"`
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultCORSHeaders are the request headers the storefront API reads.
var DefaultCORSHeaders = []string{
	"Content-Type", "Idempotency-Key", "X-API-Key", "X-User-ID", RequestIDHeader,
}

const corsMethods = "GET, POST, PUT, DELETE, OPTIONS"

// CORS answers preflight requests and decorates cross-origin responses.
func CORS(cfg CORSConfig) Middleware {
	allowAll := len(cfg.AllowOrigins) == 0
	allowed := make(map[string]string, len(cfg.AllowOrigins))
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[strings.ToLower(o)] = o
	}
	// Browsers reject a wildcard origin on credentialed requests.
	echoOrigin := cfg.AllowCredentials && allowAll

	headers := cfg.AllowHeaders
	if len(headers) == 0 {
		headers = DefaultCORSHeaders
	}
	allowHeaders := strings.Join(headers, ", ")

	origin := func(o string) string {
		switch {
		case echoOrigin:
			return o
		case allowAll:
			return "*"
		default:
			return allowed[strings.ToLower(o)]
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			o := r.Header.Get("Origin")
			if !allowAll || echoOrigin {
				h.Add("Vary", "Origin")
			}
			if o == "" {
				next.ServeHTTP(w, r)
				return
			}
			allow := origin(o)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Add("Vary", "Access-Control-Request-Method")
				h.Add("Vary", "Access-Control-Request-Headers")
				if allow != "" {
					h.Set("Access-Control-Allow-Origin", allow)
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", allowHeaders)
					if cfg.AllowCredentials {
						h.Set("Access-Control-Allow-Credentials", "true")
					}
					if cfg.MaxAge > 0 {
						h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if allow != "" {
				h.Set("Access-Control-Allow-Origin", allow)
				h.Set("Access-Control-Expose-Headers", RequestIDHeader)
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
