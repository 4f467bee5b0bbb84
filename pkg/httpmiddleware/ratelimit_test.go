package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func from(addr string) func(*http.Request) {
	return func(r *http.Request) { r.RemoteAddr = addr }
}

func TestRateLimit_Burst(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 3, Window: time.Minute})(okHandler())

	for i := range 3 {
		w := hit(h, nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := hit(h, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	// One token per 20s.
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 20, retry, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(429), body["status"])
	assert.Equal(t, "rate_limited", body["error"])
}

func TestRateLimit_RejectedRequestsDoNotSpendTokens(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 1, Window: time.Second})
	now := time.Now()

	_, _, ok := l.take("a", now)
	require.True(t, ok)
	for range 5 {
		_, _, ok = l.take("a", now)
		require.False(t, ok)
	}
	_, _, ok = l.take("a", now.Add(time.Second))
	assert.True(t, ok, "refilled after one window")
}

func TestRateLimit_PerClient(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, from("10.0.0.1:1234")).Code)
	assert.Equal(t, http.StatusOK, hit(h, from("10.0.0.2:1234")).Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, from("10.0.0.1:5678")).Code)
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	h := RateLimit(RateLimitConfig{
		Max:     1,
		Window:  time.Minute,
		KeyFunc: func(r *http.Request) string { return r.Header.Get("X-API-Key") },
	})(okHandler())
	key := func(k string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("X-API-Key", k) }
	}

	assert.Equal(t, http.StatusOK, hit(h, key("sk_a")).Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, key("sk_a")).Code)
	assert.Equal(t, http.StatusOK, hit(h, key("sk_b")).Code)
}

func TestRateLimit_Evict(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 1, Window: time.Minute})
	now := time.Now()
	l.take("idle", now)
	l.take("busy", now.Add(50*time.Second))

	assert.Equal(t, 1, l.evict(now.Add(time.Minute)))
	assert.Contains(t, l.buckets, "busy")
	assert.NotContains(t, l.buckets, "idle")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "RemoteAddr", remote: "192.168.1.1:4444", want: "192.168.1.1"},
		{name: "NoPort", remote: "192.168.1.1", want: "192.168.1.1"},
		{name: "ForwardedFor", header: map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}, want: "203.0.113.50"},
		{name: "RealIP", header: map[string]string{"X-Real-IP": "198.51.100.7"}, want: "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.remote != "" {
				r.RemoteAddr = tt.remote
			}
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
