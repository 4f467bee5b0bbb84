package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func serve(t *testing.T, fn http.HandlerFunc) (int, body) {
	t.Helper()
	w := httptest.NewRecorder()
	fn(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var b body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	return w.Code, b
}

func ok(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func pollN(h *Health, n int) {
	for range n {
		h.Poll(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		polls  int
		check  CheckFunc
		code   int
		checks map[string]string
	}{
		{name: "NoChecks", code: http.StatusOK},
		{name: "Passing", polls: 1, check: ok, code: http.StatusOK},
		{name: "BelowThreshold", polls: 2, check: failing("temporary"), code: http.StatusOK},
		{
			name:   "Failing",
			polls:  3,
			check:  failing("connection refused"),
			code:   http.StatusServiceUnavailable,
			checks: map[string]string{"db": "connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			if tt.check != nil {
				h.AddLivenessCheck("db", time.Second, tt.check)
			}
			pollN(h, tt.polls)

			code, b := serve(t, h.LiveEndpoint)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.checks, b.Checks)
			if tt.code == http.StatusOK {
				assert.Equal(t, "ok", b.Status)
			} else {
				assert.Equal(t, "unhealthy", b.Status)
			}
		})
	}
}

func TestReadyEndpoint_Gate(t *testing.T) {
	h := New()
	h.AddReadinessCheck("redis", time.Second, ok)

	code, b := serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"_readiness": "service is not ready"}, b.Checks)
	assert.False(t, h.IsReady())

	h.SetReady(true)
	code, _ = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.IsReady())

	h.SetReady(false)
	code, _ = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReadyEndpoint_OnlyReadinessChecksCount(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, ok)
	h.AddReadinessCheck("redis", time.Second, failing("LOADING"))
	h.AddLivenessCheck("goroutines", time.Second, failing("too many"))
	h.SetReady(true)
	pollN(h, 3)

	code, b := serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"redis": "LOADING"}, b.Checks)

	code, b = serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"goroutines": "too many"}, b.Checks)
}

func TestChecker_Thresholds(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(context.Context) error {
		if down.Load() {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2))

	pollN(h, 1)
	assert.Empty(t, failures(h.snapshot(Liveness)))
	pollN(h, 1)
	assert.Equal(t, map[string]string{"flaky": "down"}, failures(h.snapshot(Liveness)))

	down.Store(false)
	pollN(h, 1)
	assert.NotEmpty(t, failures(h.snapshot(Liveness)), "one success is below the success threshold")
	pollN(h, 1)
	assert.Empty(t, failures(h.snapshot(Liveness)))
}

func TestChecker_Timeout(t *testing.T) {
	h := New()
	h.AddReadinessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithThresholds(1, 1))
	pollN(h, 1)

	assert.Equal(t, map[string]string{"slow": context.DeadlineExceeded.Error()}, failures(h.snapshot(Readiness)))
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int32
	h := New()
	h.AddLivenessCheck("count", time.Second, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()

	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, calls.Load(), "no polls after Stop")
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("live", time.Second, failing("err"))
	h.AddReadinessCheck("ready", time.Second, ok)
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestPingCheck(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, PingCheck(stubPinger{})(ctx))

	err := PingCheck(stubPinger{err: errors.New("connection refused")})(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	check := RedisCheck(client)
	require.NoError(t, check(context.Background()))

	mr.SetError("LOADING dataset in memory")
	assert.Error(t, check(context.Background()))
}
