// Package health serves liveness and readiness checks for the storefront.
//
// Registered checks are polled together on a ticker. A check flips to failing
// after FailureThreshold consecutive errors and back to passing after
// SuccessThreshold consecutive successes, so a single slow Redis PING does not
// drop the pod out of the load balancer.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// Kind selects the endpoint a check contributes to.
type Kind uint8

const (
	Liveness Kind = iota
	Readiness
)

func (k Kind) String() string {
	if k == Liveness {
		return "liveness"
	}
	return "readiness"
}

// Option tunes a single check.
type Option func(*checker)

// WithThresholds overrides the default 3 failures / 1 success hysteresis.
func WithThresholds(failures, successes int) Option {
	return func(p *checker) {
		if failures > 0 {
			p.failureThreshold = failures
		}
		if successes > 0 {
			p.successThreshold = successes
		}
	}
}

type checker struct {
	kind             Kind
	name             string
	timeout          time.Duration
	check            CheckFunc
	failureThreshold int
	successThreshold int

	mu      sync.Mutex
	passing bool
	fails   int
	oks     int
	lastErr error
}

// observe runs the check once and applies the thresholds. It returns true
// when the check changed state.
func (p *checker) observe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.check(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
	was := p.passing
	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.failureThreshold {
			p.passing = false
		}
	} else {
		p.fails = 0
		p.oks++
		if p.oks >= p.successThreshold {
			p.passing = true
		}
	}
	return was != p.passing
}

// failure returns the message shown for a failing check, or "" if it passes.
func (p *checker) failure() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.passing {
		return ""
	}
	if p.lastErr != nil {
		return p.lastErr.Error()
	}
	return "check is unhealthy"
}

// Health owns the registered checks and the manual readiness gate used during
// graceful drain.
type Health struct {
	ready atomic.Bool

	mu       sync.RWMutex
	checkers []*checker
	cancel   context.CancelFunc
	done     chan struct{}
}

// New returns a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// Add registers a check. Checks start passing.
func (h *Health) Add(kind Kind, name string, timeout time.Duration, check CheckFunc, opts ...Option) {
	p := &checker{
		kind:             kind,
		name:             name,
		timeout:          timeout,
		check:            check,
		failureThreshold: 3,
		successThreshold: 1,
		passing:          true,
	}
	for _, o := range opts {
		o(p)
	}
	h.mu.Lock()
	h.checkers = append(h.checkers, p)
	h.mu.Unlock()
}

// AddLivenessCheck registers a check for /livez.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc, opts ...Option) {
	h.Add(Liveness, name, timeout, check, opts...)
}

// AddReadinessCheck registers a check for /readyz.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc, opts ...Option) {
	h.Add(Readiness, name, timeout, check, opts...)
}

func (h *Health) snapshot(kind Kind) []*checker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*checker, 0, len(h.checkers))
	for _, p := range h.checkers {
		if p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// Poll runs every check once, concurrently, and logs state changes.
func (h *Health) Poll(ctx context.Context) {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	h.mu.RUnlock()

	lg := zctx.From(ctx)
	var g errgroup.Group
	for _, p := range checkers {
		g.Go(func() error {
			if !p.observe(ctx) {
				return nil
			}
			if msg := p.failure(); msg != "" {
				lg.Warn("Check failing",
					zap.Stringer("kind", p.kind),
					zap.String("check", p.name),
					zap.String("error", msg),
				)
			} else {
				lg.Info("Check recovered", zap.Stringer("kind", p.kind), zap.String("check", p.name))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Start polls the checks immediately and then every interval until Stop or
// ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		cancel()
		return
	}
	h.cancel = cancel
	h.done = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			h.Poll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight poll. Safe to call twice.
func (h *Health) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SetReady opens or closes the readiness gate.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the gate is open and every readiness check passes.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failures(h.snapshot(Readiness))) == 0
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, failures(h.snapshot(Liveness)))
}

// ReadyEndpoint serves /readyz. A closed gate is reported as the
// "_readiness" check.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := failures(h.snapshot(Readiness))
	if !h.ready.Load() {
		failed["_readiness"] = "service is not ready"
	}
	writeStatus(w, failed)
}

func failures(checkers []*checker) map[string]string {
	out := make(map[string]string)
	for _, p := range checkers {
		if msg := p.failure(); msg != "" {
			out[p.name] = msg
		}
	}
	return out
}

// writeStatus renders {"status":"ok"} or
// {"status":"unhealthy","checks":{name: error}} with sorted check names.
func writeStatus(w http.ResponseWriter, failed map[string]string) {
	var e jx.Encoder
	status := http.StatusOK
	e.ObjStart()
	e.FieldStart("status")
	if len(failed) == 0 {
		e.Str("ok")
	} else {
		status = http.StatusServiceUnavailable
		e.Str("unhealthy")
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		slices.Sort(names)
		e.FieldStart("checks")
		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Str(failed[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
