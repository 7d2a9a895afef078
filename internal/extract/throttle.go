package extract

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostThrottle keeps at most one request in flight per origin and spaces
// consecutive requests to the same origin by a minimum interval.
type HostThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	hosts    map[string]*hostGate
}

type hostGate struct {
	inflight chan struct{}
	limiter  *rate.Limiter
}

func NewHostThrottle(interval time.Duration) *HostThrottle {
	return &HostThrottle{interval: interval, hosts: make(map[string]*hostGate)}
}

func (t *HostThrottle) gate(host string) *hostGate {
	t.mu.Lock()
	defer t.mu.Unlock()
	host = strings.ToLower(host)
	g, ok := t.hosts[host]
	if !ok {
		limit := rate.Inf
		if t.interval > 0 {
			limit = rate.Every(t.interval)
		}
		g = &hostGate{inflight: make(chan struct{}, 1), limiter: rate.NewLimiter(limit, 1)}
		t.hosts[host] = g
	}
	return g
}

// Acquire blocks until a request to host may start. The returned release
// must be called when the request finishes.
func (t *HostThrottle) Acquire(ctx context.Context, host string) (func(), error) {
	g := t.gate(host)
	select {
	case g.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := g.limiter.Wait(ctx); err != nil {
		<-g.inflight
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { <-g.inflight }) }, nil
}
