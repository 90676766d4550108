package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultVisitorTTL  = 3 * time.Minute
	callbackVisitorTTL = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type visitorGroup struct {
	mu       sync.Mutex
	ttl      time.Duration
	visitors map[string]*visitor
}

// RateLimitManager keeps per-client limiters for named groups and evicts idle ones.
type RateLimitManager struct {
	groupsMu sync.Mutex
	groups   map[string]*visitorGroup
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRateLimitManager creates a new rate limit manager with context-based lifecycle
func NewRateLimitManager(ctx context.Context) *RateLimitManager {
	managerCtx, cancel := context.WithCancel(ctx)

	m := &RateLimitManager{
		groups: make(map[string]*visitorGroup),
		now:    time.Now,
		ctx:    managerCtx,
		cancel: cancel,
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// Limiter retrieves or creates the limiter for key within group. A nil
// limiter means the group is unlimited.
func (m *RateLimitManager) Limiter(group, key string, requestsPerWindow, windowSeconds, burst int) *rate.Limiter {
	if requestsPerWindow <= 0 {
		return nil
	}

	g := m.group(group)
	g.mu.Lock()
	defer g.mu.Unlock()

	if v, exists := g.visitors[key]; exists {
		v.lastSeen = m.now()
		return v.limiter
	}

	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	if burst < requestsPerWindow {
		burst = requestsPerWindow
	}

	limit := rate.Limit(float64(requestsPerWindow) / float64(windowSeconds))
	limiter := rate.NewLimiter(limit, burst)
	g.visitors[key] = &visitor{limiter: limiter, lastSeen: m.now()}
	return limiter
}

func (m *RateLimitManager) group(name string) *visitorGroup {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()

	g, ok := m.groups[name]
	if !ok {
		ttl := defaultVisitorTTL
		if name == callbackGroup {
			ttl = callbackVisitorTTL
		}
		g = &visitorGroup{ttl: ttl, visitors: make(map[string]*visitor)}
		m.groups[name] = g
	}
	return g
}

func (m *RateLimitManager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *RateLimitManager) cleanup() {
	m.groupsMu.Lock()
	groups := make([]*visitorGroup, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.groupsMu.Unlock()

	now := m.now()
	for _, g := range groups {
		g.mu.Lock()
		for key, v := range g.visitors {
			if now.Sub(v.lastSeen) > g.ttl {
				delete(g.visitors, key)
			}
		}
		g.mu.Unlock()
	}
}

func (m *RateLimitManager) visitorCount(group string) int {
	g := m.group(group)
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.visitors)
}

// Shutdown stops the cleanup goroutine and waits for it to finish
func (m *RateLimitManager) Shutdown() error {
	m.cancel()
	m.wg.Wait()
	return nil
}
