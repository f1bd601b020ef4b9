package monitoring

import (
	"context"
	"sync"
	"time"

	"meshroom/pkg/utils"
)

// CheckFunc probes one dependency. A false result or an error both mark the
// component unhealthy.
type CheckFunc func(ctx context.Context) (bool, error)

type check struct {
	fn       CheckFunc
	interval time.Duration
	timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// HealthChecker runs registered probes in the background and caches the last
// outcome, so the health endpoint answers without touching dependencies on
// the request path.
type HealthChecker struct {
	started time.Time

	mu      sync.RWMutex
	checks  map[string]check
	results map[string]string
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		started: utils.Now(),
		checks:  make(map[string]check),
		results: make(map[string]string),
	}
}

func (h *HealthChecker) AddCheck(name string, fn CheckFunc, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check{fn: fn, interval: interval, timeout: timeout}
	h.results[name] = "pending"
}

// Status reports the last known outcome of every probe.
func (h *HealthChecker) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    utils.FormatDuration(utils.Since(h.started)),
		Checks:    make(map[string]string, len(h.results)),
	}
	for name, result := range h.results {
		status.Checks[name] = result
		if result != "healthy" && result != "pending" {
			status.Status = "unhealthy"
		}
	}
	return status
}

// Run probes every registered check immediately and then on its own interval
// until the context is done.
func (h *HealthChecker) Run(ctx context.Context) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()

	for _, name := range names {
		go h.loop(ctx, name)
	}
}

func (h *HealthChecker) loop(ctx context.Context, name string) {
	h.mu.RLock()
	c := h.checks[name]
	h.mu.RUnlock()

	h.probe(ctx, name, c)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe(ctx, name, c)
		}
	}
}

func (h *HealthChecker) probe(ctx context.Context, name string, c check) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := "healthy"
	healthy, err := c.fn(probeCtx)
	switch {
	case err != nil:
		result = err.Error()
	case !healthy:
		result = "check failed"
	}

	h.mu.Lock()
	h.results[name] = result
	h.mu.Unlock()
}
