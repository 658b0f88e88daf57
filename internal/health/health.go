// Package health reports whether the record store and its workers are
// serving.
package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/blackhole/internal/clock"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the outcome of one named check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report is the worst status across all checks plus each check's outcome.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc inspects one component. Name and timing are filled in by the
// Checker.
type CheckFunc func(ctx context.Context) Check

// Checker runs registered checks and caches the report briefly.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  *Report
	ttl    time.Duration
	clock  clock.Clock
}

// NewChecker creates a checker with no checks. Reports are cached for ttl;
// zero disables caching.
func NewChecker(ttl time.Duration) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		ttl:    ttl,
		clock:  clock.Default(),
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.cache = nil
}

// worse reports whether a is a more severe status than b.
func worse(a, b Status) bool {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		}
		return 0
	}
	return rank(a) > rank(b)
}

// Check runs every registered check concurrently. A cached report younger
// than the checker's ttl is returned as is.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	if c.cache != nil && c.clock.Since(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	names := make([]string, 0, len(c.checks))
	fns := make([]CheckFunc, 0, len(c.checks))
	for name, fn := range c.checks {
		names = append(names, name)
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	results := make([]Check, len(fns))
	var g errgroup.Group
	for i, fn := range fns {
		g.Go(func() error {
			start := c.clock.Now()
			res := fn(ctx)
			res.Name = names[i]
			res.LastChecked = start
			res.Duration = c.clock.Since(start)
			results[i] = res
			return nil
		})
	}
	g.Wait()

	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, len(results)),
		Timestamp: c.clock.Now(),
	}
	for _, res := range results {
		report.Checks[res.Name] = res
		if worse(res.Status, report.Status) {
			report.Status = res.Status
		}
	}

	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()
	return report
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Handler serves the full report as JSON. Degraded still answers 200.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		report := c.Check(ctx)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode(report.Status))
		json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler answers OK while the process can serve HTTP at all.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "OK")
	}
}

// ReadinessHandler answers READY unless a check is unhealthy.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		st := c.Check(ctx).Status
		w.WriteHeader(statusCode(st))
		if st == StatusUnhealthy {
			io.WriteString(w, "NOT READY")
			return
		}
		io.WriteString(w, "READY")
	}
}
