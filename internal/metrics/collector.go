package metrics

import (
	"sync"
	"time"

	"grimm.is/blackhole/internal/clock"
	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/events"
	"grimm.is/blackhole/internal/logging"
	"grimm.is/blackhole/internal/scheduler"
)

// Sources are the components a Collector polls. Only Store is required.
type Sources struct {
	Store *datastore.Store
	Hub   *events.Hub
	Tasks func() []scheduler.TaskStatus
}

// Snapshot is the state gathered by the most recent collection.
type Snapshot struct {
	Stats           datastore.Stats `json:"stats"`
	Total           int64           `json:"total"`
	Blocked         int64           `json:"blocked"`
	Forwarded       int64           `json:"forwarded"`
	Cached          int64           `json:"cached"`
	EventsPublished uint64          `json:"events_published"`
	EventsDropped   uint64          `json:"events_dropped"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Collector periodically copies store counters into the Prometheus registry.
type Collector struct {
	registry *Registry
	src      Sources
	logger   *logging.Logger
	interval time.Duration
	clock    clock.Clock
	started  time.Time
	stopCh   chan struct{}
	stopOnce sync.Once

	// Cached metrics for API access
	mu   sync.RWMutex
	last Snapshot
}

// NewCollector creates a new metrics collector.
func NewCollector(reg *Registry, src Sources, logger *logging.Logger, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	clk := clock.Default()
	return &Collector{
		registry: reg,
		src:      src,
		logger:   logger.WithComponent("metrics"),
		interval: interval,
		clock:    clk,
		started:  clk.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until Stop is called.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	c.Collect()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the metrics collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect gathers all metrics and updates the registry.
func (c *Collector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.registry
	s := c.src.Store
	snap := Snapshot{
		Stats:     s.Stats(),
		Total:     s.TotalCount(),
		Blocked:   s.BlockedCount(),
		Forwarded: s.ForwardedCount(),
		Cached:    s.CachedCount(),
		UpdatedAt: c.clock.Now(),
	}

	r.Records.WithLabelValues(string(datastore.EntityQuery)).Set(float64(snap.Stats.Queries))
	r.Records.WithLabelValues(string(datastore.EntityClient)).Set(float64(snap.Stats.Clients))
	r.Records.WithLabelValues(string(datastore.EntityDomain)).Set(float64(snap.Stats.Domains))
	r.Records.WithLabelValues(string(datastore.EntityUpstream)).Set(float64(snap.Stats.Upstreams))
	r.Records.WithLabelValues(string(datastore.EntityCache)).Set(float64(snap.Stats.CacheEntries))
	r.ArenaBytes.Set(float64(snap.Stats.ArenaBytes))
	r.ArenaStrings.Set(float64(snap.Stats.ArenaStrings))
	r.Diagnostics.Set(float64(s.Diagnostics().Total()))
	r.LogWarnings.Set(float64(logging.Messages().Total()))

	r.QuerySummary.WithLabelValues("total").Set(float64(snap.Total))
	r.QuerySummary.WithLabelValues("blocked").Set(float64(snap.Blocked))
	r.QuerySummary.WithLabelValues("forwarded").Set(float64(snap.Forwarded))
	r.QuerySummary.WithLabelValues("cached").Set(float64(snap.Cached))

	// Zero counts are omitted by the store, so stale series are dropped first.
	r.Queries.Reset()
	for status, n := range s.StatusCounts() {
		r.Queries.WithLabelValues(status.String()).Set(float64(n))
	}
	r.QueryTypes.Reset()
	for qtype, n := range s.TypeCounts() {
		r.QueryTypes.WithLabelValues(qtype.String()).Set(float64(n))
	}
	r.Replies.Reset()
	for reply, n := range s.ReplyCounts() {
		r.Replies.WithLabelValues(reply.String()).Set(float64(n))
	}

	if c.src.Hub != nil {
		snap.EventsPublished, snap.EventsDropped = c.src.Hub.Stats()
		r.EventsPublished.Set(float64(snap.EventsPublished))
		r.EventsDropped.Set(float64(snap.EventsDropped))
	}

	if c.src.Tasks != nil {
		for _, t := range c.src.Tasks() {
			r.TaskRuns.WithLabelValues(t.ID).Set(float64(t.RunCount))
			r.TaskErrors.WithLabelValues(t.ID).Set(float64(t.ErrorCount))
		}
	}

	r.Uptime.Set(c.clock.Since(c.started).Seconds())
	c.last = snap
}

// Snapshot returns the state gathered by the last collection.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// GetLastUpdate returns when metrics were last collected.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last.UpdatedAt
}
