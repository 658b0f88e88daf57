package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/errors"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all record store metrics. It implements
// datastore.Observer so the store can report events as they happen.
type Registry struct {
	// Table metrics
	Records        *prometheus.GaugeVec
	ArenaBytes     prometheus.Gauge
	ArenaStrings   prometheus.Gauge
	AccessFailures *prometheus.CounterVec
	Retired        prometheus.Counter
	Diagnostics    prometheus.Gauge
	LogWarnings    prometheus.Gauge

	// Query counters
	Queries       *prometheus.GaugeVec
	QueryTypes    *prometheus.GaugeVec
	Replies       *prometheus.GaugeVec
	QuerySummary  *prometheus.GaugeVec
	StatusChanges *prometheus.CounterVec

	// Event pipeline
	EventsPublished prometheus.Gauge
	EventsDropped   prometheus.Gauge

	// Maintenance
	TaskRuns   *prometheus.GaugeVec
	TaskErrors *prometheus.GaugeVec

	// System metrics
	Uptime prometheus.Gauge
}

var _ datastore.Observer = (*Registry)(nil)

// Get returns the process-wide registry on the default Prometheus
// registerer, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

// NewRegistry creates all metrics on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.Records = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blackhole_records",
		Help: "Records per table",
	}, []string{"table"})

	r.ArenaBytes = f.NewGauge(prometheus.GaugeOpts{
		Name: "blackhole_arena_bytes",
		Help: "Bytes used by the string arena",
	})

	r.ArenaStrings = f.NewGauge(prometheus.GaugeOpts{
		Name: "blackhole_arena_strings",
		Help: "Distinct strings held by the string arena",
	})

	r.AccessFailures = f.NewCounterVec(prometheus.CounterOpts{
		Name: "blackhole_access_failures_total",
		Help: "Refused record accesses by table and reason",
	}, []string{"table", "reason"})

	r.Retired = f.NewCounter(prometheus.CounterOpts{
		Name: "blackhole_queries_retired_total",
		Help: "Queries removed by retention",
	})

	r.Diagnostics = f.NewGauge(prometheus.GaugeOpts{
		Name: "blackhole_diagnostics",
		Help: "Diagnostics recorded by the store since start",
	})

	r.LogWarnings = f.NewGauge(prometheus.GaugeOpts{
		Name: "blackhole_log_warnings",
		Help: "Warnings and errors logged since start",
	})

	r.Queries = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blackhole_queries",
		Help: "Queries in memory by status",
	}, []string{"status"})

	r.QueryTypes = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blackhole_query_types",
		Help: "Queries in memory by query type",
	}, []string{"type"})

	r.Replies = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blackhole_replies",
		Help: "Queries in memory by reply type",
	}, []string{"reply"})

	r.QuerySummary = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blackhole_query_summary",
		Help: "Total, blocked, forwarded and cached queries in memory",
	}, []string{"kind"})

	r.StatusChanges = f.NewCounterVec(prometheus.CounterOpts{
		Name: "blackhole_status_changes_total",
		Help: "Query status transitions",
	}, []string{"from", "to"})

	r.EventsPublished = f.NewGauge(prometheus.GaugeOpts{
		Name: "blackhole_events_published",
		Help: "Events published on the hub",
	})

	r.EventsDropped = f.NewGauge(prometheus.GaugeOpts{
		Name: "blackhole_events_dropped",
		Help: "Events dropped because a subscriber was full",
	})

	r.TaskRuns = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blackhole_task_runs",
		Help: "Runs per maintenance task",
	}, []string{"task"})

	r.TaskErrors = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blackhole_task_errors",
		Help: "Failed runs per maintenance task",
	}, []string{"task"})

	r.Uptime = f.NewGauge(prometheus.GaugeOpts{
		Name: "blackhole_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	return r
}

// AccessFailed counts a refused accessor call.
func (r *Registry) AccessFailed(entity datastore.Entity, kind errors.Kind) {
	r.AccessFailures.WithLabelValues(string(entity), kind.String()).Inc()
}

// StatusChanged counts a status transition.
func (r *Registry) StatusChanged(from, to datastore.QueryStatus) {
	r.StatusChanges.WithLabelValues(from.String(), to.String()).Inc()
}

// QueriesRetired counts queries removed by retention.
func (r *Registry) QueriesRetired(n int) {
	r.Retired.Add(float64(n))
}
