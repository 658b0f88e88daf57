package metrics

import (
	"io"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/blackhole/internal/clock"
	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/events"
	"grimm.is/blackhole/internal/logging"
	"grimm.is/blackhole/internal/scheduler"
)

var epoch = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Registry, *datastore.Store, *clock.MockClock) {
	t.Helper()
	reg := NewRegistry(prometheus.NewRegistry())
	mc := clock.NewMockClock(epoch)
	opts := datastore.DefaultOptions()
	opts.Clock = mc
	opts.Observer = reg
	opts.Logger = logging.New(logging.Config{Output: io.Discard})
	return reg, datastore.New(opts), mc
}

func query(t *testing.T, s *datastore.Store, id int, domain string, ts time.Time) datastore.QueryID {
	t.Helper()
	qid, err := s.NewQuery(datastore.NewQueryEvent{
		ID:        id,
		ClientIP:  "192.168.1.10",
		Domain:    domain,
		QType:     dns.TypeA,
		Timestamp: ts,
	})
	require.NoError(t, err)
	return qid
}

func TestRegistryObservesStore(t *testing.T) {
	reg, s, _ := setup(t)

	qid := query(t, s, 1, "ads.example.com", epoch)
	require.NoError(t, s.Blocked(qid, datastore.StatusGravity))

	assert.Equal(t, 1.0, promtest.ToFloat64(reg.StatusChanges.WithLabelValues("UNKNOWN", "GRAVITY")))

	_, err := s.GetQuery(99, true)
	require.Error(t, err)
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.AccessFailures.WithLabelValues("query", "out_of_range")))

	s.RetireBefore(epoch.Add(time.Minute))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.Retired))

	NewCollector(reg, Sources{Store: s}, nil, time.Minute).Collect()
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.Diagnostics))
}

func TestCollectorCollect(t *testing.T) {
	reg, s, _ := setup(t)
	hub := events.NewHub()
	sub := hub.Subscribe(1, events.EventDNSQuery)
	defer hub.Unsubscribe(sub)

	q1 := query(t, s, 1, "ads.example.com", epoch)
	q2 := query(t, s, 2, "example.org", epoch)
	require.NoError(t, s.Blocked(q1, datastore.StatusGravity))
	require.NoError(t, s.Cached(q2))

	hub.Publish(events.Event{Type: events.EventDNSQuery})
	hub.Publish(events.Event{Type: events.EventDNSQuery}) // buffer full, dropped

	c := NewCollector(reg, Sources{
		Store: s,
		Hub:   hub,
		Tasks: func() []scheduler.TaskStatus {
			return []scheduler.TaskStatus{{ID: "retention", RunCount: 4, ErrorCount: 1}}
		},
	}, nil, time.Minute)
	c.Collect()

	assert.Equal(t, 2.0, promtest.ToFloat64(reg.Records.WithLabelValues("query")))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.Records.WithLabelValues("client")))
	assert.Equal(t, 2.0, promtest.ToFloat64(reg.Records.WithLabelValues("domain")))
	assert.Positive(t, promtest.ToFloat64(reg.ArenaBytes))
	assert.Equal(t, 0.0, promtest.ToFloat64(reg.Diagnostics))

	assert.Equal(t, 2.0, promtest.ToFloat64(reg.QuerySummary.WithLabelValues("total")))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.QuerySummary.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.QuerySummary.WithLabelValues("cached")))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.Queries.WithLabelValues("GRAVITY")))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.Queries.WithLabelValues("CACHE")))
	assert.Equal(t, 2.0, promtest.ToFloat64(reg.QueryTypes.WithLabelValues("A")))

	assert.Equal(t, 2.0, promtest.ToFloat64(reg.EventsPublished))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.EventsDropped))
	assert.Equal(t, 4.0, promtest.ToFloat64(reg.TaskRuns.WithLabelValues("retention")))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.TaskErrors.WithLabelValues("retention")))

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Total)
	assert.Equal(t, int64(1), snap.Blocked)
	assert.Equal(t, uint64(1), snap.EventsDropped)
	assert.False(t, c.GetLastUpdate().IsZero())
}

func TestCollectorDropsStaleSeries(t *testing.T) {
	reg, s, _ := setup(t)
	qid := query(t, s, 1, "ads.example.com", epoch)

	c := NewCollector(reg, Sources{Store: s}, nil, time.Minute)
	c.Collect()
	assert.Equal(t, 1, promtest.CollectAndCount(reg.Queries))

	require.NoError(t, s.Blocked(qid, datastore.StatusGravity))
	c.Collect()
	assert.Equal(t, 1, promtest.CollectAndCount(reg.Queries))
	assert.Equal(t, 1.0, promtest.ToFloat64(reg.Queries.WithLabelValues("GRAVITY")))
}

func TestCollectorStartStop(t *testing.T) {
	reg, s, _ := setup(t)
	c := NewCollector(reg, Sources{Store: s}, nil, time.Hour)

	done := make(chan struct{})
	go func() {
		c.Start()
		close(done)
	}()

	require.Eventually(t, func() bool { return !c.GetLastUpdate().IsZero() }, time.Second, 10*time.Millisecond)
	c.Stop()
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
