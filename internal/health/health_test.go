package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/errors"
	"grimm.is/blackhole/internal/logging"
	"grimm.is/blackhole/internal/recorder"
	"grimm.is/blackhole/internal/scheduler"
)

func constant(status Status) CheckFunc {
	return func(context.Context) Check { return Check{Status: status} }
}

func TestCheckerAggregates(t *testing.T) {
	c := NewChecker(0)
	c.Register("a", constant(StatusHealthy))
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	c.Register("b", constant(StatusDegraded))
	report := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "b", report.Checks["b"].Name)

	c.Register("c", constant(StatusUnhealthy))
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestCheckerCaches(t *testing.T) {
	calls := 0
	c := NewChecker(time.Hour)
	c.Register("counted", func(context.Context) Check {
		calls++
		return Check{Status: StatusHealthy}
	})

	c.Check(context.Background())
	c.Check(context.Background())
	assert.Equal(t, 1, calls)
}

func TestHandlers(t *testing.T) {
	c := NewChecker(0)
	c.Register("down", constant(StatusUnhealthy))

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)

	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestStoreCheck(t *testing.T) {
	opts := datastore.DefaultOptions()
	opts.ArenaLimit = 100
	opts.Logger = logging.New(logging.Config{Output: io.Discard})
	s := datastore.New(opts)
	check := StoreCheck(s)

	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	_, err := s.GetQuery(7, true)
	require.Error(t, err)
	got := check(context.Background())
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Contains(t, got.Message, "1 diagnostics, last: query 7")

	_, err = s.Arena().InternString(strings.Repeat("a", 95))
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)

	_, err = s.NewQuery(datastore.NewQueryEvent{ID: 1, ClientIP: "10.0.0.1", Domain: "example.com", QType: dns.TypeA})
	require.True(t, errors.IsKind(err, errors.KindExhausted))
	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)
}

type fakeRecorder recorder.Status

func (f fakeRecorder) Status() recorder.Status { return recorder.Status(f) }

func TestRecorderCheck(t *testing.T) {
	assert.Equal(t, StatusUnhealthy, RecorderCheck(fakeRecorder{})(context.Background()).Status)

	got := RecorderCheck(fakeRecorder{Running: true, Handled: 3, Failed: 1, LastErr: "boom"})(context.Background())
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Contains(t, got.Message, "boom")
}

type fakeArchive struct{ err error }

func (f fakeArchive) Count() (int, error) { return 5, f.err }

func TestArchiveCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, ArchiveCheck(fakeArchive{})(context.Background()).Status)
	assert.Equal(t, StatusDegraded, ArchiveCheck(fakeArchive{err: errors.New(errors.KindUnavailable, "closed")})(context.Background()).Status)
}

func TestSchedulerCheck(t *testing.T) {
	sched := scheduler.New(scheduler.Options{Logger: logging.New(logging.Config{Output: io.Discard})})
	check := SchedulerCheck(sched)
	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)

	sched.Start()
	defer sched.Stop()
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	got := SchedulerCheck(sched, "retention")(context.Background())
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Contains(t, got.Message, "not registered")
}

type fakeTasks map[string]scheduler.TaskStatus

func (f fakeTasks) IsRunning() bool { return true }

func (f fakeTasks) GetTaskStatus(id string) (scheduler.TaskStatus, bool) {
	st, ok := f[id]
	return st, ok
}

func TestSchedulerCheckTaskFailure(t *testing.T) {
	tasks := fakeTasks{
		"retention":       {ID: "retention", RunCount: 3},
		"archive-cleanup": {ID: "archive-cleanup", RunCount: 1, LastError: "database is locked"},
	}
	assert.Equal(t, StatusHealthy, SchedulerCheck(tasks, "retention")(context.Background()).Status)

	got := SchedulerCheck(tasks, "retention", "archive-cleanup")(context.Background())
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Equal(t, "task archive-cleanup failed: database is locked", got.Message)
}
