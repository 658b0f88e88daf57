package health

import (
	"context"
	"fmt"

	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/recorder"
	"grimm.is/blackhole/internal/scheduler"
)

// ArenaDegradedRatio is the share of the arena limit above which the store
// reports degraded.
const ArenaDegradedRatio = 0.9

// StoreCheck fails once the store has hit a fatal growth error and
// degrades when the string arena is nearly full.
func StoreCheck(s *datastore.Store) CheckFunc {
	return func(context.Context) Check {
		if err := s.Fatal(); err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		a := s.Arena()
		if limit := a.Limit(); limit > 0 && float64(a.Size()) >= ArenaDegradedRatio*float64(limit) {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("string arena at %d of %d bytes", a.Size(), limit)}
		}
		st := s.Stats()
		msg := fmt.Sprintf("%d queries, %d clients, %d domains", st.Queries, st.Clients, st.Domains)
		if last := s.Diagnostics().GetLast(1); len(last) == 1 {
			msg += fmt.Sprintf("; %d diagnostics, last: %s", s.Diagnostics().Total(), last[0].Message)
		}
		return Check{Status: StatusHealthy, Message: msg}
	}
}

// RecorderCheck fails when the recorder is not consuming events.
func RecorderCheck(r interface{ Status() recorder.Status }) CheckFunc {
	return func(context.Context) Check {
		st := r.Status()
		if !st.Running {
			return Check{Status: StatusUnhealthy, Message: "recorder not running"}
		}
		if st.LastErr != "" {
			return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d events, %d failed, last error: %s", st.Handled, st.Failed, st.LastErr)}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d events", st.Handled)}
	}
}

// ArchiveCheck degrades when the archive cannot be read.
func ArchiveCheck(a interface{ Count() (int, error) }) CheckFunc {
	return func(context.Context) Check {
		n, err := a.Count()
		if err != nil {
			return Check{Status: StatusDegraded, Message: err.Error()}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d archived queries", n)}
	}
}

// TaskSource is the part of the scheduler the health check reads.
type TaskSource interface {
	IsRunning() bool
	GetTaskStatus(id string) (scheduler.TaskStatus, bool)
}

// SchedulerCheck fails when maintenance tasks are not being run and
// degrades when one of tasks is missing or its last run failed.
func SchedulerCheck(s TaskSource, tasks ...string) CheckFunc {
	return func(context.Context) Check {
		if !s.IsRunning() {
			return Check{Status: StatusUnhealthy, Message: "scheduler stopped"}
		}
		for _, id := range tasks {
			st, ok := s.GetTaskStatus(id)
			if !ok {
				return Check{Status: StatusDegraded, Message: fmt.Sprintf("task %s not registered", id)}
			}
			if st.LastError != "" {
				return Check{Status: StatusDegraded, Message: fmt.Sprintf("task %s failed: %s", id, st.LastError)}
			}
		}
		return Check{Status: StatusHealthy}
	}
}
