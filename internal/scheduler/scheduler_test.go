package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/blackhole/internal/clock"
	"grimm.is/blackhole/internal/logging"
)

// futureSchedule returns time + 1 hour
type futureSchedule struct{}

func (s futureSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Hour)
}

func quietOptions(c clock.Clock) Options {
	return Options{
		Logger: logging.New(logging.Config{Level: logging.LevelDebug, Output: io.Discard}),
		Clock:  c,
		Tick:   5 * time.Millisecond,
	}
}

func TestScheduler_CRUD(t *testing.T) {
	s := New(quietOptions(nil))

	task := &Task{
		ID:       "test-1",
		Name:     "Test Task",
		Enabled:  true,
		Schedule: futureSchedule{},
		Func: func(ctx context.Context) error {
			return nil
		},
	}

	require.NoError(t, s.AddTask(task))
	_, exists := s.GetTaskStatus("test-1")
	assert.True(t, exists)

	assert.Error(t, s.AddTask(task), "duplicate")
	assert.Error(t, s.AddTask(&Task{ID: "no-func", Schedule: futureSchedule{}}))

	stat, _ := s.GetTaskStatus("test-1")
	assert.True(t, stat.Enabled)
	assert.False(t, stat.NextRun.IsZero())
	assert.Len(t, s.GetStatus(), 1)
}

func TestScheduler_DisabledTaskNeverRuns(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(quietOptions(mc))

	var runs atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:         "disabled",
		Name:       "Disabled",
		Enabled:    false,
		RunOnStart: true,
		Schedule:   Every(time.Second),
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop()
	assert.True(t, s.IsRunning())

	mc.Advance(time.Minute)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
	stat, _ := s.GetTaskStatus("disabled")
	assert.True(t, stat.NextRun.IsZero())
}

func TestScheduler_RunOnStart(t *testing.T) {
	s := New(quietOptions(nil))

	var runs atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:         "start-run",
		Name:       "Start Run",
		Enabled:    true,
		RunOnStart: true,
		Schedule:   futureSchedule{},
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	stat, _ := s.GetTaskStatus("start-run")
	assert.Equal(t, int64(1), stat.RunCount)
	assert.False(t, stat.Running)
}

func TestScheduler_DueTaskRunsOnMockClock(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 30, 0, time.UTC))
	s := New(quietOptions(mc))

	var runs atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:       "retention",
		Name:     "Retention",
		Enabled:  true,
		Schedule: Aligned(time.Minute, 0),
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("archive unavailable")
		},
	}))

	s.Start()
	defer s.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load(), "not due yet")

	mc.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		stat, _ := s.GetTaskStatus("retention")
		return stat.RunCount == 1 && !stat.Running
	}, time.Second, 5*time.Millisecond)

	stat, _ := s.GetTaskStatus("retention")
	assert.Equal(t, int64(1), stat.ErrorCount)
	assert.Equal(t, "archive unavailable", stat.LastError)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC), stat.NextRun)
	assert.Equal(t, int32(1), runs.Load(), "task runs once per due time")
}

func TestScheduler_NoOverlap(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(quietOptions(mc))

	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:       "slow",
		Name:     "Slow",
		Enabled:  true,
		Schedule: Every(time.Second),
		Func: func(ctx context.Context) error {
			runs.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))

	s.Start()
	mc.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	mc.Advance(time.Minute)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	stat, _ := s.GetTaskStatus("slow")
	assert.True(t, stat.Running)

	close(release)
	s.Stop()
}
