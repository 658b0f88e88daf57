package scheduler

import (
	"testing"
	"time"
)

func TestIntervalSchedule(t *testing.T) {
	s := Every(5 * time.Minute)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	next := s.Next(now)
	expected := time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, next)
	}
}

func TestAlignedSchedule(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		offset   time.Duration
		after    time.Time
		expected time.Time
	}{
		{
			name:     "mid-minute",
			interval: time.Minute,
			after:    time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC),
		},
		{
			name:     "on boundary moves to next",
			interval: time.Minute,
			after:    time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC),
		},
		{
			name:     "offset before boundary",
			interval: time.Minute,
			offset:   5 * time.Second,
			after:    time.Date(2024, 1, 1, 10, 0, 2, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC),
		},
		{
			name:     "offset after boundary",
			interval: time.Minute,
			offset:   5 * time.Second,
			after:    time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 10, 1, 5, 0, time.UTC),
		},
		{
			name:     "ten minute slots",
			interval: 10 * time.Minute,
			after:    time.Date(2024, 1, 1, 10, 17, 0, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 10, 20, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := Aligned(tt.interval, tt.offset).Next(tt.after)
			if !next.Equal(tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, next)
			}
		})
	}
}
