package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/blackhole/internal/clock"
	"grimm.is/blackhole/internal/datastore"
)

func archived(id int, ts time.Time, domain string) datastore.QueryRecord {
	return datastore.QueryRecord{
		QueryInfo: datastore.QueryInfo{
			ID:        id,
			Status:    datastore.StatusGravity,
			Timestamp: ts,
		},
		DomainName: domain,
		ClientIP:   "10.0.0.1",
		TypeName:   "A",
	}
}

func TestQueryArchive(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, clock.NewMockClock(base))

	archive, err := NewQueryArchive(store, 0)
	require.NoError(t, err)

	// Opening twice reuses the bucket.
	_, err = NewQueryArchive(store, 0)
	require.NoError(t, err)

	require.NoError(t, archive.Archive([]datastore.QueryRecord{
		archived(3, base.Add(2*time.Second), "c.example"),
		archived(1, base, "a.example"),
		archived(2, base.Add(time.Second), "b.example"),
	}))
	require.NoError(t, archive.Archive(nil))

	n, err := archive.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := archive.Range(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a.example", all[0].DomainName)
	assert.Equal(t, "c.example", all[2].DomainName)
	assert.Equal(t, store.InstanceID(), all[0].Instance)
	assert.Equal(t, datastore.StatusGravity, all[0].Status)
	assert.True(t, all[1].Timestamp.Equal(base.Add(time.Second)))

	window, err := archive.Range(base.Add(time.Second), base.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, 2, window[0].ID)
}

func TestQueryArchiveExpiry(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)

	archive, err := NewQueryArchive(store, time.Hour)
	require.NoError(t, err)
	require.NoError(t, archive.Archive([]datastore.QueryRecord{archived(1, clk.Now(), "a.example")}))

	clk.Advance(30 * time.Minute)
	require.NoError(t, archive.Archive([]datastore.QueryRecord{archived(2, clk.Now(), "b.example")}))

	clk.Advance(45 * time.Minute)
	n, err := archive.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	removed, err := store.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left, err := archive.Range(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b.example", left[0].DomainName)
}

func TestArchiveKeyOrdering(t *testing.T) {
	t0 := time.Unix(100, 0)
	assert.Less(t, archiveKey(t0, 9), archiveKey(t0, 10))
	assert.Less(t, archiveKey(t0, 999), archiveKey(t0.Add(time.Nanosecond), 0))
	assert.Equal(t, archiveKey(time.Time{}, 0), archiveKey(time.Unix(0, 0), 0))
}

func TestRunJournal(t *testing.T) {
	path := t.TempDir() + "/runs.db"
	store, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)

	journal, err := NewRunJournal(store)
	require.NoError(t, err)
	_, ok, err := journal.Last()
	require.NoError(t, err)
	assert.False(t, ok)

	stopped := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, journal.Record(RunSummary{
		StartedAt: stopped.Add(-time.Hour),
		StoppedAt: stopped,
		Stats:     datastore.Stats{Queries: 7, Clients: 2},
		Total:     7,
		Blocked:   3,
		Archived:  40,
	}))
	id := store.InstanceID()
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	defer store.Close()
	journal, err = NewRunJournal(store)
	require.NoError(t, err)

	last, ok, err := journal.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, last.Instance)
	assert.True(t, last.StoppedAt.Equal(stopped))
	assert.Equal(t, 7, last.Stats.Queries)
	assert.Equal(t, int64(3), last.Blocked)
	assert.Equal(t, 40, last.Archived)

	buckets, err := store.ListBuckets()
	require.NoError(t, err)
	assert.Equal(t, []string{BucketRuns}, buckets)
}
