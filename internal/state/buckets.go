package state

import (
	"encoding/json"
	"fmt"
	"time"

	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/errors"
)

// Standard bucket names
const (
	BucketQueries = "queries" // Retired queries
	BucketRuns    = "runs"    // Per-instance run summaries
)

const lastRunKey = "last"

// ArchivedQuery is a retired query as written to the archive.
type ArchivedQuery struct {
	Instance string `json:"instance"`
	datastore.QueryRecord
}

// QueryArchive provides typed access to retired queries. Keys sort by query
// time, then by query index.
type QueryArchive struct {
	store  *SQLiteStore
	bucket string
	ttl    time.Duration
}

// NewQueryArchive creates the archive accessor. Entries expire after ttl;
// zero keeps them until deleted.
func NewQueryArchive(store *SQLiteStore, ttl time.Duration) (*QueryArchive, error) {
	if err := store.EnsureBucket(BucketQueries); err != nil {
		return nil, err
	}
	return &QueryArchive{store: store, bucket: BucketQueries, ttl: ttl}, nil
}

// Archive writes records in one transaction.
func (a *QueryArchive) Archive(records []datastore.QueryRecord) error {
	if len(records) == 0 {
		return nil
	}
	kvs := make([]KV, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(ArchivedQuery{Instance: a.store.InstanceID(), QueryRecord: rec})
		if err != nil {
			return err
		}
		kvs = append(kvs, KV{Key: archiveKey(rec.Timestamp, rec.ID), Value: data})
	}
	return a.store.SetBatch(a.bucket, kvs, a.ttl)
}

// Range returns archived queries with from <= timestamp < to, oldest first.
// A zero to means no upper bound.
func (a *QueryArchive) Range(from, to time.Time) ([]ArchivedQuery, error) {
	lo := archiveKey(from, 0)
	hi := ""
	if !to.IsZero() {
		hi = archiveKey(to, 0)
	}

	var (
		out     []ArchivedQuery
		decodeE error
	)
	err := a.store.Scan(a.bucket, lo, hi, func(key string, value []byte) bool {
		var q ArchivedQuery
		if decodeE = json.Unmarshal(value, &q); decodeE != nil {
			decodeE = fmt.Errorf("archive entry %s: %w", key, decodeE)
			return false
		}
		out = append(out, q)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeE
}

// Count returns the number of live archived queries.
func (a *QueryArchive) Count() (int, error) {
	return a.store.Count(a.bucket)
}

func archiveKey(ts time.Time, id int) string {
	ns := max(ts.UnixNano(), 0)
	return fmt.Sprintf("%020d-%010d", ns, id)
}

// RunSummary describes the store at the end of a daemon run.
type RunSummary struct {
	Instance  string          `json:"instance"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt time.Time       `json:"stopped_at"`
	Stats     datastore.Stats `json:"stats"`
	Total     int64           `json:"total"`
	Blocked   int64           `json:"blocked"`
	Forwarded int64           `json:"forwarded"`
	Cached    int64           `json:"cached"`
	Archived  int             `json:"archived"`
	Error     string          `json:"error,omitempty"`
}

// RunJournal keeps the summary of the previous run.
type RunJournal struct {
	store *SQLiteStore
}

// NewRunJournal creates the journal accessor.
func NewRunJournal(store *SQLiteStore) (*RunJournal, error) {
	if err := store.EnsureBucket(BucketRuns); err != nil {
		return nil, err
	}
	return &RunJournal{store: store}, nil
}

// Record stores sum as the latest run, stamped with the instance id.
func (j *RunJournal) Record(sum RunSummary) error {
	sum.Instance = j.store.InstanceID()
	return j.store.SetJSON(BucketRuns, lastRunKey, sum)
}

// Last returns the latest recorded run. ok is false when none exists.
func (j *RunJournal) Last() (sum RunSummary, ok bool, err error) {
	err = j.store.GetJSON(BucketRuns, lastRunKey, &sum)
	if errors.Is(err, ErrNotFound) {
		return RunSummary{}, false, nil
	}
	if err != nil {
		return RunSummary{}, false, err
	}
	return sum, true, nil
}
