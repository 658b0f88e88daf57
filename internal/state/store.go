// Package state persists data that outlives the in-memory record store.
//
// The store provides:
// - Persistent storage via SQLite with WAL mode for performance
// - Named buckets of key-value entries with optional expiry
// - A stable per-database instance id
//
// modernc.org/sqlite is used so the binary builds without CGO.
package state

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"grimm.is/blackhole/internal/clock"
	"grimm.is/blackhole/internal/errors"
)

// Common errors
var (
	ErrNotFound      = errors.New(errors.KindNotFound, "key not found")
	ErrBucketExists  = errors.New(errors.KindValidation, "bucket already exists")
	ErrBucketMissing = errors.New(errors.KindNotFound, "bucket does not exist")
	ErrStoreClosed   = errors.New(errors.KindUnavailable, "store is closed")
)

// KV is one key-value pair of a batch write.
type KV struct {
	Key   string
	Value []byte
}

// SQLiteStore is a bucketed key-value store in a single SQLite file.
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.RWMutex
	closed   bool
	clock    clock.Clock
	instance string
}

// Options configures the SQLite store.
type Options struct {
	Path    string      // Database file path (":memory:" for in-memory)
	WALMode bool        // Enable WAL mode for better concurrency
	Clock   clock.Clock // Optional: time source (defaults to the package clock)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// NewSQLiteStore opens or creates the database at opts.Path.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open database")
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to connect to database")
	}

	pragmas := []string{
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to execute pragma %q", p)
		}
	}

	s := &SQLiteStore{
		db:    db,
		clock: clock.Or(opts.Clock),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to initialize schema")
	}
	if err := s.loadInstance(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to load instance id")
	}

	return s, nil
}

// initSchema creates the database tables. Times are stored as unix
// nanoseconds.
func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (bucket, key),
			FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at) WHERE expires_at IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// loadInstance reads the instance id, generating one for a new database.
func (s *SQLiteStore) loadInstance() error {
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'instance_id'").Scan(&s.instance)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}
	s.instance = uuid.NewString()
	_, err = s.db.Exec("INSERT INTO metadata (key, value) VALUES ('instance_id', ?)", s.instance)
	return err
}

// InstanceID identifies the database across restarts.
func (s *SQLiteStore) InstanceID() string {
	return s.instance
}

// CreateBucket creates a new bucket.
func (s *SQLiteStore) CreateBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec("INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		name, s.clock.Now().UnixNano())
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrBucketExists
	}
	return nil
}

// EnsureBucket creates a bucket unless it exists.
func (s *SQLiteStore) EnsureBucket(name string) error {
	if err := s.CreateBucket(name); err != nil && !errors.Is(err, ErrBucketExists) {
		return err
	}
	return nil
}

// ListBuckets returns all bucket names.
func (s *SQLiteStore) ListBuckets() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query("SELECT name FROM buckets ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		buckets = append(buckets, name)
	}
	return buckets, rows.Err()
}

// Get returns the live value stored under key.
func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var value []byte
	err := s.db.QueryRow(`
		SELECT value FROM entries
		WHERE bucket = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)
	`, bucket, key, s.clock.Now().UnixNano()).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return value, err
}

// Set stores a value without expiry.
func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	return s.SetBatch(bucket, []KV{{Key: key, Value: value}}, 0)
}

// SetBatch stores all pairs in one transaction. A positive ttl sets their
// expiry.
func (s *SQLiteStore) SetBatch(bucket string, kvs []KV, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := s.clock.Now()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).UnixNano()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow("SELECT 1 FROM buckets WHERE name = ?", bucket).Scan(&exists)
	if err == sql.ErrNoRows {
		return errors.WithAttrs(ErrBucketMissing, map[string]any{"bucket": bucket})
	}
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO entries (bucket, key, value, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, kv := range kvs {
		if _, err := stmt.Exec(bucket, kv.Key, kv.Value, now.UnixNano(), expires); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Scan calls fn for each live entry in bucket with from <= key < to, in key
// order. An empty to means no upper bound. Returning false stops the scan.
func (s *SQLiteStore) Scan(bucket, from, to string, fn func(key string, value []byte) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	query := `
		SELECT key, value FROM entries
		WHERE bucket = ? AND key >= ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{bucket, from, s.clock.Now().UnixNano()}
	if to != "" {
		query += " AND key < ?"
		args = append(args, to)
	}
	query += " ORDER BY key"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if !fn(key, value) {
			break
		}
	}
	return rows.Err()
}

// Count returns the number of live entries in a bucket.
func (s *SQLiteStore) Count(bucket string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM entries
		WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?)
	`, bucket, s.clock.Now().UnixNano()).Scan(&n)
	return n, err
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *SQLiteStore) GetJSON(bucket, key string, v any) error {
	data, err := s.Get(bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON marshals and stores a value.
func (s *SQLiteStore) SetJSON(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(bucket, key, data)
}

// Cleanup removes expired entries and returns how many were deleted.
func (s *SQLiteStore) Cleanup() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(
		"DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at <= ?",
		s.clock.Now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
