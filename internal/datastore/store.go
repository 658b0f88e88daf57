// Package datastore is the in-process record store of the DNS engine.
//
// It owns five record tables (queries, clients, domains, upstreams and the
// per-client decision cache), the string arena their names live in and the
// aggregate counters. Every index handed out stays valid until retention
// retires it; records never move.
//
// Lock order: query table, then client, domain, upstream, cache tables,
// then individual record mutexes. Record mutexes are never held while
// acquiring a table lock.
package datastore

import (
	"sync/atomic"

	"grimm.is/blackhole/internal/arena"
	"grimm.is/blackhole/internal/clock"
	"grimm.is/blackhole/internal/errors"
	"grimm.is/blackhole/internal/logging"
	"grimm.is/blackhole/internal/overtime"
	"grimm.is/blackhole/internal/table"
)

// MaxQueryScan bounds how far FindQueryID walks back from the newest query.
const MaxQueryScan = 1000

// Observer receives store events that are interesting to metrics.
type Observer interface {
	// AccessFailed is called for every refused accessor call.
	AccessFailed(entity Entity, kind errors.Kind)
	// StatusChanged is called when a query moves between statuses.
	StatusChanged(from, to QueryStatus)
	// QueriesRetired is called after retention removed n queries.
	QueriesRetired(n int)
}

type nopObserver struct{}

func (nopObserver) AccessFailed(Entity, errors.Kind) {}
func (nopObserver) StatusChanged(QueryStatus, QueryStatus) {}
func (nopObserver) QueriesRetired(int) {}

// Options configures a Store.
type Options struct {
	// BlockSize is the number of records per table block.
	BlockSize int
	// MaxRecords caps each table; zero means unlimited.
	MaxRecords int
	// ArenaLimit caps the string arena in bytes; zero means unlimited.
	ArenaLimit int
	// QueryScan bounds FindQueryID; zero selects MaxQueryScan.
	QueryScan int
	// RateLimit is the number of queries a client may send per rate-limit
	// interval; zero disables rate limiting.
	RateLimit int
	Privacy   PrivacyLevel
	Timeline  overtime.Timeline
	// DiagnosticsSize is the capacity of the diagnostics ring.
	DiagnosticsSize int
	Clock           clock.Clock
	Logger          *logging.Logger
	Observer        Observer
}

// DefaultOptions returns the options used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		BlockSize:       table.DefaultBlockSize,
		QueryScan:       MaxQueryScan,
		RateLimit:       1000,
		Privacy:         PrivacyShowAll,
		Timeline:        overtime.Default(),
		DiagnosticsSize: 512,
	}
}

type upstreamKey struct {
	ip   string
	port uint16
}

type cacheKey struct {
	domain DomainID
	client ClientID
	qtype  QueryType
}

// Store is the shared record store. All methods are safe for concurrent use.
type Store struct {
	opts   Options
	clock  clock.Clock
	log    *logging.Logger
	obs    Observer
	strs   *arena.Arena
	global *overtime.Global
	diag   *logging.RingBuffer

	queries   *table.Table[Query]
	clients   *table.Table[Client]
	domains   *table.Table[Domain]
	upstreams *table.Table[Upstream]
	cache     *table.Table[CacheEntry]

	// Key indexes, guarded by the lock of the matching table.
	clientIdx   map[string]ClientID
	domainIdx   map[string]DomainID
	upstreamIdx map[upstreamKey]UpstreamID
	cacheIdx    map[cacheKey]CacheID

	privacy atomic.Uint32
	fatal   atomic.Pointer[error]
	done    chan struct{}

	statusCounts [statusMax]atomic.Int64
	typeCounts   [typeMax]atomic.Int64
	replyCounts  [replyMax]atomic.Int64
}

// New creates an empty store.
func New(opts Options) *Store {
	def := DefaultOptions()
	if opts.QueryScan <= 0 {
		opts.QueryScan = def.QueryScan
	}
	if opts.Timeline.Slots() == 0 {
		opts.Timeline = def.Timeline
	}
	if opts.DiagnosticsSize <= 0 {
		opts.DiagnosticsSize = def.DiagnosticsSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	s := &Store{
		opts:   opts,
		clock:  clock.Or(opts.Clock),
		log:    opts.Logger.WithComponent("datastore"),
		obs:    opts.Observer,
		strs:   arena.New(opts.ArenaLimit),
		global: overtime.NewGlobal(opts.Timeline),
		diag:   logging.NewRingBuffer(opts.DiagnosticsSize),

		queries:   table.New[Query](string(EntityQuery), opts.BlockSize, opts.MaxRecords),
		clients:   table.New[Client](string(EntityClient), opts.BlockSize, opts.MaxRecords),
		domains:   table.New[Domain](string(EntityDomain), opts.BlockSize, opts.MaxRecords),
		upstreams: table.New[Upstream](string(EntityUpstream), opts.BlockSize, opts.MaxRecords),
		cache:     table.New[CacheEntry](string(EntityCache), opts.BlockSize, opts.MaxRecords),

		clientIdx:   make(map[string]ClientID),
		domainIdx:   make(map[string]DomainID),
		upstreamIdx: make(map[upstreamKey]UpstreamID),
		cacheIdx:    make(map[cacheKey]CacheID),

		done: make(chan struct{}),
	}
	s.privacy.Store(uint32(opts.Privacy))
	return s
}

// Arena exposes the string arena for readers that hold raw offsets.
func (s *Store) Arena() *arena.Arena { return s.strs }

// Overtime returns the engine-wide per-slot counters.
func (s *Store) Overtime() *overtime.Global { return s.global }

// Timeline returns the slot layout used for overtime indices.
func (s *Store) Timeline() overtime.Timeline { return s.opts.Timeline }

// Diagnostics returns the ring of refused accesses and other anomalies.
func (s *Store) Diagnostics() *logging.RingBuffer { return s.diag }

// PrivacyLevel returns the current privacy level.
func (s *Store) PrivacyLevel() PrivacyLevel {
	return PrivacyLevel(s.privacy.Load())
}

// SetPrivacyLevel changes the privacy level applied by the string readers
// and stamped on new queries.
func (s *Store) SetPrivacyLevel(p PrivacyLevel) error {
	if !p.Valid() {
		return errors.Errorf(errors.KindValidation, "invalid privacy level %d", p)
	}
	s.privacy.Store(uint32(p))
	return nil
}

// Fatal returns the first exhaustion error, after which the store cannot
// create records reliably and the engine should shut down.
func (s *Store) Fatal() error {
	if p := s.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Done is closed once the store records its first exhaustion error.
func (s *Store) Done() <-chan struct{} { return s.done }

// exhausted records a fatal growth failure and returns it.
func (s *Store) exhausted(entity Entity, err error) error {
	err = errors.WithAttrs(err, map[string]any{"entity": string(entity)})
	if s.fatal.CompareAndSwap(nil, &err) {
		s.log.Error("record store exhausted", "entity", entity, "error", err)
		s.diag.Addf(string(entity), "error", nil, "record store exhausted: %v", err)
		close(s.done)
	}
	return err
}

// intern stores str in the arena, recording exhaustion as fatal.
func (s *Store) intern(entity Entity, str string) (arena.Offset, error) {
	off, err := s.strs.InternString(str)
	if err != nil {
		if errors.IsKind(err, errors.KindExhausted) {
			return arena.Unset, s.exhausted(entity, err)
		}
		return arena.Unset, errors.WithAttrs(err, map[string]any{"entity": string(entity)})
	}
	return off, nil
}

// Stats is a snapshot of table and arena sizes.
type Stats struct {
	Queries        int `json:"queries"`
	QueriesRetired int `json:"queries_retired"`
	Clients        int `json:"clients"`
	Domains        int `json:"domains"`
	Upstreams      int `json:"upstreams"`
	CacheEntries   int `json:"cache_entries"`
	ArenaBytes     int `json:"arena_bytes"`
	ArenaStrings   int `json:"arena_strings"`
}

// Stats returns current table sizes.
func (s *Store) Stats() Stats {
	return Stats{
		Queries:        s.queries.Live(),
		QueriesRetired: s.queries.Base(),
		Clients:        s.clients.Len(),
		Domains:        s.domains.Len(),
		Upstreams:      s.upstreams.Len(),
		CacheEntries:   s.cache.Len(),
		ArenaBytes:     s.strs.Size(),
		ArenaStrings:   s.strs.Count(),
	}
}

// QueryRange returns the live query index range [first, end).
func (s *Store) QueryRange() (first, end QueryID) {
	return QueryID(s.queries.Base()), QueryID(s.queries.Len())
}

// ClientCount returns the number of clients ever created.
func (s *Store) ClientCount() int { return s.clients.Len() }

// DomainCount returns the number of domains ever created.
func (s *Store) DomainCount() int { return s.domains.Len() }

// UpstreamCount returns the number of upstreams ever created.
func (s *Store) UpstreamCount() int { return s.upstreams.Len() }

// CacheCount returns the number of cache entries ever created.
func (s *Store) CacheCount() int { return s.cache.Len() }
