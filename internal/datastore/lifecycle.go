package datastore

import (
	"strings"
	"time"

	"grimm.is/blackhole/internal/errors"
	"grimm.is/blackhole/internal/overtime"
	"grimm.is/blackhole/internal/validation"
)

// ErrRateLimited is returned by NewQuery when the client exceeded its
// per-interval query budget. Nothing is recorded for such queries.
var ErrRateLimited = errors.New(errors.KindRateLimited, "client rate limited")

// NewQueryEvent describes a query as reported by the forwarder.
type NewQueryEvent struct {
	// ID is the forwarder transaction id.
	ID        int
	ClientIP  string
	Domain    string
	QType     uint16
	Timestamp time.Time
	Interface string
	HWAddr    []byte
	// Internal queries are generated by the engine itself and bypass rate
	// limiting.
	Internal bool
}

// NewQuery records a query: it resolves the client and domain, creates the
// query record in status unknown and updates all counters.
func (s *Store) NewQuery(ev NewQueryEvent) (QueryID, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	domain := strings.ToLower(strings.TrimSuffix(ev.Domain, "."))
	if domain == "" {
		domain = "."
	}
	if err := validation.ValidateDomainName(domain); err != nil {
		return NoID, errors.Wrap(err, errors.KindValidation, "new query")
	}
	if !validation.IsValidIP(ev.ClientIP) {
		return NoID, errors.Errorf(errors.KindValidation, "new query: invalid client address %q", ev.ClientIP)
	}

	cid, err := s.findClient(ev.ClientIP, true, false, false, ev.Timestamp)
	if err != nil {
		return NoID, err
	}
	c, err := s.GetClient(cid, true)
	if err != nil {
		return NoID, err
	}

	if !ev.Internal && s.opts.RateLimit > 0 {
		c.mu.Lock()
		c.rateLimit++
		limited := c.rateLimit > s.opts.RateLimit
		n := c.rateLimit
		c.mu.Unlock()
		if limited {
			if n == s.opts.RateLimit+1 {
				s.log.Warn("rate limiting client", "ip", ev.ClientIP, "limit", s.opts.RateLimit)
			}
			return NoID, errors.WithAttrs(ErrRateLimited, map[string]any{"ip": ev.ClientIP, "queries": n})
		}
	}

	did, err := s.findDomain(domain, true, ev.Timestamp)
	if err != nil {
		return NoID, err
	}

	qtype := QueryTypeOf(ev.QType)
	bucket := s.opts.Timeline.Index(ev.Timestamp)

	s.queries.Lock()
	i, q, err := s.queries.Allocate()
	if err != nil {
		s.queries.Unlock()
		return NoID, s.exhausted(EntityQuery, err)
	}
	q.magic = magicQuery
	q.id = ev.ID
	q.status = StatusUnknown
	q.qtype = qtype
	q.qtypeRaw = ev.QType
	q.privacy = s.PrivacyLevel()
	q.domain = did
	q.client = cid
	q.upstream = NoID
	q.cnameDomain = NoID
	q.timeIdx = bucket
	q.timestamp = ev.Timestamp
	s.queries.Unlock()

	s.statusCounts[StatusUnknown].Add(1)
	s.typeCounts[qtype].Add(1)
	s.global.Add(ev.Timestamp, overtime.Delta{Total: 1})

	if err := s.ChangeClientCount(c, 1, 0, bucket, 1); err != nil {
		s.log.Warn("client counters not updated", "client", cid, "error", err)
	}
	c.mu.Lock()
	c.lastQuery = ev.Timestamp
	c.arpQueries++
	c.mu.Unlock()
	if len(ev.HWAddr) > 0 {
		c.SetHWAddr(ev.HWAddr)
	}
	if ev.Interface != "" {
		if err := s.setClientInterface(c, ev.Interface); err != nil {
			return QueryID(i), err
		}
	}

	return QueryID(i), nil
}

// setStatus moves q to status and keeps the global counters in step.
// Requires q.mu.
func (s *Store) setStatus(q *Query, status QueryStatus) {
	old := q.status
	if old == status {
		return
	}
	s.statusCounts[old].Add(-1)
	s.statusCounts[status].Add(1)

	var d overtime.Delta
	if old.Blocked() {
		d.Blocked--
	}
	if status.Blocked() {
		d.Blocked++
	}
	if old == StatusCache {
		d.Cached--
	}
	if status == StatusCache {
		d.Cached++
	}
	if old == StatusForwarded {
		d.Forwarded--
	}
	if status == StatusForwarded {
		d.Forwarded++
	}
	s.global.Add(q.timestamp, d)

	q.status = status
	if !status.CNAME() {
		q.cnameDomain = NoID
	}
	s.obs.StatusChanged(old, status)
}

// SetStatus moves a query to status. Unknown is never a valid target and
// CNAME-chain statuses must go through CNAMEBlocked.
func (s *Store) SetStatus(id QueryID, status QueryStatus) error {
	switch {
	case status == StatusUnknown || status >= statusMax:
		return errors.Errorf(errors.KindValidation, "invalid target status %s", status)
	case status.CNAME():
		return errors.Errorf(errors.KindValidation, "status %s requires a CNAME target", status)
	case status.Blocked():
		return s.Blocked(id, status)
	}
	q, err := s.GetQuery(id, true)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	s.setStatus(q, status)
	return nil
}

// Forwarded records that a query was sent to upstream ip:port.
func (s *Store) Forwarded(id QueryID, upstreamIP string, port uint16) error {
	q, err := s.GetQuery(id, true)
	if err != nil {
		return err
	}
	uid, err := s.FindUpstreamID(upstreamIP, port)
	if err != nil {
		return err
	}
	u, err := s.GetUpstream(uid, true)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	u.mu.Lock()
	u.count++
	u.lastQuery = now
	u.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.upstream = uid
	if q.status == StatusUnknown || q.status == StatusInProgress || q.status == StatusRetried {
		s.setStatus(q, StatusForwarded)
	}
	return nil
}

// Cached records that a query was answered from the local cache.
func (s *Store) Cached(id QueryID) error {
	q, err := s.GetQuery(id, true)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	s.setStatus(q, StatusCache)
	q.flags.Complete = true
	return nil
}

// Allowed marks a query as explicitly allow-listed.
func (s *Store) Allowed(id QueryID) error {
	q, err := s.GetQuery(id, true)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.flags.Allowed = true
	q.mu.Unlock()
	return nil
}

// Blocked records a blocking decision with a direct (non-CNAME) status.
func (s *Store) Blocked(id QueryID, status QueryStatus) error {
	if !status.Blocked() || status.CNAME() {
		return errors.Errorf(errors.KindValidation, "status %s is not a direct blocking status", status)
	}
	return s.block(id, status, NoID)
}

// CNAMEBlocked records that a query was blocked because child, a name deeper
// in its CNAME chain, matched. status is the direct status the child matched
// with, or its CNAME variant.
func (s *Store) CNAMEBlocked(id QueryID, child string, status QueryStatus) error {
	cnameStatus, ok := status.CNAMEVariant()
	if !ok {
		return errors.Errorf(errors.KindValidation, "status %s has no CNAME variant", status)
	}
	cid, err := s.findDomain(child, false, s.clock.Now())
	if err != nil {
		return err
	}
	return s.block(id, cnameStatus, cid)
}

func (s *Store) block(id QueryID, status QueryStatus, cname DomainID) error {
	q, err := s.GetQuery(id, true)
	if err != nil {
		return err
	}

	q.mu.Lock()
	wasBlocked := q.flags.Blocked
	prev := q.status
	upstream := q.upstream
	domain, client := q.domain, q.client
	s.setStatus(q, status)
	if cname != NoID {
		q.cnameDomain = cname
	}
	q.flags.Blocked = true
	q.mu.Unlock()

	if prev.Upstream() && upstream != NoID {
		if u, err := s.GetUpstream(upstream, true); err == nil {
			u.mu.Lock()
			u.count = max(u.count-1, 0)
			u.mu.Unlock()
		}
	}
	if wasBlocked {
		return nil
	}

	d, err := s.GetDomain(domain, true)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.blockedCount < d.count {
		d.blockedCount++
	}
	d.mu.Unlock()

	c, err := s.GetClient(client, true)
	if err != nil {
		return err
	}
	return s.ChangeClientCount(c, 0, 1, NoID, 0)
}

// Reply describes the answer the engine sent for a query.
type Reply struct {
	Type   ReplyType
	DNSSEC DNSSECStatus
	// At is when the reply was sent; zero means now.
	At  time.Time
	TTL uint32
	// FromUpstream marks replies relayed from the query's upstream; their
	// latency feeds the upstream's response-time statistics.
	FromUpstream bool
}

// SetReply stores the reply classification and latency of a query and
// marks it complete. Only the first reply counts.
func (s *Store) SetReply(id QueryID, r Reply) error {
	q, err := s.GetQuery(id, true)
	if err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = s.clock.Now()
	}
	if r.Type >= replyMax {
		return errors.Errorf(errors.KindValidation, "invalid reply type %d", r.Type)
	}

	q.mu.Lock()
	if q.reply != ReplyUnknown {
		q.mu.Unlock()
		return nil
	}
	rt := tenthsOfMillis(r.At.Sub(q.timestamp))
	q.reply = r.Type
	q.dnssec = r.DNSSEC
	q.ttl = r.TTL
	q.response = rt
	q.flags.Complete = true
	upstream := q.upstream
	if r.FromUpstream {
		q.forwardResponse = rt
	}
	q.mu.Unlock()
	s.replyCounts[r.Type].Add(1)

	if !r.FromUpstream || upstream == NoID {
		return nil
	}
	u, err := s.GetUpstream(upstream, true)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.responses++
	u.rtime += rt
	mean := int64(u.rtime / u.responses)
	dev := mean - int64(rt)
	u.rtUncertainty += uint64(dev * dev)
	u.mu.Unlock()
	return nil
}

// Retried records that the forwarder retried a query. For DNSSEC retries
// the status is RETRIED_DNSSEC. The query's current upstream is charged
// with a failure.
func (s *Store) Retried(id QueryID, dnssec bool) error {
	q, err := s.GetQuery(id, true)
	if err != nil {
		return err
	}
	q.mu.Lock()
	upstream := q.upstream
	if dnssec {
		s.setStatus(q, StatusRetriedDNSSEC)
	} else {
		s.setStatus(q, StatusRetried)
	}
	q.mu.Unlock()

	if upstream == NoID {
		return nil
	}
	u, err := s.GetUpstream(upstream, true)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.failed++
	u.mu.Unlock()
	return nil
}

func tenthsOfMillis(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / (100 * time.Microsecond))
}
