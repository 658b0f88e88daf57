package datastore

import (
	"context"
	"time"

	"grimm.is/blackhole/internal/errors"
	"grimm.is/blackhole/internal/overtime"
)

// ListReloader reloads the allow/deny lists that feed blocking decisions.
type ListReloader interface {
	ReloadLists(ctx context.Context) error
}

// ListReloaderFunc adapts a function to ListReloader.
type ListReloaderFunc func(ctx context.Context) error

// ReloadLists calls f.
func (f ListReloaderFunc) ReloadLists(ctx context.Context) error { return f(ctx) }

// ResetPerClientDomainData forgets every memoized blocking decision, so the
// next query for each (domain, client, type) triple is evaluated again.
// It returns the number of entries reset.
func (s *Store) ResetPerClientDomainData() int {
	n := 0
	end := s.cache.Len()
	for i := 0; i < end; i++ {
		e, err := s.GetDNSCache(CacheID(i), true)
		if err != nil {
			continue
		}
		e.mu.Lock()
		e.status = CacheUnknown
		e.mu.Unlock()
		n++
	}
	s.log.Debug("reset per-client domain data", "entries", n)
	return n
}

// ReloadAllDomainLists reloads the lists through r and then drops all
// memoized decisions. Clients re-read their group membership on their next
// query. On reload failure the cache is left untouched.
func (s *Store) ReloadAllDomainLists(ctx context.Context, r ListReloader) error {
	if r != nil {
		if err := r.ReloadLists(ctx); err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "reload domain lists")
		}
	}
	end := s.clients.Len()
	for i := 0; i < end; i++ {
		if c, err := s.GetClient(ClientID(i), true); err == nil && !c.IsAlias() {
			c.RequestGroupReload()
		}
	}
	s.ResetPerClientDomainData()
	return nil
}

// ResetRateLimits clears every client's rate-limit counter.
func (s *Store) ResetRateLimits() {
	s.clients.RLock()
	defer s.clients.RUnlock()
	s.clients.Range(func(_ int, c *Client) bool {
		if c.magic == magicClient {
			c.mu.Lock()
			c.rateLimit = 0
			c.mu.Unlock()
		}
		return true
	})
}

// QueryRecord is a query with its references resolved to strings, the form
// used by the archive and the API.
type QueryRecord struct {
	QueryInfo
	DomainName   string `json:"domain_name"`
	CNAMEName    string `json:"cname_name,omitempty"`
	ClientIP     string `json:"client_ip"`
	ClientName   string `json:"client_name,omitempty"`
	UpstreamIP   string `json:"upstream_ip,omitempty"`
	UpstreamPort uint16 `json:"upstream_port,omitempty"`
	TypeName     string `json:"type_name"`
}

// ExportQuery resolves a query into a QueryRecord. Strings honour the
// query's privacy level.
func (s *Store) ExportQuery(id QueryID) (QueryRecord, error) {
	q, err := s.GetQuery(id, true)
	if err != nil {
		return QueryRecord{}, err
	}
	return s.export(q), nil
}

func (s *Store) export(q *Query) QueryRecord {
	info := q.Info()
	rec := QueryRecord{
		QueryInfo:  info,
		DomainName: s.DomainString(q),
		ClientIP:   s.ClientIPString(q),
		ClientName: s.ClientNameString(q),
		TypeName:   info.Type.Format(info.QType),
	}
	if info.CNAMEDomain != NoID {
		rec.CNAMEName = s.CNAMEDomainString(q)
	}
	if info.Upstream != NoID {
		rec.UpstreamIP = s.UpstreamIP(info.Upstream)
		if u, err := s.GetUpstream(info.Upstream, true); err == nil {
			rec.UpstreamPort = u.Info().Port
		}
	}
	return rec
}

// RetireBefore removes every query older than cutoff from the front of the
// query table. Counters are unwound as if the queries had never been
// recorded and their indices become permanently out of range. The retired
// queries are returned in order for archiving.
//
// Queries are retired in index order and retirement stops at the first
// query at or after cutoff.
func (s *Store) RetireBefore(cutoff time.Time) []QueryRecord {
	s.queries.Lock()
	defer s.queries.Unlock()

	var out []QueryRecord
	end := s.queries.Len()
	i := s.queries.Base()
	for ; i < end; i++ {
		q := s.queries.Slot(i)
		if q == nil {
			continue
		}
		if q.magic != magicQuery {
			s.log.Error("retiring corrupt query slot", "index", i)
			s.obs.AccessFailed(EntityQuery, errors.KindCorrupt)
			continue
		}
		q.mu.Lock()
		ts := q.timestamp
		q.mu.Unlock()
		if !ts.Before(cutoff) {
			break
		}
		out = append(out, s.export(q))
		s.unwind(q)
	}

	if n := i - s.queries.Base(); n > 0 {
		s.queries.Retire(i)
		s.obs.QueriesRetired(n)
		s.log.Debug("retired queries", "count", n, "cutoff", cutoff)
	}
	return out
}

// unwind reverts every counter a query contributed to. Requires the query
// table lock.
func (s *Store) unwind(q *Query) {
	q.mu.Lock()
	status, qtype, reply := q.status, q.qtype, q.reply
	blocked := q.flags.Blocked
	ts, bucket := q.timestamp, q.timeIdx
	client, domain, upstream := q.client, q.domain, q.upstream
	q.mu.Unlock()

	s.statusCounts[status].Add(-1)
	s.typeCounts[qtype].Add(-1)
	if reply != ReplyUnknown {
		s.replyCounts[reply].Add(-1)
	}

	d := overtime.Delta{Total: -1}
	if status.Blocked() {
		d.Blocked = -1
	}
	switch status {
	case StatusCache:
		d.Cached = -1
	case StatusForwarded:
		d.Forwarded = -1
	}
	s.global.Add(ts, d)

	b := 0
	if blocked {
		b = -1
	}

	s.clients.RLock()
	if c := s.liveClient(int(client)); c != nil {
		if err := s.changeClientCountLocked(c, -1, b, bucket, -1); err != nil {
			s.log.Warn("client counters out of step during retention", "client", client, "error", err)
		}
	}
	s.clients.RUnlock()

	s.domains.RLock()
	if dm := s.liveDomain(int(domain)); dm != nil {
		dm.mu.Lock()
		dm.count = max(dm.count-1, 0)
		dm.blockedCount = min(max(dm.blockedCount+b, 0), dm.count)
		dm.mu.Unlock()
	}
	s.domains.RUnlock()

	if status.Upstream() && upstream != NoID {
		s.upstreams.RLock()
		if u := s.liveUpstream(int(upstream)); u != nil {
			u.mu.Lock()
			u.count = max(u.count-1, 0)
			u.mu.Unlock()
		}
		s.upstreams.RUnlock()
	}
}
