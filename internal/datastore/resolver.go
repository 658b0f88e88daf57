package datastore

import (
	"strings"
	"time"

	"grimm.is/blackhole/internal/arena"
	"grimm.is/blackhole/internal/errors"
)

// FindQueryID returns the most recent live query carrying the forwarder
// transaction id, looking back at most the configured scan depth.
// Transaction ids are recycled by the forwarder, so older matches lose.
func (s *Store) FindQueryID(id int) QueryID {
	found := QueryID(NoID)
	s.queries.RLock()
	defer s.queries.RUnlock()
	s.queries.Reverse(s.opts.QueryScan, func(i int, q *Query) bool {
		if q.magic != magicQuery {
			return true
		}
		q.mu.Lock()
		match := q.id == id
		q.mu.Unlock()
		if match {
			found = QueryID(i)
			return false
		}
		return true
	})
	return found
}

// FindClientID resolves a client by IP.
//
// With count set (and alias unset) a hit attributes one query to the
// client at the current time. Without count and alias a miss returns NoID
// and creates nothing. Otherwise a miss creates the client; alias creates
// an alias-client, which never counts queries directly.
func (s *Store) FindClientID(ip string, count, alias bool) (ClientID, error) {
	return s.findClient(ip, count || alias, count && !alias, alias, s.clock.Now())
}

// findClient resolves ip, creating the client on a miss when create is set
// and attributing one query at ts when counting is set.
func (s *Store) findClient(ip string, create, counting, alias bool, ts time.Time) (ClientID, error) {
	bucket := s.opts.Timeline.Index(ts)

	s.clients.Lock()
	defer s.clients.Unlock()

	if id, ok := s.clientIdx[ip]; ok {
		if c := s.liveClient(int(id)); c != nil && s.strs.String(c.ipPos) == ip {
			if counting {
				s.changeClientCountLocked(c, 1, 0, bucket, 1)
			}
			return id, nil
		}
		s.staleIndex(EntityClient, int(id), ip)
		delete(s.clientIdx, ip)
	}

	if !create {
		return NoID, nil
	}

	ipPos, err := s.intern(EntityClient, ip)
	if err != nil {
		return NoID, err
	}
	i, c, err := s.clients.Allocate()
	if err != nil {
		return NoID, s.exhausted(EntityClient, err)
	}

	c.magic = magicClient
	c.ipPos = ipPos
	c.namePos = arena.Unset
	c.ifacePos = arena.Unset
	c.groupsPos = arena.Unset
	c.flags = ClientFlags{New: true, Alias: alias}
	c.hwlen = -1
	c.aliasClient = NoID
	c.firstSeen = s.clock.Now()
	c.overtime = make([]int, s.opts.Timeline.Slots())
	if counting {
		c.count = 1
		c.overtime[bucket] = 1
	}
	c.arpQueries = c.count

	id := ClientID(i)
	s.clientIdx[ip] = id
	s.log.Debug("new client", "id", id, "ip", ip, "alias", alias)
	return id, nil
}

// LookupClient resolves a client by IP without creating or counting.
func (s *Store) LookupClient(ip string) ClientID {
	s.clients.RLock()
	defer s.clients.RUnlock()
	id, ok := s.clientIdx[ip]
	if !ok {
		return NoID
	}
	if c := s.liveClient(int(id)); c == nil || s.strs.String(c.ipPos) != ip {
		return NoID
	}
	return id
}

// FindDomainID resolves a domain by name, case-insensitively. With count
// set a hit increments the domain's total; a miss creates the domain with
// a total of one, or zero without count.
func (s *Store) FindDomainID(name string, count bool) (DomainID, error) {
	return s.findDomain(name, count, s.clock.Now())
}

func (s *Store) findDomain(name string, count bool, ts time.Time) (DomainID, error) {
	name = strings.ToLower(name)

	s.domains.Lock()
	defer s.domains.Unlock()

	if id, ok := s.domainIdx[name]; ok {
		if d := s.liveDomain(int(id)); d != nil && s.strs.String(d.namePos) == name {
			if count {
				d.mu.Lock()
				d.count++
				d.lastQuery = ts
				d.mu.Unlock()
			}
			return id, nil
		}
		s.staleIndex(EntityDomain, int(id), name)
		delete(s.domainIdx, name)
	}

	namePos, err := s.intern(EntityDomain, name)
	if err != nil {
		return NoID, err
	}
	i, d, err := s.domains.Allocate()
	if err != nil {
		return NoID, s.exhausted(EntityDomain, err)
	}
	d.magic = magicDomain
	d.namePos = namePos
	if count {
		d.count = 1
		d.lastQuery = ts
	}

	id := DomainID(i)
	s.domainIdx[name] = id
	return id, nil
}

// LookupDomain resolves a domain by name without creating or counting.
func (s *Store) LookupDomain(name string) DomainID {
	name = strings.ToLower(name)
	s.domains.RLock()
	defer s.domains.RUnlock()
	id, ok := s.domainIdx[name]
	if !ok {
		return NoID
	}
	if d := s.liveDomain(int(id)); d == nil || s.strs.String(d.namePos) != name {
		return NoID
	}
	return id
}

// FindUpstreamID resolves an upstream by address and port, creating it on
// first use. The address is compared in lower case.
func (s *Store) FindUpstreamID(ip string, port uint16) (UpstreamID, error) {
	key := upstreamKey{ip: strings.ToLower(ip), port: port}

	s.upstreams.Lock()
	defer s.upstreams.Unlock()

	if id, ok := s.upstreamIdx[key]; ok {
		if u := s.liveUpstream(int(id)); u != nil && u.port == port && s.strs.String(u.ipPos) == key.ip {
			return id, nil
		}
		s.staleIndex(EntityUpstream, int(id), key.ip)
		delete(s.upstreamIdx, key)
	}

	ipPos, err := s.intern(EntityUpstream, key.ip)
	if err != nil {
		return NoID, err
	}
	i, u, err := s.upstreams.Allocate()
	if err != nil {
		return NoID, s.exhausted(EntityUpstream, err)
	}
	u.magic = magicUpstream
	u.ipPos = ipPos
	u.namePos = arena.Unset
	u.port = port
	u.isNew = true

	id := UpstreamID(i)
	s.upstreamIdx[key] = id
	s.log.Debug("new upstream", "id", id, "ip", key.ip, "port", port)
	return id, nil
}

// LookupUpstream resolves an upstream without creating it.
func (s *Store) LookupUpstream(ip string, port uint16) UpstreamID {
	key := upstreamKey{ip: strings.ToLower(ip), port: port}
	s.upstreams.RLock()
	defer s.upstreams.RUnlock()
	id, ok := s.upstreamIdx[key]
	if !ok {
		return NoID
	}
	if u := s.liveUpstream(int(id)); u == nil || u.port != port {
		return NoID
	}
	return id
}

// FindCacheID resolves the decision cache entry for a triple, creating an
// undecided entry on first use.
func (s *Store) FindCacheID(domain DomainID, client ClientID, qtype QueryType) (CacheID, error) {
	key := cacheKey{domain: domain, client: client, qtype: qtype}

	s.cache.Lock()
	defer s.cache.Unlock()

	if id, ok := s.cacheIdx[key]; ok {
		if e := s.liveCache(int(id)); e != nil && e.domain == domain && e.client == client && e.qtype == qtype {
			return id, nil
		}
		s.staleIndex(EntityCache, int(id), "")
		delete(s.cacheIdx, key)
	}

	i, e, err := s.cache.Allocate()
	if err != nil {
		return NoID, s.exhausted(EntityCache, err)
	}
	e.magic = magicCache
	e.domain = domain
	e.client = client
	e.qtype = qtype
	e.status = CacheUnknown
	e.forceReply = ReplyUnknown
	e.denyRegexID = NoID

	id := CacheID(i)
	s.cacheIdx[key] = id
	return id, nil
}

// LookupCache resolves a cache entry without creating it.
func (s *Store) LookupCache(domain DomainID, client ClientID, qtype QueryType) CacheID {
	key := cacheKey{domain: domain, client: client, qtype: qtype}
	s.cache.RLock()
	defer s.cache.RUnlock()
	id, ok := s.cacheIdx[key]
	if !ok || s.liveCache(int(id)) == nil {
		return NoID
	}
	return id
}

// The live* helpers resolve an index while the caller already holds the
// table lock. They never log; callers decide what a miss means.

func (s *Store) liveClient(i int) *Client {
	if c := s.clients.Slot(i); c != nil && c.magic == magicClient {
		return c
	}
	return nil
}

func (s *Store) liveDomain(i int) *Domain {
	if d := s.domains.Slot(i); d != nil && d.magic == magicDomain {
		return d
	}
	return nil
}

func (s *Store) liveUpstream(i int) *Upstream {
	if u := s.upstreams.Slot(i); u != nil && u.magic == magicUpstream {
		return u
	}
	return nil
}

func (s *Store) liveCache(i int) *CacheEntry {
	if e := s.cache.Slot(i); e != nil && e.magic == magicCache {
		return e
	}
	return nil
}

// staleIndex reports a key index entry that points at a record which no
// longer carries the key. The resolver then creates a fresh record.
func (s *Store) staleIndex(entity Entity, i int, key string) {
	s.log.Error("key index points at invalid record", "entity", entity, "index", i, "key", key)
	s.diag.Addf(string(entity), "error", map[string]string{"key": key}, "%s %d: %s", entity, i, errors.KindCorrupt)
	s.obs.AccessFailed(entity, errors.KindCorrupt)
}
