package datastore

import (
	"grimm.is/blackhole/internal/errors"
)

// ErrInvariant is returned when a counter change would leave a record with
// a negative count or more blocked than total queries.
var ErrInvariant = errors.New(errors.KindValidation, "counter change violates count >= blocked >= 0")

// RecordQuery attributes one query to a client and a domain: totals, the
// blocked counters when blocked is set, and the client's overtime slot.
// An invalid slot makes the call a no-op.
func (s *Store) RecordQuery(client ClientID, domain DomainID, bucket int, blocked bool) error {
	if !s.opts.Timeline.Valid(bucket) {
		return s.refuse(ErrOutOfRange, "overtime", bucket, callSite(1), map[string]any{"slots": s.opts.Timeline.Slots()})
	}
	c, err := s.GetClient(client, true)
	if err != nil {
		return err
	}
	d, err := s.GetDomain(domain, true)
	if err != nil {
		return err
	}

	b := 0
	if blocked {
		b = 1
	}

	s.clients.RLock()
	err = s.changeClientCountLocked(c, 1, b, bucket, 1)
	s.clients.RUnlock()
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.count++
	d.blockedCount += b
	d.lastQuery = s.clock.Now()
	d.mu.Unlock()
	return nil
}

// ChangeClientCount applies explicit deltas to a client's total, blocked
// count and one overtime slot, and the same deltas to the alias-client it
// belongs to. Callers keep the overtime sum equal to the total by pairing
// total with bucketMod. An invalid bucket skips the slot update.
func (s *Store) ChangeClientCount(c *Client, total, blocked, bucket, bucketMod int) error {
	if c == nil {
		return errors.New(errors.KindValidation, "nil client")
	}
	s.clients.RLock()
	defer s.clients.RUnlock()
	return s.changeClientCountLocked(c, total, blocked, bucket, bucketMod)
}

// changeClientCountLocked requires the client table lock, shared or
// exclusive.
func (s *Store) changeClientCountLocked(c *Client, total, blocked, bucket, bucketMod int) error {
	if !s.opts.Timeline.Valid(bucket) {
		bucket, bucketMod = -1, 0
	}

	c.mu.Lock()
	if err := applyCounts(c, total, blocked, bucket, bucketMod); err != nil {
		c.mu.Unlock()
		return err
	}
	isAlias, aliasID := c.flags.Alias, c.aliasClient
	c.mu.Unlock()

	if isAlias {
		s.log.Warn("counts applied to alias-client directly", "ip", s.strs.String(c.ipPos))
		return nil
	}
	if aliasID == NoID {
		return nil
	}

	alias := s.liveClient(int(aliasID))
	if alias == nil {
		s.log.Error("client linked to invalid alias-client", "alias", aliasID, "ip", s.strs.String(c.ipPos))
		return nil
	}
	alias.mu.Lock()
	err := applyCounts(alias, total, blocked, bucket, bucketMod)
	alias.mu.Unlock()
	if err != nil {
		s.log.Warn("alias-client counters out of step", "alias", aliasID, "error", err)
	}
	return nil
}

// applyCounts requires c.mu.
func applyCounts(c *Client, total, blocked, bucket, bucketMod int) error {
	count := c.count + total
	bcount := c.blockedCount + blocked
	if count < 0 || bcount < 0 || bcount > count {
		return errors.WithAttrs(ErrInvariant, map[string]any{
			"count":   c.count,
			"blocked": c.blockedCount,
			"dtotal":  total,
			"dblock":  blocked,
		})
	}
	if bucket >= 0 && bucket < len(c.overtime) {
		if c.overtime[bucket]+bucketMod < 0 {
			return errors.WithAttrs(ErrInvariant, map[string]any{"bucket": bucket})
		}
		c.overtime[bucket] += bucketMod
	}
	c.count = count
	c.blockedCount = bcount
	return nil
}

// SetAliasClient links client to the alias-client alias, moving its counts
// from any previous alias-client. NoID unlinks.
func (s *Store) SetAliasClient(client, alias ClientID) error {
	c, err := s.GetClient(client, true)
	if err != nil {
		return err
	}
	var a *Client
	if alias != NoID {
		if a, err = s.GetClient(alias, true); err != nil {
			return err
		}
		if !a.IsAlias() {
			return errors.Errorf(errors.KindValidation, "client %d is not an alias-client", alias)
		}
	}
	if c.IsAlias() {
		return errors.Errorf(errors.KindValidation, "alias-client %d cannot join another alias-client", client)
	}

	s.clients.RLock()
	defer s.clients.RUnlock()

	c.mu.Lock()
	prev := c.aliasClient
	if prev == alias {
		c.mu.Unlock()
		return nil
	}
	count, blocked := c.count, c.blockedCount
	buckets := append([]int(nil), c.overtime...)
	c.aliasClient = alias
	c.mu.Unlock()

	move := func(target *Client, sign int) {
		target.mu.Lock()
		defer target.mu.Unlock()
		target.count = max(target.count+sign*count, 0)
		target.blockedCount = min(max(target.blockedCount+sign*blocked, 0), target.count)
		for i, n := range buckets {
			if i < len(target.overtime) {
				target.overtime[i] = max(target.overtime[i]+sign*n, 0)
			}
		}
	}
	if prev != NoID {
		if old := s.liveClient(int(prev)); old != nil {
			move(old, -1)
		}
	}
	if a != nil {
		move(a, 1)
	}
	return nil
}

// StatusCounts returns the number of live queries per status.
func (s *Store) StatusCounts() map[QueryStatus]int64 {
	out := make(map[QueryStatus]int64, statusMax)
	for st := QueryStatus(0); st < statusMax; st++ {
		if n := s.statusCounts[st].Load(); n != 0 {
			out[st] = n
		}
	}
	return out
}

// TypeCounts returns the number of live queries per query type.
func (s *Store) TypeCounts() map[QueryType]int64 {
	out := make(map[QueryType]int64)
	for t := QueryType(1); t < typeMax; t++ {
		if n := s.typeCounts[t].Load(); n != 0 {
			out[t] = n
		}
	}
	return out
}

// ReplyCounts returns the number of live queries per reply type.
func (s *Store) ReplyCounts() map[ReplyType]int64 {
	out := make(map[ReplyType]int64)
	for r := ReplyType(0); r < replyMax; r++ {
		if n := s.replyCounts[r].Load(); n != 0 {
			out[r] = n
		}
	}
	return out
}

// BlockedCount returns the number of live blocked queries.
func (s *Store) BlockedCount() int64 {
	var n int64
	for st := QueryStatus(0); st < statusMax; st++ {
		if st.Blocked() {
			n += s.statusCounts[st].Load()
		}
	}
	return n
}

// ForwardedCount returns the number of live queries answered upstream,
// retries included.
func (s *Store) ForwardedCount() int64 {
	return s.statusCounts[StatusForwarded].Load() +
		s.statusCounts[StatusRetried].Load() +
		s.statusCounts[StatusRetriedDNSSEC].Load()
}

// CachedCount returns the number of live queries answered from cache.
func (s *Store) CachedCount() int64 {
	return s.statusCounts[StatusCache].Load()
}

// TotalCount returns the number of live queries.
func (s *Store) TotalCount() int64 {
	var n int64
	for st := QueryStatus(0); st < statusMax; st++ {
		n += s.statusCounts[st].Load()
	}
	return n
}
