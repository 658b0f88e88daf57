package datastore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/blackhole/internal/errors"
)

func TestRetireBefore(t *testing.T) {
	s, _, obs := newTestStore(t)

	old := newQuery(t, s, 1, "10.0.0.1", "old.example", testEpoch)
	require.NoError(t, s.Blocked(old, StatusGravity))
	older := newQuery(t, s, 2, "10.0.0.1", "old.example", testEpoch.Add(time.Minute))
	require.NoError(t, s.Forwarded(older, "9.9.9.9", 53))
	keep := newQuery(t, s, 3, "10.0.0.1", "new.example", testEpoch.Add(2*time.Minute))

	retired := s.RetireBefore(testEpoch.Add(90 * time.Second))
	require.Len(t, retired, 2)
	assert.Equal(t, "old.example", retired[0].DomainName)
	assert.Equal(t, StatusGravity, retired[0].Status)
	assert.Equal(t, "9.9.9.9", retired[1].UpstreamIP)
	assert.Equal(t, uint16(53), retired[1].UpstreamPort)
	assert.Equal(t, 2, obs.retired)

	_, err := s.GetQuery(old, true)
	assert.True(t, errors.IsKind(err, errors.KindOutOfRange))
	q, err := s.GetQuery(keep, true)
	require.NoError(t, err)
	assert.Equal(t, 3, q.TransactionID())

	assert.Equal(t, int64(1), s.TotalCount())
	assert.Equal(t, int64(0), s.BlockedCount())
	assert.Equal(t, int64(0), s.ForwardedCount())

	c, _ := s.GetClient(q.Info().Client, true)
	assert.Equal(t, 1, c.Count())
	assert.Equal(t, 0, c.BlockedCount())

	d, _ := s.GetDomain(s.LookupDomain("old.example"), true)
	assert.Equal(t, 0, d.Count())
	assert.Equal(t, 0, d.BlockedCount())

	u, _ := s.GetUpstream(s.LookupUpstream("9.9.9.9", 53), true)
	assert.Equal(t, 0, u.Info().Count)

	slots := s.Overtime().Snapshot()
	require.Len(t, slots, 1)
	assert.Equal(t, 1, slots[0].Total)
	assert.Equal(t, 0, slots[0].Blocked)

	next := newQuery(t, s, 4, "10.0.0.1", "new.example", testEpoch.Add(3*time.Minute))
	assert.Equal(t, QueryID(3), next, "retired indices are never reused")

	first, end := s.QueryRange()
	assert.Equal(t, QueryID(2), first)
	assert.Equal(t, QueryID(4), end)
	assert.Equal(t, 2, s.Stats().QueriesRetired)
	checkClientInvariants(t, s)

	assert.Empty(t, s.RetireBefore(testEpoch), "nothing older than cutoff")
}

func TestRetireBeforeReleasesBlocks(t *testing.T) {
	s, _, _ := newTestStore(t)
	for i := 0; i < 20; i++ {
		newQuery(t, s, i, "10.0.0.1", fmt.Sprintf("host%d.example", i), testEpoch.Add(time.Duration(i)*time.Second))
	}
	retired := s.RetireBefore(testEpoch.Add(17 * time.Second))
	assert.Len(t, retired, 17)
	assert.Equal(t, 3, s.Stats().Queries)
	for i := 0; i < 17; i++ {
		_, err := s.GetQuery(QueryID(i), true)
		assert.Error(t, err)
	}
	for i := 17; i < 20; i++ {
		q, err := s.GetQuery(QueryID(i), true)
		require.NoError(t, err)
		assert.Equal(t, i, q.TransactionID())
	}
	checkClientInvariants(t, s)
}

func TestRetireBeforeReleasesRetriedUpstream(t *testing.T) {
	s, _, _ := newTestStore(t)

	plain := newQuery(t, s, 1, "10.0.0.1", "a.example", testEpoch)
	require.NoError(t, s.Forwarded(plain, "9.9.9.9", 53))
	retried := newQuery(t, s, 2, "10.0.0.1", "b.example", testEpoch)
	require.NoError(t, s.Forwarded(retried, "9.9.9.9", 53))
	require.NoError(t, s.Retried(retried, false))
	secure := newQuery(t, s, 3, "10.0.0.1", "c.example", testEpoch)
	require.NoError(t, s.Forwarded(secure, "9.9.9.9", 53))
	require.NoError(t, s.Retried(secure, true))

	u, err := s.GetUpstream(s.LookupUpstream("9.9.9.9", 53), true)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Info().Count)

	assert.Len(t, s.RetireBefore(testEpoch.Add(time.Hour)), 3)
	assert.Equal(t, 0, s.Stats().Queries)
	assert.Equal(t, 0, u.Info().Count)
	assert.Equal(t, int64(0), s.ForwardedCount())
}

func TestResetPerClientDomainData(t *testing.T) {
	s, _, _ := newTestStore(t)
	did, err := s.FindDomainID("ads.example", false)
	require.NoError(t, err)
	cid, err := s.FindClientID("10.0.0.1", true, false)
	require.NoError(t, err)

	for _, qt := range []QueryType{TypeA, TypeAAAA} {
		id, err := s.FindCacheID(did, cid, qt)
		require.NoError(t, err)
		e, _ := s.GetDNSCache(id, true)
		e.SetDecision(CacheRegexBlocked, ReplyNXDOMAIN, 4)
	}

	assert.Equal(t, 2, s.ResetPerClientDomainData())
	e, _ := s.GetDNSCache(s.LookupCache(did, cid, TypeA), true)
	status, _, _ := e.Decision()
	assert.Equal(t, CacheUnknown, status)
}

func TestReloadAllDomainLists(t *testing.T) {
	s, _, _ := newTestStore(t)
	did, _ := s.FindDomainID("ads.example", false)
	cid, _ := s.FindClientID("10.0.0.1", true, false)
	aid, _ := s.FindClientID("aliasclient-0", false, true)
	id, err := s.FindCacheID(did, cid, TypeA)
	require.NoError(t, err)
	e, _ := s.GetDNSCache(id, true)
	e.SetDecision(CacheGravityBlocked, ReplyIP, NoID)

	c, _ := s.GetClient(cid, true)
	c.MarkGroupsFound()

	failing := ListReloaderFunc(func(context.Context) error {
		return fmt.Errorf("gravity database locked")
	})
	err = s.ReloadAllDomainLists(context.Background(), failing)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnavailable))
	status, _, _ := e.Decision()
	assert.Equal(t, CacheGravityBlocked, status, "failed reload keeps decisions")

	calls := 0
	ok := ListReloaderFunc(func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, s.ReloadAllDomainLists(context.Background(), ok))
	assert.Equal(t, 1, calls)
	status, _, _ = e.Decision()
	assert.Equal(t, CacheUnknown, status)

	info := c.Info()
	assert.False(t, info.Flags.FoundGroup)
	assert.Equal(t, uint8(1), info.RereadGroups)

	a, _ := s.GetClient(aid, true)
	assert.Equal(t, uint8(0), a.Info().RereadGroups)
}

func TestExportQuery(t *testing.T) {
	s, _, _ := newTestStore(t)
	qid := newQuery(t, s, 9, "10.0.0.1", "cdn.example", testEpoch)
	require.NoError(t, s.CNAMEBlocked(qid, "tracker.example", StatusDenylist))

	rec, err := s.ExportQuery(qid)
	require.NoError(t, err)
	assert.Equal(t, "cdn.example", rec.DomainName)
	assert.Equal(t, "tracker.example", rec.CNAMEName)
	assert.Equal(t, "10.0.0.1", rec.ClientIP)
	assert.Equal(t, "A", rec.TypeName)
	assert.Equal(t, StatusDenylistCNAME, rec.Status)
	assert.Empty(t, rec.UpstreamIP)

	_, err = s.ExportQuery(QueryID(50))
	assert.True(t, errors.IsKind(err, errors.KindOutOfRange))
}
