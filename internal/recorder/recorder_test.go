package recorder

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/blackhole/internal/clock"
	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/errors"
	"grimm.is/blackhole/internal/events"
	"grimm.is/blackhole/internal/logging"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T, reloader datastore.ListReloader) (*Service, *datastore.Store, *events.Hub) {
	t.Helper()
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Output: io.Discard})
	opts := datastore.DefaultOptions()
	opts.Clock = clock.NewMockClock(epoch)
	opts.Logger = logger
	store := datastore.New(opts)
	hub := events.NewHub()
	return New(store, hub, reloader, logger), store, hub
}

func event(typ events.EventType, at time.Duration, data any) events.Event {
	return events.Event{Type: typ, Timestamp: epoch.Add(at), Source: "test", Data: data}
}

func answer(t *testing.T, rr string) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	parsed, err := dns.NewRR(rr)
	require.NoError(t, err)
	m.Answer = append(m.Answer, parsed)
	return m
}

func TestHandleForwardedQuery(t *testing.T) {
	svc, store, _ := newService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.Handle(ctx, event(events.EventDNSQuery, 0, events.QueryData{
		ID: 11, ClientIP: "192.168.1.20", Domain: "example.com", QType: dns.TypeA,
	})))
	require.NoError(t, svc.Handle(ctx, event(events.EventDNSForwarded, time.Millisecond, events.ForwardedData{
		ID: 11, Upstream: "9.9.9.9", Port: 53,
	})))
	require.NoError(t, svc.Handle(ctx, event(events.EventDNSReply, 12*time.Millisecond, events.ReplyData{
		ID: 11, Msg: answer(t, "example.com. 300 IN A 93.184.216.34"), DNSSEC: "insecure", FromUpstream: true,
	})))

	rec, err := store.ExportQuery(store.FindQueryID(11))
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusForwarded, rec.Status)
	assert.Equal(t, datastore.ReplyIP, rec.Reply)
	assert.Equal(t, datastore.DNSSECInsecure, rec.DNSSEC)
	assert.Equal(t, uint32(300), rec.TTL)
	assert.Equal(t, uint64(120), rec.Response)
	assert.Equal(t, "9.9.9.9", rec.UpstreamIP)
	assert.Equal(t, "192.168.1.20", rec.ClientIP)
}

func TestHandleBlockedAndCNAME(t *testing.T) {
	svc, store, _ := newService(t, nil)
	ctx := context.Background()

	for id, domain := range map[int]string{1: "ads.example", 2: "cdn.example"} {
		require.NoError(t, svc.Handle(ctx, event(events.EventDNSQuery, 0, events.QueryData{
			ID: id, ClientIP: "10.1.1.1", Domain: domain, QType: dns.TypeAAAA,
		})))
	}

	require.NoError(t, svc.Handle(ctx, event(events.EventDNSBlocked, 0, events.BlockedData{ID: 1, Reason: events.ReasonGravity})))
	require.NoError(t, svc.Handle(ctx, event(events.EventDNSCNAME, 0, events.CNAMEData{ID: 2, Child: "tracker.example", Reason: events.ReasonRegex})))

	ads, _ := store.ExportQuery(store.FindQueryID(1))
	assert.Equal(t, datastore.StatusGravity, ads.Status)
	assert.Empty(t, ads.CNAMEName)

	cdn, _ := store.ExportQuery(store.FindQueryID(2))
	assert.Equal(t, datastore.StatusRegexCNAME, cdn.Status)
	assert.Equal(t, "tracker.example", cdn.CNAMEName)
	assert.Equal(t, int64(2), store.BlockedCount())

	err := svc.Handle(ctx, event(events.EventDNSBlocked, 0, events.BlockedData{ID: 1, Reason: "astrology"}))
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestHandleCachedAndRetried(t *testing.T) {
	svc, store, _ := newService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.Handle(ctx, event(events.EventDNSQuery, 0, events.QueryData{ID: 1, ClientIP: "10.1.1.1", Domain: "a.example"})))
	require.NoError(t, svc.Handle(ctx, event(events.EventDNSQuery, 0, events.QueryData{ID: 2, ClientIP: "10.1.1.1", Domain: "b.example"})))

	require.NoError(t, svc.Handle(ctx, event(events.EventDNSCached, 0, events.IDData{ID: 1})))
	require.NoError(t, svc.Handle(ctx, event(events.EventDNSForwarded, 0, events.ForwardedData{ID: 2, Upstream: "1.1.1.1", Port: 53})))
	require.NoError(t, svc.Handle(ctx, event(events.EventDNSRetried, 0, events.RetriedData{ID: 2})))

	assert.Equal(t, int64(1), store.CachedCount())
	rec, _ := store.ExportQuery(store.FindQueryID(2))
	assert.Equal(t, datastore.StatusRetried, rec.Status)
}

func TestHandleUnknownQuery(t *testing.T) {
	svc, _, _ := newService(t, nil)
	err := svc.Handle(context.Background(), event(events.EventDNSCached, 0, events.IDData{ID: 404}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownQuery))
	assert.Equal(t, 404, errors.GetAttributes(err)["id"])
}

func TestHandleRateLimitedQueryIsNotAnError(t *testing.T) {
	svc, store, _ := newService(t, nil)
	ctx := context.Background()
	limit := datastore.DefaultOptions().RateLimit
	for i := 0; i <= limit; i++ {
		require.NoError(t, svc.Handle(ctx, event(events.EventDNSQuery, 0, events.QueryData{ID: i, ClientIP: "10.9.9.9", Domain: "flood.example"})))
	}
	assert.Equal(t, int64(limit), store.TotalCount())
}

func TestHandleListsReloaded(t *testing.T) {
	calls := 0
	svc, store, _ := newService(t, datastore.ListReloaderFunc(func(context.Context) error {
		calls++
		return nil
	}))
	did, err := store.FindDomainID("ads.example", false)
	require.NoError(t, err)
	cid, err := store.FindClientID("10.0.0.1", true, false)
	require.NoError(t, err)
	id, err := store.FindCacheID(did, cid, datastore.TypeA)
	require.NoError(t, err)
	e, _ := store.GetDNSCache(id, true)
	e.SetDecision(datastore.CacheGravityBlocked, datastore.ReplyIP, datastore.NoID)

	require.NoError(t, svc.Handle(context.Background(), events.Event{Type: events.EventListsReloaded, Source: "gravity"}))
	assert.Equal(t, 1, calls)
	status, _, _ := e.Decision()
	assert.Equal(t, datastore.CacheUnknown, status)
}

func TestClassifyReply(t *testing.T) {
	nx := new(dns.Msg)
	nx.SetRcode(new(dns.Msg).SetQuestion("missing.example.", dns.TypeA), dns.RcodeNameError)
	reply, _ := ClassifyReply(nx)
	assert.Equal(t, datastore.ReplyNXDOMAIN, reply)

	empty := new(dns.Msg).SetQuestion("empty.example.", dns.TypeAAAA)
	reply, _ = ClassifyReply(empty)
	assert.Equal(t, datastore.ReplyNODATA, reply)

	cname := answer(t, "www.example.com. 600 IN CNAME example.com.")
	a := &dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: net.ParseIP("192.0.2.1")}
	cname.Answer = append(cname.Answer, a)
	reply, ttl := ClassifyReply(cname)
	assert.Equal(t, datastore.ReplyCNAME, reply)
	assert.Equal(t, uint32(60), ttl)

	reply, _ = ClassifyReply(answer(t, "1.2.0.192.in-addr.arpa. 60 IN PTR host.example."))
	assert.Equal(t, datastore.ReplyDomain, reply)

	reply, _ = ClassifyReply(answer(t, "example.com. 60 IN TXT \"v=spf1 -all\""))
	assert.Equal(t, datastore.ReplyRRNAME, reply)

	reply, _ = ClassifyReply(nil)
	assert.Equal(t, datastore.ReplyOther, reply)
}

func TestServiceLoop(t *testing.T) {
	svc, store, hub := newService(t, nil)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx, 16))
	assert.Error(t, svc.Start(ctx, 16))

	hub.Publish(event(events.EventDNSQuery, 0, events.QueryData{ID: 5, ClientIP: "10.0.0.5", Domain: "loop.example"}))
	hub.Publish(event(events.EventDNSCached, 0, events.IDData{ID: 5}))
	hub.Publish(event(events.EventDNSCached, 0, events.IDData{ID: 6}))

	require.Eventually(t, func() bool { return svc.Status().Handled == 3 }, time.Second, 5*time.Millisecond)
	st := svc.Status()
	assert.True(t, st.Running)
	assert.Equal(t, uint64(1), st.Failed)
	assert.NotEmpty(t, st.LastErr)
	assert.Equal(t, int64(1), store.CachedCount())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))
	assert.False(t, svc.Status().Running)
	require.NoError(t, svc.Stop(stopCtx))
}
