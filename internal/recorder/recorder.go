// Package recorder feeds forwarder events from the hub into the record
// store.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"

	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/errors"
	"grimm.is/blackhole/internal/events"
	"grimm.is/blackhole/internal/logging"
	"grimm.is/blackhole/internal/ratelimit"
)

// Warnings of one kind are logged at most this often per window.
const (
	warnBurst  = 10
	warnWindow = time.Minute
)

// ErrUnknownQuery is returned when an event names a transaction id the
// store no longer holds.
var ErrUnknownQuery = errors.New(errors.KindNotFound, "no query for transaction id")

// Status is the running state of the service.
type Status struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Handled  uint64 `json:"handled"`
	Failed   uint64 `json:"failed"`
	LastErr  string `json:"last_error,omitempty"`
	Buffered int    `json:"buffered"`
}

// Service subscribes to DNS events and applies them to a Store.
type Service struct {
	store    *datastore.Store
	hub      *events.Hub
	reloader datastore.ListReloader
	logger   *logging.Logger
	warn     *ratelimit.Limiter

	mu      sync.Mutex
	sub     <-chan events.Event
	cancel  context.CancelFunc
	done    chan struct{}
	handled uint64
	failed  uint64
	lastErr error
}

// New creates a recorder. reloader may be nil, in which case list reload
// events only reset memoized decisions.
func New(store *datastore.Store, hub *events.Hub, reloader datastore.ListReloader, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:    store,
		hub:      hub,
		reloader: reloader,
		logger:   logger.WithComponent("recorder"),
		warn:     ratelimit.NewLimiter(nil),
	}
}

// Name returns the service name.
func (s *Service) Name() string { return "recorder" }

// Start subscribes to the hub and processes events until Stop or ctx ends.
// Events published while all bufSize slots are queued are dropped by the
// hub; lifecycle events for a dropped query then fail with ErrUnknownQuery.
func (s *Service) Start(ctx context.Context, bufSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New(errors.KindInternal, "recorder already running")
	}

	s.sub = s.hub.Subscribe(bufSize,
		events.EventDNSQuery, events.EventDNSForwarded, events.EventDNSCached,
		events.EventDNSBlocked, events.EventDNSCNAME, events.EventDNSReply,
		events.EventDNSRetried, events.EventListsReloaded)

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.sub, s.done)

	s.logger.Info("recorder started")
	return nil
}

// Stop unsubscribes and waits for the loop to exit.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.sub == nil {
		s.mu.Unlock()
		return nil
	}
	s.hub.Unsubscribe(s.sub)
	s.cancel()
	done := s.done
	s.sub = nil
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("recorder stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports counters for the service.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:    s.Name(),
		Running: s.sub != nil,
		Handled: s.handled,
		Failed:  s.failed,
	}
	if s.sub != nil {
		st.Buffered = len(s.sub)
	}
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	return st
}

func (s *Service) loop(ctx context.Context, sub <-chan events.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub:
			err := s.Handle(ctx, e)
			s.mu.Lock()
			s.handled++
			if err != nil {
				s.failed++
				s.lastErr = err
			}
			s.mu.Unlock()
			if err != nil {
				s.warnf(string(e.Type), "event not recorded", "type", e.Type, "error", err)
			}
		}
	}
}

func (s *Service) warnf(key, msg string, args ...any) {
	ok, suppressed := s.warn.Allow(key, warnBurst, warnWindow)
	if !ok {
		return
	}
	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	s.logger.Warn(msg, args...)
}

// Handle applies a single event to the store.
func (s *Service) Handle(ctx context.Context, e events.Event) error {
	switch d := e.Data.(type) {
	case events.QueryData:
		_, err := s.store.NewQuery(datastore.NewQueryEvent{
			ID:        d.ID,
			ClientIP:  d.ClientIP,
			Domain:    d.Domain,
			QType:     d.QType,
			Timestamp: e.Timestamp,
			Interface: d.Interface,
			HWAddr:    d.HWAddr,
			Internal:  d.Internal,
		})
		if errors.Is(err, datastore.ErrRateLimited) {
			return nil
		}
		return err

	case events.ForwardedData:
		return s.withQuery(d.ID, func(id datastore.QueryID) error {
			return s.store.Forwarded(id, d.Upstream, d.Port)
		})

	case events.IDData:
		if e.Type != events.EventDNSCached {
			return errors.Errorf(errors.KindValidation, "unexpected payload for %s", e.Type)
		}
		return s.withQuery(d.ID, s.store.Cached)

	case events.BlockedData:
		status, ok := blockStatus(d.Reason)
		if !ok {
			return errors.Errorf(errors.KindValidation, "unknown block reason %q", d.Reason)
		}
		return s.withQuery(d.ID, func(id datastore.QueryID) error {
			return s.store.Blocked(id, status)
		})

	case events.CNAMEData:
		status, ok := blockStatus(d.Reason)
		if !ok {
			return errors.Errorf(errors.KindValidation, "unknown block reason %q", d.Reason)
		}
		return s.withQuery(d.ID, func(id datastore.QueryID) error {
			return s.store.CNAMEBlocked(id, d.Child, status)
		})

	case events.ReplyData:
		reply, ttl := ClassifyReply(d.Msg)
		return s.withQuery(d.ID, func(id datastore.QueryID) error {
			return s.store.SetReply(id, datastore.Reply{
				Type:         reply,
				DNSSEC:       dnssecStatus(d.DNSSEC),
				At:           e.Timestamp,
				TTL:          ttl,
				FromUpstream: d.FromUpstream,
			})
		})

	case events.RetriedData:
		return s.withQuery(d.ID, func(id datastore.QueryID) error {
			return s.store.Retried(id, d.DNSSEC)
		})
	}

	if e.Type == events.EventListsReloaded {
		s.logger.Info("blocking lists changed", "source", e.Source)
		return s.store.ReloadAllDomainLists(ctx, s.reloader)
	}
	return errors.Errorf(errors.KindValidation, "unhandled event %s", e.Type)
}

func (s *Service) withQuery(txid int, fn func(datastore.QueryID) error) error {
	id := s.store.FindQueryID(txid)
	if id == datastore.NoID {
		return errors.WithAttrs(ErrUnknownQuery, map[string]any{"id": txid})
	}
	return fn(id)
}

func blockStatus(reason string) (datastore.QueryStatus, bool) {
	switch reason {
	case events.ReasonGravity:
		return datastore.StatusGravity, true
	case events.ReasonRegex:
		return datastore.StatusRegex, true
	case events.ReasonDenylist:
		return datastore.StatusDenylist, true
	case events.ReasonExternalIP:
		return datastore.StatusExternalBlockedIP, true
	case events.ReasonExternalNull:
		return datastore.StatusExternalBlockedNull, true
	case events.ReasonExternalNXRA:
		return datastore.StatusExternalBlockedNXRA, true
	}
	return datastore.StatusUnknown, false
}

func dnssecStatus(s string) datastore.DNSSECStatus {
	switch s {
	case "secure":
		return datastore.DNSSECSecure
	case "insecure":
		return datastore.DNSSECInsecure
	case "bogus":
		return datastore.DNSSECBogus
	case "abandoned":
		return datastore.DNSSECAbandoned
	}
	return datastore.DNSSECUnknown
}

// ClassifyReply derives the reply type and the smallest answer TTL from a
// response message.
func ClassifyReply(m *dns.Msg) (datastore.ReplyType, uint32) {
	if m == nil {
		return datastore.ReplyOther, 0
	}
	if m.Rcode != dns.RcodeSuccess {
		return datastore.ReplyFromRcode(m.Rcode), 0
	}
	if len(m.Answer) == 0 {
		return datastore.ReplyNODATA, 0
	}

	ttl := m.Answer[0].Header().Ttl
	for _, rr := range m.Answer[1:] {
		ttl = min(ttl, rr.Header().Ttl)
	}

	switch m.Answer[0].(type) {
	case *dns.A, *dns.AAAA:
		return datastore.ReplyIP, ttl
	case *dns.CNAME:
		return datastore.ReplyCNAME, ttl
	case *dns.PTR:
		return datastore.ReplyDomain, ttl
	}
	return datastore.ReplyRRNAME, ttl
}
