package events

import (
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"

	"grimm.is/blackhole/internal/clock"
)

// Hub is the central event bus.
// It provides pub/sub semantics with typed events and non-blocking fan-out.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events
	global []chan Event

	published atomic.Uint64
	dropped   atomic.Uint64

	clock clock.Clock
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs:  make(map[EventType][]chan Event),
		clock: clock.Default(),
	}
}

// Publish sends an event to all subscribers of that event type.
// It never blocks: when a subscriber's channel is full the event is
// dropped for that subscriber only and counted in Stats. Delivery is
// at-most-once, so a consumer that misses a dns.query event will not know
// the transaction when its later lifecycle events arrive. Size the
// subscription buffer for the peak burst.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)

	for _, ch := range h.subs[e.Type] {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}

	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events of the specified types.
// If no types are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)
	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// ──────────────────────────────────────────────────────────────────────────────
// Convenience Methods
// ──────────────────────────────────────────────────────────────────────────────

// EmitQuery publishes a new query.
func (h *Hub) EmitQuery(q QueryData) {
	h.Publish(Event{Type: EventDNSQuery, Source: "forwarder", Data: q})
}

// EmitForwarded publishes that query id was sent upstream.
func (h *Hub) EmitForwarded(id int, upstream string, port uint16) {
	h.Publish(Event{
		Type:   EventDNSForwarded,
		Source: "forwarder",
		Data:   ForwardedData{ID: id, Upstream: upstream, Port: port},
	})
}

// EmitCached publishes a cache answer for query id.
func (h *Hub) EmitCached(id int) {
	h.Publish(Event{Type: EventDNSCached, Source: "forwarder", Data: IDData{ID: id}})
}

// EmitBlocked publishes a blocking decision.
func (h *Hub) EmitBlocked(id int, reason string) {
	h.Publish(Event{
		Type:   EventDNSBlocked,
		Source: "forwarder",
		Data:   BlockedData{ID: id, Reason: reason},
	})
}

// EmitCNAMEBlocked publishes a block found deeper in a CNAME chain.
func (h *Hub) EmitCNAMEBlocked(id int, child, reason string) {
	h.Publish(Event{
		Type:   EventDNSCNAME,
		Source: "forwarder",
		Data:   CNAMEData{ID: id, Child: child, Reason: reason},
	})
}

// EmitReply publishes the answer sent for query id.
func (h *Hub) EmitReply(id int, msg *dns.Msg, dnssec string, fromUpstream bool) {
	h.Publish(Event{
		Type:   EventDNSReply,
		Source: "forwarder",
		Data:   ReplyData{ID: id, Msg: msg, DNSSEC: dnssec, FromUpstream: fromUpstream},
	})
}

// EmitRetried publishes a retry of query id.
func (h *Hub) EmitRetried(id int, dnssec bool) {
	h.Publish(Event{
		Type:   EventDNSRetried,
		Source: "forwarder",
		Data:   RetriedData{ID: id, DNSSEC: dnssec},
	})
}

// EmitListsReloaded publishes a blocking list change.
func (h *Hub) EmitListsReloaded(source string) {
	h.Publish(Event{Type: EventListsReloaded, Source: source})
}
