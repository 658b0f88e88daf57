// Package events is the pub/sub bus the forwarder reports DNS activity on.
package events

import (
	"time"

	"github.com/miekg/dns"
)

// EventType identifies the category of event.
type EventType string

// Event types emitted by the forwarder.
const (
	EventDNSQuery     EventType = "dns.query"
	EventDNSForwarded EventType = "dns.forwarded"
	EventDNSCached    EventType = "dns.cached"
	EventDNSBlocked   EventType = "dns.blocked"
	EventDNSCNAME     EventType = "dns.cname"
	EventDNSReply     EventType = "dns.reply"
	EventDNSRetried   EventType = "dns.retried"

	// EventListsReloaded is published after the blocking lists changed.
	EventListsReloaded EventType = "lists.reloaded"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // Component that emitted: "forwarder", "gravity", etc.
	Data      any       `json:"data"`   // Type-specific payload
}

// Block reasons carried by BlockedData and CNAMEData.
const (
	ReasonGravity      = "gravity"
	ReasonRegex        = "regex"
	ReasonDenylist     = "denylist"
	ReasonExternalIP   = "external_ip"
	ReasonExternalNull = "external_null"
	ReasonExternalNXRA = "external_nxra"
)

// QueryData is the payload for EventDNSQuery.
type QueryData struct {
	ID        int    `json:"id"` // forwarder transaction id
	ClientIP  string `json:"client_ip"`
	Domain    string `json:"domain"`
	QType     uint16 `json:"qtype"`
	Interface string `json:"interface,omitempty"`
	HWAddr    []byte `json:"hwaddr,omitempty"`
	Internal  bool   `json:"internal,omitempty"`
}

// ForwardedData is the payload for EventDNSForwarded.
type ForwardedData struct {
	ID       int    `json:"id"`
	Upstream string `json:"upstream"`
	Port     uint16 `json:"port"`
}

// IDData is the payload for events that only name a query.
type IDData struct {
	ID int `json:"id"`
}

// BlockedData is the payload for EventDNSBlocked.
type BlockedData struct {
	ID     int    `json:"id"`
	Reason string `json:"reason"`
}

// CNAMEData is the payload for EventDNSCNAME: the query was blocked because
// Child, further down its CNAME chain, matched.
type CNAMEData struct {
	ID     int    `json:"id"`
	Child  string `json:"child"`
	Reason string `json:"reason"`
}

// ReplyData is the payload for EventDNSReply.
type ReplyData struct {
	ID           int      `json:"id"`
	Msg          *dns.Msg `json:"-"`
	DNSSEC       string   `json:"dnssec,omitempty"` // "secure", "insecure", "bogus", "abandoned"
	FromUpstream bool     `json:"from_upstream,omitempty"`
}

// RetriedData is the payload for EventDNSRetried.
type RetriedData struct {
	ID     int  `json:"id"`
	DNSSEC bool `json:"dnssec,omitempty"`
}
