package datastore

import (
	"fmt"

	"github.com/miekg/dns"
)

// Typed record indices. -1 means none.
type (
	QueryID    int
	ClientID   int
	DomainID   int
	UpstreamID int
	CacheID    int
)

// NoID is the unset value of every typed index.
const NoID = -1

// Liveness markers, one per record kind.
const (
	magicQuery    uint8 = 0x51
	magicClient   uint8 = 0x43
	magicDomain   uint8 = 0x44
	magicUpstream uint8 = 0x55
	magicCache    uint8 = 0x4b
)

// Entity names a record kind in diagnostics and metrics.
type Entity string

const (
	EntityQuery    Entity = "query"
	EntityClient   Entity = "client"
	EntityDomain   Entity = "domain"
	EntityUpstream Entity = "upstream"
	EntityCache    Entity = "dns_cache"
)

// QueryStatus is how a query was handled.
type QueryStatus uint8

const (
	StatusUnknown QueryStatus = iota
	StatusGravity
	StatusForwarded
	StatusCache
	StatusRegex
	StatusDenylist
	StatusExternalBlockedIP
	StatusExternalBlockedNull
	StatusExternalBlockedNXRA
	StatusGravityCNAME
	StatusRegexCNAME
	StatusDenylistCNAME
	StatusRetried
	StatusRetriedDNSSEC
	StatusInProgress
	statusMax
)

var queryStatusNames = [...]string{
	"UNKNOWN", "GRAVITY", "FORWARDED", "CACHE", "REGEX", "DENYLIST",
	"EXTERNAL_BLOCKED_IP", "EXTERNAL_BLOCKED_NULL", "EXTERNAL_BLOCKED_NXRA",
	"GRAVITY_CNAME", "REGEX_CNAME", "DENYLIST_CNAME",
	"RETRIED", "RETRIED_DNSSEC", "IN_PROGRESS",
}

func (s QueryStatus) String() string {
	if s < statusMax {
		return queryStatusNames[s]
	}
	return "INVALID"
}

// Blocked reports whether the status denotes a blocked query.
func (s QueryStatus) Blocked() bool {
	switch s {
	case StatusGravity, StatusRegex, StatusDenylist,
		StatusExternalBlockedIP, StatusExternalBlockedNull, StatusExternalBlockedNXRA,
		StatusGravityCNAME, StatusRegexCNAME, StatusDenylistCNAME:
		return true
	}
	return false
}

// CNAME reports whether the status denotes blocking deeper in a CNAME chain.
func (s QueryStatus) CNAME() bool {
	return s == StatusGravityCNAME || s == StatusRegexCNAME || s == StatusDenylistCNAME
}

// Upstream reports whether the status holds a slot on the query's upstream:
// forwarded, including retries.
func (s QueryStatus) Upstream() bool {
	return s == StatusForwarded || s == StatusRetried || s == StatusRetriedDNSSEC
}

// CNAMEVariant maps a direct blocking status onto its CNAME-chain form.
func (s QueryStatus) CNAMEVariant() (QueryStatus, bool) {
	switch s {
	case StatusGravity, StatusGravityCNAME:
		return StatusGravityCNAME, true
	case StatusRegex, StatusRegexCNAME:
		return StatusRegexCNAME, true
	case StatusDenylist, StatusDenylistCNAME:
		return StatusDenylistCNAME, true
	}
	return s, false
}

// QueryType is the coarse record type class of a query.
type QueryType uint8

const (
	TypeA QueryType = iota + 1
	TypeAAAA
	TypeANY
	TypeSRV
	TypeSOA
	TypePTR
	TypeTXT
	TypeNAPTR
	TypeMX
	TypeDS
	TypeRRSIG
	TypeDNSKEY
	TypeNS
	TypeOther
	TypeSVCB
	TypeHTTPS
	typeMax
)

var qtypeClasses = map[uint16]QueryType{
	dns.TypeA:      TypeA,
	dns.TypeAAAA:   TypeAAAA,
	dns.TypeANY:    TypeANY,
	dns.TypeSRV:    TypeSRV,
	dns.TypeSOA:    TypeSOA,
	dns.TypePTR:    TypePTR,
	dns.TypeTXT:    TypeTXT,
	dns.TypeNAPTR:  TypeNAPTR,
	dns.TypeMX:     TypeMX,
	dns.TypeDS:     TypeDS,
	dns.TypeRRSIG:  TypeRRSIG,
	dns.TypeDNSKEY: TypeDNSKEY,
	dns.TypeNS:     TypeNS,
	dns.TypeSVCB:   TypeSVCB,
	dns.TypeHTTPS:  TypeHTTPS,
}

var qtypeWire = func() map[QueryType]uint16 {
	m := make(map[QueryType]uint16, len(qtypeClasses))
	for wire, t := range qtypeClasses {
		m[t] = wire
	}
	return m
}()

// QueryTypeOf classifies a wire qtype.
func QueryTypeOf(qtype uint16) QueryType {
	if t, ok := qtypeClasses[qtype]; ok {
		return t
	}
	return TypeOther
}

// Wire returns the wire qtype of a known class, zero for TypeOther.
func (t QueryType) Wire() uint16 {
	return qtypeWire[t]
}

func (t QueryType) String() string {
	if t == TypeOther {
		return "OTHER"
	}
	if w, ok := qtypeWire[t]; ok {
		return dns.TypeToString[w]
	}
	return "N/A"
}

// Format renders the type the way query logs show it: raw qtype numbers
// for unclassified types.
func (t QueryType) Format(qtype uint16) string {
	if t == TypeOther {
		return fmt.Sprintf("TYPE%d", qtype)
	}
	return t.String()
}

// ReplyType classifies the answer sent to the client.
type ReplyType uint8

const (
	ReplyUnknown ReplyType = iota
	ReplyNODATA
	ReplyNXDOMAIN
	ReplyCNAME
	ReplyIP
	ReplyDomain
	ReplyRRNAME
	ReplySERVFAIL
	ReplyREFUSED
	ReplyNOTIMP
	ReplyOther
	replyMax
)

var replyNames = [...]string{
	"UNKNOWN", "NODATA", "NXDOMAIN", "CNAME", "IP", "DOMAIN", "RRNAME",
	"SERVFAIL", "REFUSED", "NOTIMP", "OTHER",
}

func (r ReplyType) String() string {
	if r < replyMax {
		return replyNames[r]
	}
	return "N/A"
}

// ReplyFromRcode maps a response code without answer data.
func ReplyFromRcode(rcode int) ReplyType {
	switch rcode {
	case dns.RcodeNameError:
		return ReplyNXDOMAIN
	case dns.RcodeServerFailure:
		return ReplySERVFAIL
	case dns.RcodeRefused:
		return ReplyREFUSED
	case dns.RcodeNotImplemented:
		return ReplyNOTIMP
	case dns.RcodeSuccess:
		return ReplyNODATA
	}
	return ReplyOther
}

// DNSSECStatus is the validation result of a reply.
type DNSSECStatus uint8

const (
	DNSSECUnknown DNSSECStatus = iota
	DNSSECSecure
	DNSSECInsecure
	DNSSECBogus
	DNSSECAbandoned
	dnssecMax
)

var dnssecNames = [...]string{"UNKNOWN", "SECURE", "INSECURE", "BOGUS", "ABANDONED"}

func (d DNSSECStatus) String() string {
	if d < dnssecMax {
		return dnssecNames[d]
	}
	return "N/A"
}

// CacheStatus is a memoized blocking decision.
type CacheStatus uint8

const (
	CacheUnknown CacheStatus = iota
	CacheGravityBlocked
	CacheDenylistBlocked
	CacheRegexBlocked
	CacheAllowed
	CacheSpecialDomain
	CacheNotBlocked
)

var cacheStatusNames = [...]string{
	"UNKNOWN", "GRAVITY_BLOCKED", "DENYLIST_BLOCKED", "REGEX_BLOCKED",
	"ALLOWED", "SPECIAL_DOMAIN", "NOT_BLOCKED",
}

func (c CacheStatus) String() string {
	if int(c) < len(cacheStatusNames) {
		return cacheStatusNames[c]
	}
	return "N/A"
}

// PrivacyLevel controls which strings readers may see.
type PrivacyLevel uint8

const (
	PrivacyShowAll PrivacyLevel = iota
	PrivacyHideDomains
	PrivacyHideDomainsClients
	PrivacyMaximum
)

// Placeholders returned by the string readers when privacy hides a value.
const (
	HiddenDomain = "hidden"
	HiddenClient = "0.0.0.0"
)

// Valid reports whether p is a known level.
func (p PrivacyLevel) Valid() bool { return p <= PrivacyMaximum }
