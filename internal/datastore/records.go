package datastore

import (
	"sync"
	"time"

	"grimm.is/blackhole/internal/arena"
)

// record is implemented by the pointer of every record kind.
type record interface {
	liveness() uint8
}

// QueryFlags are the boolean properties of a query.
type QueryFlags struct {
	Allowed  bool `json:"allowed"`
	Complete bool `json:"complete"`
	Blocked  bool `json:"blocked"`
}

// Query is one observed DNS query. Obtain it through Store.GetQuery.
type Query struct {
	magic uint8
	mu    sync.Mutex

	id          int
	status      QueryStatus
	qtype       QueryType
	qtypeRaw    uint16
	privacy     PrivacyLevel
	reply       ReplyType
	dnssec      DNSSECStatus
	domain      DomainID
	client      ClientID
	upstream    UpstreamID
	cnameDomain DomainID
	timeIdx     int
	// tenths of a millisecond
	response        uint64
	forwardResponse uint64
	timestamp       time.Time
	ttl             uint32
	flags           QueryFlags
}

func (q *Query) liveness() uint8 { return q.magic }

// QueryInfo is a point-in-time copy of a query.
type QueryInfo struct {
	ID              int          `json:"id"`
	Status          QueryStatus  `json:"status"`
	Type            QueryType    `json:"type"`
	QType           uint16       `json:"qtype"`
	Privacy         PrivacyLevel `json:"privacy"`
	Reply           ReplyType    `json:"reply"`
	DNSSEC          DNSSECStatus `json:"dnssec"`
	Domain          DomainID     `json:"domain"`
	Client          ClientID     `json:"client"`
	Upstream        UpstreamID   `json:"upstream"`
	CNAMEDomain     DomainID     `json:"cname_domain"`
	TimeIndex       int          `json:"time_index"`
	Response        uint64       `json:"response"`
	ForwardResponse uint64       `json:"forward_response"`
	Timestamp       time.Time    `json:"timestamp"`
	TTL             uint32       `json:"ttl"`
	Flags           QueryFlags   `json:"flags"`
}

// Info returns a copy of the query's fields.
func (q *Query) Info() QueryInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueryInfo{
		ID:              q.id,
		Status:          q.status,
		Type:            q.qtype,
		QType:           q.qtypeRaw,
		Privacy:         q.privacy,
		Reply:           q.reply,
		DNSSEC:          q.dnssec,
		Domain:          q.domain,
		Client:          q.client,
		Upstream:        q.upstream,
		CNAMEDomain:     q.cnameDomain,
		TimeIndex:       q.timeIdx,
		Response:        q.response,
		ForwardResponse: q.forwardResponse,
		Timestamp:       q.timestamp,
		TTL:             q.ttl,
		Flags:           q.flags,
	}
}

// Status returns the current status.
func (q *Query) Status() QueryStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// TransactionID returns the forwarder-assigned id.
func (q *Query) TransactionID() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.id
}

// TypeString renders the query type, with raw numbers for unclassified types.
func (q *Query) TypeString() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.qtype.Format(q.qtypeRaw)
}

// CNAMEDomain returns the CNAME target, NoID unless the status is a CNAME block.
func (q *Query) CNAMEDomain() DomainID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cnameDomain
}

// ClientFlags are the boolean properties of a client.
type ClientFlags struct {
	New        bool `json:"new"`
	FoundGroup bool `json:"found_group"`
	Alias      bool `json:"alias"`
}

// Client is one querying host, or an alias-client aggregating several.
type Client struct {
	magic uint8
	mu    sync.Mutex

	flags        ClientFlags
	rereadGroups uint8
	hwlen        int8
	hwaddr       [16]byte
	count        int
	blockedCount int
	aliasClient  ClientID
	rateLimit    int
	arpQueries   int
	overtime     []int
	groupsPos    arena.Offset
	ipPos        arena.Offset
	namePos      arena.Offset
	ifacePos     arena.Offset
	firstSeen    time.Time
	lastQuery    time.Time
}

func (c *Client) liveness() uint8 { return c.magic }

// ClientInfo is a point-in-time copy of a client's counters and flags.
type ClientInfo struct {
	Count        int         `json:"count"`
	BlockedCount int         `json:"blocked_count"`
	Overtime     []int       `json:"overtime"`
	RateLimit    int         `json:"rate_limit"`
	ARPQueries   int         `json:"arp_queries"`
	AliasClient  ClientID    `json:"alias_client"`
	Flags        ClientFlags `json:"flags"`
	RereadGroups uint8       `json:"reread_groups"`
	HWAddr       []byte      `json:"hwaddr,omitempty"`
	FirstSeen    time.Time   `json:"first_seen"`
	LastQuery    time.Time   `json:"last_query"`
}

// Info returns a copy of the client's fields.
func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ClientInfo{
		Count:        c.count,
		BlockedCount: c.blockedCount,
		Overtime:     append([]int(nil), c.overtime...),
		RateLimit:    c.rateLimit,
		ARPQueries:   c.arpQueries,
		AliasClient:  c.aliasClient,
		Flags:        c.flags,
		RereadGroups: c.rereadGroups,
		FirstSeen:    c.firstSeen,
		LastQuery:    c.lastQuery,
	}
	if c.hwlen > 0 {
		info.HWAddr = append([]byte(nil), c.hwaddr[:c.hwlen]...)
	}
	return info
}

// Count returns the total number of queries attributed to the client.
func (c *Client) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// BlockedCount returns the number of blocked queries.
func (c *Client) BlockedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedCount
}

// IsAlias reports whether the record is an alias-client.
func (c *Client) IsAlias() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags.Alias
}

// SetHWAddr records the hardware address, truncated to 16 bytes.
func (c *Client) SetHWAddr(hw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(c.hwaddr[:], hw)
	c.hwlen = int8(n)
}

// MarkGroupsFound records that group membership was resolved.
func (c *Client) MarkGroupsFound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags.FoundGroup = true
	c.rereadGroups = 0
}

// RequestGroupReload makes the next query re-read group membership.
func (c *Client) RequestGroupReload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags.FoundGroup = false
	c.rereadGroups++
}

// Domain is one queried name.
type Domain struct {
	magic uint8
	mu    sync.Mutex

	count        int
	blockedCount int
	namePos      arena.Offset
	lastQuery    time.Time
}

func (d *Domain) liveness() uint8 { return d.magic }

// Count returns the total number of queries for the domain.
func (d *Domain) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// BlockedCount returns the number of blocked queries for the domain.
func (d *Domain) BlockedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blockedCount
}

// Upstream is one forward destination.
type Upstream struct {
	magic uint8
	mu    sync.Mutex

	isNew     bool
	port      uint16
	count     int
	failed    int
	responses uint64
	// tenths of a millisecond
	rtime         uint64
	rtUncertainty uint64
	ipPos         arena.Offset
	namePos       arena.Offset
	lastQuery     time.Time
}

func (u *Upstream) liveness() uint8 { return u.magic }

// UpstreamInfo is a point-in-time copy of an upstream's counters.
type UpstreamInfo struct {
	Port          uint16    `json:"port"`
	Count         int       `json:"count"`
	Failed        int       `json:"failed"`
	Responses     uint64    `json:"responses"`
	RTime         uint64    `json:"rtime"`
	RTUncertainty uint64    `json:"rtuncertainty"`
	New           bool      `json:"new"`
	LastQuery     time.Time `json:"last_query"`
}

// Info returns a copy of the upstream's fields.
func (u *Upstream) Info() UpstreamInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UpstreamInfo{
		Port:          u.port,
		Count:         u.count,
		Failed:        u.failed,
		Responses:     u.responses,
		RTime:         u.rtime,
		RTUncertainty: u.rtUncertainty,
		New:           u.isNew,
		LastQuery:     u.lastQuery,
	}
}

// CacheEntry memoizes the blocking decision for (domain, client, type).
type CacheEntry struct {
	magic uint8
	mu    sync.Mutex

	status      CacheStatus
	forceReply  ReplyType
	qtype       QueryType
	domain      DomainID
	client      ClientID
	denyRegexID int
}

func (e *CacheEntry) liveness() uint8 { return e.magic }

// Decision returns the memoized status, forced reply and regex id.
func (e *CacheEntry) Decision() (CacheStatus, ReplyType, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.forceReply, e.denyRegexID
}

// SetDecision stores a policy result. regexID is NoID unless a deny regex
// produced the decision.
func (e *CacheEntry) SetDecision(status CacheStatus, forceReply ReplyType, regexID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	e.forceReply = forceReply
	e.denyRegexID = regexID
}
