package datastore

import (
	"grimm.is/blackhole/internal/arena"
)

// queryRefs reads the fields the string readers need under the query lock.
func queryRefs(q *Query) (privacy PrivacyLevel, domain, cname DomainID, client ClientID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.privacy, q.domain, q.cnameDomain, q.client
}

// DomainString returns the queried name, or HiddenDomain when the query's
// privacy level hides domains. A nil query yields "".
func (s *Store) DomainString(q *Query) string {
	if q == nil {
		return ""
	}
	privacy, domain, _, _ := queryRefs(q)
	if privacy >= PrivacyHideDomains {
		return HiddenDomain
	}
	return s.DomainName(domain)
}

// CNAMEDomainString returns the CNAME target that caused a block, subject to
// the same privacy rule as DomainString. Queries without a target yield "".
func (s *Store) CNAMEDomainString(q *Query) string {
	if q == nil {
		return ""
	}
	privacy, _, cname, _ := queryRefs(q)
	if privacy >= PrivacyHideDomains {
		return HiddenDomain
	}
	if cname == NoID {
		return ""
	}
	return s.DomainName(cname)
}

// ClientIPString returns the client's address, or HiddenClient when the
// query's privacy level hides clients.
func (s *Store) ClientIPString(q *Query) string {
	if q == nil {
		return ""
	}
	privacy, _, _, client := queryRefs(q)
	if privacy >= PrivacyHideDomainsClients {
		return HiddenClient
	}
	c, err := s.GetClient(client, false)
	if err != nil {
		return ""
	}
	return s.strs.String(c.ipPos)
}

// ClientNameString returns the client's host name, "" while unresolved,
// or HiddenClient when the query's privacy level hides clients.
func (s *Store) ClientNameString(q *Query) string {
	if q == nil {
		return ""
	}
	privacy, _, _, client := queryRefs(q)
	if privacy >= PrivacyHideDomainsClients {
		return HiddenClient
	}
	c, err := s.GetClient(client, true)
	if err != nil {
		return ""
	}
	return s.strs.String(loadOffset(&c.mu, &c.namePos))
}

// DomainName returns the stored name of a domain, "" for invalid ids.
func (s *Store) DomainName(id DomainID) string {
	d, err := s.GetDomain(id, true)
	if err != nil {
		return ""
	}
	return s.strs.String(loadOffset(&d.mu, &d.namePos))
}

// ClientIP returns the address of a client, "" for invalid ids.
func (s *Store) ClientIP(id ClientID) string {
	c, err := s.GetClient(id, true)
	if err != nil {
		return ""
	}
	return s.strs.String(c.ipPos)
}

// ClientName returns the resolved host name of a client.
func (s *Store) ClientName(id ClientID) string {
	c, err := s.GetClient(id, true)
	if err != nil {
		return ""
	}
	return s.strs.String(loadOffset(&c.mu, &c.namePos))
}

// ClientInterface returns the interface a client was last seen on.
func (s *Store) ClientInterface(id ClientID) string {
	c, err := s.GetClient(id, true)
	if err != nil {
		return ""
	}
	return s.strs.String(loadOffset(&c.mu, &c.ifacePos))
}

// ClientGroups returns the stored group list of a client.
func (s *Store) ClientGroups(id ClientID) string {
	c, err := s.GetClient(id, true)
	if err != nil {
		return ""
	}
	return s.strs.String(loadOffset(&c.mu, &c.groupsPos))
}

// UpstreamIP returns the address of an upstream.
func (s *Store) UpstreamIP(id UpstreamID) string {
	u, err := s.GetUpstream(id, true)
	if err != nil {
		return ""
	}
	return s.strs.String(u.ipPos)
}

// UpstreamName returns the resolved host name of an upstream.
func (s *Store) UpstreamName(id UpstreamID) string {
	u, err := s.GetUpstream(id, true)
	if err != nil {
		return ""
	}
	return s.strs.String(loadOffset(&u.mu, &u.namePos))
}

// SetClientName stores a resolved host name and clears the client's new flag.
func (s *Store) SetClientName(id ClientID, name string) error {
	c, err := s.GetClient(id, true)
	if err != nil {
		return err
	}
	off, err := s.intern(EntityClient, name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.namePos = off
	c.flags.New = false
	c.mu.Unlock()
	return nil
}

// SetClientInterface records the interface a client's query arrived on.
func (s *Store) SetClientInterface(id ClientID, iface string) error {
	c, err := s.GetClient(id, true)
	if err != nil {
		return err
	}
	return s.setClientInterface(c, iface)
}

func (s *Store) setClientInterface(c *Client, iface string) error {
	c.mu.Lock()
	same := s.strs.String(c.ifacePos) == iface
	c.mu.Unlock()
	if same {
		return nil
	}
	off, err := s.intern(EntityClient, iface)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ifacePos = off
	c.mu.Unlock()
	return nil
}

// SetClientGroups stores the comma separated group list of a client.
func (s *Store) SetClientGroups(id ClientID, groups string) error {
	c, err := s.GetClient(id, true)
	if err != nil {
		return err
	}
	off, err := s.intern(EntityClient, groups)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.groupsPos = off
	c.mu.Unlock()
	c.MarkGroupsFound()
	return nil
}

// SetUpstreamName stores a resolved host name and clears the new flag.
func (s *Store) SetUpstreamName(id UpstreamID, name string) error {
	u, err := s.GetUpstream(id, true)
	if err != nil {
		return err
	}
	off, err := s.intern(EntityUpstream, name)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.namePos = off
	u.isNew = false
	u.mu.Unlock()
	return nil
}

// NewClients returns clients whose host name has not been resolved yet.
func (s *Store) NewClients() []ClientID {
	var out []ClientID
	s.clients.RLock()
	defer s.clients.RUnlock()
	s.clients.Range(func(i int, c *Client) bool {
		if c.magic != magicClient {
			return true
		}
		c.mu.Lock()
		isNew := c.flags.New
		c.mu.Unlock()
		if isNew {
			out = append(out, ClientID(i))
		}
		return true
	})
	return out
}

func loadOffset(mu interface {
	Lock()
	Unlock()
}, off *arena.Offset) arena.Offset {
	mu.Lock()
	defer mu.Unlock()
	return *off
}
