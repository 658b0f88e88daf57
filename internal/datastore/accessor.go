package datastore

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"grimm.is/blackhole/internal/errors"
	"grimm.is/blackhole/internal/table"
)

var (
	// ErrOutOfRange is returned for an index outside a table's live bounds.
	ErrOutOfRange = errors.New(errors.KindOutOfRange, "index out of range")
	// ErrCorrupt is returned when a record's liveness marker does not match
	// its kind. The caller must abandon the current operation.
	ErrCorrupt = errors.New(errors.KindCorrupt, "liveness marker mismatch")
)

// callSite describes the caller skip frames above this function.
func callSite(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	site := fmt.Sprintf("%s:%d", filepath.Base(file), line)
	if fn := runtime.FuncForPC(pc); fn != nil {
		name := fn.Name()
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		site += " " + name + "()"
	}
	return site
}

// fetch resolves i to a record of tbl. site is the caller's location.
func fetch[T any, P interface {
	*T
	record
}](s *Store, tbl *table.Table[T], entity Entity, magic uint8, i int, checkMagic bool, site string) (*T, error) {
	tbl.RLock()
	rec := tbl.Slot(i)
	if rec == nil {
		base, end := tbl.Base(), tbl.Len()
		tbl.RUnlock()
		return nil, s.refuse(ErrOutOfRange, entity, i, site, map[string]any{"base": base, "len": end})
	}
	if checkMagic {
		if got := P(rec).liveness(); got != magic {
			tbl.RUnlock()
			return nil, s.refuse(ErrCorrupt, entity, i, site, map[string]any{
				"magic":    fmt.Sprintf("0x%02x", got),
				"expected": fmt.Sprintf("0x%02x", magic),
			})
		}
	}
	tbl.RUnlock()
	return rec, nil
}

// refuse builds the error for a failed access and emits the diagnostic.
func (s *Store) refuse(sentinel error, entity Entity, i int, site string, extra map[string]any) error {
	attrs := map[string]any{
		"entity": string(entity),
		"index":  i,
		"site":   site,
	}
	for k, v := range extra {
		attrs[k] = v
	}
	err := errors.WithAttrs(sentinel, attrs)
	kind := errors.GetKind(err)

	args := []any{"entity", entity, "index", i, "site", site}
	diag := map[string]string{"index": fmt.Sprint(i), "site": site}
	for k, v := range extra {
		args = append(args, k, v)
		diag[k] = fmt.Sprint(v)
	}

	level := "warn"
	if kind == errors.KindCorrupt {
		level = "error"
		s.log.Error("refusing access to corrupt record", args...)
	} else {
		s.log.Warn("refusing out-of-range record access", args...)
	}
	s.diag.Addf(string(entity), level, diag, "%s %d: %s", entity, i, kind)
	s.obs.AccessFailed(entity, kind)
	return err
}

// GetQuery resolves id to its record. With checkMagic the liveness marker
// must match; without it the slot is returned as found.
func (s *Store) GetQuery(id QueryID, checkMagic bool) (*Query, error) {
	return fetch[Query](s, s.queries, EntityQuery, magicQuery, int(id), checkMagic, callSite(1))
}

// GetClient resolves id to its record.
func (s *Store) GetClient(id ClientID, checkMagic bool) (*Client, error) {
	return fetch[Client](s, s.clients, EntityClient, magicClient, int(id), checkMagic, callSite(1))
}

// GetDomain resolves id to its record.
func (s *Store) GetDomain(id DomainID, checkMagic bool) (*Domain, error) {
	return fetch[Domain](s, s.domains, EntityDomain, magicDomain, int(id), checkMagic, callSite(1))
}

// GetUpstream resolves id to its record.
func (s *Store) GetUpstream(id UpstreamID, checkMagic bool) (*Upstream, error) {
	return fetch[Upstream](s, s.upstreams, EntityUpstream, magicUpstream, int(id), checkMagic, callSite(1))
}

// GetDNSCache resolves id to its record.
func (s *Store) GetDNSCache(id CacheID, checkMagic bool) (*CacheEntry, error) {
	return fetch[CacheEntry](s, s.cache, EntityCache, magicCache, int(id), checkMagic, callSite(1))
}
