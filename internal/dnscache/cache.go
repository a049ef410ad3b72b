// Package dnscache resolves remote XMPP domains to ordered endpoint
// candidates, with positive/negative TTL caching and a negative cache of
// endpoints that recently failed to connect.
//
// Cache is deliberately not safe for concurrent use: per the connector's
// single-threaded cooperative model, it is owned exclusively by the core
// event loop goroutine. Resolution itself happens on worker goroutines
// (see Resolver) whose results are funneled back into the loop and applied
// here via Complete/CompleteNegative.
package dnscache

import (
	"net"
	"sort"
	"time"
)

// Status describes the outcome of a cache Lookup.
type Status int

const (
	// StatusMiss means no entry exists yet; the caller should start a
	// resolution (StartPending) and dispatch a Resolver worker.
	StatusMiss Status = iota
	// StatusPending means a resolution is already in flight.
	StatusPending
	// StatusReady means candidates are available.
	StatusReady
	// StatusNegative means the name is cached as unresolvable (NXDOMAIN or
	// exhausted SRV/A/AAAA attempts).
	StatusNegative
)

// Candidate is a single (ip, port) a connector may try to dial, inherited
// from a DNS SRV/A/AAAA answer.
type Candidate struct {
	IP       net.IP
	Port     uint16
	Priority uint16
	Weight   uint16
}

func (c Candidate) isV6() bool { return c.IP.To4() == nil }

type entry struct {
	name       string
	pending    bool
	negative   bool
	candidates []Candidate
	initTime   time.Time
	expiry     time.Time
}

type badEndpoint struct {
	expiry time.Time
}

// Cache is the DNS cache and bad-endpoint table.
type Cache struct {
	now    func() time.Time
	minTTL time.Duration
	maxTTL time.Duration

	entries map[string]*entry
	bad     map[string]badEndpoint
}

// New creates a Cache. now is injected so tests can control elapsed time;
// production callers pass time.Now. minTTL/maxTTL clamp positive TTLs to a
// floor of 5 seconds.
func New(now func() time.Time, minTTL, maxTTL time.Duration) *Cache {
	if minTTL < 5*time.Second {
		minTTL = 5 * time.Second
	}
	if maxTTL < minTTL {
		maxTTL = minTTL
	}
	return &Cache{
		now:     now,
		minTTL:  minTTL,
		maxTTL:  maxTTL,
		entries: make(map[string]*entry),
		bad:     make(map[string]badEndpoint),
	}
}

func badKey(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), portString(port))
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var b [5]byte
	i := len(b)
	for p > 0 {
		i--
		b[i] = digits[p%10]
		p /= 10
	}
	return string(b[i:])
}

// Lookup returns the current status of name and, when StatusReady, the
// candidates filtered of any endpoints whose bad-table entry has not yet
// expired.
func (c *Cache) Lookup(name string) (Status, []Candidate) {
	e, ok := c.entries[name]
	if !ok {
		return StatusMiss, nil
	}
	if e.pending {
		return StatusPending, nil
	}
	if e.negative {
		return StatusNegative, nil
	}
	return StatusReady, c.filterBad(e.candidates)
}

func (c *Cache) filterBad(in []Candidate) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, cand := range in {
		if !c.IsBad(cand.IP, cand.Port) {
			out = append(out, cand)
		}
	}
	return out
}

// StartPending records that a resolution for name has begun.
func (c *Cache) StartPending(name string) {
	c.entries[name] = &entry{name: name, pending: true, initTime: c.now()}
}

// PendingSince returns when a pending lookup for name started.
func (c *Cache) PendingSince(name string) (time.Time, bool) {
	e, ok := c.entries[name]
	if !ok || !e.pending {
		return time.Time{}, false
	}
	return e.initTime, true
}

// Complete stores a successful resolution, ordering candidates by priority
// ascending with a weighted shuffle within each priority band (RFC 2782),
// optionally hoisting IPv6 candidates first.
func (c *Cache) Complete(name string, candidates []Candidate, ttl time.Duration, resolveIPv6 bool) {
	ordered := orderCandidates(candidates, resolveIPv6)
	ttl = c.clampTTL(ttl)
	c.entries[name] = &entry{
		name:       name,
		candidates: ordered,
		initTime:   c.now(),
		expiry:     c.now().Add(ttl),
	}
}

// CompleteNegative caches name as unresolvable for ttl (e.g. NXDOMAIN).
func (c *Cache) CompleteNegative(name string, ttl time.Duration) {
	ttl = c.clampTTL(ttl)
	c.entries[name] = &entry{
		name:     name,
		negative: true,
		initTime: c.now(),
		expiry:   c.now().Add(ttl),
	}
}

func (c *Cache) clampTTL(ttl time.Duration) time.Duration {
	if ttl < c.minTTL {
		return c.minTTL
	}
	if ttl > c.maxTTL {
		return c.maxTTL
	}
	return ttl
}

// Zap immediately removes name's cache entry (used on lookup timeout).
func (c *Cache) Zap(name string) {
	delete(c.entries, name)
}

// SweepExpired removes non-pending entries past their cache expiry and
// returns the removed names, for the DNS-expiry phase of the sweep.
func (c *Cache) SweepExpired() []string {
	now := c.now()
	var removed []string
	for name, e := range c.entries {
		if e.pending {
			continue
		}
		if now.After(e.expiry) {
			removed = append(removed, name)
			delete(c.entries, name)
		}
	}
	return removed
}

// MarkBad records (ip,port) as a bad endpoint until now+timeout, for use
// on a connect timeout to a candidate.
func (c *Cache) MarkBad(ip net.IP, port uint16, timeout time.Duration) {
	c.bad[badKey(ip, port)] = badEndpoint{expiry: c.now().Add(timeout)}
}

// IsBad reports whether (ip,port) is currently in the bad-endpoint table.
func (c *Cache) IsBad(ip net.IP, port uint16) bool {
	be, ok := c.bad[badKey(ip, port)]
	if !ok {
		return false
	}
	return c.now().Before(be.expiry)
}

// Len reports how many names currently have a cache entry (pending,
// positive, or negative), for admin-API introspection.
func (c *Cache) Len() int { return len(c.entries) }

// BadLen reports how many endpoints are currently in the bad-endpoint
// table, for admin-API introspection.
func (c *Cache) BadLen() int { return len(c.bad) }

// SweepBad removes expired bad-endpoint entries.
func (c *Cache) SweepBad() {
	now := c.now()
	for k, be := range c.bad {
		if !now.Before(be.expiry) {
			delete(c.bad, k)
		}
	}
}

// orderCandidates groups by priority (ascending), applies a weighted
// shuffle within each group (RFC 2782 §3), then optionally stable-sorts
// IPv6 candidates ahead of IPv4 ones when AAAA resolution is enabled.
func orderCandidates(in []Candidate, resolveIPv6 bool) []Candidate {
	if len(in) == 0 {
		return nil
	}
	byPriority := make(map[uint16][]Candidate)
	var priorities []uint16
	for _, c := range in {
		if _, seen := byPriority[c.Priority]; !seen {
			priorities = append(priorities, c.Priority)
		}
		byPriority[c.Priority] = append(byPriority[c.Priority], c)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })

	out := make([]Candidate, 0, len(in))
	for _, p := range priorities {
		out = append(out, weightedOrder(byPriority[p])...)
	}

	if resolveIPv6 {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].isV6() && !out[j].isV6()
		})
	}
	return out
}

// weightedOrder implements RFC 2782's weighted selection: repeatedly pick a
// remaining candidate with probability proportional to its weight plus one,
// so entries weighted 0 keep a small chance of being picked first. Picks
// come from pseudoRandom, so a group of more than one candidate has no
// fixed order; only a single-candidate group comes out deterministically.
func weightedOrder(group []Candidate) []Candidate {
	remaining := append([]Candidate(nil), group...)
	out := make([]Candidate, 0, len(remaining))
	for len(remaining) > 1 {
		total := 0
		for _, c := range remaining {
			total += int(c.Weight) + 1
		}
		r := pseudoRandom(total)
		acc := 0
		idx := 0
		for i, c := range remaining {
			acc += int(c.Weight) + 1
			if r < acc {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	out = append(out, remaining...)
	return out
}

// pseudoRandom is a small xorshift generator started from a fixed seed, so
// its sequence is the same in every process run: weighted ordering is a
// tie-breaker among equal-priority records and does not need cryptographic
// randomness, only variety across calls.
var prngState uint64 = 0x9e3779b97f4a7c15

func pseudoRandom(n int) int {
	if n <= 0 {
		return 0
	}
	prngState ^= prngState << 13
	prngState ^= prngState >> 7
	prngState ^= prngState << 17
	return int(prngState % uint64(n))
}
