// Package identity canonicalizes XMPP domain names and forms the route and
// destination keys that the rest of the connector indexes by.
package identity

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

// ErrEmptyDomain is returned when a domain string is empty after trimming.
var ErrEmptyDomain = errors.New("identity: empty domain")

var profile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
)

// Canonicalize nameprep's a domain the way jabberd2's stringprep_nameprep
// call does: lowercase, normalize, reject the empty string. Domains that
// fail IDNA mapping (invalid labels) are returned as an error rather than
// silently passed through, matching the original's "cannot stringprep id,
// aborting" behavior for host table entries.
func Canonicalize(domain string) (string, error) {
	d := strings.TrimSpace(domain)
	if d == "" {
		return "", ErrEmptyDomain
	}
	out, err := profile.ToUnicode(d)
	if err != nil {
		return "", err
	}
	out = strings.ToLower(out)
	if out == "" {
		return "", ErrEmptyDomain
	}
	return out, nil
}

// Domain extracts the domain portion of a JID (user@domain/resource),
// tolerating input that is already a bare domain.
func Domain(jid string) string {
	d := jid
	if i := strings.IndexByte(d, '@'); i >= 0 {
		d = d[i+1:]
	}
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return d
}

// MustCanonicalize is Canonicalize for call sites that have already
// validated the domain (e.g. round-tripped through a RouteKey) and treat a
// failure as a programming error.
func MustCanonicalize(domain string) string {
	out, err := Canonicalize(domain)
	if err != nil {
		panic("identity: " + err.Error())
	}
	return out
}

// RouteKey uniquely identifies a directed, authenticated channel between a
// local domain and a remote domain: "from/to".
type RouteKey string

// NewRouteKey builds a RouteKey from already-canonical from/to domains.
func NewRouteKey(from, to string) RouteKey {
	return RouteKey(from + "/" + to)
}

// Split parses a RouteKey back into its from/to components. Domains
// themselves never contain '/', so the first separator is authoritative.
func (k RouteKey) Split() (from, to string, ok bool) {
	s := string(k)
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// To returns the destination domain component of the route key.
func (k RouteKey) To() string {
	_, to, ok := k.Split()
	if !ok {
		return ""
	}
	return to
}

// From returns the origin domain component of the route key.
func (k RouteKey) From() string {
	from, _, ok := k.Split()
	if !ok {
		return ""
	}
	return from
}

// DestKey identifies which outbound TCP connection a route maps to. In
// reuse mode this is just the remote domain; with reuse disabled it also
// carries the local "from" domain, since each (from,to) pair then gets its
// own socket.
type DestKey string

// NewDestKey builds a DestKey for the given policy. When reuseByHost is
// true, only "to" distinguishes connections; otherwise "from" is folded in.
func NewDestKey(from, to string, reuseByHost bool) DestKey {
	if reuseByHost {
		return DestKey(to)
	}
	return DestKey(from + "\x00" + to)
}

// DestKeyFromRoute derives the destination key implied by a route key under
// the given reuse policy.
func DestKeyFromRoute(k RouteKey, reuseByHost bool) DestKey {
	from, to, _ := k.Split()
	return NewDestKey(from, to, reuseByHost)
}
