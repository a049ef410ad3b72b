// Package hosts is the host table: the set of virtual hosts this
// connector serves, each with a realm and optional per-host TLS identity,
// loaded once at startup from config and immutable thereafter.
package hosts

import (
	"crypto/tls"
	"fmt"

	"github.com/coldwire/s2s/internal/identity"
)

// VerifyMode selects how strictly a host's TLS identity verifies peer
// certificates, mirroring the `verify-mode` config attribute.
type VerifyMode int

const (
	VerifyNone VerifyMode = iota
	VerifyOptional
	VerifyRequired
)

func ParseVerifyMode(s string) VerifyMode {
	switch s {
	case "require", "required":
		return VerifyRequired
	case "optional":
		return VerifyOptional
	default:
		return VerifyNone
	}
}

// Identity is a host's TLS material: the certificate chain it presents
// and, optionally, the CA chain it verifies peers against.
type Identity struct {
	Cert       tls.Certificate
	ClientCAs  *tls.Config // CA pool lives inside, via RootCAs/ClientCAs as appropriate
	VerifyMode VerifyMode
}

// Host is one virtual host record. It is built once at startup and never
// mutated afterward; concurrent readers need no lock.
type Host struct {
	Realm  string
	HasTLS bool
	TLS    Identity
}

// Table is the immutable set of hosts this connector answers for, indexed
// by canonical domain.
type Table struct {
	byDomain map[string]*Host
}

// Entry is one `local.id` config record.
type Entry struct {
	Domain     string
	Realm      string
	CertFile   string
	CAFile     string
	VerifyMode string
}

// Build constructs the host table from config entries, canonicalizing
// each domain and loading its TLS material (if any). A host with no
// cert/CA configured serves plaintext only.
func Build(entries []Entry, loadCert func(certFile, caFile string) (Identity, error)) (*Table, error) {
	t := &Table{byDomain: make(map[string]*Host, len(entries))}
	for _, e := range entries {
		domain, err := identity.Canonicalize(e.Domain)
		if err != nil {
			return nil, fmt.Errorf("host table: %w", err)
		}
		h := &Host{Realm: e.Realm}
		if e.CertFile != "" {
			id, err := loadCert(e.CertFile, e.CAFile)
			if err != nil {
				return nil, fmt.Errorf("host table: loading TLS identity for %s: %w", domain, err)
			}
			id.VerifyMode = ParseVerifyMode(e.VerifyMode)
			h.HasTLS = true
			h.TLS = id
		}
		t.byDomain[domain] = h
	}
	return t, nil
}

// Lookup returns the host record for domain, canonicalizing it first so
// peers that vary case or Unicode form still match.
func (t *Table) Lookup(domain string) (*Host, bool) {
	canon, err := identity.Canonicalize(domain)
	if err != nil {
		return nil, false
	}
	h, ok := t.byDomain[canon]
	return h, ok
}

// Serves reports whether domain (canonicalized) is one of our virtual
// hosts — used by the core loop's <db:verify> handler to decide whether
// a `to` address is ours to answer for.
func (t *Table) Serves(domain string) bool {
	canon, err := identity.Canonicalize(domain)
	if err != nil {
		return false
	}
	_, ok := t.byDomain[canon]
	return ok
}

// Domains returns every configured virtual host domain, in no particular
// order.
func (t *Table) Domains() []string {
	out := make([]string, 0, len(t.byDomain))
	for d := range t.byDomain {
		out = append(out, d)
	}
	return out
}
