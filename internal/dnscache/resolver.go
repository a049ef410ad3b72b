package dnscache

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DefaultXMPPServerPort is used when a bare A/AAAA fallback (no SRV record)
// resolves a peer, per RFC 3920/6120 §14.3 (no SRV implies port 5269).
const DefaultXMPPServerPort = 5269

// Outcome is what a Resolver worker reports back to the core loop after a
// (possibly blocking) lookup completes. It is assembled off the core
// goroutine and applied to the Cache by the loop itself.
type Outcome struct {
	Name       string
	Candidates []Candidate
	TTL        time.Duration
	Negative   bool
	Err        error
}

// Resolver performs the actual SRV/A/AAAA work for a domain. Lookup may
// block; callers run it on a dedicated goroutine and deliver the Outcome
// over a channel back to the event loop.
type Resolver interface {
	Lookup(ctx context.Context, name string) Outcome
}

// DNSResolver is the concrete Resolver backed by github.com/miekg/dns,
// grounded on the SRV-then-fallback shape in
// other_examples/levenlabs-go-srvclient/srvclient.go.
type DNSResolver struct {
	Client      *dns.Client
	Servers     []string // upstream resolver addresses, "ip:port"
	SRVPrefixes []string // e.g. "_xmpp-server._tcp", tried in order
	ResolveIPv6 bool
}

// NewDNSResolver builds a resolver with sane defaults for the xmpp-server
// SRV prefix and a 5s exchange timeout.
func NewDNSResolver(servers []string, srvPrefixes []string, resolveIPv6 bool) *DNSResolver {
	if len(srvPrefixes) == 0 {
		srvPrefixes = []string{"_xmpp-server._tcp"}
	}
	return &DNSResolver{
		Client:      &dns.Client{Timeout: 5 * time.Second},
		Servers:     servers,
		SRVPrefixes: srvPrefixes,
		ResolveIPv6: resolveIPv6,
	}
}

// Lookup implements Resolver.
func (r *DNSResolver) Lookup(ctx context.Context, name string) Outcome {
	fqdn := dns.Fqdn(name)

	for _, prefix := range r.SRVPrefixes {
		srvName := dns.Fqdn(prefix + "." + name)
		msg := new(dns.Msg)
		msg.SetQuestion(srvName, dns.TypeSRV)

		resp, err := r.exchange(ctx, msg)
		if err != nil {
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return Outcome{Name: name, Negative: true, TTL: 5 * time.Minute}
		}
		srvRecords := extractSRV(resp)
		if len(srvRecords) == 0 {
			continue
		}
		candidates, ttl := r.resolveSRVTargets(ctx, resp, srvRecords)
		if len(candidates) > 0 {
			return Outcome{Name: name, Candidates: candidates, TTL: ttl}
		}
	}

	// No usable SRV records: fall back to A/AAAA on the bare domain.
	candidates, ttl, negative, err := r.resolveAddresses(ctx, fqdn, DefaultXMPPServerPort, 0, 0)
	if err != nil {
		return Outcome{Name: name, Err: err}
	}
	if negative {
		return Outcome{Name: name, Negative: true, TTL: 5 * time.Minute}
	}
	return Outcome{Name: name, Candidates: candidates, TTL: ttl}
}

func extractSRV(msg *dns.Msg) []*dns.SRV {
	out := make([]*dns.SRV, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			out = append(out, srv)
		}
	}
	return out
}

// resolveSRVTargets resolves each SRV target to addresses, preferring glue
// records already present in the SRV response's Extra section (as
// srvclient.replaceSRVTarget does) before issuing fresh A/AAAA queries.
func (r *DNSResolver) resolveSRVTargets(ctx context.Context, srvResp *dns.Msg, records []*dns.SRV) ([]Candidate, time.Duration) {
	glueA := map[string][]net.IP{}
	glueAAAA := map[string][]net.IP{}
	minTTL := time.Duration(0)
	for _, rr := range srvResp.Extra {
		switch rec := rr.(type) {
		case *dns.A:
			glueA[rec.Hdr.Name] = append(glueA[rec.Hdr.Name], rec.A)
		case *dns.AAAA:
			glueAAAA[rec.Hdr.Name] = append(glueAAAA[rec.Hdr.Name], rec.AAAA)
		}
	}

	var out []Candidate
	for _, srv := range records {
		ttl := time.Duration(srv.Hdr.Ttl) * time.Second
		if minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
		ips := append([]net.IP(nil), glueA[srv.Target]...)
		if r.ResolveIPv6 {
			ips = append(ips, glueAAAA[srv.Target]...)
		}
		if len(ips) == 0 {
			resolved, addrTTL, _, err := r.resolveAddresses(ctx, srv.Target, srv.Port, srv.Priority, srv.Weight)
			if err == nil {
				out = append(out, resolved...)
				if addrTTL > 0 && (minTTL == 0 || addrTTL < minTTL) {
					minTTL = addrTTL
				}
				continue
			}
			continue
		}
		for _, ip := range ips {
			out = append(out, Candidate{IP: ip, Port: srv.Port, Priority: srv.Priority, Weight: srv.Weight})
		}
	}
	if minTTL == 0 {
		minTTL = 5 * time.Minute
	}
	return out, minTTL
}

// resolveAddresses issues A (and, if enabled, AAAA) queries for target.
func (r *DNSResolver) resolveAddresses(ctx context.Context, target string, port, priority, weight uint16) ([]Candidate, time.Duration, bool, error) {
	var out []Candidate
	minTTL := time.Duration(0)
	sawNXDOMAIN := false

	aMsg := new(dns.Msg)
	aMsg.SetQuestion(dns.Fqdn(target), dns.TypeA)
	if resp, err := r.exchange(ctx, aMsg); err == nil {
		if resp.Rcode == dns.RcodeNameError {
			sawNXDOMAIN = true
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				out = append(out, Candidate{IP: a.A, Port: port, Priority: priority, Weight: weight})
				ttl := time.Duration(a.Hdr.Ttl) * time.Second
				if minTTL == 0 || ttl < minTTL {
					minTTL = ttl
				}
			}
		}
	}

	if r.ResolveIPv6 {
		aaaaMsg := new(dns.Msg)
		aaaaMsg.SetQuestion(dns.Fqdn(target), dns.TypeAAAA)
		if resp, err := r.exchange(ctx, aaaaMsg); err == nil {
			for _, rr := range resp.Answer {
				if aaaa, ok := rr.(*dns.AAAA); ok {
					out = append(out, Candidate{IP: aaaa.AAAA, Port: port, Priority: priority, Weight: weight})
					ttl := time.Duration(aaaa.Hdr.Ttl) * time.Second
					if minTTL == 0 || ttl < minTTL {
						minTTL = ttl
					}
				}
			}
		}
	}

	if len(out) == 0 {
		return nil, 0, sawNXDOMAIN, nil
	}
	if minTTL == 0 {
		minTTL = 5 * time.Minute
	}
	return out, minTTL, false, nil
}

func (r *DNSResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	servers := r.Servers
	if len(servers) == 0 {
		servers = []string{"127.0.0.1:53"}
	}
	var lastErr error
	for _, server := range servers {
		resp, _, err := r.Client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
