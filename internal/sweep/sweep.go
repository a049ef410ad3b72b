// Package sweep is the timekeeper: the periodic, ordered maintenance pass
// over outbound queues, connections, and the DNS cache. It runs on an
// injectable clock so its six phases can be tested without real sleeps,
// the same fake-clock approach internal/dnscache uses.
package sweep

import (
	"time"

	"github.com/coldwire/s2s/internal/dialback"
	"github.com/coldwire/s2s/internal/dnscache"
	"github.com/coldwire/s2s/internal/identity"
	"github.com/coldwire/s2s/internal/outqueue"
	"github.com/coldwire/s2s/internal/registry"
)

// RouteResolver supplies the cross-references the timekeeper needs that
// live outside the registry and queue table: which connection (if any)
// currently carries a route, and which DNS cache entry corresponds to a
// route's destination host.
type RouteResolver interface {
	ConnForRoute(route identity.RouteKey) (*registry.Conn, bool)
	HostForRoute(route identity.RouteKey) string
}

// Config carries the `check.*` intervals from the connector's config schema.
type Config struct {
	CheckQueue     time.Duration
	CheckKeepalive time.Duration
	CheckIdle      time.Duration
	CheckDNSCache  time.Duration
}

// Timekeeper runs the six ordered sweep phases.
type Timekeeper struct {
	cfg      Config
	queues   *outqueue.Table
	reg      *registry.Registry
	dns      *dnscache.Cache
	bouncer  outqueue.Bouncer
	resolver RouteResolver
	now      func() time.Time

	lastDNSSweep time.Time
}

// New constructs a Timekeeper. now supplies the current time on every
// call (production passes time.Now; tests pass a fixed/advancing clock).
func New(cfg Config, queues *outqueue.Table, reg *registry.Registry, dns *dnscache.Cache, bouncer outqueue.Bouncer, resolver RouteResolver, now func() time.Time) *Timekeeper {
	return &Timekeeper{cfg: cfg, queues: queues, reg: reg, dns: dns, bouncer: bouncer, resolver: resolver, now: now}
}

// Run executes all sweep phases once, in order: queue expiry, dialback
// expiry, incoming liveness, keepalive, idle eviction, then (on its own
// cadence) DNS expiry. It returns the connections that were closed during
// this pass, already collected from the registry with DrainDead; the
// caller owns tearing down their streams.
func (tk *Timekeeper) Run() []*registry.Conn {
	now := tk.now()
	tk.queueExpiry(now)
	tk.dialbackExpiry(now)
	tk.incomingLiveness(now)
	tk.keepalive(now)
	tk.idleEviction(now)
	if tk.lastDNSSweep.IsZero() || now.Sub(tk.lastDNSSweep) >= tk.cfg.CheckDNSCache {
		tk.dnsExpiry()
		tk.lastDNSSweep = now
	}
	return tk.reg.DrainDead()
}

// queueExpiry is phase 1.
func (tk *Timekeeper) queueExpiry(now time.Time) {
	for _, route := range tk.queues.Routes() {
		conn, hasConn := tk.resolver.ConnForRoute(route)
		if !hasConn {
			host := tk.resolver.HostForRoute(route)
			status, _ := tk.dns.Lookup(host)
			if status == dnscache.StatusPending {
				if since, ok := tk.dns.PendingSince(host); ok && now.Sub(since) > tk.cfg.CheckQueue {
					tk.queues.BounceRoute(route, outqueue.ErrRemoteServerNotFound, tk.bouncer)
					tk.dns.Zap(host)
				}
				continue
			}
			if tk.queues.Len(route) > 0 {
				tk.queues.BounceRoute(route, outqueue.ErrRemoteServerTimeout, tk.bouncer)
			}
			continue
		}
		if !conn.Online && now.Sub(conn.InitTime) > tk.cfg.CheckQueue {
			if conn.PeerIP != nil {
				tk.dns.MarkBad(conn.PeerIP, conn.PeerPort, tk.cfg.CheckQueue)
			}
			tk.closeConn(conn, "connection-timeout")
		}
	}
}

// dialbackExpiry is phase 2.
func (tk *Timekeeper) dialbackExpiry(now time.Time) {
	for _, conn := range tk.reg.All() {
		for _, state := range conn.Routes {
			if state.Kind == dialback.InProgress && now.Sub(state.StartedAt) > tk.cfg.CheckQueue {
				tk.closeConn(conn, "connection-timeout")
				break
			}
		}
		if conn.Direction == registry.Outbound && conn.VerifyCount > 0 && now.Sub(conn.LastVerify) > tk.cfg.CheckQueue {
			tk.closeConn(conn, "connection-timeout")
		}
	}
}

// incomingLiveness is phase 3.
func (tk *Timekeeper) incomingLiveness(now time.Time) {
	for _, conn := range tk.reg.All() {
		if conn.Direction != registry.Inbound {
			continue
		}
		if conn.StreamID == "" && now.Sub(conn.InitTime) > tk.cfg.CheckQueue {
			tk.closeConn(conn, "connection-timeout")
			continue
		}
		if conn.StreamID != "" && len(conn.Routes) == 0 && now.Sub(conn.InitTime) > tk.cfg.CheckQueue {
			tk.closeConn(conn, "connection-timeout")
		}
	}
}

// keepalive is phase 4.
func (tk *Timekeeper) keepalive(now time.Time) {
	if tk.cfg.CheckKeepalive <= 0 {
		return
	}
	for _, conn := range tk.reg.All() {
		if conn.Stream == nil {
			continue
		}
		if now.Sub(conn.LastActivity) > tk.cfg.CheckKeepalive {
			_ = conn.Stream.WriteRaw([]byte(" "))
			conn.LastActivity = now
		}
	}
}

// idleEviction is phase 5.
func (tk *Timekeeper) idleEviction(now time.Time) {
	if tk.cfg.CheckIdle <= 0 {
		return
	}
	for _, conn := range tk.reg.All() {
		if conn.LastPacket.IsZero() {
			continue
		}
		if now.Sub(conn.LastPacket) > tk.cfg.CheckIdle {
			tk.closeConn(conn, "connection-timeout")
		}
	}
}

// dnsExpiry is phase 6, run on its own check_dnscache cadence.
func (tk *Timekeeper) dnsExpiry() {
	tk.dns.SweepExpired()
	tk.dns.SweepBad()
}

func (tk *Timekeeper) closeConn(conn *registry.Conn, condition string) {
	if conn.Stream != nil {
		_ = conn.Stream.SendStreamError(condition)
	}
	tk.reg.Close(conn)
}
