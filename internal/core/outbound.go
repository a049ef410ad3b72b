package core

import (
	"context"
	"net"
	"time"

	"github.com/coldwire/s2s/internal/dialback"
	"github.com/coldwire/s2s/internal/dnscache"
	"github.com/coldwire/s2s/internal/identity"
	"github.com/coldwire/s2s/internal/outqueue"
	"github.com/coldwire/s2s/internal/registry"
	"github.com/coldwire/s2s/internal/stanza"
	"github.com/coldwire/s2s/internal/xmppstream"
)

// handleRouterStanza is the entry point for a stanza arriving from the
// router component: enqueue it on its route and make sure that route has
// (or is acquiring) an outbound path, the router-to-queue leg of delivery.
func (l *Loop) handleRouterStanza(s stanza.Stanza) {
	from, err := identity.Canonicalize(identity.Domain(s.From))
	if err != nil {
		l.log.Warn("dropping router stanza with unparseable from", "from", s.From, "err", err)
		return
	}
	to, err := identity.Canonicalize(identity.Domain(s.To))
	if err != nil {
		l.log.Warn("dropping router stanza with unparseable to", "to", s.To, "err", err)
		return
	}
	route := identity.NewRouteKey(from, to)
	l.queues.Enqueue(route, s)
	l.ensureOutbound(route)
}

// ensureOutbound makes sure route has a path toward becoming deliverable:
// reusing an existing valid connection, piggybacking on one mid-connect,
// or kicking off DNS resolution for a brand new destination.
func (l *Loop) ensureOutbound(route identity.RouteKey) {
	dest := identity.DestKeyFromRoute(route, l.cfg.OutConnReuse)
	if conn, ok := l.reg.FindOut(dest); ok {
		l.attachRoute(conn, route)
		return
	}
	if l.pendingConnect[dest] {
		// a dial or handshake for this destination is already in flight;
		// the queued stanza rides along once it completes.
		return
	}

	to := route.To()
	status, candidates := l.dns.Lookup(to)
	switch status {
	case dnscache.StatusReady:
		l.pendingConnect[dest] = true
		l.connectToCandidates(route, dest, candidates)
	case dnscache.StatusMiss:
		l.dns.StartPending(to)
		l.startResolve(to)
	case dnscache.StatusPending:
		// a resolution is already in flight; handleDNSResult drives every
		// waiting route once it completes.
	case dnscache.StatusNegative:
		l.queues.BounceRoute(route, outqueue.ErrRemoteServerNotFound, l.bncer)
	}
}

// attachRoute records that conn now carries route. If the connection has
// finished its handshake, dialback negotiation starts immediately;
// otherwise the route is recorded "Want" and activateRoutes starts it once
// the connection comes online, since writing to conn.Stream before the
// handshake completes isn't safe (the stream isn't attached yet).
func (l *Loop) attachRoute(conn *registry.Conn, route identity.RouteKey) {
	if _, known := conn.Routes[route]; known {
		return
	}
	if !conn.Online {
		conn.Routes[route] = &dialback.State{Kind: dbWant, StartedAt: l.now()}
		return
	}
	l.startDialbackOut(conn, route)
}

// activateRoutes starts dialback negotiation for every route that was
// attached while conn was still mid-handshake.
func (l *Loop) activateRoutes(conn *registry.Conn) {
	for route, state := range conn.Routes {
		if state.Kind == dbWant {
			l.startDialbackOut(conn, route)
		}
	}
}

// startResolve dispatches a DNS resolution on a worker goroutine so
// resolution happens off the event loop.
func (l *Loop) startResolve(name string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l.dnsDone <- l.resolver.Lookup(ctx, name)
	}()
}

// handleDNSResult applies a completed resolution to the cache and either
// connects every route waiting on it or bounces their queues.
func (l *Loop) handleDNSResult(o dnscache.Outcome) {
	if o.Err != nil {
		l.dns.Zap(o.Name)
		l.bounceWaiting(o.Name, outqueue.ErrRemoteServerNotFound)
		return
	}
	if o.Negative {
		l.dns.CompleteNegative(o.Name, o.TTL)
		l.bounceWaiting(o.Name, outqueue.ErrRemoteServerNotFound)
		return
	}
	l.dns.Complete(o.Name, o.Candidates, o.TTL, l.cfg.Lookup.ResolveIPv6)
	for _, route := range l.queues.RoutesForDest(o.Name) {
		dest := identity.DestKeyFromRoute(route, l.cfg.OutConnReuse)
		if l.pendingConnect[dest] {
			continue
		}
		_, candidates := l.dns.Lookup(o.Name)
		l.pendingConnect[dest] = true
		l.connectToCandidates(route, dest, candidates)
	}
}

func (l *Loop) bounceWaiting(to string, kind outqueue.ErrorKind) {
	l.queues.BounceDestination(to, kind, l.bncer)
}

// connectToCandidates dials the first untried candidate on a worker
// goroutine, per RFC 2782's ordering: candidates are already ordered by
// the cache, so we always try candidates[0].
func (l *Loop) connectToCandidates(route identity.RouteKey, dest identity.DestKey, candidates []dnscache.Candidate) {
	if len(candidates) == 0 {
		delete(l.pendingConnect, dest)
		l.queues.BounceRoute(route, outqueue.ErrRemoteConnectionFailed, l.bncer)
		return
	}
	cand := candidates[0]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		addr := hostPort(cand.IP, cand.Port)
		conn, err := l.dial(ctx, "tcp", addr)
		l.dials <- dialEvent{route: route, host: route.To(), cand: cand, conn: conn, err: err}
	}()
}

// handleDialResult finishes an outbound TCP connect: on failure it marks
// the candidate bad and retries with the next one; on success it registers
// the connection (online false, no stream yet, visible to FindOut for
// route reuse/piggybacking) and opens the XMPP stream on a worker
// goroutine, bounded by a deadline so a peer that accepts the TCP
// connection but never completes the handshake can't hang it forever.
func (l *Loop) handleDialResult(ev dialEvent) {
	dest := identity.DestKeyFromRoute(ev.route, l.cfg.OutConnReuse)

	if ev.err != nil {
		l.dns.MarkBad(ev.cand.IP, ev.cand.Port, l.cfg.Lookup.BadHostTimeout)
		_, remaining := l.dns.Lookup(ev.host)
		remaining = dropCandidate(remaining, ev.cand)
		l.connectToCandidates(ev.route, dest, remaining)
		return
	}

	id := l.reg.NextID()
	c := registry.NewConn(id, registry.Outbound, nil, l.now())
	if tcp, ok := ev.conn.RemoteAddr().(*net.TCPAddr); ok {
		c.PeerIP = tcp.IP
		c.PeerPort = uint16(tcp.Port)
	}
	c.Host = ev.host
	c.ReuseByHost = l.cfg.OutConnReuse
	l.reg.RegisterOut(c, dest)
	delete(l.pendingConnect, dest)

	l.attachRoute(c, ev.route)
	for _, route := range l.queues.RoutesForDest(ev.host) {
		l.attachRoute(c, route)
	}

	go func() {
		ev.conn.SetDeadline(time.Now().Add(streamHandshakeTimeout))

		stream, err := xmppstream.Open(ev.conn, l.localDomainFor(ev.route), ev.host, true)
		if err != nil {
			ev.conn.Close()
			l.log.Debug("outbound handshake failed", "host", ev.host, "err", err)
			l.handshakeFailed <- id
			return
		}
		l.streamReady <- streamReadyEvent{id: id, conn: ev.conn, stream: stream}
	}()
}

// localDomainFor picks which served domain a route's "from" resolves to;
// it is always route.From() since dialback authenticates that exact pair.
func (l *Loop) localDomainFor(route identity.RouteKey) string {
	return route.From()
}

func dropCandidate(in []dnscache.Candidate, drop dnscache.Candidate) []dnscache.Candidate {
	out := in[:0:0]
	for _, c := range in {
		if c.IP.Equal(drop.IP) && c.Port == drop.Port {
			continue
		}
		out = append(out, c)
	}
	return out
}
