package core

import (
	"github.com/coldwire/s2s/internal/identity"
	"github.com/coldwire/s2s/internal/outqueue"
	"github.com/coldwire/s2s/internal/registry"
	"github.com/coldwire/s2s/internal/stanza"
	"github.com/coldwire/s2s/internal/xmppstream"
)

// handleElement applies one decoded stream element (or a stream death) to
// the connection that produced it.
func (l *Loop) handleElement(ev elementEvent) {
	conn, ok := l.reg.Get(ev.connID)
	if !ok {
		return
	}

	if ev.err != nil {
		l.onStreamDead(conn)
		return
	}

	conn.LastActivity = l.now()
	conn.LastPacket = l.now()

	switch ev.el.Name.Local {
	case "result":
		l.handleDBResult(conn, ev.el)
	case "verify":
		if pv, ok := l.pendingVerify[conn.ID]; ok {
			delete(l.pendingVerify, conn.ID)
			conn.VerifyCount--
			l.applyVerifyOutcome(pv.originConnID, pv.route, ev.el.Attr["type"] == "valid")
			l.closeConn(conn, "")
			return
		}
		l.handleDBVerify(conn, ev.el)
	default:
		if stanza.IsStanza(ev.el.Name.Local) {
			l.handleStanza(conn, ev.el)
			return
		}
		// Unrecognized top-level element: per RFC 3920, an unknown
		// namespace/element at stream level is a protocol violation.
		l.closeConn(conn, "unsupported-stanza-type")
	}
}

// onStreamDead tears down a connection whose read pump reported EOF or a
// parse error, bouncing anything still queued on its outbound routes.
func (l *Loop) onStreamDead(conn *registry.Conn) {
	if pv, ok := l.pendingVerify[conn.ID]; ok {
		delete(l.pendingVerify, conn.ID)
		l.applyVerifyOutcome(pv.originConnID, pv.route, false)
	}
	if conn.Direction == registry.Outbound {
		for route := range conn.Routes {
			l.queues.BounceRoute(route, outqueue.ErrRemoteConnectionFailed, l.bncer)
		}
		delete(l.pendingConnect, conn.Dest)
	}
	l.reg.Close(conn)
	for _, dead := range l.reg.DrainDead() {
		l.teardown(dead)
	}
}

// closeConn sends a stream error then tears the connection down
// immediately, for protocol violations detected on the loop goroutine.
func (l *Loop) closeConn(conn *registry.Conn, condition string) {
	if condition != "" && conn.Stream != nil {
		conn.Stream.SendStreamError(condition)
	}
	l.onStreamDead(conn)
}

// handleStanza forwards a routed stanza to the router link if its route
// has a valid dialback state, otherwise drops the connection for sending
// traffic on an unauthorized route.
func (l *Loop) handleStanza(conn *registry.Conn, el xmppstream.Element) {
	from, err1 := identity.Canonicalize(identity.Domain(el.Attr["from"]))
	to, err2 := identity.Canonicalize(identity.Domain(el.Attr["to"]))
	if err1 != nil || err2 != nil {
		l.closeConn(conn, "improper-addressing")
		return
	}
	route := identity.NewRouteKey(from, to)
	state, ok := conn.Routes[route]
	if !ok || state.Kind != dbValid {
		l.closeConn(conn, "not-authorized")
		return
	}

	s := stanza.Stanza{
		Kind: stanza.Kind(el.Name.Local),
		From: el.Attr["from"],
		To:   el.Attr["to"],
		ID:   el.Attr["id"],
		Type: el.Attr["type"],
		Body: el.InnerXML,
	}
	l.stats.Add(1)
	l.router.Send(s)
}
