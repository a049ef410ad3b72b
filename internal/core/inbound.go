package core

import (
	"net"
	"time"

	"github.com/coldwire/s2s/internal/registry"
	"github.com/coldwire/s2s/internal/xmppstream"
)

// streamReadyEvent reports that a connection finished its stream handshake
// (on a worker goroutine) and is ready to be activated on the loop
// goroutine. The connection itself (inbound, outbound, or a dialback
// verification probe) is already registered by id before this fires.
type streamReadyEvent struct {
	id     registry.ID
	conn   net.Conn
	stream *xmppstream.Stream
}

// handleAccept registers a placeholder for a freshly accepted TCP
// connection — visible to the registry and sweep with Online false and no
// stream yet — then completes the stream handshake on a worker goroutine
// (the handshake itself blocks on I/O, which the single loop goroutine must
// never do). A deadline bounds the whole handshake so a peer that completes
// TCP accept but never finishes the XMPP handshake can't hang the goroutine
// forever; handshakeFailed reports any failure so the loop can clean up the
// placeholder.
func (l *Loop) handleAccept(conn net.Conn) {
	id := l.reg.NextID()
	c := registry.NewConn(id, registry.Inbound, nil, l.now())
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.PeerIP = tcp.IP
		c.PeerPort = uint16(tcp.Port)
	}
	l.reg.RegisterIn(c)

	go func() {
		conn.SetDeadline(time.Now().Add(streamHandshakeTimeout))

		stream, to, err := xmppstream.OpenIncoming(conn)
		if err != nil {
			conn.Close()
			l.log.Debug("inbound handshake failed", "err", err)
			l.handshakeFailed <- id
			return
		}
		host, ok := l.hosts.Lookup(to)
		if !ok {
			stream.SendStreamError("host-unknown")
			stream.Close()
			l.handshakeFailed <- id
			return
		}
		if err := stream.CompleteIncoming(host.Realm); err != nil {
			stream.Close()
			l.handshakeFailed <- id
			return
		}
		l.streamReady <- streamReadyEvent{id: id, conn: conn, stream: stream}
	}()
}

// finishAccept activates a connection whose handshake just completed: a
// dialback verification probe is handed off to finishVerifyHandshake,
// otherwise the already-registered placeholder (inbound or outbound) gets
// its stream attached, its deadline cleared, and is marked online. It runs
// on the loop goroutine, the only place the registry is mutated.
func (l *Loop) finishAccept(ev streamReadyEvent) {
	if pv, ok := l.pendingVerify[ev.id]; ok {
		l.finishVerifyHandshake(ev, pv)
		return
	}

	c, ok := l.reg.Get(ev.id)
	if !ok {
		ev.stream.Close()
		return
	}
	c.Stream = ev.stream
	ev.stream.SetDeadline(time.Time{})
	c.Online = true

	switch c.Direction {
	case registry.Outbound:
		l.pumpReads(c)
		l.activateRoutes(c)
	case registry.Inbound:
		l.reg.PromoteAcceptToStream(c, ev.stream.StreamID())
		l.pumpReads(c)
	}
}

// pumpReads spawns the read-side worker goroutine for a connection: it
// decodes stream elements and feeds them back to the loop, one at a time,
// until the stream errors or closes.
func (l *Loop) pumpReads(c *registry.Conn) {
	go func() {
		for {
			el, err := c.Stream.Next()
			l.elements <- elementEvent{connID: c.ID, el: el, err: err}
			if err != nil {
				return
			}
		}
	}()
}
