// Package registry is the connection registry: it tracks every live TCP
// connection the connector holds, indexed by the angles the main loop
// needs to look them up from — destination for outbound reuse, accept-id
// while an incoming connection has not yet identified itself, and
// stream-id once it has. Closing a connection is deferred: callers mark
// it for close and the registry hands back the set of dead connections
// for the caller to actually tear down, so no code ever holds a pointer
// into a freed connection record.
package registry

import (
	"net"
	"time"

	"github.com/coldwire/s2s/internal/dialback"
	"github.com/coldwire/s2s/internal/identity"
	"github.com/coldwire/s2s/internal/xmppstream"
)

// Direction distinguishes connections we opened from connections accepted
// from a peer.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// ID uniquely identifies a connection record for the lifetime of the
// process; it is stable across the accept-to-stream promotion.
type ID uint64

// Conn is one TCP connection's bookkeeping.
type Conn struct {
	ID        ID
	Direction Direction
	Stream    *xmppstream.Stream

	PeerIP   net.IP
	PeerPort uint16
	Online   bool

	// Outbound-only.
	Dest        identity.DestKey
	Host        string // remote host this connection targets, for by-host reuse
	ReuseByHost bool

	// Inbound-only, until promoted.
	AcceptID ID

	StreamID string // populated once the stream has identified itself

	Routes map[identity.RouteKey]*dialback.State

	InitTime     time.Time
	LastActivity time.Time
	LastPacket   time.Time
	LastVerify   time.Time
	VerifyCount  int

	closing bool
}

// NewConn allocates a bare connection record; it is not indexed until one
// of RegisterOut/RegisterIn is called.
func NewConn(id ID, dir Direction, stream *xmppstream.Stream, now time.Time) *Conn {
	return &Conn{
		ID:           id,
		Direction:    dir,
		Stream:       stream,
		Routes:       make(map[identity.RouteKey]*dialback.State),
		InitTime:     now,
		LastActivity: now,
	}
}

// Registry holds every live connection, indexed for the lookups the main
// loop performs.
type Registry struct {
	nextID ID

	byID map[ID]*Conn

	// Outbound connections, keyed by destination (host or host+from,
	// depending on configured reuse policy).
	outByDest map[identity.DestKey]*Conn

	// Inbound connections accepted but not yet stream-identified.
	inByAccept map[ID]*Conn

	// Inbound connections that have opened a stream, keyed by the id we
	// assigned them.
	inByStreamID map[string]*Conn

	dead []*Conn
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:         make(map[ID]*Conn),
		outByDest:    make(map[identity.DestKey]*Conn),
		inByAccept:   make(map[ID]*Conn),
		inByStreamID: make(map[string]*Conn),
	}
}

// NextID returns a fresh connection id. Callers build the Conn with it
// before registering.
func (r *Registry) NextID() ID {
	r.nextID++
	return r.nextID
}

// RegisterOut indexes an outbound connection under dest, the destination
// key derived for the configured reuse policy.
func (r *Registry) RegisterOut(c *Conn, dest identity.DestKey) {
	c.Dest = dest
	r.byID[c.ID] = c
	r.outByDest[dest] = c
}

// RegisterIn indexes a newly accepted inbound connection before it has
// identified itself with a stream header.
func (r *Registry) RegisterIn(c *Conn) {
	c.AcceptID = c.ID
	r.byID[c.ID] = c
	r.inByAccept[c.ID] = c
}

// RegisterBare indexes a connection by id only, with none of the lookup
// indices an ordinary route-carrying connection gets. It is for ephemeral,
// non-routable connections such as a dialback verification probe: they must
// still be visible to Get/All/Close/DrainDead (so the sweep can time them
// out and shutdown can account for them) without being reachable via
// FindOut/FindInByAccept/FindInByStreamID.
func (r *Registry) RegisterBare(c *Conn) {
	r.byID[c.ID] = c
}

// PromoteAcceptToStream moves an inbound connection from the accept index
// to the stream-id index once its opening stream header has been read and
// identified.
func (r *Registry) PromoteAcceptToStream(c *Conn, streamID string) {
	delete(r.inByAccept, c.AcceptID)
	c.StreamID = streamID
	r.inByStreamID[streamID] = c
}

// FindOut returns the outbound connection registered for dest, if any.
func (r *Registry) FindOut(dest identity.DestKey) (*Conn, bool) {
	c, ok := r.outByDest[dest]
	if !ok || c.closing {
		return nil, false
	}
	return c, true
}

// FindInByAccept returns an inbound connection still awaiting stream
// identification.
func (r *Registry) FindInByAccept(id ID) (*Conn, bool) {
	c, ok := r.inByAccept[id]
	return c, ok
}

// FindInByStreamID returns an identified inbound connection.
func (r *Registry) FindInByStreamID(streamID string) (*Conn, bool) {
	c, ok := r.inByStreamID[streamID]
	if !ok || c.closing {
		return nil, false
	}
	return c, true
}

// All returns every non-closing connection, for sweep phases that must
// visit all of them (liveness, keepalive, idle eviction).
func (r *Registry) All() []*Conn {
	out := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		if !c.closing {
			out = append(out, c)
		}
	}
	return out
}

// Get returns a connection by id regardless of indexing state.
func (r *Registry) Get(id ID) (*Conn, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// unlink removes a connection from whichever lookup indices reference it,
// without closing its stream or freeing the record; Close calls it as the
// first step of deferred teardown.
func (r *Registry) unlink(c *Conn) {
	if c.Dest != "" && r.outByDest[c.Dest] == c {
		delete(r.outByDest, c.Dest)
	}
	if c.AcceptID != 0 && r.inByAccept[c.AcceptID] == c {
		delete(r.inByAccept, c.AcceptID)
	}
	if c.StreamID != "" && r.inByStreamID[c.StreamID] == c {
		delete(r.inByStreamID, c.StreamID)
	}
}

// Close marks c for deferred teardown: it is unlinked from every lookup
// index immediately (so no new work is handed to it) but its stream is
// not closed here. The caller must later call DrainDead and close each
// connection's stream and free it; nothing in the registry retains c past
// this call except the dead-queue slot itself.
func (r *Registry) Close(c *Conn) {
	if c.closing {
		return
	}
	c.closing = true
	r.unlink(c)
	delete(r.byID, c.ID)
	r.dead = append(r.dead, c)
}

// DrainDead returns every connection closed since the last DrainDead call
// and clears the dead queue. The caller owns tearing down each one's
// transport (Stream.Close) after this call returns.
func (r *Registry) DrainDead() []*Conn {
	if len(r.dead) == 0 {
		return nil
	}
	dead := r.dead
	r.dead = nil
	return dead
}

// Len reports how many connections are currently live (not yet closed).
func (r *Registry) Len() int {
	return len(r.byID)
}
