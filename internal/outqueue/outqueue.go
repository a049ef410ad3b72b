// Package outqueue holds per-route FIFOs of stanzas waiting for a usable
// outbound stream.
package outqueue

import (
	"github.com/coldwire/s2s/internal/identity"
	"github.com/coldwire/s2s/internal/stanza"
)

// ErrorKind names the stanza-error condition a bounce should carry.
type ErrorKind string

const (
	ErrRemoteServerNotFound   ErrorKind = "remote-server-not-found"
	ErrRemoteServerTimeout    ErrorKind = "remote-server-timeout"
	ErrRemoteConnectionFailed ErrorKind = "remote-connection-failed"
)

// Bouncer rewrites queued stanzas into error replies and hands them to the
// router link. Implemented by internal/bounce; declared here to avoid an
// import cycle between outqueue and bounce.
type Bouncer interface {
	Bounce(s stanza.Stanza, kind ErrorKind)
}

// Table is the outbound queue table: one FIFO per route key.
type Table struct {
	queues map[identity.RouteKey][]stanza.Stanza
}

// NewTable creates an empty outbound queue table.
func NewTable() *Table {
	return &Table{queues: make(map[identity.RouteKey][]stanza.Stanza)}
}

// Enqueue appends a stanza to route's FIFO, creating it if necessary.
func (t *Table) Enqueue(route identity.RouteKey, s stanza.Stanza) {
	t.queues[route] = append(t.queues[route], s)
}

// Len returns the number of stanzas queued for route.
func (t *Table) Len(route identity.RouteKey) int {
	return len(t.queues[route])
}

// Routes returns all route keys that currently have a non-empty queue.
// Order is unspecified; callers that need determinism should sort.
func (t *Table) Routes() []identity.RouteKey {
	out := make([]identity.RouteKey, 0, len(t.queues))
	for k, q := range t.queues {
		if len(q) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// RoutesForDest returns queued route keys whose "to" component matches to.
func (t *Table) RoutesForDest(to string) []identity.RouteKey {
	var out []identity.RouteKey
	for k, q := range t.queues {
		if len(q) == 0 {
			continue
		}
		if k.To() == to {
			out = append(out, k)
		}
	}
	return out
}

// Drain removes and returns all stanzas queued for route, in FIFO order,
// clearing the queue. Callers use this once a route becomes valid to hand
// stanzas to the stream for writing.
func (t *Table) Drain(route identity.RouteKey) []stanza.Stanza {
	q := t.queues[route]
	delete(t.queues, route)
	return q
}

// BounceRoute drains route's queue through b, tagging every stanza whose
// type is not already "error" with kind.
func (t *Table) BounceRoute(route identity.RouteKey, kind ErrorKind, b Bouncer) {
	for _, s := range t.Drain(route) {
		if s.Type == "error" {
			// An error stanza that itself can't be delivered is dropped
			// rather than bounced, so a bad route can't ping-pong a
			// stanza back and forth as each side re-bounces the other's
			// bounce.
			continue
		}
		b.Bounce(s, kind)
	}
}

// BounceDestination bounces every route whose "to" component equals dest.
func (t *Table) BounceDestination(dest string, kind ErrorKind, b Bouncer) {
	for _, route := range t.RoutesForDest(dest) {
		t.BounceRoute(route, kind, b)
	}
}

// DiscardAll drops every queued stanza without bouncing, used on shutdown
// so nothing sits forever in an abandoned queue.
func (t *Table) DiscardAll() {
	t.queues = make(map[identity.RouteKey][]stanza.Stanza)
}
