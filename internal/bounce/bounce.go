// Package bounce is the bounce engine: it turns queued stanzas that could
// not be delivered into stanza-error replies and hands them to the router
// link, using the ErrorKind taxonomy outqueue defines.
package bounce

import (
	"github.com/coldwire/s2s/internal/outqueue"
	"github.com/coldwire/s2s/internal/stanza"
)

// Sender is the subset of the router link the bounce engine needs: a way
// to hand a synthesized error stanza back toward its original sender.
type Sender interface {
	SendToRouter(s stanza.Stanza)
}

// Engine implements outqueue.Bouncer, translating an ErrorKind into the
// stanza-error condition jabberd2-style deployments expect on the wire.
type Engine struct {
	sender Sender
}

// New returns a Bounce Engine that delivers synthesized error stanzas via
// sender.
func New(sender Sender) *Engine {
	return &Engine{sender: sender}
}

// Bounce rewrites s into an error reply and submits it to the router,
// satisfying outqueue.Bouncer.
func (e *Engine) Bounce(s stanza.Stanza, kind outqueue.ErrorKind) {
	e.sender.SendToRouter(s.ErrorStanza(string(kind)))
}

var _ outqueue.Bouncer = (*Engine)(nil)
