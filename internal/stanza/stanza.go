// Package stanza models the minimal XMPP stanza surface the connector
// needs: enough of <message>/<presence>/<iq> to route, bounce, and
// re-serialize, without implementing the full stanza/extension semantics
// a client-facing c2s component would need.
package stanza

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Kind is the stanza's top-level element name (message, presence, iq).
type Kind string

const (
	KindMessage  Kind = "message"
	KindPresence Kind = "presence"
	KindIQ       Kind = "iq"
)

// Stanza is a top-level XMPP element: message, presence, or iq.
// Body holds the raw inner XML (children + character data) so that
// round-tripping a stanza through a bounce never has to understand its
// payload.
type Stanza struct {
	Kind Kind
	From string
	To   string
	ID   string
	Type string
	Lang string
	Body []byte // raw inner XML, verbatim
}

// ErrorStanza returns a <kind type='error' to=origin from=to> wrapping this
// stanza's body plus a stanza-error element: it swaps from/to and
// synthesizes a stanza-error condition.
func (s Stanza) ErrorStanza(condition string) Stanza {
	return Stanza{
		Kind: s.Kind,
		From: s.To,
		To:   s.From,
		ID:   s.ID,
		Type: "error",
		Lang: s.Lang,
		Body: appendError(s.Body, condition),
	}
}

func appendError(body []byte, condition string) []byte {
	var buf bytes.Buffer
	buf.Write(body)
	fmt.Fprintf(&buf,
		`<error type='cancel'><%s xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error>`,
		condition,
	)
	return buf.Bytes()
}

// Encode renders the stanza back to wire-format XML.
func (s Stanza) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(string(s.Kind))
	writeAttr(&buf, "from", s.From)
	writeAttr(&buf, "to", s.To)
	writeAttr(&buf, "id", s.ID)
	writeAttr(&buf, "type", s.Type)
	writeAttr(&buf, "xml:lang", s.Lang)
	buf.WriteByte('>')
	buf.Write(s.Body)
	buf.WriteString("</")
	buf.WriteString(string(s.Kind))
	buf.WriteByte('>')
	return buf.Bytes()
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString("='")
	xml.EscapeText(buf, []byte(value))
	buf.WriteString("'")
}

// FromStartElement builds a Stanza header from a decoded start element; Body
// is filled in separately by the caller once the element's children have
// been consumed (see internal/xmppstream).
func FromStartElement(se xml.StartElement) Stanza {
	s := Stanza{Kind: Kind(se.Name.Local)}
	for _, a := range se.Attr {
		switch a.Name.Local {
		case "from":
			s.From = a.Value
		case "to":
			s.To = a.Value
		case "id":
			s.ID = a.Value
		case "type":
			s.Type = a.Value
		case "lang":
			s.Lang = a.Value
		}
	}
	return s
}

// IsStanza reports whether a top-level element name is one of the three
// stanza kinds the connector forwards; anything else (e.g. dialback or
// stream-error elements) is handled separately by the caller.
func IsStanza(name string) bool {
	switch Kind(name) {
	case KindMessage, KindPresence, KindIQ:
		return true
	default:
		return false
	}
}
