// Package xmppstream is a small, real implementation of XMPP stream
// framing: opening a stream, reading top-level elements, writing stanzas
// and dialback elements, and raising a stream-level error before close.
// It does not attempt full XMPP conformance (no compression, no resource
// binding — those belong to c2s, not s2s).
package xmppstream

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coldwire/s2s/internal/stanza"
)

const (
	// NSServer is the default namespace for server-to-server streams.
	NSServer = "jabber:server"
	// NSStream is the stream wrapper namespace.
	NSStream = "http://etherx.jabber.org/streams"
	// NSDialback is the Server Dialback namespace extension.
	NSDialback = "jabber:server:dialback"
)

// Element is a decoded top-level stream child: a stanza, a dialback
// element, or a stream-level error.
type Element struct {
	Name     xml.Name
	Attr     map[string]string
	InnerXML []byte
}

// rawElement captures an element's attributes and inner XML verbatim,
// without needing to know its schema ahead of time.
type rawElement struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	InnerXML []byte     `xml:",innerxml"`
}

// GenerateStreamID returns a random identifier suitable for a newly
// accepted incoming stream (the peer, not us, supplies the id on an
// outgoing stream we open).
func GenerateStreamID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a fatal environment error elsewhere in the
		// process; here we still return something usable rather than panic
		// inside a hot path.
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// Stream is an open XMPP server-to-server stream: a framed, bidirectional
// channel over which stream headers, dialback elements, and stanzas flow.
type Stream struct {
	conn     net.Conn
	dec      *xml.Decoder
	w        io.Writer
	streamID string // our id, if we are the receiving side
	peerID   string // peer's id, learned from their stream header
	peerFrom string // peer's "from" domain, captured by OpenIncoming pending CompleteIncoming
}

// Open performs the stream-opening handshake. When initiator is true, we
// write our opening <stream:stream> tag first (outgoing connections);
// otherwise we read the peer's tag first (accepted connections), reply
// with our own including a freshly generated id, and return that id as
// streamID.
func Open(conn net.Conn, localDomain, remoteDomain string, initiator bool) (*Stream, error) {
	s := &Stream{
		conn: conn,
		dec:  xml.NewDecoder(bufio.NewReader(conn)),
		w:    conn,
	}

	if initiator {
		if err := s.writeOpenTag(remoteDomain, localDomain, ""); err != nil {
			return nil, err
		}
		peerID, err := s.readOpenTag()
		if err != nil {
			return nil, err
		}
		s.peerID = peerID
		return s, nil
	}

	peerFrom, err := s.readOpenTagCapturingFrom()
	if err != nil {
		return nil, err
	}
	s.streamID = GenerateStreamID()
	if err := s.writeOpenTag(peerFrom, localDomain, s.streamID); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenIncoming reads only the peer's opening <stream:stream> tag and
// returns the "to" domain they addressed, without yet replying. The
// caller resolves which local identity serves that domain (a host lookup
// may be needed before we know what "from" to answer with) and then calls
// CompleteIncoming to send our own opening tag and finish the handshake.
func OpenIncoming(conn net.Conn) (s *Stream, to string, err error) {
	s = &Stream{
		conn: conn,
		dec:  xml.NewDecoder(bufio.NewReader(conn)),
		w:    conn,
	}
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return nil, "", err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "stream" {
			continue
		}
		s.peerFrom = attrValue(se.Attr, "from")
		to = attrValue(se.Attr, "to")
		return s, to, nil
	}
}

// CompleteIncoming sends our reply opening tag (from=localDomain,
// to=the peer's "from", a freshly generated stream id) and finishes the
// handshake begun by OpenIncoming.
func (s *Stream) CompleteIncoming(localDomain string) error {
	s.streamID = GenerateStreamID()
	return s.writeOpenTag(s.peerFrom, localDomain, s.streamID)
}

func (s *Stream) writeOpenTag(to, from, id string) error {
	_, err := fmt.Fprintf(s.w,
		"<stream:stream xmlns='%s' xmlns:stream='%s' xmlns:db='%s' to='%s' from='%s' id='%s' version='1.0'>",
		NSServer, NSStream, NSDialback, xmlEscape(to), xmlEscape(from), xmlEscape(id))
	return err
}

func (s *Stream) readOpenTag() (string, error) {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "stream" {
			return attrValue(se.Attr, "id"), nil
		}
	}
}

func (s *Stream) readOpenTagCapturingFrom() (string, error) {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "stream" {
			return attrValue(se.Attr, "from"), nil
		}
	}
}

func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// StreamID returns this side's stream id (populated only when we were the
// receiving side of Open).
func (s *Stream) StreamID() string { return s.streamID }

// PeerStreamID returns the peer's stream id (populated only when we were
// the initiating side of Open).
func (s *Stream) PeerStreamID() string { return s.peerID }

// Next reads the next top-level stream child element.
func (s *Stream) Next() (Element, error) {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return Element{}, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var raw rawElement
		if err := s.dec.DecodeElement(&raw, &se); err != nil {
			return Element{}, err
		}
		attrs := make(map[string]string, len(raw.Attrs))
		for _, a := range raw.Attrs {
			attrs[a.Name.Local] = a.Value
		}
		return Element{Name: raw.XMLName, Attr: attrs, InnerXML: raw.InnerXML}, nil
	}
}

// WriteDialback writes a <db:kind .../> element (db:result or db:verify)
// carrying attrs and, when non-empty, text content (the key, or empty for
// a bare result/verify response).
func (s *Stream) WriteDialback(kind string, attrs map[string]string, text string) error {
	var b []byte
	b = append(b, "<db:"...)
	b = append(b, kind...)
	for _, k := range []string{"from", "to", "id", "type"} {
		if v, ok := attrs[k]; ok && v != "" {
			b = append(b, ' ')
			b = append(b, k...)
			b = append(b, "='"...)
			b = append(b, xmlEscape(v)...)
			b = append(b, '\'')
		}
	}
	if text == "" {
		b = append(b, "/>"...)
	} else {
		b = append(b, '>')
		b = append(b, xmlEscape(text)...)
		b = append(b, "</db:"...)
		b = append(b, kind...)
		b = append(b, '>')
	}
	_, err := s.w.Write(b)
	return err
}

// WriteStanza writes a fully-formed stanza to the stream.
func (s *Stream) WriteStanza(st stanza.Stanza) error {
	_, err := s.w.Write(st.Encode())
	return err
}

// WriteRaw writes arbitrary bytes (used for the single-whitespace-byte
// keepalive).
func (s *Stream) WriteRaw(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

// SendStreamError writes a <stream:error> element with condition, the
// required first step before closing per RFC 3920 on any protocol
// violation or timeout.
func (s *Stream) SendStreamError(condition string) error {
	_, err := fmt.Fprintf(s.w,
		"<stream:error><%s xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>",
		condition)
	return err
}

// Close writes the closing stream tag and closes the underlying
// transport.
func (s *Stream) Close() error {
	_, _ = s.w.Write([]byte("</stream:stream>"))
	return s.conn.Close()
}

// SetDeadline forwards to the underlying connection, used for stream-init
// and read timeouts.
func (s *Stream) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

func xmlEscape(v string) string {
	var buf []byte
	for _, r := range v {
		switch r {
		case '&':
			buf = append(buf, "&amp;"...)
		case '\'':
			buf = append(buf, "&apos;"...)
		case '<':
			buf = append(buf, "&lt;"...)
		case '>':
			buf = append(buf, "&gt;"...)
		default:
			buf = append(buf, string(r)...)
		}
	}
	return string(buf)
}
