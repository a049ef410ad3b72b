package xmppstream

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/coldwire/s2s/internal/stanza"
)

func TestOpenInitiatorHandshake(t *testing.T) {
	client, peer := net.Pipe()
	t.Cleanup(func() { client.Close(); peer.Close() })

	go func() {
		dec := xml.NewDecoder(bufio.NewReader(peer))
		for {
			tok, err := dec.Token()
			if err != nil {
				return
			}
			if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "stream" {
				fmt.Fprintf(peer, "<stream:stream xmlns='%s' xmlns:stream='%s' id='peer-123'>", NSServer, NSStream)
				return
			}
		}
	}()

	s, err := Open(client, "a.example", "b.example", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.PeerStreamID(); got != "peer-123" {
		t.Fatalf("expected peer stream id 'peer-123', got %q", got)
	}
	if got := s.StreamID(); got != "" {
		t.Fatalf("expected empty own stream id on initiating side, got %q", got)
	}
}

func TestOpenIncomingAndCompleteRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	clientOpened := make(chan struct{})
	go func() {
		fmt.Fprintf(client, "<stream:stream xmlns='%s' xmlns:stream='%s' from='b.example' to='a.example'>", NSServer, NSStream)
		close(clientOpened)
		dec := xml.NewDecoder(bufio.NewReader(client))
		dec.Token() // consume the server's reply tag
	}()

	s, to, err := OpenIncoming(server)
	if err != nil {
		t.Fatalf("OpenIncoming: %v", err)
	}
	<-clientOpened
	if to != "a.example" {
		t.Fatalf("expected to='a.example', got %q", to)
	}

	if err := s.CompleteIncoming("a.example"); err != nil {
		t.Fatalf("CompleteIncoming: %v", err)
	}
	if s.StreamID() == "" {
		t.Fatal("expected a generated stream id after CompleteIncoming")
	}
}

func TestNextDecodesTopLevelElement(t *testing.T) {
	client, peer := net.Pipe()
	t.Cleanup(func() { client.Close(); peer.Close() })

	go func() {
		dec := xml.NewDecoder(bufio.NewReader(peer))
		for {
			tok, err := dec.Token()
			if err != nil {
				return
			}
			if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "stream" {
				fmt.Fprintf(peer, "<stream:stream xmlns='%s' xmlns:stream='%s' id='peer-1'>", NSServer, NSStream)
				fmt.Fprintf(peer, "<message from='x@a.example' to='y@b.example'><body>hi</body></message>")
				return
			}
		}
	}()

	s, err := Open(client, "a.example", "b.example", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	el, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if el.Name.Local != "message" {
		t.Fatalf("expected message element, got %q", el.Name.Local)
	}
	if el.Attr["from"] != "x@a.example" || el.Attr["to"] != "y@b.example" {
		t.Fatalf("unexpected attrs: %+v", el.Attr)
	}
}

func TestWriteDialbackWithText(t *testing.T) {
	client, peer := net.Pipe()
	t.Cleanup(func() { client.Close(); peer.Close() })

	go func() {
		dec := xml.NewDecoder(bufio.NewReader(peer))
		for {
			tok, err := dec.Token()
			if err != nil {
				return
			}
			if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "stream" {
				fmt.Fprintf(peer, "<stream:stream xmlns='%s' xmlns:stream='%s' id='peer-1'>", NSServer, NSStream)
				return
			}
		}
	}()

	s, err := Open(client, "a.example", "b.example", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := peer.Read(buf)
		done <- buf[:n]
	}()

	if err := s.WriteDialback("result", map[string]string{"from": "a.example", "to": "b.example"}, "deadbeef"); err != nil {
		t.Fatalf("WriteDialback: %v", err)
	}

	select {
	case got := <-done:
		want := "<db:result from='a.example' to='b.example'>deadbeef</db:result>"
		if string(got) != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dialback write")
	}
}

func TestWriteStanzaAndSendStreamError(t *testing.T) {
	client, peer := net.Pipe()
	t.Cleanup(func() { client.Close(); peer.Close() })

	go func() {
		dec := xml.NewDecoder(bufio.NewReader(peer))
		for {
			tok, err := dec.Token()
			if err != nil {
				return
			}
			if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "stream" {
				fmt.Fprintf(peer, "<stream:stream xmlns='%s' xmlns:stream='%s' id='peer-1'>", NSServer, NSStream)
				_, _ = io.Copy(io.Discard, peer)
				return
			}
		}
	}()

	s, err := Open(client, "a.example", "b.example", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	st := stanza.Stanza{Kind: stanza.KindMessage, From: "x@a.example", To: "y@b.example"}
	if err := s.WriteStanza(st); err != nil {
		t.Fatalf("WriteStanza: %v", err)
	}
	if err := s.SendStreamError("host-unknown"); err != nil {
		t.Fatalf("SendStreamError: %v", err)
	}
}

func TestCloseWritesClosingTagAndClosesTransport(t *testing.T) {
	client, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	go func() {
		dec := xml.NewDecoder(bufio.NewReader(peer))
		for {
			tok, err := dec.Token()
			if err != nil {
				return
			}
			if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "stream" {
				fmt.Fprintf(peer, "<stream:stream xmlns='%s' xmlns:stream='%s' id='peer-1'>", NSServer, NSStream)
				_, _ = io.Copy(io.Discard, peer)
				return
			}
		}
	}()

	s, err := Open(client, "a.example", "b.example", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := client.Write([]byte("x")); err == nil {
		t.Fatal("expected write on closed stream to fail")
	}
}

func TestGenerateStreamIDIsUnique(t *testing.T) {
	a := GenerateStreamID()
	b := GenerateStreamID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty stream ids")
	}
	if a == b {
		t.Fatal("expected distinct stream ids across calls")
	}
}

var _ io.Closer = (*Stream)(nil)
