package core

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldwire/s2s/internal/config"
	"github.com/coldwire/s2s/internal/dnscache"
	"github.com/coldwire/s2s/internal/hosts"
	"github.com/coldwire/s2s/internal/routerlink"
	"github.com/coldwire/s2s/internal/xmppstream"
)

// newTestStream returns a real, writable xmppstream.Stream backed by a
// net.Pipe whose peer side replies once to the opening tag then discards
// everything else, so WriteDialback/WriteStanza/Close never block.
func newTestStream(t *testing.T) *xmppstream.Stream {
	t.Helper()
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
				fmt.Fprintf(peer, "<stream:stream xmlns='jabber:server' xmlns:stream='http://etherx.jabber.org/streams' id='peer-stream-id'>")
				break
			}
		}
		_, _ = io.Copy(io.Discard, peer)
	}()

	s, err := xmppstream.Open(client, "a.example", "b.example", true)
	require.NoError(t, err)
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		OutConnReuse: true,
		Lookup: config.LookupConfig{
			MinTTL:         time.Minute,
			MaxTTL:         time.Hour,
			BadHostTimeout: time.Minute,
		},
		Check: config.CheckConfig{
			Interval:  time.Hour,
			Queue:     time.Hour,
			Keepalive: time.Hour,
			Idle:      time.Hour,
			DNSCache:  time.Hour,
		},
	}
}

// newTestLoop builds a Loop with a real (never-run) router link and host
// table, suitable for exercising handler methods directly without Run.
func newTestLoop(t *testing.T, resolver dnscache.Resolver, dial func(ctx context.Context, network, addr string) (net.Conn, error)) *Loop {
	t.Helper()
	link := routerlink.New(routerlink.Config{RetryInit: 1}, noopDialer, noopWireFactory, slog.Default())
	tbl, err := hosts.Build([]hosts.Entry{{Domain: "a.example", Realm: "a.example"}}, func(string, string) (hosts.Identity, error) {
		return hosts.Identity{}, nil
	})
	require.NoError(t, err)

	if dial == nil {
		dial = noopDialer
	}

	return New(Deps{
		Cfg:      testConfig(),
		Hosts:    tbl,
		Resolver: resolver,
		Router:   link,
		Log:      slog.Default(),
		Secret:   "test-secret",
		Dial:     dial,
	}, time.Now)
}

func noopDialer(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, fmt.Errorf("dial not expected in this test")
}

func noopWireFactory(conn net.Conn) routerlink.Wire { return nil }

// fakeResolver is a dnscache.Resolver test double whose outcome is fixed
// or computed per call.
type fakeResolver struct {
	outcome dnscache.Outcome
	fn      func(ctx context.Context, name string) dnscache.Outcome
}

func (f *fakeResolver) Lookup(ctx context.Context, name string) dnscache.Outcome {
	if f.fn != nil {
		return f.fn(ctx, name)
	}
	return f.outcome
}
