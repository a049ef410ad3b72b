// Package routerlink is the router link: the connector's single
// persistent, SASL-authenticated control connection to the local jabberd2
// router component, with a bounded/unbounded reconnect-budget loop. The
// reconnect bookkeeping here tracks last-attempt outcome and a retry
// schedule the same way a cluster membership syncer does.
package routerlink

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/coldwire/s2s/internal/stanza"
)

// Config carries the router connection parameters pulled from
// `router.*` config options.
type Config struct {
	IP   string
	Port int
	User string
	Pass string

	RetryInit  int // initial retry budget; negative means unlimited
	RetryLost  int // budget restored to after the first successful connect
	RetrySleep time.Duration
}

// Dialer opens the transport to the router; production code passes
// net.Dialer.DialContext, tests pass a fake.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Wire is the minimal framing the router link speaks once SASL
// authentication succeeds: reading/writing stanzas over the already-open
// component stream. Production code backs this with cmd/s2s's
// componentWire; it is abstracted here so reconnect logic is testable without sockets.
type Wire interface {
	Authenticate(user, pass string) error
	ReadStanza(ctx context.Context) (stanza.Stanza, error)
	WriteStanza(s stanza.Stanza) error
	Close() error
}

// WireFactory opens a Wire over an already-dialed connection.
type WireFactory func(conn net.Conn) Wire

// Link owns the connection lifecycle and the inbound/outbound stanza
// channels the core event loop drains.
type Link struct {
	cfg     Config
	dial    Dialer
	newWire WireFactory
	log     *slog.Logger

	Inbound  chan stanza.Stanza
	outbound chan stanza.Stanza

	retryLeft int
	lost      bool

	connected int32 // atomic bool, readable from any goroutine via Status
	retryGauge int32
}

// Status reports the link's current connectedness and remaining retry
// budget, safe to call from any goroutine (e.g. the admin API) while Run
// drives the connection on its own.
func (l *Link) Status() (connected bool, retryLeft int) {
	return atomic.LoadInt32(&l.connected) != 0, int(atomic.LoadInt32(&l.retryGauge))
}

// New constructs a router link. Call Run to start the connect/retry loop;
// it returns when the retry budget is exhausted and the caller should
// initiate shutdown.
func New(cfg Config, dial Dialer, newWire WireFactory, log *slog.Logger) *Link {
	return &Link{
		cfg:       cfg,
		dial:      dial,
		newWire:   newWire,
		log:       log,
		Inbound:   make(chan stanza.Stanza, 256),
		outbound:  make(chan stanza.Stanza, 256),
		retryLeft: cfg.RetryInit,
	}
}

// Send queues a stanza for delivery to the router. Safe to call from the
// core loop goroutine only — this channel has exactly one writer side by
// contract, matching the single-threaded actor model.
func (l *Link) Send(s stanza.Stanza) {
	l.outbound <- s
}

// Run drives the connect/authenticate/pump/reconnect loop until the
// retry budget is exhausted or ctx is cancelled:
//
//	retry_left > 0: decrement, sleep retry_sleep, reconnect
//	retry_left == 0: stop (caller should shut the process down)
//	retry_left < 0: reconnect indefinitely, no decrement
//
// After the first successful connect, the budget is replenished to
// RetryLost so a connection that runs a long time before dropping gets a
// fresh retry allowance.
func (l *Link) Run(ctx context.Context) error {
	connectedOnce := false
	for {
		wire, err := l.connect(ctx)
		if err != nil {
			if !l.consumeRetry(ctx) {
				return fmt.Errorf("routerlink: retry budget exhausted: %w", err)
			}
			continue
		}

		if !connectedOnce {
			l.retryLeft = l.cfg.RetryLost
		}
		connectedOnce = true
		l.lost = false
		atomic.StoreInt32(&l.connected, 1)
		atomic.StoreInt32(&l.retryGauge, int32(l.retryLeft))

		l.pump(ctx, wire)
		wire.Close()
		atomic.StoreInt32(&l.connected, 0)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !l.consumeRetry(ctx) {
			return fmt.Errorf("routerlink: retry budget exhausted after connection loss")
		}
	}
}

func (l *Link) connect(ctx context.Context) (Wire, error) {
	addr := net.JoinHostPort(l.cfg.IP, portString(l.cfg.Port))
	conn, err := l.dial(ctx, "tcp", addr)
	if err != nil {
		l.lost = true
		return nil, err
	}
	wire := l.newWire(conn)
	if err := wire.Authenticate(l.cfg.User, l.cfg.Pass); err != nil {
		conn.Close()
		return nil, err
	}
	l.log.Info("router link established", "addr", addr)
	return wire, nil
}

// consumeRetry applies the retry-budget policy and sleeps retry_sleep
// before the next attempt; it returns false when the budget is
// exhausted and the caller should give up.
func (l *Link) consumeRetry(ctx context.Context) bool {
	if l.retryLeft == 0 {
		return false
	}
	if l.retryLeft > 0 {
		l.retryLeft--
	}
	atomic.StoreInt32(&l.retryGauge, int32(l.retryLeft))
	l.log.Warn("router link retrying", "retry_left", l.retryLeft, "sleep", l.cfg.RetrySleep)
	select {
	case <-time.After(l.cfg.RetrySleep):
		return true
	case <-ctx.Done():
		return false
	}
}

// pump reads stanzas from the wire into Inbound and writes queued
// Outbound stanzas to the wire, until either direction errors or ctx is
// cancelled.
func (l *Link) pump(ctx context.Context, wire Wire) {
	readErr := make(chan error, 1)
	go func() {
		for {
			s, err := wire.ReadStanza(ctx)
			if err != nil {
				readErr <- err
				return
			}
			l.Inbound <- s
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			l.log.Warn("router link read failed", "err", err)
			return
		case s := <-l.outbound:
			if err := wire.WriteStanza(s); err != nil {
				l.log.Warn("router link write failed", "err", err)
				return
			}
		}
	}
}

func portString(p int) string {
	return fmt.Sprintf("%d", p)
}

// SASLPlainInitial builds the SASL PLAIN initial response:
// "\0authzid-less-authcid\0password", base64-encoded, per jabberd2's
// component authentication handshake. WireFactory implementations call
// this to build the <handshake> body Authenticate sends.
func SASLPlainInitial(user, pass string) string {
	raw := "\x00" + user + "\x00" + pass
	return base64.StdEncoding.EncodeToString([]byte(raw))
}
