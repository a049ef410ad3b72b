// Command s2s is the connector's entrypoint: it loads the jabberd2-style
// XML configuration, wires every component internal/core owns, and runs
// the event loop until an interrupt or a fatal condition shuts it down.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coldwire/s2s/internal/api"
	"github.com/coldwire/s2s/internal/api/handlers"
	"github.com/coldwire/s2s/internal/config"
	"github.com/coldwire/s2s/internal/core"
	"github.com/coldwire/s2s/internal/dialback"
	"github.com/coldwire/s2s/internal/dnscache"
	"github.com/coldwire/s2s/internal/hosts"
	"github.com/coldwire/s2s/internal/logging"
	"github.com/coldwire/s2s/internal/routerlink"
	"github.com/coldwire/s2s/internal/stanza"
	"github.com/coldwire/s2s/internal/stats"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on a clean shutdown, 1 on a
// runtime failure, 2 on a usage/configuration error.
func run() int {
	var (
		configPath = flag.String("c", "/etc/s2s/s2s.xml", "path to s2s.xml")
		pidFile    = flag.String("pidfile", "", "write the process id to this file")
		daemonize  = flag.Bool("D", false, "log a startup banner and keep running in the foreground")
		help       = flag.Bool("h", false, "show usage")
	)
	flag.BoolVar(help, "?", false, "show usage")
	flag.Parse()

	if *help {
		flag.Usage()
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "s2s: config error: %v\n", err)
		return 2
	}

	logger, err := logging.Configure(logging.Config{
		Type:     cfg.Log.Type,
		File:     cfg.Log.File,
		Ident:    cfg.Log.Ident,
		Facility: cfg.Log.Facility,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "s2s: logging error: %v\n", err)
		return 2
	}

	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			logger.Error("failed to write pidfile", "path", *pidFile, "err", err)
			return 1
		}
		defer os.Remove(*pidFile)
	}

	if *daemonize {
		logger.Info("s2s starting", "config", *configPath, "pid", os.Getpid())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go watchHangup(ctx, logger)

	hostTable, err := hosts.Build(hostEntries(cfg), loadIdentity)
	if err != nil {
		logger.Error("failed to build host table", "err", err)
		return 2
	}

	secret := cfg.Local.Secret
	if secret == "" {
		secret, err = dialback.NewSecret()
		if err != nil {
			logger.Error("failed to generate dialback secret", "err", err)
			return 1
		}
	}

	resolver := dnscache.NewDNSResolver(nil, cfg.Lookup.SRVPrefixes, cfg.Lookup.ResolveIPv6)

	outboundDial := (&net.Dialer{}).DialContext
	if origin := net.ParseIP(cfg.Local.Origin); origin != nil {
		outboundDial = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: origin}}).DialContext
	}

	link := routerlink.New(routerlink.Config{
		IP:         cfg.Router.IP,
		Port:       cfg.Router.Port,
		User:       cfg.Router.User,
		Pass:       cfg.Router.Pass,
		RetryInit:  cfg.Router.RetryInit,
		RetryLost:  cfg.Router.RetryLost,
		RetrySleep: cfg.Router.RetrySleep,
	}, (&net.Dialer{}).DialContext, newComponentWire, logger.Logger)

	loop := core.New(core.Deps{
		Cfg:      cfg,
		Hosts:    hostTable,
		Resolver: resolver,
		Router:   link,
		Log:      logger.Logger,
		Secret:   secret,
		Dial:     outboundDial,
	}, time.Now)

	ln, err := listenTCPReusePort(ctx, net.JoinHostPort(cfg.Local.IP, portString(cfg.Local.Port)))
	if err != nil {
		logger.Error("failed to bind listener", "addr", cfg.Local.IP, "port", cfg.Local.Port, "err", err)
		return 1
	}

	statsWriter := stats.NewWriter(cfg.StatsPacket, loop.Stats(), cfg.Check.Interval)
	statsStop := make(chan struct{})
	fatal := make(chan error, 1)
	if cfg.StatsPacket != "" {
		go statsWriter.Run(statsStop, func(err error) { fatal <- err })
	}

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg, logger.Logger, handlers.SnapshotFunc(loop.Snapshot))
		go func() {
			logger.Info("admin API listening", "addr", apiSrv.Addr())
			if err := apiSrv.ListenAndServe(); err != nil {
				logger.Warn("admin API stopped", "err", err)
			}
		}()
	}

	linkErr := make(chan error, 1)
	go func() { linkErr <- link.Run(ctx) }()

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
	case err := <-linkErr:
		logger.Error("router link exited", "err", err)
		cancel()
	case err := <-loopErr:
		logger.Error("event loop exited", "err", err)
		cancel()
	case err := <-fatal:
		logger.Error("packet-statistics writer failed, shutting down", "err", err)
		cancel()
	}

	close(statsStop)
	ln.Close()
	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	<-loopErr
	logger.Info("s2s stopped")
	return 0
}

// watchHangup reopens the log sink on SIGHUP, the conventional rotation
// signal for a file-logging daemon.
func watchHangup(ctx context.Context, logger *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := logger.Reopen(); err != nil {
				logger.Error("log reopen failed", "err", err)
			}
		}
	}
}

func hostEntries(cfg *config.Config) []hosts.Entry {
	entries := make([]hosts.Entry, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		e := hosts.Entry{
			Domain:     h.Domain,
			Realm:      h.Realm,
			CertFile:   h.Pemfile,
			CAFile:     h.Cachain,
			VerifyMode: h.VerifyMode,
		}
		if e.CertFile == "" {
			e.CertFile = cfg.Local.Pemfile
		}
		if e.CAFile == "" {
			e.CAFile = cfg.Local.Cachain
		}
		if e.VerifyMode == "" {
			e.VerifyMode = cfg.Local.VerifyMode
		}
		entries = append(entries, e)
	}
	return entries
}

// loadIdentity loads a host's TLS certificate and, if present, the CA
// chain it verifies peers against.
func loadIdentity(certFile, caFile string) (hosts.Identity, error) {
	if certFile == "" {
		return hosts.Identity{}, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, certFile)
	if err != nil {
		return hosts.Identity{}, fmt.Errorf("load cert %s: %w", certFile, err)
	}
	id := hosts.Identity{Cert: cert}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return hosts.Identity{}, fmt.Errorf("load ca chain %s: %w", caFile, err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(pem)
		id.ClientCAs = &tls.Config{RootCAs: pool, ClientCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return id, nil
}

func portString(p int) string {
	return fmt.Sprintf("%d", p)
}

// listenTCPReusePort binds the s2s listener with SO_REUSEPORT so a rolling
// restart can bind the new process before the old one releases the port.
func listenTCPReusePort(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

// newComponentWire is the routerlink.WireFactory production wiring:
// SASL PLAIN authentication then stanza framing over the raw TCP
// connection to the router component.
func newComponentWire(conn net.Conn) routerlink.Wire {
	return &componentWire{conn: conn, dec: xml.NewDecoder(bufio.NewReader(conn))}
}

// componentWire is a minimal jabberd2 component-protocol client: a
// stream header, a PLAIN-over-base64 handshake, then raw stanza framing.
// It intentionally does not reuse internal/xmppstream's server-to-server
// framing, since the component protocol's handshake step differs from
// peer dialback.
type componentWire struct {
	conn net.Conn
	dec  *xml.Decoder
}

func (w *componentWire) Authenticate(user, pass string) error {
	_, err := fmt.Fprintf(w.conn, "<stream:stream xmlns='jabber:component:accept' xmlns:stream='http://etherx.jabber.org/streams' to='%s'>", user)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w.conn, "<handshake>%s</handshake>", routerlink.SASLPlainInitial(user, pass))
	return err
}

// componentStanza captures a top-level element's attributes and inner
// XML verbatim, mirroring internal/xmppstream's rawElement decode shape.
type componentStanza struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	InnerXML []byte     `xml:",innerxml"`
}

func (w *componentWire) ReadStanza(ctx context.Context) (stanza.Stanza, error) {
	type result struct {
		s   stanza.Stanza
		err error
	}
	done := make(chan result, 1)
	go func() {
		for {
			tok, err := w.dec.Token()
			if err != nil {
				done <- result{err: err}
				return
			}
			se, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}
			if se.Name.Local == "handshake" {
				continue
			}
			var raw componentStanza
			if err := w.dec.DecodeElement(&raw, &se); err != nil {
				done <- result{err: err}
				return
			}
			s := stanza.Stanza{Kind: stanza.Kind(raw.XMLName.Local), Body: raw.InnerXML}
			for _, a := range raw.Attrs {
				switch a.Name.Local {
				case "from":
					s.From = a.Value
				case "to":
					s.To = a.Value
				case "id":
					s.ID = a.Value
				case "type":
					s.Type = a.Value
				}
			}
			done <- result{s: s}
			return
		}
	}()
	select {
	case <-ctx.Done():
		return stanza.Stanza{}, ctx.Err()
	case r := <-done:
		return r.s, r.err
	}
}

func (w *componentWire) WriteStanza(s stanza.Stanza) error {
	_, err := w.conn.Write(s.Encode())
	return err
}

func (w *componentWire) Close() error {
	return w.conn.Close()
}
