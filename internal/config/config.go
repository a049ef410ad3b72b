package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// defaults mirror jabberd2's compiled-in fallbacks for options a config
// file may omit.
const (
	defaultRouterPort       = 5347
	defaultRouterRetryInit  = 3
	defaultRouterRetryLost  = 3
	defaultRouterRetrySleep = 2
	defaultLocalPort        = 5269
	defaultCheckInterval    = 60
	defaultCheckQueue       = 60
	defaultCheckKeepalive   = 0
	defaultCheckIdle        = 86400
	defaultCheckDNSCache    = 600
	defaultCheckRetry       = 900
	defaultMinTTL           = 30
	defaultMaxTTL           = 3600
	defaultBadHostTimeout   = 60
	defaultMaxStanzaBytes   = 65535
)

// Load reads and parses the XML config file at path into a validated
// Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes r as the XML config document and projects it into a
// validated Config. Exposed separately from Load so tests can parse an
// in-memory document without touching the filesystem.
func Parse(r io.Reader) (*Config, error) {
	var raw rawDoc
	if err := xml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg := &Config{ID: raw.ID}
	loadRouterConfig(&raw, cfg)
	loadLogConfig(&raw, cfg)
	cfg.StatsPacket = raw.Stats.Packet
	loadLocalConfig(&raw, cfg)
	loadHosts(&raw, cfg)
	loadIOConfig(&raw, cfg)
	loadCheckConfig(&raw, cfg)
	loadLookupConfig(&raw, cfg)
	cfg.OutConnReuse = raw.OutConnReuse != nil
	loadAPIConfig(&raw, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRouterConfig(raw *rawDoc, cfg *Config) {
	cfg.Router = RouterConfig{
		IP:         raw.Router.IP,
		Port:       raw.Router.Port,
		User:       raw.Router.User,
		Pass:       raw.Router.Pass,
		Pemfile:    raw.Router.Pemfile,
		RetryInit:  raw.Router.Retry.Init,
		RetryLost:  raw.Router.Retry.Lost,
		RetrySleep: time.Duration(raw.Router.Retry.Sleep) * time.Second,
		NonDefault: raw.Router.NonDefault != nil,
	}
}

func loadLogConfig(raw *rawDoc, cfg *Config) {
	cfg.Log = LogConfig{
		Type:     raw.Log.Type,
		Facility: raw.Log.Facility,
		Ident:    raw.Log.Ident,
		File:     raw.Log.File,
	}
}

func loadLocalConfig(raw *rawDoc, cfg *Config) {
	origin := raw.Local.Origin
	if origin == "" {
		origin = raw.Local.IP
	}
	cfg.Local = LocalConfig{
		IP:         raw.Local.IP,
		Origin:     origin,
		Port:       raw.Local.Port,
		Secret:     raw.Local.Secret,
		Pemfile:    raw.Local.Pemfile,
		Cachain:    raw.Local.Cachain,
		VerifyMode: raw.Local.VerifyMode,
	}
}

func loadHosts(raw *rawDoc, cfg *Config) {
	cfg.Hosts = make([]HostEntry, 0, len(raw.Local.ID))
	for _, e := range raw.Local.ID {
		cfg.Hosts = append(cfg.Hosts, HostEntry{
			Domain:     e.Domain,
			Realm:      e.Realm,
			Pemfile:    e.Pemfile,
			Cachain:    e.Cachain,
			VerifyMode: e.VerifyMode,
		})
	}
}

func loadIOConfig(raw *rawDoc, cfg *Config) {
	cfg.IO = IOConfig{
		MaxFDs:         raw.IO.MaxFDs,
		MaxStanzaBytes: raw.IO.Limits.StanzaSize,
	}
}

func loadCheckConfig(raw *rawDoc, cfg *Config) {
	cfg.Check = CheckConfig{
		Interval:  time.Duration(raw.Check.Interval) * time.Second,
		Queue:     time.Duration(raw.Check.Queue) * time.Second,
		Keepalive: time.Duration(raw.Check.Keepalive) * time.Second,
		Idle:      time.Duration(raw.Check.Idle) * time.Second,
		DNSCache:  time.Duration(raw.Check.DNSCache) * time.Second,
		Retry:     time.Duration(raw.Check.Retry) * time.Second,
	}
}

func loadLookupConfig(raw *rawDoc, cfg *Config) {
	cfg.Lookup = LookupConfig{
		SRVPrefixes:    raw.Lookup.SRV,
		ResolveIPv6:    raw.Lookup.ResolveIPv6 != nil,
		NoCache:        raw.Lookup.NoCache != nil,
		BadHostTimeout: time.Duration(raw.Lookup.BadHostTimeout) * time.Second,
		MinTTL:         time.Duration(raw.Lookup.MinTTL) * time.Second,
		MaxTTL:         time.Duration(raw.Lookup.MaxTTL) * time.Second,
	}
}

func loadAPIConfig(raw *rawDoc, cfg *Config) {
	cfg.API = APIConfig{
		Enabled: raw.API.Enabled == "true" || raw.API.Enabled == "1",
		Host:    raw.API.Host,
		Port:    raw.API.Port,
		Key:     raw.API.Key,
	}
}

// normalizeConfig fills compiled-in defaults for zero-valued options and
// rejects configurations that cannot run.
func normalizeConfig(cfg *Config) error {
	if cfg.ID == "" {
		return errors.New("config: id is required")
	}
	if cfg.Router.IP == "" {
		return errors.New("config: router.ip is required")
	}
	if cfg.Router.Port == 0 {
		cfg.Router.Port = defaultRouterPort
	}
	if cfg.Router.RetryInit == 0 {
		cfg.Router.RetryInit = defaultRouterRetryInit
	}
	if cfg.Router.RetryLost == 0 {
		cfg.Router.RetryLost = defaultRouterRetryLost
	}
	if cfg.Router.RetrySleep == 0 {
		cfg.Router.RetrySleep = defaultRouterRetrySleep * time.Second
	}

	if cfg.Log.Type == "" {
		cfg.Log.Type = "stdout"
	}
	switch cfg.Log.Type {
	case "file", "syslog", "stdout":
	default:
		return fmt.Errorf("config: log@type must be file, syslog, or stdout, got %q", cfg.Log.Type)
	}
	if cfg.Log.Type == "file" && cfg.Log.File == "" {
		return errors.New("config: log.file is required when log@type='file'")
	}

	if cfg.Local.Port == 0 {
		cfg.Local.Port = defaultLocalPort
	}
	if len(cfg.Hosts) == 0 {
		return errors.New("config: at least one local.id host entry is required")
	}

	if cfg.Check.Interval == 0 {
		cfg.Check.Interval = defaultCheckInterval * time.Second
	}
	if cfg.Check.Queue == 0 {
		cfg.Check.Queue = defaultCheckQueue * time.Second
	}
	if cfg.Check.Idle == 0 {
		cfg.Check.Idle = defaultCheckIdle * time.Second
	}
	if cfg.Check.DNSCache == 0 {
		cfg.Check.DNSCache = defaultCheckDNSCache * time.Second
	}
	if cfg.Check.Retry == 0 {
		cfg.Check.Retry = defaultCheckRetry * time.Second
	}
	// check.keepalive defaults to 0 (disabled), unlike the others.

	if cfg.Lookup.MinTTL == 0 {
		cfg.Lookup.MinTTL = defaultMinTTL * time.Second
	}
	if cfg.Lookup.MaxTTL == 0 {
		cfg.Lookup.MaxTTL = defaultMaxTTL * time.Second
	}
	if cfg.Lookup.MaxTTL < cfg.Lookup.MinTTL {
		return errors.New("config: lookup.max-ttl must be >= lookup.min-ttl")
	}
	if cfg.Lookup.BadHostTimeout == 0 {
		cfg.Lookup.BadHostTimeout = defaultBadHostTimeout * time.Second
	}
	if len(cfg.Lookup.SRVPrefixes) == 0 {
		cfg.Lookup.SRVPrefixes = []string{"_xmpp-server._tcp"}
	}

	if cfg.IO.MaxStanzaBytes == 0 {
		cfg.IO.MaxStanzaBytes = defaultMaxStanzaBytes
	}

	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("config: api.port must be 1..65535 when api is enabled")
		}
	}

	return nil
}
