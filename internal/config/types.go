// Package config loads the connector's configuration from a jabberd2-style
// XML document into a typed, validated Config: a raw decode step followed
// by per-section load functions and a normalizeConfig validation pass.
package config

import "time"

// rawDoc is the literal shape of the jabberd2-style `<s2s>` document,
// decoded with encoding/xml before being projected into Config.
type rawDoc struct {
	ID     string `xml:"id"`
	Router struct {
		IP      string `xml:"ip"`
		Port    int    `xml:"port"`
		User    string `xml:"user"`
		Pass    string `xml:"pass"`
		Pemfile string `xml:"pemfile"`
		Retry   struct {
			Init  int `xml:"init"`
			Lost  int `xml:"lost"`
			Sleep int `xml:"sleep"`
		} `xml:"retry"`
		NonDefault *struct{} `xml:"non-default"`
	} `xml:"router"`
	Log struct {
		Type    string `xml:"type,attr"`
		Facility string `xml:"facility"`
		Ident   string `xml:"ident"`
		File    string `xml:"file"`
	} `xml:"log"`
	Stats struct {
		Packet string `xml:"packet"`
	} `xml:"stats"`
	Local struct {
		IP         string `xml:"ip"`
		Origin     string `xml:"origin"`
		Port       int    `xml:"port"`
		Secret     string `xml:"secret"`
		Pemfile    string `xml:"pemfile"`
		Cachain    string `xml:"cachain"`
		VerifyMode string `xml:"verify-mode"`
		ID         []rawHostEntry `xml:"id"`
	} `xml:"local"`
	IO struct {
		MaxFDs int `xml:"max_fds"`
		Limits struct {
			StanzaSize int `xml:"stanzasize"`
		} `xml:"limits"`
	} `xml:"io"`
	Check struct {
		Interval  int `xml:"interval"`
		Queue     int `xml:"queue"`
		Keepalive int `xml:"keepalive"`
		Idle      int `xml:"idle"`
		DNSCache  int `xml:"dnscache"`
		Retry     int `xml:"retry"`
	} `xml:"check"`
	Lookup struct {
		SRV           []string  `xml:"srv"`
		ResolveIPv6   *struct{} `xml:"resolve-ipv6"`
		NoCache       *struct{} `xml:"no-cache"`
		BadHostTimeout int      `xml:"bad-host-timeout"`
		MinTTL        int       `xml:"min-ttl"`
		MaxTTL        int       `xml:"max-ttl"`
	} `xml:"lookup"`
	OutConnReuse *struct{} `xml:"out-conn-reuse"`
	API struct {
		Enabled string `xml:"enabled,attr"`
		Host    string `xml:"host"`
		Port    int    `xml:"port"`
		Key     string `xml:"key"`
	} `xml:"api"`
}

type rawHostEntry struct {
	Realm      string `xml:"realm,attr"`
	Domain     string `xml:",chardata"`
	Pemfile    string `xml:"pemfile,attr"`
	Cachain    string `xml:"cachain,attr"`
	VerifyMode string `xml:"verify-mode,attr"`
}

// RouterConfig is the `router.*` section.
type RouterConfig struct {
	IP         string
	Port       int
	User       string
	Pass       string
	Pemfile    string
	RetryInit  int
	RetryLost  int
	RetrySleep time.Duration
	NonDefault bool
}

// LogConfig is the `log[@type]`/`log.*` section.
type LogConfig struct {
	Type     string // "file", "syslog", or "stdout"
	Facility string
	Ident    string
	File     string
}

// LocalConfig is the top-level `local.*` section (the implicit default
// host plus shared listener settings).
type LocalConfig struct {
	IP         string
	Origin     string // outbound connections bind here when set; falls back to IP
	Port       int
	Secret     string
	Pemfile    string
	Cachain    string
	VerifyMode string
}

// HostEntry is one `local.id` repeating entry, overriding realm and/or
// TLS identity for a specific virtual host domain.
type HostEntry struct {
	Domain     string
	Realm      string
	Pemfile    string
	Cachain    string
	VerifyMode string
}

// IOConfig is the `io.*` section.
type IOConfig struct {
	MaxFDs         int
	MaxStanzaBytes int
}

// CheckConfig is the `check.*` sweep-interval section, projected into
// time.Duration for direct use by internal/sweep.
type CheckConfig struct {
	Interval  time.Duration
	Queue     time.Duration
	Keepalive time.Duration
	Idle      time.Duration
	DNSCache  time.Duration
	Retry     time.Duration
}

// LookupConfig is the `lookup.*` DNS resolution section.
type LookupConfig struct {
	SRVPrefixes    []string
	ResolveIPv6    bool
	NoCache        bool
	BadHostTimeout time.Duration
	MinTTL         time.Duration
	MaxTTL         time.Duration
}

// APIConfig is the `api.*` section controlling the optional read-only
// admin/debug HTTP surface. Not part of jabberd2's original schema; an
// ambient-stack addition, disabled by default.
type APIConfig struct {
	Enabled bool
	Host    string
	Port    int
	Key     string
}

// Config is the fully loaded, validated, typed configuration.
type Config struct {
	ID           string
	Router       RouterConfig
	Log          LogConfig
	StatsPacket  string
	Local        LocalConfig
	Hosts        []HostEntry
	IO           IOConfig
	Check        CheckConfig
	Lookup       LookupConfig
	OutConnReuse bool
	API          APIConfig
}
