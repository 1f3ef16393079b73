package config

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/mjl-/mailet/dns"
)

// Static is the parsed form of the mailet.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the spool, the user/mailbox database and the mapping database. If this is a relative path, it is relative to the directory of mailet.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. processor, hook, mapping, store, tokenauth, dnsbl)."`
	Workers          int               `sconf:"optional" sconf-doc:"Number of mails processed concurrently from the spool. Default 4."`
	ErrorProcessor   string            `sconf:"optional" sconf-doc:"Processor that mails are moved to when a stage fails. Default: error."`
	MaxJumps         int               `sconf:"optional" sconf-doc:"Maximum number of times a mail can enter a processor before it is considered to be looping and moved to the error processor. Default 100."`
	Processors       []Processor       `sconf-doc:"Processors with their stages. Mails start in processor root. Each stage has a matcher that selects recipients, and a mailet that acts on the mail for those recipients. A mailet can move a mail to another processor, processing continues at its first stage. Processors root and error (or the configured ErrorProcessor) must be present."`
	SMTP             SMTP              `sconf:"optional" sconf-doc:"Checks during SMTP transactions, executed as hooks for SMTP commands."`
	Auth             Auth              `sconf:"optional" sconf-doc:"Token-based authentication for HTTP clients."`
	HTTP             HTTP              `sconf:"optional" sconf-doc:"HTTP listeners for the admin API, authentication endpoint and metrics."`

	// Parsed forms.
	Log map[string]slog.Level `sconf:"-" json:"-"`
}

// Processor is a named list of stages.
type Processor struct {
	Name      string  `sconf-doc:"Name of the processor, referenced by ToProcessor mailets. Cannot be ghost."`
	LoopGuard string  `sconf:"optional" sconf-doc:"Processor to move mails to that reach the end of the stages. If empty, mails are ghosted, i.e. processing stops. Always logged."`
	Stages    []Stage `sconf-doc:"Stages, in order of execution."`
}

// Stage is a matcher and the mailet that is applied to matched recipients.
type Stage struct {
	Matcher          string            `sconf-doc:"Name of the matcher, e.g. All, RecipientIs, HostIs, SenderIs, SenderIsNull, HasAttribute, HeaderContains, RemoteAddrInNetwork, InDNSBL, RecipientIsLocal."`
	Condition        string            `sconf:"optional" sconf-doc:"Condition for the matcher, e.g. a comma-separated list of addresses for RecipientIs."`
	Mailet           string            `sconf-doc:"Name of the mailet, e.g. Null, Ghost, ToProcessor, SetAttribute, RemoveAttribute, RemoveAllAttributes, LogMessage, AddHeader, RecipientRewrite, LocalDelivery."`
	Params           map[string]string `sconf:"optional" sconf-doc:"Parameters for the mailet."`
	OnMatchException string            `sconf:"optional" sconf-doc:"What to do when the matcher fails, e.g. due to a DNS error: error moves the mail to the error processor, the name of a processor moves the mail to that processor, nomatch or empty treats the failure as no match."`
	Parallel         int               `sconf:"optional" sconf-doc:"If larger than 1, matched recipients are split into at most this many groups, and the mailet runs for all groups concurrently."`
}

// SMTP configures hooks for SMTP commands.
type SMTP struct {
	Hooks               Hooks    `sconf:"optional" sconf-doc:"Hooks to run for SMTP commands, in order. A hook can accept or reject a command, or decline to decide, leaving the decision to the next hook."`
	ResultHooks         []string `sconf:"optional" sconf-doc:"Hooks that can change the result of each command hook, e.g. DenyRate."`
	HookErrorResult     string   `sconf:"optional" sconf-doc:"Result of a hook that fails with an error, one of: denysoft, deny. Default denysoft."`
	DNSBLs              []string `sconf:"optional" sconf-doc:"DNS block lists for the DNSBL hook, e.g. sbl.spamhaus.org, bl.spamcop.net."`
	DNSBLAllow          []string `sconf:"optional" sconf-doc:"DNS allow lists for the DNSBL hook. IPs listed are never checked against the block lists."`
	DNSBLDetail         bool     `sconf:"optional" sconf-doc:"Look up the TXT record of a listing in a block list, and include it in the rejection."`
	AuthorizedNetworks  []string `sconf:"optional" sconf-doc:"IP networks in CIDR notation that are allowed to relay mail to non-local domains without authentication. If empty, and AuthRequired is false, only loopback IPs are authorized. For an open relay, 0.0.0.0/0 and ::/0 must be configured explicitly."`
	AuthRequired        bool     `sconf:"optional" sconf-doc:"Require authentication for relaying to non-local domains from all IPs, including AuthorizedNetworks."`
	MaxConnectionsPerIP int      `sconf:"optional" sconf-doc:"Maximum number of concurrent connections per remote IP. Zero means unlimited."`
	DenyRate            DenyRate `sconf:"optional" sconf-doc:"Limits on rejected commands per remote IP, for the DenyRate result hook."`

	DNSBLZones         []dns.Domain   `sconf:"-"`
	DNSBLAllowZones    []dns.Domain   `sconf:"-"`
	AuthorizedPrefixes []netip.Prefix `sconf:"-"`
}

// Hooks are the names of built-in hooks per SMTP command.
type Hooks struct {
	Connect []string `sconf:"optional" sconf-doc:"Hooks for new connections, e.g. DNSBL."`
	Helo    []string `sconf:"optional" sconf-doc:"Hooks for HELO/EHLO."`
	Mail    []string `sconf:"optional" sconf-doc:"Hooks for MAIL FROM."`
	Rcpt    []string `sconf:"optional" sconf-doc:"Hooks for RCPT TO, e.g. DNSBL, Relay."`
	Message []string `sconf:"optional" sconf-doc:"Hooks for the message after DATA."`
}

// DenyRate limits rejected commands per IP.
type DenyRate struct {
	PerMinute int `sconf:"optional" sconf-doc:"Maximum rejected commands per minute for a single IP. Default 20."`
	PerHour   int `sconf:"optional" sconf-doc:"Maximum rejected commands per hour for a single IP. Default 100."`
}

// Auth configures continuation and access tokens.
type Auth struct {
	SigningKeyFile            string        `sconf:"optional" sconf-doc:"File with the ed25519 private key, in PEM format, used to sign continuation tokens. Generated if it does not exist. Default: signing.key in the data directory. Relative paths are relative to the directory of mailet.conf."`
	ContinuationTokenLifetime time.Duration `sconf:"optional" sconf-doc:"Period a continuation token is valid after it was issued. Default 15m."`
	AccessTokenLifetime       time.Duration `sconf:"optional" sconf-doc:"Period an access token is valid, until revoked. Default 720h."`
	FailedAuthPerMinute       int           `sconf:"optional" sconf-doc:"Maximum failed authentication attempts per minute for a single IP. Default 10."`
}

// HTTP listeners. Empty addresses disable the listener.
type HTTP struct {
	AdminAddress   string `sconf:"optional" sconf-doc:"Address to serve the admin API on, under /admin/api/, e.g. 127.0.0.1:1080. Unauthenticated, so should only be reachable for administrators."`
	AuthAddress    string `sconf:"optional" sconf-doc:"Address to serve the /authentication endpoint on, e.g. 0.0.0.0:1081."`
	MetricsAddress string `sconf:"optional" sconf-doc:"Address to serve prometheus /metrics on, e.g. 127.0.0.1:1082."`
}
