// Package mailetd has the process-global state of a mailet instance: the
// loaded configuration, connection ids and the shutdown contexts.
package mailetd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mailet/config"
	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/hook"
	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/mailet"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/processor"
	"github.com/mjl-/mailet/smtp"
)

var pkglog = mlog.New("mailetd", nil)

// ErrConfig wraps all errors about the configuration file.
var ErrConfig = errors.New("config error")

// Defaults for optional configuration fields.
const (
	DefaultWorkers             = 4
	DefaultSigningKeyFile      = "signing.key"
	DefaultFailedAuthPerMinute = 10
)

// ConfigStaticPath is the path to mailet.conf, set from the command line.
var ConfigStaticPath string

// Conf is the active configuration, set by LoadConfig.
var Conf config.Static

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig(ctx context.Context) {
	errs := LoadConfig(ctx, pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig parses the config at ConfigStaticPath and makes it active,
// including its log levels.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath)
	if len(errs) > 0 {
		return errs
	}
	mlog.SetConfig(c.Log)
	Conf = c
	return nil
}

// ParseConfig parses and checks the config file at p. The processors and hooks
// are built with placeholders for the stores, so all references are checked
// without opening the data directory. All problems found are returned.
func ParseConfig(ctx context.Context, log mlog.Log, p string) (c config.Static, errs []error) {
	c = config.Static{DataDir: "."}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("MAILETCONF") == "" {
			return c, []error{fmt.Errorf("%w: open config file: %v (hint: use mailet -config ... or set MAILETCONF=...)", ErrConfig, err)}
		}
		return c, []error{fmt.Errorf("%w: open config file: %v", ErrConfig, err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c); err != nil {
		return c, []error{fmt.Errorf("%w: parsing %s%v", ErrConfig, p, err)}
	}

	errs = PrepareStaticConfig(log, p, &c)

	reg := mailet.NewRegistry()
	env := mailet.Env{Log: log.Logger, Resolver: dns.StrictResolver{}, Mappings: checkMappings{}, Local: checkLocal{}}
	if _, err := processor.Build(c.Processors, reg, env, ProcessorOptions(c, log.Logger)); err != nil {
		errs = append(errs, unjoin(err)...)
	}
	hreg := hook.NewRegistry(log.Logger)
	if err := hook.Configure(hreg, c.SMTP, hook.Env{Resolver: dns.StrictResolver{}, Domains: checkLocal{}, Log: log.Logger}); err != nil {
		errs = append(errs, unjoin(err)...)
	}
	return c, errs
}

func unjoin(err error) []error {
	if x, ok := err.(interface{ Unwrap() []error }); ok {
		return x.Unwrap()
	}
	return []error{err}
}

// PrepareStaticConfig checks the static config, sets defaults and fills in
// the parsed forms of fields. Paths are made relative to the directory of
// configFile.
func PrepareStaticConfig(log mlog.Log, configFile string, c *config.Static) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		c.Log = map[string]slog.Level{"": mlog.LevelError}
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	c.DataDir = configDirPath(configFile, c.DataDir)

	if c.Workers < 0 {
		addErrorf("workers must be >= 0, not %d", c.Workers)
	} else if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.ErrorProcessor == "" {
		c.ErrorProcessor = mail.Error
	}
	if c.MaxJumps < 0 {
		addErrorf("max jumps must be >= 0, not %d", c.MaxJumps)
	} else if c.MaxJumps == 0 {
		c.MaxJumps = processor.DefaultMaxJumps
	}

	s := &c.SMTP
	s.DNSBLZones = nil
	for _, zone := range s.DNSBLs {
		d, err := dns.ParseDomain(zone)
		if err != nil {
			addErrorf("parsing dnsbl zone %q: %v", zone, err)
			continue
		}
		s.DNSBLZones = append(s.DNSBLZones, d)
	}
	s.DNSBLAllowZones = nil
	for _, zone := range s.DNSBLAllow {
		d, err := dns.ParseDomain(zone)
		if err != nil {
			addErrorf("parsing dnsbl allow zone %q: %v", zone, err)
			continue
		}
		s.DNSBLAllowZones = append(s.DNSBLAllowZones, d)
	}
	s.AuthorizedPrefixes = nil
	for _, n := range s.AuthorizedNetworks {
		p, err := mailet.ParsePrefix(n)
		if err != nil {
			addErrorf("parsing authorized network %q: %v", n, err)
			continue
		}
		s.AuthorizedPrefixes = append(s.AuthorizedPrefixes, p)
	}
	if s.MaxConnectionsPerIP < 0 {
		addErrorf("max connections per ip must be >= 0, not %d", s.MaxConnectionsPerIP)
	}
	if s.DenyRate.PerMinute < 0 || s.DenyRate.PerHour < 0 {
		addErrorf("deny rate limits must be >= 0")
	}
	if w := RelayWarning(*c); w != "" {
		log.Info(w)
	}

	a := &c.Auth
	if a.SigningKeyFile == "" {
		a.SigningKeyFile = filepath.Join(c.DataDir, DefaultSigningKeyFile)
	} else {
		a.SigningKeyFile = configDirPath(configFile, a.SigningKeyFile)
	}
	if a.ContinuationTokenLifetime < 0 || a.AccessTokenLifetime < 0 {
		addErrorf("token lifetimes must be >= 0")
	}
	if a.FailedAuthPerMinute < 0 {
		addErrorf("failed auth per minute must be >= 0, not %d", a.FailedAuthPerMinute)
	} else if a.FailedAuthPerMinute == 0 {
		a.FailedAuthPerMinute = DefaultFailedAuthPerMinute
	}

	addrs := map[string]string{}
	for _, x := range []struct{ kind, addr string }{{"admin", c.HTTP.AdminAddress}, {"auth", c.HTTP.AuthAddress}, {"metrics", c.HTTP.MetricsAddress}} {
		if x.addr == "" {
			continue
		}
		if other, ok := addrs[x.addr]; ok {
			addErrorf("http %s and %s listeners have same address %s", other, x.kind, x.addr)
		}
		addrs[x.addr] = x.kind
	}

	return errs
}

// RelayWarning returns a warning if relaying is only allowed from loopback
// because neither authorized networks nor required authentication are
// configured. Earlier versions allowed relaying from any IP in that case.
func RelayWarning(c config.Static) string {
	if c.SMTP.AuthRequired || len(c.SMTP.AuthorizedNetworks) > 0 {
		return ""
	}
	return "no authorized networks configured and authentication not required, relaying only allowed from loopback; configure 0.0.0.0/0 and ::/0 as authorized networks for an open relay"
}

// ProcessorOptions returns the options for building the processors of c.
func ProcessorOptions(c config.Static, elog *slog.Logger) processor.Options {
	return processor.Options{ErrorProcessor: c.ErrorProcessor, MaxJumps: c.MaxJumps, Log: elog}
}

// Placeholders for the stores while checking the configuration.
type checkMappings struct{}

func (checkMappings) Resolve(ctx context.Context, addr smtp.Address) ([]smtp.Address, error) {
	return []smtp.Address{addr}, nil
}

type checkLocal struct{}

func (checkLocal) LocalUser(ctx context.Context, addr smtp.Address) (string, bool, error) {
	return "", false, nil
}

func (checkLocal) Deliver(ctx context.Context, user, sender string, data []byte) (int64, error) {
	return 0, fmt.Errorf("delivery while checking config")
}

func (checkLocal) ContainsDomain(ctx context.Context, domain string) (bool, error) {
	return false, nil
}

// DescribeStatic writes an annotated example configuration file.
func DescribeStatic() string {
	var b strings.Builder
	if err := sconf.Describe(&b, &config.Static{DataDir: "data", LogLevel: "info"}); err != nil {
		pkglog.Fatalx("describing config", err)
	}
	return b.String()
}
