package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mjl-/mailet/cli"
	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/dnsbl"
	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/mailetd"
	"github.com/mjl-/mailet/mapping"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/store"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"process", cmdProcess},
	{"import mbox", cmdImportMbox},
	{"admin", cmdAdmin},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"dnsbl check", cmdDNSBLCheck},
	{"dnsbl checkhealth", cmdDNSBLCheckhealth},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mailet "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "mailet " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "mailet " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# mailet %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "mailet [-config config/mailet.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mailet"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty will be interpreted as info.

// Subcommands that are not "serve" use this function to load the config. It
// restores any loglevel specified on the command-line, instead of using the
// loglevels from the config file.
func mustLoadConfig() {
	mailetd.MustLoadConfig(context.Background())
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mailetd.Conf.Log[""] = level
		mlog.SetConfig(mailetd.Conf.Log)
	} else {
		log.Fatal("unknown loglevel", slog.String("loglevel", loglevel))
	}
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&mailetd.ConfigStaticPath, "config", envString("MAILETCONF", filepath.FromSlash("config/mailet.conf")), "configuration file, paths in it are relative to its directory, defaults to $MAILETCONF with a fallback to config/mailet.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig may be called again when subcommands loads config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mailet "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func xparseIP(s, what string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		log.Fatalf("invalid %s: %q", what, s)
	}
	return ip
}

func xparseDomain(s, what string) dns.Domain {
	d, err := dns.ParseDomain(s)
	xcheckf(err, "parsing %s %q", what, s)
	return d
}

// xopenStores opens the user and mapping databases in the data directory.
func xopenStores(ctx context.Context, log mlog.Log) (*store.Store, *mapping.Store) {
	st, err := store.Open(ctx, log.Logger, filepath.Join(mailetd.Conf.DataDir, "store.db"))
	xcheckf(err, "opening store")
	ms, err := mapping.Open(ctx, log.Logger, filepath.Join(mailetd.Conf.DataDir, "mapping.db"))
	xcheckf(err, "opening mappings")
	return st, ms
}

func cmdProcess(c *cmd) {
	c.params = "[flags] recipient ... < message"
	c.help = `Run a message from stdin through the hooks and processors.

The SMTP hooks are run for a transaction with the sender and recipients given,
as if coming from the remote IP. If the transaction is accepted, the mail goes
through the processors starting at processor root. The final SMTP response is
printed, and for accepted mails the final state.

The databases in the data directory are opened by this command, so it cannot run
while "mailet serve" is running. Use -spool to add the message to the spool
directory instead, for processing by a running "mailet serve".
`
	var env spoolEnvelope
	var spoolOnly bool
	c.flag.StringVar(&env.Sender, "sender", "", "envelope sender address, empty for the null reverse path")
	c.flag.StringVar(&env.RemoteIP, "remoteip", "", "ip of the remote smtp client, default loopback")
	c.flag.StringVar(&env.RemoteHost, "remotehost", "", "host name of the remote smtp client")
	c.flag.StringVar(&env.Helo, "helo", "", "name in the smtp ehlo/helo command, default localhost")
	c.flag.StringVar(&env.Authenticated, "auth", "", "user the smtp session is authenticated as")
	c.flag.BoolVar(&spoolOnly, "spool", false, "add message to the spool directory instead of processing it")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	env.Recipients = args
	_, err := env.mail(nil)
	xcheckf(err, "checking envelope")

	mustLoadConfig()
	ctx := context.Background()

	if spoolOnly {
		sp := newSpool(mailetd.Conf.DataDir)
		xcheckf(sp.init(), "initializing spool")
		name, err := sp.add(env, os.Stdin)
		xcheckf(err, "adding message to spool")
		fmt.Println(name)
		return
	}

	buf, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message")

	p, err := openPipeline(ctx, c.log, mailetd.Conf)
	xcheckf(err, "opening pipeline")
	defer p.close()
	r, err := p.handle(ctx, env, mail.NewBytesContent(buf))
	xcheckf(err, "handling mail")
	fmt.Println(r.Response)
	if !r.Accepted {
		p.close()
		os.Exit(1)
	}
	fmt.Printf("mail %s, state %s\n", r.Mail.Name, r.Mail.State)
	for _, rcpt := range r.Mail.Recipients {
		fmt.Printf("recipient %s\n", rcpt)
	}
	if r.Mail.Err != nil {
		fmt.Printf("error: %s\n", r.Mail.Err)
	}
}

func cmdAdmin(c *cmd) {
	c.params = "command [arg ...]"
	var b strings.Builder
	for _, t := range cli.Types() {
		fmt.Fprintf(&b, "  %s\n\t%s\n", t.Usage(), t.Help)
	}
	c.help = `Manage users, domains, mailboxes and address mappings.

Commands operate directly on the databases in the data directory, so they cannot
be used while "mailet serve" is running. Mappings of a running instance can be
managed through the admin API.

Commands:

` + b.String()
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	if t, ok := cli.Lookup(args[0]); !ok {
		log.Printf("unknown admin command %q", args[0])
		c.Usage()
	} else if !t.HasCorrectArguments(len(args) - 1) {
		log.Printf("usage: mailet admin %s", t.Usage())
		os.Exit(2)
	}

	mustLoadConfig()
	ctx := context.Background()
	st, ms := xopenStores(ctx, c.log)
	defer func() {
		err := st.Close()
		c.log.Check(err, "closing store")
		err = ms.Close()
		c.log.Check(err, "closing mappings")
	}()

	err := cli.Execute(ctx, cli.Env{Store: st, Mappings: ms, Log: c.log.Logger}, args, os.Stdout)
	if err != nil {
		log.Printf("%s: %s", args[0], err)
		st.Close()
		ms.Close()
		os.Exit(1)
	}
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

All processors, matchers, mailets and hooks are instantiated to check their
configuration, without opening the databases.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	conf, errs := mailetd.ParseConfig(context.Background(), c.log, mailetd.ConfigStaticPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	if w := mailetd.RelayWarning(conf); w != "" {
		fmt.Printf("warning: %s\n", w)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mailet.conf"
	c.help = `Prints an annotated configuration for use as mailet.conf.

The configuration cannot be reloaded while mailet is running, it has to be
restarted for changes to take effect.

The configuration needs modifications to be useful, at least processors root and
error must be added.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Print(mailetd.DescribeStatic())
}

func cmdDNSBLCheck(c *cmd) {
	c.params = "zone ip"
	c.help = `Test if IP is in the DNS blocklist of the zone, e.g. bl.spamcop.net.

If the IP is in the blocklist, an explanation is printed. This is typically a
URL with more information.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	zone := xparseDomain(args[0], "zone")
	ip := xparseIP(args[1], "ip")
	status, explanation, err := dnsbl.Lookup(context.Background(), c.log.Logger, dns.StrictResolver{Pkg: "dnsbl"}, zone, ip)
	fmt.Printf("status: %s\n", status)
	if status == dnsbl.StatusFail {
		fmt.Printf("explanation: %q\n", explanation)
	}
	if err != nil {
		fmt.Printf("error: %s\n", err)
	}
}

func cmdDNSBLCheckhealth(c *cmd) {
	c.params = "zone"
	c.help = `Check the health of the DNS blocklist represented by zone, e.g. bl.spamcop.net.

The health of a DNS blocklist can be checked by querying for 127.0.0.1 and
127.0.0.2. The second must and the first must not be present.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	zone := xparseDomain(args[0], "zone")
	err := dnsbl.CheckHealth(context.Background(), c.log.Logger, dns.StrictResolver{Pkg: "dnsbl"}, zone)
	xcheckf(err, "unhealthy")
	fmt.Println("healthy")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this mailet version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(version())
}
