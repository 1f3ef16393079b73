package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"runtime/debug"

	"github.com/mjl-/mailet/config"
	"github.com/mjl-/mailet/connlimit"
	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/hook"
	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/mailet"
	"github.com/mjl-/mailet/mailetd"
	"github.com/mjl-/mailet/mapping"
	"github.com/mjl-/mailet/metrics"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/processor"
	"github.com/mjl-/mailet/store"
)

// errTooManyConnections is returned for mails from an IP that already has the
// maximum number of transactions in progress. The mail is retried later.
var errTooManyConnections = errors.New("too many connections from ip")

// pipeline has the opened databases and the configured hooks and processors
// that mails go through.
type pipeline struct {
	log       mlog.Log
	conf      config.Static
	store     *store.Store
	mappings  *mapping.Store
	smtp      *hook.SMTP
	container *processor.Container
	conns     *connlimit.Counter
}

// openPipeline opens the databases in the data directory and builds the hooks
// and processors from the configuration.
func openPipeline(ctx context.Context, log mlog.Log, c config.Static) (p *pipeline, rerr error) {
	p = &pipeline{log: log, conf: c, conns: &connlimit.Counter{Max: c.SMTP.MaxConnectionsPerIP}}
	defer func() {
		if rerr != nil {
			p.close()
		}
	}()

	var err error
	p.store, err = store.Open(ctx, log.Logger, filepath.Join(c.DataDir, "store.db"))
	if err != nil {
		return nil, err
	}
	p.mappings, err = mapping.Open(ctx, log.Logger, filepath.Join(c.DataDir, "mapping.db"))
	if err != nil {
		return nil, err
	}

	resolver := dns.StrictResolver{Pkg: "mailet", Log: log.Logger}
	env := mailet.Env{Log: log.Logger, Resolver: resolver, Mappings: p.mappings, Local: p.store}
	p.container, err = processor.Build(c.Processors, mailet.NewRegistry(), env, mailetd.ProcessorOptions(c, log.Logger))
	if err != nil {
		return nil, err
	}

	reg := hook.NewRegistry(log.Logger)
	if err := hook.Configure(reg, c.SMTP, hook.Env{Resolver: resolver, Domains: p.store, Log: log.Logger}); err != nil {
		return nil, err
	}
	p.smtp = hook.NewSMTP(reg)
	return p, nil
}

func (p *pipeline) close() {
	if p.store != nil {
		err := p.store.Close()
		p.log.Check(err, "closing store")
		p.store = nil
	}
	if p.mappings != nil {
		err := p.mappings.Close()
		p.log.Check(err, "closing mappings")
		p.mappings = nil
	}
}

// result is the outcome of running a mail through the pipeline.
type result struct {
	Response hook.Response // Of the last SMTP command.
	Accepted bool          // Whether the SMTP transaction was accepted.
	Mail     *mail.Mail    // After processing, nil if not accepted.
}

// handle runs the SMTP hooks for the transaction described by env and, if
// accepted, processes the mail. Errors are returned for mails that should be
// retried later or could not be handled at all, not for rejected transactions.
func (p *pipeline) handle(ctx context.Context, env spoolEnvelope, content mail.Content) (r result, rerr error) {
	cid := mailetd.Cid()
	ctx = context.WithValue(ctx, mlog.CidKey, cid)
	log := p.log.WithCid(cid)

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		log.Error("unhandled panic while handling mail", slog.Any("panic", x))
		debug.PrintStack()
		metrics.PanicInc(metrics.Serve)
		rerr = fmt.Errorf("panic: %v", x)
	}()

	m, err := env.mail(content)
	if err != nil {
		return r, err
	}

	var ip net.IP = m.RemoteIP
	if ip == nil {
		ip = net.IPv6loopback
	}
	if !p.conns.Acquire(ip) {
		return r, fmt.Errorf("%w: %s", errTooManyConnections, ip)
	}
	defer p.conns.Release(ip)

	s := &hook.Session{
		Cid:           cid,
		RemoteIP:      ip,
		RemoteHost:    env.RemoteHost,
		Authenticated: env.Authenticated,
		RelayAllowed:  hook.RelayAllowed(p.conf.SMTP.AuthorizedPrefixes, p.conf.SMTP.AuthRequired, ip),
	}
	helo := env.Helo
	if helo == "" {
		helo = "localhost"
	}
	resp, ok := p.smtp.Transaction(ctx, s, helo, m)
	r.Response = resp
	r.Accepted = ok
	if !ok {
		log.Info("transaction rejected", slog.String("response", resp.String()), slog.String("mail", m.Name))
		return r, nil
	}
	log.Debug("transaction accepted", slog.String("mail", m.Name), slog.Int("recipients", len(m.Recipients)))

	if err := p.container.Process(ctx, m); err != nil {
		// Already went through the error processor, nothing to retry.
		log.Errorx("processing mail", err, slog.String("mail", m.Name))
	}
	r.Mail = m
	return r, nil
}
