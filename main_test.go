package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mailet/config"
	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/mailetd"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/store"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %#v, expected %#v", got, exp)
	}
}

func TestSpool(t *testing.T) {
	sp := newSpool(t.TempDir())
	tcheck(t, sp.init(), "init")

	l, err := sp.list()
	tcheck(t, err, "list")
	tcompare(t, len(l), 0)

	env := spoolEnvelope{
		Sender:     "mjl@mox.example",
		Recipients: []string{"a@mox.example", "b@mox.example"},
		RemoteIP:   "192.0.2.1",
		Helo:       "remote.example",
		Received:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	const msg = "Subject: test\r\n\r\nhi\r\n"
	name1, err := sp.add(env, strings.NewReader(msg))
	tcheck(t, err, "add")
	env2 := env
	env2.Received = env.Received.Add(time.Second)
	name2, err := sp.add(env2, strings.NewReader(msg))
	tcheck(t, err, "add")

	// Partial mails without envelope are not listed.
	err = os.WriteFile(sp.path("partial", ".eml"), []byte(msg), 0660)
	tcheck(t, err, "write partial")

	l, err = sp.list()
	tcheck(t, err, "list")
	tcompare(t, l, []string{name1, name2})

	xenv, content, err := sp.read(name1)
	tcheck(t, err, "read")
	tcompare(t, xenv.Recipients, env.Recipients)
	tcompare(t, xenv.Received.Equal(env.Received), true)
	buf, err := mail.ReadAll(content)
	tcheck(t, err, "read content")
	tcompare(t, string(buf), msg)

	m, err := xenv.mail(content)
	tcheck(t, err, "envelope to mail")
	tcompare(t, m.Sender.String(), "mjl@mox.example")
	tcompare(t, len(m.Recipients), 2)
	tcompare(t, m.RemoteIP.String(), "192.0.2.1")
	tcompare(t, m.State, mail.Root)

	tcheck(t, sp.remove(name1), "remove")
	tcheck(t, sp.fail(name2), "fail")
	l, err = sp.list()
	tcheck(t, err, "list")
	tcompare(t, len(l), 0)
	_, err = os.Stat(filepath.Join(sp.dir, "failed", name2+".json"))
	tcheck(t, err, "stat failed envelope")

	_, err = spoolEnvelope{Recipients: []string{"bogus"}}.mail(nil)
	if err == nil {
		t.Fatalf("invalid recipient accepted")
	}
	_, err = spoolEnvelope{Recipients: []string{"a@mox.example"}, RemoteIP: "bogus"}.mail(nil)
	if err == nil {
		t.Fatalf("invalid remote ip accepted")
	}
	m, err = spoolEnvelope{Recipients: []string{"a@mox.example"}}.mail(nil)
	tcheck(t, err, "null sender")
	tcompare(t, m.Sender == nil, true)
}

const mboxData = `From mjl@mox.example Mon Jan  1 00:00:00 2024
From: mjl <mjl@mox.example>
To: a@mox.example, "B" <b@mox.example>
Cc: a@mox.example
Subject: one

first
From other@mox.example Mon Jan  1 00:00:01 2024
To: c@mox.example
Subject: two

second
`

func TestImportMbox(t *testing.T) {
	var envs []spoolEnvelope
	n, err := importMbox(strings.NewReader(mboxData), func(data []byte) error {
		env, err := mboxEnvelope(data)
		if err != nil {
			return err
		}
		envs = append(envs, env)
		return nil
	})
	tcheck(t, err, "import")
	tcompare(t, n, 2)
	tcompare(t, envs[0].Sender, "mjl@mox.example")
	tcompare(t, envs[0].Recipients, []string{"a@mox.example", "b@mox.example"})
	tcompare(t, envs[1].Sender, "")
	tcompare(t, envs[1].Recipients, []string{"c@mox.example"})

	errStop := errors.New("stop")
	n, err = importMbox(strings.NewReader(mboxData), func(data []byte) error {
		return errStop
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("got err %v, expected %v", err, errStop)
	}
	tcompare(t, n, 0)
}

func testPipeline(t *testing.T, maxConns int) *pipeline {
	t.Helper()
	dir := t.TempDir()
	log := mlog.New("test", nil)

	c := config.Static{
		DataDir:  dir,
		LogLevel: "info",
		Processors: []config.Processor{
			{
				Name: mail.Root,
				Stages: []config.Stage{
					{Matcher: "RecipientIsLocal", Mailet: "LocalDelivery"},
					{Matcher: "All", Mailet: "Null"},
				},
			},
			{
				Name:   mail.Error,
				Stages: []config.Stage{{Matcher: "All", Mailet: "Null"}},
			},
		},
		SMTP: config.SMTP{
			Hooks:               config.Hooks{Rcpt: []string{"Relay"}},
			MaxConnectionsPerIP: maxConns,
		},
	}
	errs := mailetd.PrepareStaticConfig(log, filepath.Join(dir, "mailet.conf"), &c)
	tcompare(t, len(errs), 0)

	p, err := openPipeline(ctxbg, log, c)
	tcheck(t, err, "open pipeline")
	t.Cleanup(p.close)

	tcheck(t, p.store.AddDomain(ctxbg, "mox.example"), "add domain")
	tcheck(t, p.store.AddUser(ctxbg, "mjl@mox.example", "testtest"), "add user")
	return p
}

func TestPipeline(t *testing.T) {
	p := testPipeline(t, 0)

	inbox := func() int {
		t.Helper()
		l, err := p.store.MailboxMessages(ctxbg, store.NamespacePrivate, "mjl@mox.example", store.Inbox)
		tcheck(t, err, "inbox messages")
		return len(l)
	}
	content := mail.NewBytesContent([]byte("Subject: test\r\n\r\nhi\r\n"))

	// Local recipient from any IP is delivered.
	env := spoolEnvelope{Sender: "other@remote.example", Recipients: []string{"mjl@mox.example"}, RemoteIP: "192.0.2.1"}
	r, err := p.handle(ctxbg, env, content)
	tcheck(t, err, "handle")
	tcompare(t, r.Accepted, true)
	tcompare(t, r.Response.Code, 250)
	tcompare(t, r.Mail != nil, true)
	tcompare(t, len(r.Mail.Recipients), 0)
	tcompare(t, inbox(), 1)

	// Relaying from an unauthorized IP is rejected.
	env = spoolEnvelope{Recipients: []string{"other@remote.example"}, RemoteIP: "192.0.2.1"}
	r, err = p.handle(ctxbg, env, content)
	tcheck(t, err, "handle")
	tcompare(t, r.Accepted, false)
	tcompare(t, r.Response.Code, 550)
	tcompare(t, r.Mail == nil, true)

	// Without remote IP, the mail comes from loopback, which may relay.
	env = spoolEnvelope{Recipients: []string{"other@remote.example", "mjl@mox.example"}}
	r, err = p.handle(ctxbg, env, content)
	tcheck(t, err, "handle")
	tcompare(t, r.Accepted, true)
	tcompare(t, inbox(), 2)

	// Invalid envelopes are errors.
	_, err = p.handle(ctxbg, spoolEnvelope{Recipients: []string{"bogus"}}, content)
	if err == nil {
		t.Fatalf("invalid envelope accepted")
	}
}

func TestPipelineConnLimit(t *testing.T) {
	p := testPipeline(t, 1)

	ip := net.ParseIP("192.0.2.1")
	tcompare(t, p.conns.Acquire(ip), true)

	content := mail.NewBytesContent([]byte("Subject: test\r\n\r\nhi\r\n"))
	env := spoolEnvelope{Recipients: []string{"mjl@mox.example"}, RemoteIP: "192.0.2.1"}
	_, err := p.handle(ctxbg, env, content)
	if !errors.Is(err, errTooManyConnections) {
		t.Fatalf("got err %v, expected %v", err, errTooManyConnections)
	}

	p.conns.Release(ip)
	r, err := p.handle(ctxbg, env, content)
	tcheck(t, err, "handle after release")
	tcompare(t, r.Accepted, true)
	tcompare(t, p.conns.Count(ip), int64(0))
}
