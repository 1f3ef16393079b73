package hook

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/mailet/config"
	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/dnsbl"
	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/smtp"
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
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func xaddr(t *testing.T, s string) smtp.Address {
	t.Helper()
	a, err := smtp.ParseAddress(s)
	tcheck(t, err, "parse address")
	return a
}

type rcptFunc func(ctx context.Context, s *Session, rcpt smtp.Address) (Result, error)

func (f rcptFunc) OnRcpt(ctx context.Context, s *Session, rcpt smtp.Address) (Result, error) {
	return f(ctx, s, rcpt)
}

func fixed(r Result, err error, called *int) RcptHook {
	return rcptFunc(func(ctx context.Context, s *Session, rcpt smtp.Address) (Result, error) {
		*called++
		return r, err
	})
}

func rcptChain(reg *Registry) *Chain[RcptHook] {
	return NewChain(reg, Rcpt, func(ctx context.Context, h RcptHook, s *Session, params string) (Result, error) {
		a, err := smtp.ParseReversePath(params)
		if err != nil {
			return Result{}, err
		}
		return h.OnRcpt(ctx, s, *a)
	})
}

func TestDefaultResponse(t *testing.T) {
	tcompare(t, DefaultResponse(Result{Code: Declined}), (*Response)(nil))
	tcompare(t, *DefaultResponse(Result{Code: Deny}), Response{554, "5.7.1", "Email rejected"})
	tcompare(t, *DefaultResponse(Result{Code: DenySoft}), Response{451, "4.0.0", "Temporary problem. Please try again later"})
	tcompare(t, *DefaultResponse(Result{Code: OK}), Response{250, "2.0.0", "Command accepted"})
	tcompare(t, *DefaultResponse(Result{Code: Deny, ReplyCode: 550, Description: "no"}), Response{550, "5.7.1", "no"})
	tcompare(t, *DefaultResponse(Result{Code: Deny, Enhanced: "5.1.1"}), Response{554, "5.1.1", "Email rejected"})
	tcompare(t, Response{554, "5.7.1", "Email rejected"}.String(), "554 5.7.1 Email rejected")

	code, err := ParseCode("denysoft")
	tcheck(t, err, "parse code")
	tcompare(t, code, DenySoft)
	if _, err := ParseCode("bogus"); err == nil {
		t.Fatalf("parsed bogus code")
	}
}

func TestChain(t *testing.T) {
	var first, second, third int
	reg := NewRegistry(nil)
	Register(reg, Rcpt, fixed(Result{Code: Declined}, nil, &first))
	Register(reg, Rcpt, fixed(Result{Code: Deny, Description: "go away"}, nil, &second))
	Register(reg, Rcpt, fixed(Result{Code: OK}, nil, &third))
	c := rcptChain(reg)
	tcompare(t, c.Len(), 3)

	s := &Session{}
	resp := c.Run(ctxbg, s, "rcpt", "<a@local.example>")
	tcompare(t, *resp, Response{554, "5.7.1", "go away"})
	// Short-circuit, third hook not called.
	tcompare(t, []int{first, second, third}, []int{1, 1, 0})

	// All declined.
	reg = NewRegistry(nil)
	Register(reg, Rcpt, fixed(Result{Code: Declined}, nil, &first))
	tcompare(t, rcptChain(reg).Run(ctxbg, s, "rcpt", "<a@local.example>"), (*Response)(nil))

	// Empty chain.
	tcompare(t, rcptChain(NewRegistry(nil)).Run(ctxbg, s, "rcpt", "<a@local.example>"), (*Response)(nil))

	// Zero registry is usable.
	var zero Registry
	Register(&zero, Rcpt, fixed(Result{Code: OK}, nil, &third))
	tcompare(t, rcptChain(&zero).Len(), 1)
	tcompare(t, rcptChain(&zero).Run(ctxbg, s, "rcpt", "<a@local.example>").Code, 250)
}

func TestChainErrors(t *testing.T) {
	var n int
	reg := NewRegistry(nil)
	Register(reg, Rcpt, fixed(Result{}, errors.New("boom"), &n))
	c := rcptChain(reg)
	resp := c.Run(ctxbg, &Session{}, "rcpt", "<a@local.example>")
	tcompare(t, resp.Code, 451)

	c.ErrorCode = Deny
	resp = c.Run(ctxbg, &Session{}, "rcpt", "<a@local.example>")
	tcompare(t, resp.Code, 554)

	reg = NewRegistry(nil)
	Register[RcptHook](reg, Rcpt, rcptFunc(func(ctx context.Context, s *Session, rcpt smtp.Address) (Result, error) {
		panic("oops")
	}))
	resp = rcptChain(reg).Run(ctxbg, &Session{}, "rcpt", "<a@local.example>")
	tcompare(t, resp.Code, 451)
}

func TestResultHooks(t *testing.T) {
	var n int
	var order []string
	reg := NewRegistry(nil)
	hook := fixed(Result{Code: Declined}, nil, &n)
	Register(reg, Rcpt, hook)
	reg.RegisterResultHook(ResultHookFunc(func(ctx context.Context, s *Session, r Result, h any) Result {
		order = append(order, "first")
		if h == nil {
			t.Fatalf("missing originating hook")
		}
		return Result{Code: Deny}
	}))
	reg.RegisterResultHook(ResultHookFunc(func(ctx context.Context, s *Session, r Result, h any) Result {
		order = append(order, "second")
		tcompare(t, r.Code, Deny)
		r.Description = "overridden"
		return r
	}))
	resp := rcptChain(reg).Run(ctxbg, &Session{}, "rcpt", "<a@local.example>")
	tcompare(t, *resp, Response{554, "5.7.1", "overridden"})
	tcompare(t, order, []string{"first", "second"})
}

func TestCommandHandler(t *testing.T) {
	var n int
	reg := NewRegistry(nil)
	Register(reg, Rcpt, fixed(Result{Code: Declined}, nil, &n))
	var committed int
	h := CommandHandler[RcptHook]{
		Filter: func(ctx context.Context, s *Session, command, params string) *Response {
			if params == "" {
				return &Response{501, "5.5.2", "syntax"}
			}
			return nil
		},
		Chain: rcptChain(reg),
		Core: func(ctx context.Context, s *Session, command, params string) Response {
			return Response{250, "2.1.5", "ok"}
		},
		Commit: func(ctx context.Context, s *Session, command, params string) {
			committed++
		},
	}
	tcompare(t, h.Handle(ctxbg, &Session{}, "rcpt", "").Code, 501)
	tcompare(t, n, 0)
	tcompare(t, h.Handle(ctxbg, &Session{}, "rcpt", "<a@local.example>").Code, 250)
	tcompare(t, []int{n, committed}, []int{1, 1})
}

type domains map[string]bool

func (d domains) ContainsDomain(ctx context.Context, domain string) (bool, error) {
	return d[domain], nil
}

func TestTransaction(t *testing.T) {
	reg := NewRegistry(nil)
	Register[RcptHook](reg, Rcpt, &RelayHook{Domains: domains{"local.example": true}})
	x := NewSMTP(reg)

	m := mail.New(nil, []smtp.Address{xaddr(t, "a@local.example"), xaddr(t, "b@remote.example")}, mail.NewBytesContent([]byte("test\r\n")))
	s := &Session{RemoteIP: net.ParseIP("192.0.2.1")}
	resp, ok := x.Transaction(ctxbg, s, "remote.example", m)
	tcompare(t, ok, true)
	tcompare(t, resp.Code, 250)
	tcompare(t, m.Recipients, []smtp.Address{xaddr(t, "a@local.example")})
	tcompare(t, s.Helo, "remote.example")

	// Only non-local recipients, transaction fails with relay denied.
	m = mail.New(nil, []smtp.Address{xaddr(t, "b@remote.example")}, mail.NewBytesContent([]byte("test\r\n")))
	resp, ok = x.Transaction(ctxbg, &Session{}, "remote.example", m)
	tcompare(t, ok, false)
	tcompare(t, resp, Response{550, "5.7.1", "Requested action not taken: relaying denied"})

	// Relay allowed.
	m = mail.New(nil, []smtp.Address{xaddr(t, "b@remote.example")}, mail.NewBytesContent([]byte("test\r\n")))
	_, ok = x.Transaction(ctxbg, &Session{RelayAllowed: true}, "remote.example", m)
	tcompare(t, ok, true)

	// Command sequence is checked.
	s = &Session{}
	tcompare(t, x.Rcpt.Handle(ctxbg, s, "rcpt", "<a@local.example>").Code, 503)
	tcompare(t, x.Mail.Handle(ctxbg, s, "mail", "<>").Code, 503)
	tcompare(t, x.Helo.Handle(ctxbg, s, "helo", "").Code, 501)
}

func TestRelayAllowed(t *testing.T) {
	nets := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tcompare(t, RelayAllowed(nil, false, net.ParseIP("127.0.0.1")), true)
	tcompare(t, RelayAllowed(nil, false, net.ParseIP("::1")), true)
	tcompare(t, RelayAllowed(nil, false, net.ParseIP("10.1.2.3")), false)
	tcompare(t, RelayAllowed(nets, false, net.ParseIP("10.1.2.3")), true)
	tcompare(t, RelayAllowed(nets, false, net.ParseIP("127.0.0.1")), false)
	tcompare(t, RelayAllowed(nets, true, net.ParseIP("10.1.2.3")), false)
}

func TestDNSBLHook(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"2.0.0.10.bl.example.": {"127.0.0.2"},
			"3.0.0.10.bl.example.": {"127.0.0.2"},
			"3.0.0.10.ok.example.": {"127.0.0.2"},
		},
		TXT: map[string][]string{
			"2.0.0.10.bl.example.": {"see https://bl.example/10.0.0.2"},
		},
	}
	h := &DNSBLHook{
		Lists: dnsbl.Lists{
			Zones: []dns.Domain{{ASCII: "bl.example"}},
			Allow: []dns.Domain{{ASCII: "ok.example"}},
		},
		Resolver: resolver,
		Detail:   true,
	}
	reg := NewRegistry(nil)
	Register[ConnectHook](reg, Connect, h)
	Register[RcptHook](reg, Rcpt, h)
	x := NewSMTP(reg)

	rcpt := func(s *Session, addr string) Response {
		t.Helper()
		s.inTransaction = true
		return x.Rcpt.Handle(ctxbg, s, "rcpt", "<"+addr+">")
	}

	// Listed.
	s := &Session{RemoteIP: net.ParseIP("10.0.0.2"), Helo: "remote.example"}
	tcompare(t, x.Connect.Handle(ctxbg, s, "connect", "").Code, 220)
	zone, _ := s.Attribute(AttrBlocklisted)
	tcompare(t, zone, "bl.example")
	resp := rcpt(s, "a@local.example")
	tcompare(t, resp.Code, 554)
	tcompare(t, resp.Enhanced, "5.7.1")
	detail, _ := s.Attribute(AttrBlocklistDetail)
	tcompare(t, detail, "see https://bl.example/10.0.0.2")
	tcompare(t, rcpt(s, "postmaster@local.example").Code, 250)
	tcompare(t, rcpt(s, "Abuse@local.example").Code, 250)

	// Listed, but authenticated.
	s = &Session{RemoteIP: net.ParseIP("10.0.0.2"), Authenticated: "mjl"}
	tcompare(t, rcpt(s, "a@local.example").Code, 250)

	// In allow list.
	s = &Session{RemoteIP: net.ParseIP("10.0.0.3")}
	tcompare(t, rcpt(s, "a@local.example").Code, 250)

	// Not listed.
	s = &Session{RemoteIP: net.ParseIP("10.0.0.4")}
	tcompare(t, rcpt(s, "a@local.example").Code, 250)
	if _, ok := s.Attribute(AttrBlocklisted); ok {
		t.Fatalf("unlisted ip marked as blocklisted")
	}

	// Lookup failure is not a rejection.
	resolver.Fail = []string{"ip 5.0.0.10.bl.example."}
	h.Resolver = resolver
	s = &Session{RemoteIP: net.ParseIP("10.0.0.5")}
	tcompare(t, rcpt(s, "a@local.example").Code, 250)
}

func TestDenyRateHook(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	dr := NewDenyRateHook(2, 10, nil)
	dr.Now = func() time.Time { return now }

	var n int
	reg := NewRegistry(nil)
	Register(reg, Rcpt, fixed(Result{Code: Deny}, nil, &n))
	reg.RegisterResultHook(dr)
	c := rcptChain(reg)

	s := &Session{RemoteIP: net.ParseIP("192.0.2.1")}
	tcompare(t, c.Run(ctxbg, s, "rcpt", "<a@local.example>").Code, 554)
	tcompare(t, c.Run(ctxbg, s, "rcpt", "<a@local.example>").Code, 554)
	resp := c.Run(ctxbg, s, "rcpt", "<a@local.example>")
	tcompare(t, *resp, Response{421, "4.7.0", "Too many rejected commands"})

	// Other IP is not affected.
	tcompare(t, c.Run(ctxbg, &Session{RemoteIP: net.ParseIP("192.0.2.200")}, "rcpt", "<a@local.example>").Code, 554)

	// Next minute, limit is reset.
	now = now.Add(time.Minute)
	tcompare(t, c.Run(ctxbg, s, "rcpt", "<a@local.example>").Code, 554)
}

func TestConfigure(t *testing.T) {
	c := config.SMTP{
		Hooks: config.Hooks{
			Connect: []string{"DNSBL"},
			Rcpt:    []string{"DNSBL", "Relay"},
		},
		ResultHooks:     []string{"DenyRate"},
		HookErrorResult: "deny",
		DNSBLZones:      []dns.Domain{{ASCII: "bl.example"}},
	}
	reg := NewRegistry(nil)
	err := Configure(reg, c, Env{Resolver: dns.MockResolver{}, Domains: domains{}})
	tcheck(t, err, "configure")
	tcompare(t, reg.ErrorCode, Deny)
	tcompare(t, len(reg.hooks[Rcpt.Name()]), 2)
	tcompare(t, len(reg.resultHooks), 1)
	// Same instance for both capabilities.
	if reg.hooks[Connect.Name()][0] != reg.hooks[Rcpt.Name()][0] {
		t.Fatalf("dnsbl hook not shared between capabilities")
	}
	tcompare(t, NewSMTP(reg).Rcpt.Chain.ErrorCode, Deny)

	c = config.SMTP{
		Hooks:           config.Hooks{Mail: []string{"Relay", "Bogus"}},
		ResultHooks:     []string{"DNSBL"},
		HookErrorResult: "ok",
	}
	err = Configure(NewRegistry(nil), c, Env{})
	if !errors.Is(err, ErrUnknownHook) {
		t.Fatalf("got %v, expected ErrUnknownHook", err)
	}
	if n := len(err.(interface{ Unwrap() []error }).Unwrap()); n != 4 {
		t.Fatalf("got %d errors, expected 4: %v", n, err)
	}
}
