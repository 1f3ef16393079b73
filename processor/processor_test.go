package processor

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"sync"
	"testing"

	"github.com/mjl-/mailet/config"
	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/mailet"
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

func xaddrs(t *testing.T, l ...string) []smtp.Address {
	t.Helper()
	var r []smtp.Address
	for _, s := range l {
		a, err := smtp.ParseAddress(s)
		tcheck(t, err, "parse address")
		r = append(r, a)
	}
	return r
}

func addrStrings(l []smtp.Address) []string {
	var r []string
	for _, a := range l {
		r = append(r, a.String())
	}
	return r
}

func testMail(t *testing.T, rcpts ...string) *mail.Mail {
	return mail.New(nil, xaddrs(t, rcpts...), mail.NewBytesContent([]byte("Subject: test\r\n\r\nbody\r\n")))
}

// recorder is a mailet that records the recipients it sees.
type recorder struct {
	sync.Mutex
	seen [][]string
}

func (r *recorder) Service(ctx context.Context, m *mail.Mail) error {
	r.Lock()
	defer r.Unlock()
	r.seen = append(r.seen, addrStrings(m.Recipients))
	return nil
}

var all = mailet.MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
	return m.Recipients, nil
})

func recipientIs(t *testing.T, l ...string) mailet.Matcher {
	addrs := xaddrs(t, l...)
	return mailet.MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		return addrs, nil
	})
}

func to(processor string) mailet.Mailet {
	return mailet.MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		m.State = processor
		return nil
	})
}

var ghost = to(mail.Ghost)

func stage(m mailet.Matcher, ml mailet.Mailet) Stage {
	return Stage{MatcherName: "test", MailetName: "test", Matcher: m, Mailet: ml}
}

func TestNewValidation(t *testing.T) {
	reg := mailet.NewRegistry()
	toUnknown, err := reg.Mailet("ToProcessor", mailet.Params{"processor": "nowhere"}, mailet.Env{})
	tcheck(t, err, "mailet")

	_, err = New([]Processor{
		{Name: mail.Root, LoopGuard: "missing", Stages: []Stage{stage(all, toUnknown), {}}},
		{Name: mail.Root},
		{Name: mail.Ghost},
	}, Options{})
	if err == nil || !errors.Is(err, ErrConfig) {
		t.Fatalf("got %v, expected ErrConfig", err)
	}
	// Each problem is reported: duplicate, reserved, missing error processor,
	// loop guard, missing matcher/mailet, unknown ToProcessor target.
	if n := len(err.(interface{ Unwrap() []error }).Unwrap()); n != 6 {
		t.Fatalf("got %d errors, expected 6: %v", n, err)
	}

	c, err := New([]Processor{
		{Name: mail.Root, Stages: []Stage{{MatcherName: "All", MailetName: "Null", Matcher: all, Mailet: ghost, OnMatchException: "bogus"}}},
		{Name: mail.Error},
	}, Options{})
	tcheck(t, err, "new with unknown on match exception")
	tcompare(t, c.Processors(), []string{mail.Error, mail.Root})
}

func TestSplitMerge(t *testing.T) {
	local := &recorder{}
	setAttr := mailet.MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		m.SetAttribute("matched", true)
		return nil
	})
	c, err := New([]Processor{
		{Name: mail.Root, Stages: []Stage{
			stage(recipientIs(t, "b@local.example", "nobody@local.example"), setAttr),
			stage(recipientIs(t, "a@local.example"), local),
			stage(all, ghost),
		}},
		{Name: mail.Error},
	}, Options{})
	tcheck(t, err, "new")

	m := testMail(t, "a@local.example", "b@local.example")
	err = c.Process(ctxbg, m)
	tcheck(t, err, "process")
	tcompare(t, m.State, mail.Ghost)
	tcompare(t, m.AttributeString("matched"), "true")
	tcompare(t, addrStrings(m.Recipients), []string{"a@local.example", "b@local.example"})
	// Matcher returned an address that is not a recipient, it must be ignored.
	tcompare(t, local.seen, [][]string{{"a@local.example"}})
}

func TestStageKeepsRecipientOrder(t *testing.T) {
	first := &recorder{}
	second := &recorder{}
	c, err := New([]Processor{
		{Name: mail.Root, Stages: []Stage{
			stage(recipientIs(t, "b@local.example"), first),
			stage(all, second),
			stage(all, ghost),
		}},
		{Name: mail.Error},
	}, Options{})
	tcheck(t, err, "new")

	m := testMail(t, "a@local.example", "b@local.example", "c@local.example")
	err = c.Process(ctxbg, m)
	tcheck(t, err, "process")
	tcompare(t, first.seen, [][]string{{"b@local.example"}})
	tcompare(t, second.seen, [][]string{{"a@local.example", "b@local.example", "c@local.example"}})
	tcompare(t, addrStrings(m.Recipients), []string{"a@local.example", "b@local.example", "c@local.example"})
}

func TestJump(t *testing.T) {
	spam := &recorder{}
	entered := 0
	count := mailet.MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		entered++
		return nil
	})
	c, err := New([]Processor{
		{Name: mail.Root, Stages: []Stage{
			stage(all, count),
			stage(recipientIs(t, "spam@local.example"), to("spam")),
			stage(all, ghost),
		}},
		{Name: "spam", Stages: []Stage{
			stage(all, spam),
			stage(all, ghost),
		}},
		{Name: mail.Error},
	}, Options{})
	tcheck(t, err, "new")

	m := testMail(t, "spam@local.example", "other@local.example")
	err = c.Process(ctxbg, m)
	tcheck(t, err, "process")
	tcompare(t, entered, 1)
	// State of the matched view is taken for the whole mail.
	tcompare(t, spam.seen, [][]string{{"spam@local.example", "other@local.example"}})
}

func TestNoRecipientsGhost(t *testing.T) {
	after := &recorder{}
	drop := mailet.MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		m.Recipients = nil
		return nil
	})
	c, err := New([]Processor{
		{Name: mail.Root, Stages: []Stage{stage(all, drop), stage(all, after)}},
		{Name: mail.Error},
	}, Options{})
	tcheck(t, err, "new")
	m := testMail(t, "a@local.example")
	err = c.Process(ctxbg, m)
	tcheck(t, err, "process")
	tcompare(t, m.State, mail.Ghost)
	tcompare(t, len(after.seen), 0)
}

func TestLoopGuard(t *testing.T) {
	fallback := &recorder{}
	c, err := New([]Processor{
		{Name: mail.Root, LoopGuard: "fallback", Stages: []Stage{stage(recipientIs(t), ghost)}},
		{Name: "fallback", Stages: []Stage{stage(all, fallback)}},
		{Name: mail.Error},
	}, Options{})
	tcheck(t, err, "new")
	m := testMail(t, "a@local.example")
	err = c.Process(ctxbg, m)
	tcheck(t, err, "process")
	// Fallback processor has no loop guard, so mail is ghosted at its end.
	tcompare(t, fallback.seen, [][]string{{"a@local.example"}})
	tcompare(t, m.State, mail.Ghost)
}

func TestActionError(t *testing.T) {
	errProc := &recorder{}
	errFail := errors.New("boom")
	c, err := New([]Processor{
		{Name: mail.Root, Stages: []Stage{
			stage(all, mailet.MailetFunc(func(ctx context.Context, m *mail.Mail) error { return errFail })),
			stage(all, ghost),
		}},
		{Name: mail.Error, Stages: []Stage{stage(all, errProc), stage(all, ghost)}},
	}, Options{})
	tcheck(t, err, "new")
	m := testMail(t, "a@local.example")
	err = c.Process(ctxbg, m)
	tcheck(t, err, "process")
	if !errors.Is(m.Err, errFail) {
		t.Fatalf("got mail error %v, expected %v", m.Err, errFail)
	}
	if m.AttributeString(mail.AttrError) == "" {
		t.Fatalf("missing error attribute")
	}
	tcompare(t, len(errProc.seen), 1)

	// Panic is handled like an error.
	c, err = New([]Processor{
		{Name: mail.Root, Stages: []Stage{
			stage(all, mailet.MailetFunc(func(ctx context.Context, m *mail.Mail) error { panic("oops") })),
		}},
		{Name: mail.Error, Stages: []Stage{stage(all, errProc)}},
	}, Options{})
	tcheck(t, err, "new")
	m = testMail(t, "a@local.example")
	err = c.Process(ctxbg, m)
	tcheck(t, err, "process")
	tcompare(t, len(errProc.seen), 2)
	tcompare(t, m.State, mail.Ghost)

	// Failure in the error processor ghosts the mail.
	c, err = New([]Processor{
		{Name: mail.Root, Stages: []Stage{stage(all, to(mail.Error))}},
		{Name: mail.Error, Stages: []Stage{
			stage(all, mailet.MailetFunc(func(ctx context.Context, m *mail.Mail) error { return errFail })),
			stage(all, errProc),
		}},
	}, Options{})
	tcheck(t, err, "new")
	m = testMail(t, "a@local.example")
	err = c.Process(ctxbg, m)
	tcheck(t, err, "process")
	tcompare(t, m.State, mail.Ghost)
	tcompare(t, len(errProc.seen), 2)
}

func TestMatchException(t *testing.T) {
	failing := mailet.MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		return nil, errors.New("dns failure")
	})

	run := func(policy string) (*recorder, *recorder, *recorder) {
		t.Helper()
		next, other, errProc := &recorder{}, &recorder{}, &recorder{}
		c, err := New([]Processor{
			{Name: mail.Root, Stages: []Stage{
				{MatcherName: "failing", MailetName: "ghost", Matcher: failing, Mailet: ghost, OnMatchException: policy},
				stage(all, next),
				stage(all, ghost),
			}},
			{Name: "other", Stages: []Stage{stage(all, other), stage(all, ghost)}},
			{Name: mail.Error, Stages: []Stage{stage(all, errProc), stage(all, ghost)}},
		}, Options{})
		tcheck(t, err, "new")
		m := testMail(t, "a@local.example")
		err = c.Process(ctxbg, m)
		tcheck(t, err, "process")
		return next, other, errProc
	}

	next, other, errProc := run(OnExceptionError)
	tcompare(t, []int{len(next.seen), len(other.seen), len(errProc.seen)}, []int{0, 0, 1})

	next, other, errProc = run("other")
	tcompare(t, []int{len(next.seen), len(other.seen), len(errProc.seen)}, []int{0, 1, 0})

	for _, policy := range []string{"", OnExceptionNoMatch, "bogus"} {
		next, other, errProc = run(policy)
		tcompare(t, []int{len(next.seen), len(other.seen), len(errProc.seen)}, []int{1, 0, 0})
	}
}

func TestMaxJumps(t *testing.T) {
	errProc := &recorder{}
	c, err := New([]Processor{
		{Name: mail.Root, Stages: []Stage{stage(all, to("b"))}},
		{Name: "b", Stages: []Stage{stage(all, to(mail.Root))}},
		{Name: mail.Error, Stages: []Stage{stage(all, errProc), stage(all, to(mail.Root))}},
	}, Options{MaxJumps: 10})
	tcheck(t, err, "new")
	m := testMail(t, "a@local.example")
	err = c.Process(ctxbg, m)
	if !errors.Is(err, ErrTooManyJumps) {
		t.Fatalf("got %v, expected ErrTooManyJumps", err)
	}
	tcompare(t, m.State, mail.Ghost)
	tcompare(t, len(errProc.seen), 1)
}

func TestUnknownProcessorAtRuntime(t *testing.T) {
	errProc := &recorder{}
	c, err := New([]Processor{
		{Name: mail.Root, Stages: []Stage{stage(all, to("nowhere"))}},
		{Name: mail.Error, Stages: []Stage{stage(all, errProc)}},
	}, Options{})
	tcheck(t, err, "new")
	m := testMail(t, "a@local.example")
	err = c.Process(ctxbg, m)
	if !errors.Is(err, ErrUnknownProcessor) {
		t.Fatalf("got %v, expected ErrUnknownProcessor", err)
	}
	tcompare(t, len(errProc.seen), 1)
	tcompare(t, m.State, mail.Ghost)
}

func TestFanout(t *testing.T) {
	var mu sync.Mutex
	var groups [][]string
	tag := mailet.MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		mu.Lock()
		groups = append(groups, addrStrings(m.Recipients))
		mu.Unlock()
		m.SetAttribute("group", m.Recipients[0].String())
		if m.Recipients[0].String() == "a@local.example" {
			m.State = "first"
		} else {
			m.State = "later"
		}
		return nil
	})
	first := &recorder{}
	c, err := New([]Processor{
		{Name: mail.Root, Stages: []Stage{{MatcherName: "All", MailetName: "tag", Matcher: all, Mailet: tag, Parallel: 2}}},
		{Name: "first", Stages: []Stage{stage(all, first), stage(all, ghost)}},
		{Name: "later", Stages: []Stage{stage(all, ghost)}},
		{Name: mail.Error},
	}, Options{})
	tcheck(t, err, "new")

	for range 20 {
		groups = nil
		first.seen = nil
		m := testMail(t, "a@local.example", "b@local.example", "c@local.example")
		err = c.Process(ctxbg, m)
		tcheck(t, err, "process")
		slices.SortFunc(groups, func(a, b []string) int { return len(b) - len(a) })
		tcompare(t, groups, [][]string{{"a@local.example", "b@local.example"}, {"c@local.example"}})
		// Later group wins attribute conflicts, first changed state wins.
		tcompare(t, m.AttributeString("group"), "c@local.example")
		tcompare(t, first.seen, [][]string{{"a@local.example", "b@local.example", "c@local.example"}})
	}
}

func TestBuild(t *testing.T) {
	reg := mailet.NewRegistry()
	procs := []config.Processor{
		{Name: mail.Root, Stages: []config.Stage{
			{Matcher: "RecipientIs", Condition: "spam@local.example", Mailet: "ToProcessor", Params: map[string]string{"processor": "spam"}},
			{Matcher: "All", Mailet: "SetAttribute", Params: map[string]string{"name": "seen", "value": "yes"}},
			{Matcher: "All", Mailet: "Null"},
		}},
		{Name: "spam", Stages: []config.Stage{{Matcher: "All", Mailet: "Ghost"}}},
		{Name: mail.Error, Stages: []config.Stage{{Matcher: "All", Mailet: "Null"}}},
	}
	c, err := Build(procs, reg, mailet.Env{}, Options{})
	tcheck(t, err, "build")
	m := testMail(t, "a@local.example")
	err = c.Process(ctxbg, m)
	tcheck(t, err, "process")
	tcompare(t, m.AttributeString("seen"), "yes")

	bad := []config.Processor{
		{Name: mail.Root, Stages: []config.Stage{
			{Matcher: "Bogus", Mailet: "Null"},
			{Matcher: "All", Mailet: "Bogus"},
			{Matcher: "All", Mailet: "Null", Parallel: -1},
		}},
	}
	_, err = Build(bad, reg, mailet.Env{}, Options{})
	if !errors.Is(err, ErrConfig) || !errors.Is(err, mailet.ErrUnknown) {
		t.Fatalf("got %v, expected ErrConfig and mailet.ErrUnknown", err)
	}
}
