// Package processor runs mails through processors: named, ordered lists of
// stages, each a matcher with a mailet.
//
// For each stage, the matcher selects recipients. The mailet acts on a view of
// the mail holding only those recipients, and the changes are merged back. A
// mailet can move a mail to another processor by changing its state, after
// which processing starts at the first stage of that processor. Processing ends
// when the state becomes mail.Ghost, or when no recipients are left.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/mailet"
	"github.com/mjl-/mailet/metrics"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/smtp"
)

var (
	ErrUnknownProcessor = errors.New("unknown processor")
	ErrTooManyJumps     = errors.New("too many processor jumps")
	ErrConfig           = errors.New("bad processor configuration")
)

// DefaultMaxJumps is the default limit on the number of times a mail enters a
// processor during a single Process call.
const DefaultMaxJumps = 100

// Values for Stage.OnMatchException other than a processor name.
const (
	OnExceptionError   = "error"   // Fail the mail, it goes to the error processor.
	OnExceptionNoMatch = "nomatch" // Treat as no match, the default.
)

// Stage is a matcher with the mailet it applies to matched recipients.
type Stage struct {
	MatcherName string // For logging and metrics.
	MailetName  string
	Matcher     mailet.Matcher
	Mailet      mailet.Mailet

	// What to do when the matcher fails: OnExceptionError, the name of a
	// processor to move the mail to, or anything else to treat it as no match.
	OnMatchException string

	// If > 1, matched recipients are split into at most this many groups, and
	// the mailet runs for each group concurrently.
	Parallel int
}

func (s Stage) String() string {
	return s.MatcherName + "/" + s.MailetName
}

// Processor is a named list of stages.
type Processor struct {
	Name   string
	Stages []Stage

	// Processor to move mails to that reach the end of the stages. Empty means
	// the mail is ghosted.
	LoopGuard string
}

// Options for a Container.
type Options struct {
	ErrorProcessor string // Default mail.Error.
	MaxJumps       int    // Default DefaultMaxJumps.
	Log            *slog.Logger
	Tracer         trace.Tracer // Default from the global otel tracer provider.
}

// Container holds processors and runs mails through them. A Container is
// immutable and safe for concurrent use with distinct mails.
type Container struct {
	processors     map[string]*Processor
	errorProcessor string
	maxJumps       int
	log            mlog.Log
	tracer         trace.Tracer
}

// New returns a container for the processors. The processors must include
// mail.Root and the error processor, and all processors referenced by
// ToProcessor-like mailets and loop guards must exist. All problems are
// returned together.
func New(processors []Processor, opts Options) (*Container, error) {
	c := &Container{
		processors:     map[string]*Processor{},
		errorProcessor: opts.ErrorProcessor,
		maxJumps:       opts.MaxJumps,
		log:            mlog.New("processor", opts.Log),
		tracer:         opts.Tracer,
	}
	if c.errorProcessor == "" {
		c.errorProcessor = mail.Error
	}
	if c.maxJumps <= 0 {
		c.maxJumps = DefaultMaxJumps
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/mjl-/mailet/processor")
	}

	var errs []error
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...))
	}

	for i := range processors {
		p := processors[i]
		if p.Name == "" {
			addErrorf("processor %d: empty name", i)
			continue
		} else if p.Name == mail.Ghost {
			addErrorf("processor name %q is reserved", p.Name)
			continue
		} else if _, ok := c.processors[p.Name]; ok {
			addErrorf("duplicate processor %q", p.Name)
			continue
		}
		p.Stages = slices.Clone(p.Stages)
		c.processors[p.Name] = &p
	}

	known := func(name string) bool {
		_, ok := c.processors[name]
		return ok || name == mail.Ghost
	}
	if _, ok := c.processors[mail.Root]; !ok {
		addErrorf("missing processor %q", mail.Root)
	}
	if _, ok := c.processors[c.errorProcessor]; !ok {
		addErrorf("missing error processor %q", c.errorProcessor)
	}
	for _, p := range processors {
		if p.LoopGuard != "" && (!known(p.LoopGuard) || p.LoopGuard == p.Name) {
			addErrorf("processor %q: loop guard processor %q must be another existing processor", p.Name, p.LoopGuard)
		}
		for i, st := range p.Stages {
			if st.Matcher == nil || st.Mailet == nil {
				addErrorf("processor %q, stage %d: missing matcher or mailet", p.Name, i)
				continue
			}
			if r, ok := st.Mailet.(mailet.ProcessorReferrer); ok {
				for _, name := range r.ReferencedProcessors() {
					if !known(name) {
						addErrorf("processor %q, stage %d (%s): unknown processor %q", p.Name, i, st, name)
					}
				}
			}
			switch st.OnMatchException {
			case "", OnExceptionError, OnExceptionNoMatch:
			default:
				if !known(st.OnMatchException) {
					c.log.Info("on match exception is not a processor, matcher errors are treated as no match",
						slog.String("processor", p.Name),
						slog.Int("stage", i),
						slog.String("onmatchexception", st.OnMatchException))
				}
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Processors returns the names of the processors, sorted.
func (c *Container) Processors() []string {
	var l []string
	for name := range c.processors {
		l = append(l, name)
	}
	slices.Sort(l)
	return l
}

// Process runs m through the processors, starting at m.State (mail.Root if
// empty), until m is ghosted.
//
// Failing stages move the mail to the error processor, they do not cause an
// error return. An error is returned if the mail was moved to an unknown
// processor, or moved between processors too often. In those cases, the mail
// has gone through the error processor as well.
func (c *Container) Process(ctx context.Context, m *mail.Mail) (rerr error) {
	log := c.log.WithContext(ctx)
	if m.State == "" {
		m.State = mail.Root
	}
	defer func() {
		outcome := "ghost"
		if m.Err != nil || rerr != nil {
			outcome = "error"
		}
		metricMails.WithLabelValues(outcome).Inc()
		log.Debugx("mail processed", rerr, m.LogAttr(), slog.String("outcome", outcome))
	}()

	var entries int
	var exceeded bool
	for m.State != mail.Ghost {
		p, ok := c.processors[m.State]
		if !ok {
			err := fmt.Errorf("%w: %q", ErrUnknownProcessor, m.State)
			log.Errorx("mail moved to unknown processor", err, m.LogAttr())
			rerr = errors.Join(rerr, err)
			c.fail(m, "", err)
			continue
		}

		entries++
		if entries > c.maxJumps {
			err := fmt.Errorf("%w: entered processors %d times", ErrTooManyJumps, c.maxJumps)
			log.Errorx("processing mail", err, m.LogAttr())
			rerr = errors.Join(rerr, err)
			if exceeded {
				m.State = mail.Ghost
				break
			}
			exceeded = true
			entries = 0
			c.fail(m, p.Name, err)
			continue
		}

		c.run(ctx, log, p, m)
	}
	return rerr
}

// run executes the stages of p, until the mail leaves the processor.
func (c *Container) run(ctx context.Context, log mlog.Log, p *Processor, m *mail.Mail) {
	for i, st := range p.Stages {
		c.stage(ctx, log, p, i, st, m)

		if m.State == mail.Ghost {
			return
		} else if len(m.Recipients) == 0 {
			log.Debug("no recipients left, ghosting mail", m.LogAttr(), slog.String("processor", p.Name), slog.Int("stage", i))
			m.State = mail.Ghost
			return
		} else if m.State != p.Name {
			log.Debug("mail moved to processor", m.LogAttr(), slog.String("from", p.Name), slog.Int("stage", i))
			return
		}
	}

	metricLoopGuard.WithLabelValues(p.Name).Inc()
	if p.LoopGuard == "" {
		log.Info("mail reached end of processor, ghosting", m.LogAttr(), slog.String("processor", p.Name))
		m.State = mail.Ghost
	} else {
		log.Info("mail reached end of processor, moving to loop guard processor", m.LogAttr(), slog.String("processor", p.Name), slog.String("loopguard", p.LoopGuard))
		m.State = p.LoopGuard
	}
}

// stage executes a single stage on m.
func (c *Container) stage(ctx context.Context, log mlog.Log, p *Processor, index int, st Stage, m *mail.Mail) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s/%d", p.Name, index),
		trace.WithAttributes(
			attribute.String("mail", m.Name),
			attribute.String("matcher", st.MatcherName),
			attribute.String("mailet", st.MailetName),
		))
	defer func() {
		span.SetAttributes(attribute.String("state", m.State))
		span.End()
		metricStage.WithLabelValues(p.Name, st.MailetName).Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	matched, err := c.match(ctx, log, st, m)
	if err != nil {
		span.RecordError(err)
		policy := st.OnMatchException
		if _, ok := c.processors[policy]; ok || policy == mail.Ghost {
			metricMatcherException.WithLabelValues("processor").Inc()
			log.Infox("matcher failed, moving mail to processor", err, m.LogAttr(), slog.String("stage", st.String()), slog.String("processor", policy))
			m.State = policy
			return
		} else if policy == OnExceptionError {
			metricMatcherException.WithLabelValues("error").Inc()
			c.fail(m, p.Name, fmt.Errorf("stage %d (%s) of processor %s: matcher: %w", index, st, p.Name, err))
			span.SetStatus(codes.Error, "matcher failed")
			return
		}
		metricMatcherException.WithLabelValues("nomatch").Inc()
		log.Infox("matcher failed, treating as no match", err, m.LogAttr(), slog.String("stage", st.String()))
		return
	}
	span.SetAttributes(attribute.Int("matched", len(matched)))
	if len(matched) == 0 {
		return
	}

	var groups []*mail.Mail
	var unmatched *mail.Mail
	if st.Parallel > 1 && len(matched) > 1 {
		groups = m.Partition(matched, st.Parallel)
		_, unmatched = m.Split(matched)
	} else {
		var v *mail.Mail
		v, unmatched = m.Split(matched)
		groups = []*mail.Mail{v}
	}

	errs := make([]error, len(groups))
	if len(groups) == 1 {
		errs[0] = c.service(ctx, log, st, groups[0])
	} else {
		var g errgroup.Group
		for i, v := range groups {
			g.Go(func() error {
				errs[i] = c.service(ctx, log, st, v)
				return nil
			})
		}
		g.Wait()
	}
	m.Merge(unmatched, groups...)

	for _, err := range errs {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "mailet failed")
			c.fail(m, p.Name, fmt.Errorf("stage %d (%s) of processor %s: %w", index, st, p.Name, err))
			break
		}
	}
}

// match calls the matcher and returns the matched recipients that are
// recipients of m, in the order of m.
func (c *Container) match(ctx context.Context, log mlog.Log, st Stage, m *mail.Mail) (matched []smtp.Address, rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		log.Error("unhandled panic in matcher", slog.Any("err", x), slog.String("stage", st.String()), m.LogAttr())
		debug.PrintStack()
		metrics.PanicInc(metrics.Processor)
		matched, rerr = nil, fmt.Errorf("panic in matcher: %v", x)
	}()

	l, err := st.Matcher.Match(ctx, m)
	if err != nil {
		return nil, err
	}
	for _, r := range m.Recipients {
		if slices.ContainsFunc(l, r.Equal) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (c *Container) service(ctx context.Context, log mlog.Log, st Stage, m *mail.Mail) (rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		log.Error("unhandled panic in mailet", slog.Any("err", x), slog.String("stage", st.String()), m.LogAttr())
		debug.PrintStack()
		metrics.PanicInc(metrics.Processor)
		rerr = fmt.Errorf("panic in mailet: %v", x)
	}()

	return st.Mailet.Service(ctx, m)
}

// fail attaches err to m and moves it to the error processor. If the failure
// happened in the error processor itself, the mail is ghosted.
func (c *Container) fail(m *mail.Mail, processor string, err error) {
	err = fmt.Errorf("mail %s: %w", m.Name, err)
	m.Err = err
	m.SetAttribute(mail.AttrError, err.Error())
	if _, ok := c.processors[c.errorProcessor]; !ok || processor == c.errorProcessor {
		c.log.Errorx("failure while handling error, ghosting mail", err, m.LogAttr())
		m.State = mail.Ghost
		return
	}
	c.log.Infox("moving mail to error processor", err, m.LogAttr(), slog.String("from", processor))
	m.State = c.errorProcessor
}
