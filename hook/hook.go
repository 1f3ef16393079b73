// Package hook runs ordered lists of hooks for SMTP commands.
//
// Each hook returns a result: accept, reject permanently or temporarily, or
// decline to decide. Result hooks can change each result, e.g. to count
// rejections. The first result that is not Declined determines the response to
// the command, and the remaining hooks are not called. If all hooks decline,
// the command is handled by its core handler.
//
// Hooks are registered against a typed capability, e.g. Rcpt for RcptHook, so
// a hook can only end up in a chain for a command it implements.
package hook

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/metrics"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/smtp"
)

// Code is the outcome of a hook.
type Code int

const (
	Declined Code = iota // No decision, continue with the next hook.
	OK                   // Command accepted.
	Deny                 // Permanent rejection.
	DenySoft             // Temporary rejection.
)

func (c Code) String() string {
	switch c {
	case Declined:
		return "declined"
	case OK:
		return "ok"
	case Deny:
		return "deny"
	case DenySoft:
		return "denysoft"
	}
	return fmt.Sprintf("code%d", int(c))
}

// ParseCode parses the configuration form of a code, e.g. "denysoft".
func ParseCode(s string) (Code, error) {
	for _, c := range []Code{Declined, OK, Deny, DenySoft} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown hook result %q", s)
}

// Result of a hook. ReplyCode, Enhanced and Description are optional, defaults
// are used for the zero values.
type Result struct {
	Code        Code
	ReplyCode   int
	Enhanced    string // Full enhanced status code, e.g. "5.7.1".
	Description string
}

// Response to an SMTP command.
type Response struct {
	Code        int
	Enhanced    string
	Description string
}

func (r Response) String() string {
	if r.Enhanced == "" {
		return fmt.Sprintf("%d %s", r.Code, r.Description)
	}
	return fmt.Sprintf("%d %s %s", r.Code, r.Enhanced, r.Description)
}

// DefaultResponse returns the response for a result, filling in defaults for
// fields the result does not set. Declined results have no response, nil is
// returned.
func DefaultResponse(r Result) *Response {
	var code int
	var se, desc string
	switch r.Code {
	case Deny:
		code, se, desc = smtp.C554TransactionFailed, smtp.SePol7DeliveryUnauth1, "Email rejected"
	case DenySoft:
		code, se, desc = smtp.C451LocalErr, smtp.SeOther00, "Temporary problem. Please try again later"
	case OK:
		code, se, desc = smtp.C250Completed, smtp.SeOther00, "Command accepted"
	default:
		return nil
	}
	resp := &Response{code, smtp.Enhanced(code, se), desc}
	if r.ReplyCode != 0 {
		resp.Code = r.ReplyCode
		resp.Enhanced = smtp.Enhanced(r.ReplyCode, se)
	}
	if r.Enhanced != "" {
		resp.Enhanced = r.Enhanced
	}
	if r.Description != "" {
		resp.Description = r.Description
	}
	return resp
}

// Session is the state of an SMTP connection that hooks can inspect and
// annotate. A session is used by a single connection at a time.
type Session struct {
	Cid           int64
	RemoteIP      net.IP
	RemoteHost    string
	Helo          string
	Authenticated string // Username if authenticated.
	RelayAllowed  bool   // Remote IP is in the authorized networks.

	Sender     *smtp.Address // Nil for null reverse path, or if MAIL FROM was not given yet.
	Recipients []smtp.Address
	Message    *mail.Mail // Set while the message hooks run.

	inTransaction bool
	attrs         map[string]any
}

// Attribute returns the session attribute name and whether it is present.
func (s *Session) Attribute(name string) (any, bool) {
	v, ok := s.attrs[name]
	return v, ok
}

// SetAttribute sets a session attribute.
func (s *Session) SetAttribute(name string, v any) {
	if s.attrs == nil {
		s.attrs = map[string]any{}
	}
	s.attrs[name] = v
}

// Reset clears the transaction state, after a completed message or RSET.
func (s *Session) Reset() {
	s.Sender = nil
	s.Recipients = nil
	s.inTransaction = false
}

// ResultHook can inspect and change the result of each hook of all chains.
// Parameter hook is the hook that produced the result.
type ResultHook interface {
	OnHookResult(ctx context.Context, s *Session, r Result, hook any) Result
}

// ResultHookFunc is a function implementing ResultHook.
type ResultHookFunc func(ctx context.Context, s *Session, r Result, hook any) Result

func (f ResultHookFunc) OnHookResult(ctx context.Context, s *Session, r Result, hook any) Result {
	return f(ctx, s, r, hook)
}

// Call invokes hook h for a command with parameters.
type Call[H any] func(ctx context.Context, h H, s *Session, params string) (Result, error)

// Chain is an ordered list of hooks for one capability, with the result hooks
// of the registry it was created from. A chain is immutable after creation,
// except for ErrorCode which must be set before first use.
type Chain[H any] struct {
	name        string
	hooks       []H
	resultHooks []ResultHook
	call        Call[H]
	log         mlog.Log
	tracer      trace.Tracer

	// Code for hooks that fail with an error or panic, default DenySoft.
	ErrorCode Code
}

// NewChain returns a chain with the hooks registered in reg for capability c,
// in registration order. Call invokes a single hook.
func NewChain[H any](reg *Registry, c Capability[H], call Call[H]) *Chain[H] {
	reg.Lock()
	defer reg.Unlock()
	var hooks []H
	for _, h := range reg.hooks[c.name] {
		hooks = append(hooks, h.(H))
	}
	errorCode := reg.ErrorCode
	if errorCode == Declined {
		errorCode = DenySoft
	}
	return &Chain[H]{
		name:        c.name,
		hooks:       hooks,
		resultHooks: append([]ResultHook{}, reg.resultHooks...),
		call:        call,
		log:         mlog.New("hook", reg.Log),
		tracer:      otel.Tracer("github.com/mjl-/mailet/hook"),
		ErrorCode:   errorCode,
	}
}

// Len returns the number of hooks in the chain.
func (c *Chain[H]) Len() int {
	return len(c.hooks)
}

// Run calls the hooks in order. Each result is passed through the result hooks.
// The response for the first result that is not Declined is returned. If all
// hooks decline, nil is returned.
func (c *Chain[H]) Run(ctx context.Context, s *Session, command, params string) *Response {
	log := c.log.WithCid(s.Cid)
	for i, h := range c.hooks {
		r := c.runHook(ctx, log, h, s, command, params)
		for _, rh := range c.resultHooks {
			r = c.runResultHook(ctx, log, rh, s, r, h)
		}
		resp := DefaultResponse(r)
		log.Debug("hook result",
			slog.String("command", command),
			slog.Int("index", i),
			slog.String("hook", fmt.Sprintf("%T", h)),
			slog.Any("code", r.Code))
		if resp != nil {
			metricResult.WithLabelValues(c.name, r.Code.String()).Inc()
			return resp
		}
	}
	metricResult.WithLabelValues(c.name, Declined.String()).Inc()
	return nil
}

func (c *Chain[H]) runHook(ctx context.Context, log mlog.Log, h H, s *Session, command, params string) (r Result) {
	ctx, span := c.tracer.Start(ctx, c.name, trace.WithAttributes(
		attribute.String("command", command),
		attribute.String("hook", fmt.Sprintf("%T", h)),
	))
	defer func() {
		x := recover()
		if x != nil {
			log.Error("unhandled panic in hook", slog.Any("err", x), slog.String("command", command), slog.String("hook", fmt.Sprintf("%T", h)))
			debug.PrintStack()
			metrics.PanicInc(metrics.Hook)
			r = Result{Code: c.ErrorCode}
			span.SetStatus(codes.Error, "panic")
		}
		span.SetAttributes(attribute.String("result", r.Code.String()))
		span.End()
	}()

	r, err := c.call(ctx, h, s, params)
	if err != nil {
		log.Errorx("hook failed", err, slog.String("command", command), slog.String("hook", fmt.Sprintf("%T", h)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "hook failed")
		return Result{Code: c.ErrorCode}
	}
	return r
}

func (c *Chain[H]) runResultHook(ctx context.Context, log mlog.Log, rh ResultHook, s *Session, r Result, h any) (nr Result) {
	defer func() {
		x := recover()
		if x != nil {
			log.Error("unhandled panic in result hook", slog.Any("err", x), slog.String("resulthook", fmt.Sprintf("%T", rh)))
			debug.PrintStack()
			metrics.PanicInc(metrics.Hook)
			nr = r
		}
	}()
	return rh.OnHookResult(ctx, s, r, h)
}

// CommandHandler handles a command: first the filter checks, e.g. syntax,
// then the hook chain, then the core handler. The first to return a response
// wins. If the command is accepted, by a hook or the core handler, Commit is
// called to update the session.
type CommandHandler[H any] struct {
	Filter func(ctx context.Context, s *Session, command, params string) *Response // Optional.
	Chain  *Chain[H]                                                                // Optional.
	Core   func(ctx context.Context, s *Session, command, params string) Response
	Commit func(ctx context.Context, s *Session, command, params string) // Optional.
}

// Handle returns the response for the command.
func (h CommandHandler[H]) Handle(ctx context.Context, s *Session, command, params string) Response {
	if h.Filter != nil {
		if resp := h.Filter(ctx, s, command, params); resp != nil {
			return *resp
		}
	}
	var resp Response
	if r := h.chainRun(ctx, s, command, params); r != nil {
		resp = *r
	} else {
		resp = h.Core(ctx, s, command, params)
	}
	if resp.Code < 400 && h.Commit != nil {
		h.Commit(ctx, s, command, params)
	}
	return resp
}

func (h CommandHandler[H]) chainRun(ctx context.Context, s *Session, command, params string) *Response {
	if h.Chain == nil {
		return nil
	}
	return h.Chain.Run(ctx, s, command, params)
}
