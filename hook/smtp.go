package hook

import (
	"context"
	"fmt"
	"strings"

	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/smtp"
)

// Hook interfaces for SMTP commands.
type (
	ConnectHook interface {
		OnConnect(ctx context.Context, s *Session) (Result, error)
	}
	HeloHook interface {
		OnHelo(ctx context.Context, s *Session, helo string) (Result, error)
	}
	MailHook interface {
		OnMail(ctx context.Context, s *Session, sender *smtp.Address) (Result, error)
	}
	RcptHook interface {
		OnRcpt(ctx context.Context, s *Session, rcpt smtp.Address) (Result, error)
	}
	MessageHook interface {
		OnMessage(ctx context.Context, s *Session, m *mail.Mail) (Result, error)
	}
)

// Capabilities for SMTP commands.
var (
	Connect = NewCapability[ConnectHook]("connect")
	Helo    = NewCapability[HeloHook]("helo")
	Mail    = NewCapability[MailHook]("mail")
	Rcpt    = NewCapability[RcptHook]("rcpt")
	Message = NewCapability[MessageHook]("message")
)

// SMTP has the command handlers for an SMTP transaction, with the hooks of a
// registry.
type SMTP struct {
	Connect CommandHandler[ConnectHook]
	Helo    CommandHandler[HeloHook]
	Mail    CommandHandler[MailHook]
	Rcpt    CommandHandler[RcptHook]
	Message CommandHandler[MessageHook]
}

func reply(code int, se, desc string) *Response {
	return &Response{code, smtp.Enhanced(code, se), desc}
}

// NewSMTP returns the command handlers with chains for the hooks registered in
// reg.
func NewSMTP(reg *Registry) *SMTP {
	return &SMTP{
		Connect: CommandHandler[ConnectHook]{
			Chain: NewChain(reg, Connect, func(ctx context.Context, h ConnectHook, s *Session, params string) (Result, error) {
				return h.OnConnect(ctx, s)
			}),
			Core: func(ctx context.Context, s *Session, command, params string) Response {
				return *reply(smtp.C220ServiceReady, smtp.SeOther00, "ready")
			},
		},
		Helo: CommandHandler[HeloHook]{
			Filter: func(ctx context.Context, s *Session, command, params string) *Response {
				if strings.TrimSpace(params) == "" {
					return reply(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "missing hostname")
				}
				return nil
			},
			Chain: NewChain(reg, Helo, func(ctx context.Context, h HeloHook, s *Session, params string) (Result, error) {
				return h.OnHelo(ctx, s, strings.TrimSpace(params))
			}),
			Core: func(ctx context.Context, s *Session, command, params string) Response {
				return *reply(smtp.C250Completed, smtp.SeOther00, "hello "+strings.TrimSpace(params))
			},
			Commit: func(ctx context.Context, s *Session, command, params string) {
				s.Helo = strings.TrimSpace(params)
				s.Reset()
			},
		},
		Mail: CommandHandler[MailHook]{
			Filter: func(ctx context.Context, s *Session, command, params string) *Response {
				if s.Helo == "" {
					return reply(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "say hello first")
				} else if s.inTransaction {
					return reply(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already have mail from")
				} else if _, err := smtp.ParseReversePath(params); err != nil {
					return reply(smtp.C501BadParamSyntax, smtp.SeAddr1SenderSyntax7, "bad sender address")
				}
				return nil
			},
			Chain: NewChain(reg, Mail, func(ctx context.Context, h MailHook, s *Session, params string) (Result, error) {
				sender, err := smtp.ParseReversePath(params)
				if err != nil {
					return Result{}, fmt.Errorf("parsing sender: %w", err)
				}
				return h.OnMail(ctx, s, sender)
			}),
			Core: func(ctx context.Context, s *Session, command, params string) Response {
				return *reply(smtp.C250Completed, "1.0", "sender ok")
			},
			Commit: func(ctx context.Context, s *Session, command, params string) {
				s.Sender, _ = smtp.ParseReversePath(params)
				s.inTransaction = true
			},
		},
		Rcpt: CommandHandler[RcptHook]{
			Filter: func(ctx context.Context, s *Session, command, params string) *Response {
				if !s.inTransaction {
					return reply(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "need mail from first")
				} else if a, err := smtp.ParseReversePath(params); err != nil || a == nil {
					return reply(smtp.C501BadParamSyntax, smtp.SeAddr1MailboxSyntax3, "bad recipient address")
				}
				return nil
			},
			Chain: NewChain(reg, Rcpt, func(ctx context.Context, h RcptHook, s *Session, params string) (Result, error) {
				a, err := smtp.ParseReversePath(params)
				if err != nil || a == nil {
					return Result{}, fmt.Errorf("parsing recipient: %v", err)
				}
				return h.OnRcpt(ctx, s, *a)
			}),
			Core: func(ctx context.Context, s *Session, command, params string) Response {
				return *reply(smtp.C250Completed, "1.5", "recipient ok")
			},
			Commit: func(ctx context.Context, s *Session, command, params string) {
				a, _ := smtp.ParseReversePath(params)
				s.Recipients = append(s.Recipients, *a)
			},
		},
		Message: CommandHandler[MessageHook]{
			Filter: func(ctx context.Context, s *Session, command, params string) *Response {
				if len(s.Recipients) == 0 || s.Message == nil {
					return reply(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "no recipients")
				}
				return nil
			},
			Chain: NewChain(reg, Message, func(ctx context.Context, h MessageHook, s *Session, params string) (Result, error) {
				return h.OnMessage(ctx, s, s.Message)
			}),
			Core: func(ctx context.Context, s *Session, command, params string) Response {
				return *reply(smtp.C250Completed, smtp.SeOther00, "message accepted")
			},
		},
	}
}

// SetErrorCode sets the code for failing hooks on all chains.
func (x *SMTP) SetErrorCode(code Code) {
	x.Connect.Chain.ErrorCode = code
	x.Helo.Chain.ErrorCode = code
	x.Mail.Chain.ErrorCode = code
	x.Rcpt.Chain.ErrorCode = code
	x.Message.Chain.ErrorCode = code
}

// Transaction runs the commands of an SMTP transaction for m through the
// handlers: connect, HELO, MAIL FROM, a RCPT TO for each recipient, and the
// message. Rejected recipients are removed from m. If the transaction is
// accepted, the response to the message is returned with true. Otherwise the
// first rejection that ended the transaction is returned with false.
func (x *SMTP) Transaction(ctx context.Context, s *Session, helo string, m *mail.Mail) (Response, bool) {
	failed := func(r Response) bool {
		return r.Code >= 400
	}

	if r := x.Connect.Handle(ctx, s, "connect", ""); failed(r) {
		return r, false
	}
	if r := x.Helo.Handle(ctx, s, "helo", helo); failed(r) {
		return r, false
	}
	sender := "<>"
	if m.Sender != nil {
		sender = "<" + m.Sender.String() + ">"
	}
	if r := x.Mail.Handle(ctx, s, "mail", sender); failed(r) {
		return r, false
	}
	var last Response
	var accepted []smtp.Address
	for _, rcpt := range m.Recipients {
		last = x.Rcpt.Handle(ctx, s, "rcpt", "<"+rcpt.String()+">")
		if !failed(last) {
			accepted = append(accepted, rcpt)
		}
	}
	if len(accepted) == 0 {
		return last, false
	}
	m.Recipients = accepted
	s.Message = m
	defer func() {
		s.Message = nil
		s.Reset()
	}()
	r := x.Message.Handle(ctx, s, "data", "")
	return r, !failed(r)
}
