package mailet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/smtp"
)

var builtinMailets = map[string]MailetFactory{
	"Null":                newNull,
	"Ghost":               newNull,
	"ToProcessor":         newToProcessor,
	"SetAttribute":        newSetAttribute,
	"RemoveAttribute":     newRemoveAttribute,
	"RemoveAllAttributes": newRemoveAllAttributes,
	"LogMessage":          newLogMessage,
	"AddHeader":           newAddHeader,
	"RecipientRewrite":    newRecipientRewrite,
	"LocalDelivery":       newLocalDelivery,
	"Fail":                newFail,
}

func newNull(params Params, env Env) (Mailet, error) {
	return MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		m.State = mail.Ghost
		return nil
	}), nil
}

type toProcessor struct {
	processor string
	notice    string
}

func (t toProcessor) Service(ctx context.Context, m *mail.Mail) error {
	if t.notice != "" {
		m.Err = errors.New(t.notice)
	}
	m.State = t.processor
	return nil
}

func (t toProcessor) ReferencedProcessors() []string {
	return []string{t.processor}
}

// ToProcessor with parameter "processor" moves mail to that processor.
// Parameter "notice" sets the error of the mail.
func newToProcessor(params Params, env Env) (Mailet, error) {
	p, err := params.Require("processor")
	if err != nil {
		return nil, err
	}
	return toProcessor{p, params.String("notice", "")}, nil
}

func newSetAttribute(params Params, env Env) (Mailet, error) {
	name, err := params.Require("name")
	if err != nil {
		return nil, err
	}
	value := params.String("value", "")
	return MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		m.SetAttribute(name, value)
		return nil
	}), nil
}

// RemoveAttribute with parameter "name", a comma-separated list.
func newRemoveAttribute(params Params, env Env) (Mailet, error) {
	names := params.List("name")
	if len(names) == 0 {
		return nil, fmt.Errorf("missing required parameter %q", "name")
	}
	return MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		for _, name := range names {
			m.RemoveAttribute(name)
		}
		return nil
	}), nil
}

func newRemoveAllAttributes(params Params, env Env) (Mailet, error) {
	return MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		m.RemoveAllAttributes()
		return nil
	}), nil
}

// LogMessage logs the envelope at info level, with parameter "comment". With
// "headers" set to true, the message header is logged too.
func newLogMessage(params Params, env Env) (Mailet, error) {
	comment := params.String("comment", "")
	headers, err := params.Bool("headers", false)
	if err != nil {
		return nil, err
	}
	log := mlog.New("mailet", env.Log)
	return MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		var sender string
		if m.Sender != nil {
			sender = m.Sender.LogString()
		}
		rcpts := make([]string, len(m.Recipients))
		for i, r := range m.Recipients {
			rcpts[i] = r.LogString()
		}
		attrs := []slog.Attr{
			m.LogAttr(),
			slog.String("comment", comment),
			slog.String("sender", sender),
			slog.Any("recipients", rcpts),
			slog.Any("attributes", m.AttributeNames()),
		}
		if m.Content != nil {
			attrs = append(attrs, slog.Int64("size", m.Content.Size()))
		}
		if headers && m.Content != nil {
			h, err := mail.ReadHeader(m.Content)
			log.Check(err, "reading message header for logging", m.LogAttr())
			if err == nil {
				var l []string
				fields := h.Fields()
				for fields.Next() {
					l = append(l, fields.Key()+": "+fields.Value())
				}
				attrs = append(attrs, slog.Any("headers", l))
			}
		}
		log.WithContext(ctx).Info("mail", attrs...)
		return nil
	}), nil
}

// AddHeader adds header field "name" with "value" at the top of the message.
func newAddHeader(params Params, env Env) (Mailet, error) {
	name, err := params.Require("name")
	if err != nil {
		return nil, err
	}
	value := params.String("value", "")
	return MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		c, err := mail.PrependHeader(m.Content, name, value)
		if err != nil {
			return err
		}
		m.Content = c
		return nil
	}), nil
}

// RecipientRewrite replaces each recipient with the addresses it maps to. A
// recipient with an error mapping fails the mail.
func newRecipientRewrite(params Params, env Env) (Mailet, error) {
	if env.Mappings == nil {
		return nil, errors.New("no mappings")
	}
	log := mlog.New("mailet", env.Log)
	return MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		var rcpts []smtp.Address
		for _, r := range m.Recipients {
			l, err := env.Mappings.Resolve(ctx, r)
			if err != nil {
				return fmt.Errorf("rewriting recipient %s: %w", r, err)
			}
			for _, a := range l {
				if !slices.ContainsFunc(rcpts, a.Equal) {
					rcpts = append(rcpts, a)
				}
			}
			if len(l) != 1 || !l[0].Equal(r) {
				log.WithContext(ctx).Debug("recipient rewritten", m.LogAttr(), slog.Any("recipient", r), slog.Any("result", l))
			}
		}
		m.Recipients = rcpts
		return nil
	}), nil
}

// LocalDelivery delivers to the inbox of local recipients, and removes them.
// Other recipients are left for later stages.
func newLocalDelivery(params Params, env Env) (Mailet, error) {
	if env.Local == nil {
		return nil, errors.New("no local user store")
	}
	log := mlog.New("mailet", env.Log)
	return MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		data, err := mail.ReadAll(m.Content)
		if err != nil {
			return err
		}
		var sender string
		if m.Sender != nil {
			sender = m.Sender.String()
		}
		var remaining []smtp.Address
		for _, r := range m.Recipients {
			user, ok, err := env.Local.LocalUser(ctx, r)
			if err != nil {
				return fmt.Errorf("looking up local user for %s: %w", r, err)
			} else if !ok {
				remaining = append(remaining, r)
				continue
			}
			msgID, err := env.Local.Deliver(ctx, user, sender, data)
			if err != nil {
				return fmt.Errorf("delivering to %s: %w", user, err)
			}
			log.WithContext(ctx).Info("delivered", m.LogAttr(), slog.String("user", user), slog.Int64("msgid", msgID))
		}
		m.Recipients = remaining
		return nil
	}), nil
}

// Fail fails the mail with the error in parameter "message".
func newFail(params Params, env Env) (Mailet, error) {
	msg := params.String("message", "failed")
	return MailetFunc(func(ctx context.Context, m *mail.Mail) error {
		return errors.New(msg)
	}), nil
}
