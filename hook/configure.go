package hook

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mjl-/mailet/config"
	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/dnsbl"
)

// ErrUnknownHook is returned by Configure for hooks that don't exist, or don't
// implement the capability they are configured for.
var ErrUnknownHook = errors.New("unknown hook")

// Env has the collaborators for built-in hooks.
type Env struct {
	Resolver dns.Resolver
	Domains  LocalDomains
	Log      *slog.Logger
}

// Configure registers the built-in hooks named in the configuration. A hook
// configured for multiple commands is a single instance, so it can keep state
// per session. All problems are returned together.
func Configure(reg *Registry, c config.SMTP, env Env) error {
	var errs []error
	if c.HookErrorResult != "" {
		code, err := ParseCode(c.HookErrorResult)
		if err != nil {
			errs = append(errs, err)
		} else if code != Deny && code != DenySoft {
			errs = append(errs, fmt.Errorf("hook error result must be deny or denysoft, not %q", c.HookErrorResult))
		} else {
			reg.ErrorCode = code
		}
	}

	instances := map[string]any{}
	instance := func(name string) any {
		if h, ok := instances[name]; ok {
			return h
		}
		var h any
		switch name {
		case "DNSBL":
			h = &DNSBLHook{
				Lists:    dnsbl.Lists{Zones: c.DNSBLZones, Allow: c.DNSBLAllowZones},
				Resolver: env.Resolver,
				Detail:   c.DNSBLDetail,
				Log:      env.Log,
			}
		case "Relay":
			h = &RelayHook{Domains: env.Domains}
		case "DenyRate":
			h = NewDenyRateHook(c.DenyRate.PerMinute, c.DenyRate.PerHour, env.Log)
		default:
			return nil
		}
		instances[name] = h
		return h
	}

	register := func(capName string, names []string, add func(h any) bool) {
		for _, name := range names {
			h := instance(name)
			if h == nil || !add(h) {
				errs = append(errs, fmt.Errorf("%w: %q for %s", ErrUnknownHook, name, capName))
			}
		}
	}
	register(Connect.Name(), c.Hooks.Connect, func(h any) bool {
		x, ok := h.(ConnectHook)
		if ok {
			Register(reg, Connect, x)
		}
		return ok
	})
	register(Helo.Name(), c.Hooks.Helo, func(h any) bool {
		x, ok := h.(HeloHook)
		if ok {
			Register(reg, Helo, x)
		}
		return ok
	})
	register(Mail.Name(), c.Hooks.Mail, func(h any) bool {
		x, ok := h.(MailHook)
		if ok {
			Register(reg, Mail, x)
		}
		return ok
	})
	register(Rcpt.Name(), c.Hooks.Rcpt, func(h any) bool {
		x, ok := h.(RcptHook)
		if ok {
			Register(reg, Rcpt, x)
		}
		return ok
	})
	register(Message.Name(), c.Hooks.Message, func(h any) bool {
		x, ok := h.(MessageHook)
		if ok {
			Register(reg, Message, x)
		}
		return ok
	})
	register("result", c.ResultHooks, func(h any) bool {
		x, ok := h.(ResultHook)
		if ok {
			reg.RegisterResultHook(x)
		}
		return ok
	})
	return errors.Join(errs...)
}
