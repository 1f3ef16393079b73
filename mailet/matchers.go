package mailet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"

	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/dnsbl"
	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/smtp"
)

var builtinMatchers = map[string]MatcherFactory{
	"All":                 newAll,
	"RecipientIs":         newRecipientIs,
	"HostIs":              newHostIs,
	"SenderIs":            newSenderIs,
	"SenderIsNull":        newSenderIsNull,
	"HasAttribute":        newHasAttribute,
	"HeaderContains":      newHeaderContains,
	"RemoteAddrInNetwork": newRemoteAddrInNetwork,
	"InDNSBL":             newInDNSBL,
	"RecipientIsLocal":    newRecipientIsLocal,
}

// allIf returns all recipients if ok.
func allIf(m *mail.Mail, ok bool) []smtp.Address {
	if !ok {
		return nil
	}
	return slices.Clone(m.Recipients)
}

func newAll(cond string, env Env) (Matcher, error) {
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		return allIf(m, true), nil
	}), nil
}

// RecipientIs=a@example.org,b@example.org
func newRecipientIs(cond string, env Env) (Matcher, error) {
	addrs, err := smtp.ParseAddressList(cond)
	if err != nil {
		return nil, err
	} else if len(addrs) == 0 {
		return nil, fmt.Errorf("condition needs at least one address")
	}
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		var r []smtp.Address
		for _, rcpt := range m.Recipients {
			if slices.ContainsFunc(addrs, rcpt.Equal) {
				r = append(r, rcpt)
			}
		}
		return r, nil
	}), nil
}

// HostIs=example.org,example.com
func newHostIs(cond string, env Env) (Matcher, error) {
	var domains []dns.Domain
	for _, s := range splitList(cond) {
		d, err := dns.ParseDomain(s)
		if err != nil {
			return nil, fmt.Errorf("domain %q: %v", s, err)
		}
		domains = append(domains, d)
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("condition needs at least one domain")
	}
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		var r []smtp.Address
		for _, rcpt := range m.Recipients {
			if slices.Contains(domains, rcpt.Domain) {
				r = append(r, rcpt)
			}
		}
		return r, nil
	}), nil
}

// SenderIs=a@example.org,b@example.org
func newSenderIs(cond string, env Env) (Matcher, error) {
	addrs, err := smtp.ParseAddressList(cond)
	if err != nil {
		return nil, err
	} else if len(addrs) == 0 {
		return nil, fmt.Errorf("condition needs at least one address")
	}
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		return allIf(m, m.Sender != nil && slices.ContainsFunc(addrs, m.Sender.Equal)), nil
	}), nil
}

func newSenderIsNull(cond string, env Env) (Matcher, error) {
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		return allIf(m, m.Sender == nil), nil
	}), nil
}

// HasAttribute=name or HasAttribute=name=value, compared to the string form of
// the attribute value.
func newHasAttribute(cond string, env Env) (Matcher, error) {
	name, value, withValue := strings.Cut(cond, "=")
	if name == "" {
		return nil, fmt.Errorf("condition needs an attribute name")
	}
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		v, ok := m.Attribute(name)
		if ok && withValue {
			ok = fmt.Sprint(v) == value
		}
		return allIf(m, ok), nil
	}), nil
}

// HeaderContains=Subject:offer, case-insensitive substring match on any of the
// header fields with the name.
func newHeaderContains(cond string, env Env) (Matcher, error) {
	key, substr, ok := strings.Cut(cond, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return nil, fmt.Errorf("condition must have form header:substring")
	}
	substr = strings.ToLower(substr)
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		h, err := mail.ReadHeader(m.Content)
		if err != nil {
			return nil, err
		}
		fields := h.FieldsByKey(key)
		for fields.Next() {
			v, err := fields.Text()
			if err != nil {
				v = fields.Value()
			}
			if strings.Contains(strings.ToLower(v), substr) {
				return allIf(m, true), nil
			}
		}
		return nil, nil
	}), nil
}

// RemoteAddrInNetwork=127.0.0.0/8,::1 matches if the remote IP of the
// connection the mail was received on is in one of the networks.
func newRemoteAddrInNetwork(cond string, env Env) (Matcher, error) {
	var prefixes []netip.Prefix
	for _, s := range splitList(cond) {
		p, err := ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("condition needs at least one network")
	}
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		return allIf(m, InNetworks(prefixes, m.RemoteIP)), nil
	}), nil
}

// ParsePrefix parses an IP network in CIDR notation, or a single IP.
func ParsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parsing ip %q: %v", s, err)
		}
		return netip.PrefixFrom(ip, ip.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parsing network %q: %v", s, err)
	}
	return p.Masked(), nil
}

// InNetworks returns whether ip is in any of the prefixes.
func InNetworks(prefixes []netip.Prefix, ip []byte) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	return slices.ContainsFunc(prefixes, func(p netip.Prefix) bool { return p.Contains(addr) })
}

// InDNSBL=zen.spamhaus.org,bl.example matches if the remote IP is listed in
// one of the DNS block lists.
func newInDNSBL(cond string, env Env) (Matcher, error) {
	var lists dnsbl.Lists
	for _, s := range splitList(cond) {
		d, err := dns.ParseDomain(s)
		if err != nil {
			return nil, fmt.Errorf("zone %q: %v", s, err)
		}
		lists.Zones = append(lists.Zones, d)
	}
	if len(lists.Zones) == 0 {
		return nil, fmt.Errorf("condition needs at least one zone")
	}
	if env.Resolver == nil {
		return nil, fmt.Errorf("no dns resolver")
	}
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		if m.RemoteIP == nil {
			return nil, nil
		}
		l, err := lists.Check(ctx, env.Log, env.Resolver, m.RemoteIP)
		if err != nil {
			return nil, err
		} else if l == nil {
			return nil, nil
		}
		mlog.New("mailet", env.Log).Info("remote ip in dnsbl",
			slog.Any("ip", m.RemoteIP),
			slog.Any("zone", l.Zone),
			slog.String("explanation", l.Explanation),
			m.LogAttr())
		return allIf(m, true), nil
	}), nil
}

// RecipientIsLocal matches recipients that are local users.
func newRecipientIsLocal(cond string, env Env) (Matcher, error) {
	if env.Local == nil {
		return nil, errors.New("no local user store")
	}
	return MatcherFunc(func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
		var r []smtp.Address
		for _, rcpt := range m.Recipients {
			_, ok, err := env.Local.LocalUser(ctx, rcpt)
			if err != nil {
				return nil, err
			} else if ok {
				r = append(r, rcpt)
			}
		}
		return r, nil
	}), nil
}
