package hook

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/dnsbl"
	"github.com/mjl-/mailet/mailet"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/ratelimit"
	"github.com/mjl-/mailet/smtp"
)

// Session attributes set by DNSBLHook.
const (
	AttrBlocklisted     = "hook.dnsbl.listed"  // Zone the remote IP is listed in.
	AttrBlocklistDetail = "hook.dnsbl.detail"  // Explanation from the TXT record, if enabled.
	attrDNSBLChecked    = "hook.dnsbl.checked" // Bool.
)

// RelayAllowed returns whether a session from ip can relay without
// authentication. If authRequired is set, nobody can. Without networks, only
// loopback IPs can.
func RelayAllowed(networks []netip.Prefix, authRequired bool, ip net.IP) bool {
	if authRequired {
		return false
	} else if len(networks) == 0 {
		return ip != nil && ip.IsLoopback()
	}
	return mailet.InNetworks(networks, ip)
}

// DNSBLHook checks the remote IP against DNS block lists, once per session. At
// RCPT TO, sessions with a listed IP are rejected, except for recipients
// postmaster and abuse. Authenticated and relay-allowed sessions are not
// checked.
type DNSBLHook struct {
	Lists    dnsbl.Lists
	Resolver dns.Resolver
	Detail   bool // Include the TXT explanation in the rejection.
	Log      *slog.Logger
}

func (h *DNSBLHook) check(ctx context.Context, s *Session) {
	if _, ok := s.Attribute(attrDNSBLChecked); ok {
		return
	}
	s.SetAttribute(attrDNSBLChecked, true)
	log := mlog.New("hook", h.Log).WithCid(s.Cid)

	if s.Authenticated != "" || s.RelayAllowed || s.RemoteIP == nil {
		metricDNSBL.WithLabelValues("skipped").Inc()
		return
	}
	listing, err := h.Lists.Check(ctx, h.Log, h.Resolver, s.RemoteIP)
	if err != nil {
		metricDNSBL.WithLabelValues("error").Inc()
		log.Infox("dnsbl check failed, not blocking", err, slog.Any("ip", s.RemoteIP))
		return
	} else if listing == nil {
		metricDNSBL.WithLabelValues("pass").Inc()
		return
	}
	metricDNSBL.WithLabelValues("listed").Inc()
	log.Info("remote ip in dnsbl", slog.Any("ip", s.RemoteIP), slog.Any("zone", listing.Zone), slog.String("explanation", listing.Explanation))
	s.SetAttribute(AttrBlocklisted, listing.Zone.Name())
	if h.Detail && listing.Explanation != "" {
		s.SetAttribute(AttrBlocklistDetail, listing.Explanation)
	}
}

func (h *DNSBLHook) OnConnect(ctx context.Context, s *Session) (Result, error) {
	h.check(ctx, s)
	return Result{Code: Declined}, nil
}

func (h *DNSBLHook) OnRcpt(ctx context.Context, s *Session, rcpt smtp.Address) (Result, error) {
	h.check(ctx, s)
	zone, ok := s.Attribute(AttrBlocklisted)
	if !ok {
		return Result{Code: Declined}, nil
	}
	switch strings.ToLower(string(rcpt.Localpart)) {
	case "postmaster", "abuse":
		return Result{Code: Declined}, nil
	}
	desc := fmt.Sprintf("Rejected: unauthenticated e-mail from %s is restricted, listed in %s", s.RemoteIP, zone)
	if detail, ok := s.Attribute(AttrBlocklistDetail); ok {
		desc += ": " + detail.(string)
	}
	return Result{
		Code:        Deny,
		ReplyCode:   smtp.C554TransactionFailed,
		Enhanced:    smtp.Enhanced(smtp.C554TransactionFailed, smtp.SePol7DeliveryUnauth1),
		Description: desc,
	}, nil
}

// LocalDomains reports whether a domain is handled locally.
type LocalDomains interface {
	ContainsDomain(ctx context.Context, domain string) (bool, error)
}

// RelayHook rejects recipients in non-local domains, unless the session is
// authenticated or from an authorized network.
type RelayHook struct {
	Domains LocalDomains
}

func (h *RelayHook) OnRcpt(ctx context.Context, s *Session, rcpt smtp.Address) (Result, error) {
	if s.Authenticated != "" || s.RelayAllowed {
		return Result{Code: Declined}, nil
	}
	local, err := h.Domains.ContainsDomain(ctx, rcpt.Domain.ASCII)
	if err != nil {
		return Result{}, fmt.Errorf("checking for local domain: %w", err)
	} else if local {
		return Result{Code: Declined}, nil
	}
	return Result{
		Code:        Deny,
		ReplyCode:   smtp.C550MailboxUnavail,
		Enhanced:    smtp.Enhanced(smtp.C550MailboxUnavail, smtp.SePol7RelayDenied),
		Description: "Requested action not taken: relaying denied",
	}, nil
}

// DenyRateHook is a result hook that counts rejections per remote IP. Once an
// IP reaches the limit, all further results for that IP become a temporary
// rejection.
type DenyRateHook struct {
	Limiter *ratelimit.Limiter
	Now     func() time.Time // Default time.Now.
	Log     *slog.Logger
}

// NewDenyRateHook returns a hook limiting rejections per minute and per hour,
// with higher limits for the subnets of an IP.
func NewDenyRateHook(perMinute, perHour int, log *slog.Logger) *DenyRateHook {
	if perMinute <= 0 {
		perMinute = 20
	}
	if perHour <= 0 {
		perHour = 100
	}
	m, h := int64(perMinute), int64(perHour)
	return &DenyRateHook{
		Limiter: ratelimit.New(
			ratelimit.WindowLimit{Window: time.Minute, Limits: [...]int64{m, 3 * m, 9 * m}},
			ratelimit.WindowLimit{Window: time.Hour, Limits: [...]int64{h, 3 * h, 9 * h}},
		),
		Log: log,
	}
}

func (h *DenyRateHook) OnHookResult(ctx context.Context, s *Session, r Result, hook any) Result {
	if s.RemoteIP == nil {
		return r
	}
	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}
	if !h.Limiter.CanAdd(s.RemoteIP, now, 1) {
		metricDenyRate.Inc()
		mlog.New("hook", h.Log).WithCid(s.Cid).Debug("too many rejected commands from ip", slog.Any("ip", s.RemoteIP))
		return Result{
			Code:        DenySoft,
			ReplyCode:   smtp.C421ServiceUnavail,
			Enhanced:    smtp.Enhanced(smtp.C421ServiceUnavail, smtp.SePol7Other0),
			Description: "Too many rejected commands",
		}
	}
	if r.Code == Deny {
		h.Limiter.Add(s.RemoteIP, now, 1)
	}
	return r
}
