// Package dnsbl looks up IP addresses in DNS block lists (RFC 5782).
//
// A block list is queried under its zone, e.g. "dnsbl.example". For 10.11.12.13
// the name "13.12.11.10.dnsbl.example." is looked up with an "A" query. A
// "record does not exist" response means the IP is not listed. Any address
// means it is listed, after which a TXT lookup for the same name fetches a
// human-readable explanation. IPv6 addresses are reversed per nibble.
//
// The health of a zone can be checked with CheckHealth: 127.0.0.2 must be
// listed, 127.0.0.1 must not be.
package dnsbl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/stub"
)

var (
	MetricLookup stub.HistogramVec = stub.HistogramVecIgnore{}
)

var ErrDNS = errors.New("dnsbl: dns error") // Temporary error.

// Status is the result of a DNSBL lookup.
type Status string

var (
	StatusTemperr Status = "temperror" // Temporary failure.
	StatusPass    Status = "pass"      // Not present in block list.
	StatusFail    Status = "fail"      // Present in block list.
)

// Name returns the absolute DNS name to query for ip in zone.
func Name(zone dns.Domain, ip net.IP) string {
	b := &strings.Builder{}
	if v4 := ip.To4(); v4 != nil {
		for i := len(v4) - 1; i >= 0; i-- {
			b.WriteString(strconv.Itoa(int(v4[i])))
			b.WriteByte('.')
		}
	} else {
		const chars = "0123456789abcdef"
		ip = ip.To16()
		for i := len(ip) - 1; i >= 0; i-- {
			b.WriteByte(chars[ip[i]&0xf])
			b.WriteByte('.')
			b.WriteByte(chars[ip[i]>>4])
			b.WriteByte('.')
		}
	}
	b.WriteString(zone.ASCII + ".")
	return b.String()
}

// Lookup checks if ip occurs in the DNS block list zone (e.g. dnsbl.example.org).
// The explanation is the TXT record of the listing, if any.
func Lookup(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, zone dns.Domain, ip net.IP) (rstatus Status, rexplanation string, rerr error) {
	log := mlog.New("dnsbl", elog)
	start := time.Now()
	defer func() {
		MetricLookup.ObserveLabels(float64(time.Since(start))/float64(time.Second), zone.Name(), string(rstatus))
		log.Debugx("dnsbl lookup result", rerr,
			slog.Any("zone", zone),
			slog.Any("ip", ip),
			slog.Any("status", rstatus),
			slog.String("explanation", rexplanation),
			slog.Duration("duration", time.Since(start)))
	}()

	if ip == nil {
		return StatusPass, "", nil
	}
	addr := Name(zone, ip)
	resolver = dns.WithPackage(resolver, "dnsbl")

	_, _, err := resolver.LookupIP(ctx, "ip4", addr)
	if dns.IsNotFound(err) {
		return StatusPass, "", nil
	} else if err != nil {
		return StatusTemperr, "", fmt.Errorf("%w: %s", ErrDNS, err)
	}

	txts, _, err := resolver.LookupTXT(ctx, addr)
	if err != nil {
		// The listing stands, the explanation is optional.
		if !dns.IsNotFound(err) {
			log.Debugx("looking up txt record from dnsbl", err, slog.String("addr", addr))
		}
		return StatusFail, "", nil
	}
	return StatusFail, strings.Join(txts, "; "), nil
}

// CheckHealth checks whether zone is operating correctly by querying for
// 127.0.0.2 (must be present) and 127.0.0.1 (must not be present).
// For temporary errors, ErrDNS is returned.
func CheckHealth(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, zone dns.Domain) (rerr error) {
	log := mlog.New("dnsbl", elog)
	start := time.Now()
	defer func() {
		log.Debugx("dnsbl healthcheck result", rerr, slog.Any("zone", zone), slog.Duration("duration", time.Since(start)))
	}()

	status1, _, err1 := Lookup(ctx, log.Logger, resolver, zone, net.IPv4(127, 0, 0, 1))
	status2, _, err2 := Lookup(ctx, log.Logger, resolver, zone, net.IPv4(127, 0, 0, 2))
	if status1 == StatusPass && status2 == StatusFail {
		return nil
	} else if status1 == StatusFail {
		return fmt.Errorf("dnsbl contains unwanted test address 127.0.0.1")
	} else if status2 == StatusPass {
		return fmt.Errorf("dnsbl does not contain required test address 127.0.0.2")
	}
	if err1 != nil {
		return err1
	} else if err2 != nil {
		return err2
	}
	return ErrDNS
}

// Listing describes the first block list that has an IP listed.
type Listing struct {
	Zone        dns.Domain
	Explanation string
}

// Lists is a set of block list zones, with allow lists that exempt IPs from
// being checked against the block lists.
type Lists struct {
	Zones []dns.Domain
	Allow []dns.Domain // IPs listed in any of these zones are never blocked.
}

// Check looks up ip in the allow lists, then in the block lists in order. The
// first listing found is returned, nil if ip is not blocked. Temporary errors
// for individual zones are logged and skipped, if all zones fail with a
// temporary error, ErrDNS is returned.
func (l Lists) Check(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, ip net.IP) (*Listing, error) {
	log := mlog.New("dnsbl", elog)

	for _, zone := range l.Allow {
		status, _, err := Lookup(ctx, elog, resolver, zone, ip)
		if status == StatusFail {
			log.Debug("ip in allow list", slog.Any("ip", ip), slog.Any("zone", zone))
			return nil, nil
		}
		log.Check(err, "looking up ip in allow list", slog.Any("zone", zone))
	}

	var failed int
	var lastErr error
	for _, zone := range l.Zones {
		status, expl, err := Lookup(ctx, elog, resolver, zone, ip)
		switch status {
		case StatusFail:
			return &Listing{zone, expl}, nil
		case StatusTemperr:
			failed++
			lastErr = err
			log.Infox("looking up ip in dnsbl", err, slog.Any("zone", zone))
		}
	}
	if failed > 0 && failed == len(l.Zones) {
		return nil, lastErr
	}
	return nil, nil
}
