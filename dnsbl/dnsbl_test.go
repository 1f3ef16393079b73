package dnsbl

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/mlog"
)

func TestDNSBL(t *testing.T) {
	ctx := context.Background()
	log := mlog.New("dnsbl", nil)

	resolver := dns.MockResolver{
		A: map[string][]string{
			"2.0.0.127.example.com.": {"127.0.0.2"}, // required for health
			"1.0.0.10.example.com.":  {"127.0.0.2"},
			"b.a.9.8.7.6.5.0.4.0.0.0.3.0.0.0.2.0.0.0.1.0.0.0.8.b.d.0.1.0.0.2.example.com.": {"127.0.0.2"},
		},
		TXT: map[string][]string{
			"1.0.0.10.example.com.": {"listed!"},
			"b.a.9.8.7.6.5.0.4.0.0.0.3.0.0.0.2.0.0.0.1.0.0.0.8.b.d.0.1.0.0.2.example.com.": {"listed!"},
		},
	}

	zone := dns.Domain{ASCII: "example.com"}

	if status, expl, err := Lookup(ctx, log.Logger, resolver, zone, net.ParseIP("10.0.0.1")); err != nil {
		t.Fatalf("lookup: %v", err)
	} else if status != StatusFail {
		t.Fatalf("lookup, got status %v, expected fail", status)
	} else if expl != "listed!" {
		t.Fatalf("lookup, got explanation %q", expl)
	}

	if status, expl, err := Lookup(ctx, log.Logger, resolver, zone, net.ParseIP("2001:db8:1:2:3:4:567:89ab")); err != nil {
		t.Fatalf("lookup: %v", err)
	} else if status != StatusFail {
		t.Fatalf("lookup, got status %v, expected fail", status)
	} else if expl != "listed!" {
		t.Fatalf("lookup, got explanation %q", expl)
	}

	if status, _, err := Lookup(ctx, log.Logger, resolver, zone, net.ParseIP("10.0.0.2")); err != nil {
		t.Fatalf("lookup: %v", err)
	} else if status != StatusPass {
		t.Fatalf("lookup, got status %v, expected pass", status)
	}

	if err := CheckHealth(ctx, log.Logger, resolver, zone); err != nil {
		t.Fatalf("dnsbl not healthy: %v", err)
	}
	if err := CheckHealth(ctx, log.Logger, resolver, dns.Domain{ASCII: "example.org"}); err == nil {
		t.Fatalf("bad dnsbl is healthy")
	}

	unhealthyResolver := dns.MockResolver{
		A: map[string][]string{
			"1.0.0.127.example.com.": {"127.0.0.2"}, // Should not be present in healthy dnsbl.
		},
	}
	if err := CheckHealth(ctx, log.Logger, unhealthyResolver, zone); err == nil {
		t.Fatalf("bad dnsbl is healthy")
	}
}

func TestLists(t *testing.T) {
	ctx := context.Background()
	log := mlog.New("dnsbl", nil)

	resolver := dns.MockResolver{
		A: map[string][]string{
			"1.0.0.10.block.example.": {"127.0.0.2"},
			"2.0.0.10.block.example.": {"127.0.0.2"},
			"2.0.0.10.allow.example.": {"127.0.0.2"},
		},
		TXT: map[string][]string{
			"1.0.0.10.block.example.": {"spam source"},
		},
		Fail: []string{"ip 3.0.0.10.broken.example."},
	}

	lists := Lists{
		Zones: []dns.Domain{{ASCII: "block.example"}},
		Allow: []dns.Domain{{ASCII: "allow.example"}},
	}

	l, err := lists.Check(ctx, log.Logger, resolver, net.ParseIP("10.0.0.1"))
	if err != nil || l == nil || l.Explanation != "spam source" || l.Zone.ASCII != "block.example" {
		t.Fatalf("check listed ip, got %#v, %v", l, err)
	}

	// Listed, but also in allow list.
	l, err = lists.Check(ctx, log.Logger, resolver, net.ParseIP("10.0.0.2"))
	if err != nil || l != nil {
		t.Fatalf("check allowed ip, got %#v, %v", l, err)
	}

	l, err = lists.Check(ctx, log.Logger, resolver, net.ParseIP("10.0.0.3"))
	if err != nil || l != nil {
		t.Fatalf("check unlisted ip, got %#v, %v", l, err)
	}

	broken := Lists{Zones: []dns.Domain{{ASCII: "broken.example"}}}
	_, err = broken.Check(ctx, log.Logger, resolver, net.ParseIP("10.0.0.3"))
	if !errors.Is(err, ErrDNS) {
		t.Fatalf("check with failing zone, got %v, expected ErrDNS", err)
	}
}
