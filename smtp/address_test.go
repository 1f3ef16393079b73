package smtp

import (
	"errors"
	"strings"
	"testing"
)

func TestParseLocalpart(t *testing.T) {
	good := func(s, exp string) {
		t.Helper()
		lp, rest, err := parseLocalpart(s)
		if err != nil || rest != "" {
			t.Fatalf("unexpected error for localpart %q: %v, remainder %q", s, err, rest)
		}
		if string(lp) != exp {
			t.Fatalf("localpart %q, got %q, expected %q", s, lp, exp)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, rest, err := parseLocalpart(s)
		if err == nil && rest == "" {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if err != nil && !errors.Is(err, ErrBadLocalpart) {
			t.Fatalf("expected ErrBadLocalpart, got %v", err)
		}
	}

	good("user", "user")
	good("a", "a")
	good("a.b.c", "a.b.c")
	good(`""`, "")
	good(`"ok"`, "ok")
	good(`"a.bc"`, "a.bc")
	good(`"a\"b"`, `a"b`)
	good("δοκιμή", "δοκιμή")
	bad("")
	bad("a..b")
	bad(`"`)          // missing ending dquot
	bad("\x00")       // control not allowed
	bad("\"\\")       // ending with backslash
	bad("\"\x01")     // control not allowed in dquote
	bad(`""leftover`) // leftover data after close dquote
	bad(strings.Repeat("a", 129))
}

func TestParseAddress(t *testing.T) {
	good := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("unexpected error for localpart %q: %v", s, err)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err == nil {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if !errors.Is(err, ErrBadAddress) {
			t.Fatalf("expected ErrBadAddress, got %v", err)
		}
	}

	good("user@example.com")
	bad("user@@example.com")
	bad("user")                   // missing @domain
	bad("@example.com")           // missing localpart
	bad(`"@example.com`)          // missing ending dquot or domain
	bad("\x00@example.com")       // control not allowed
	bad("\"\\@example.com")       // missing @domain
	bad("\"\x01@example.com")     // control not allowed in dquote
	bad(`""leftover@example.com`) // leftover data after close dquot
}

func TestPackLocalpart(t *testing.T) {
	var l = []struct {
		input, expect string
	}{
		{``, `""`},     // No atom.
		{`a.`, `"a."`}, // Empty atom not allowed.
		{`a.b`, `a.b`}, // Fine.
		{"azAZ09!#$%&'*+-/=?^_`{|}~", "azAZ09!#$%&'*+-/=?^_`{|}~"}, // All ascii that are fine as atom.
		{` `, `" "`},
		{"\x01", "\"\x01\""}, // todo: should probably return an error for control characters.
		{"<>", `"<>"`},
	}

	for _, e := range l {
		r := Localpart(e.input).String()
		if r != e.expect {
			t.Fatalf("PackLocalpart for %q, expect %q, got %q", e.input, e.expect, r)
		}
	}
}

func TestParseAddressList(t *testing.T) {
	l, err := ParseAddressList(" a@mox.example, ,B@Other.example")
	if err != nil {
		t.Fatalf("parse address list: %v", err)
	}
	if len(l) != 2 || l[0].String() != "a@mox.example" || l[1].String() != "B@other.example" {
		t.Fatalf("parse address list, got %v", l)
	}
	if !l[1].Equal(Address{Localpart: "b", Domain: l[1].Domain}) {
		t.Fatalf("address equal is not case-insensitive for localpart")
	}
	if _, err := ParseAddressList("a@mox.example,bogus"); !errors.Is(err, ErrBadAddress) {
		t.Fatalf("parse bad address list, got %v, expected ErrBadAddress", err)
	}
}

func TestParseReversePath(t *testing.T) {
	a, err := ParseReversePath("<>")
	if err != nil || a != nil {
		t.Fatalf("null reverse path, got %v, %v", a, err)
	}
	a, err = ParseReversePath("<mjl@mox.example>")
	if err != nil || a == nil || a.String() != "mjl@mox.example" {
		t.Fatalf("reverse path, got %v, %v", a, err)
	}
	if _, err := ParseReversePath("<bad>"); err == nil {
		t.Fatalf("expected error for bad reverse path")
	}
}

func TestEnhanced(t *testing.T) {
	check := func(code int, se, exp string) {
		t.Helper()
		if s := Enhanced(code, se); s != exp {
			t.Fatalf("enhanced %d %s, got %q, expected %q", code, se, s, exp)
		}
	}
	check(C554TransactionFailed, SePol7DeliveryUnauth1, "5.7.1")
	check(C451LocalErr, SeProto5Syntax2, "4.5.2")
	check(C250Completed, SeOther00, "2.0.0")
	check(100, SeOther00, "")
}
