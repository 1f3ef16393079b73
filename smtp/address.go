package smtp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mjl-/mailet/dns"
)

var (
	ErrBadAddress   = errors.New("invalid email address")
	ErrBadLocalpart = errors.New("invalid localpart")
)

// Generated bounce addresses in the wild can have long localparts, we allow
// more than the 64 octets of RFC 5321.
const maxLocalpart = 128

// Localpart is a decoded local part of an email address, before the "@".
// Quoted strings are stored without the double quotes and escaping
// backslashes. An empty string can be a valid localpart.
type Localpart string

// String returns the localpart as used in SMTP: as dot-atom if possible,
// otherwise as quoted string.
func (lp Localpart) String() string {
	if isDotAtom(string(lp)) {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

// NewAddress returns an address.
func NewAddress(localpart Localpart, domain dns.Domain) Address {
	return Address{localpart, domain}
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address in string form. If smtputf8 is true, the domain is
// formatted with non-ASCII characters. Non-ASCII characters in the localpart
// are returned regardless of smtputf8.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	d := a.Domain.ASCII
	if smtputf8 {
		d = a.Domain.Name()
	}
	return a.Localpart.String() + "@" + d
}

// String returns the address in string form with non-ASCII characters.
func (a Address) String() string {
	return a.Pack(true)
}

// LogString returns the address with utf-8 in localpart and domain. For IDNA
// domains and localparts that need escaping, the escaped localpart and ASCII
// domain are appended after a slash.
func (a Address) LogString() string {
	if a.IsZero() {
		return ""
	}
	s := a.Pack(true)
	lp := a.Localpart.String()
	qlp := strconv.QuoteToASCII(lp)
	escaped := qlp != `"`+lp+`"`
	if a.Domain.Unicode != "" || escaped {
		if escaped {
			lp = qlp
		}
		s += "/" + lp + "@" + a.Domain.ASCII
	}
	return s
}

// Equal returns whether a and o are the same address. Localparts are compared
// case-insensitively.
func (a Address) Equal(o Address) bool {
	return strings.EqualFold(string(a.Localpart), string(o.Localpart)) && a.Domain.ASCII == o.Domain.ASCII
}

// ParseAddress parses an email address. UTF-8 is allowed.
// Returns ErrBadAddress for invalid addresses.
func ParseAddress(s string) (Address, error) {
	lp, rest, err := parseLocalpart(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	domain, ok := strings.CutPrefix(rest, "@")
	if !ok {
		return Address{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	d, err := dns.ParseDomain(domain)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// ParseAddressList parses a comma-separated list of addresses, as used in
// matcher conditions. Whitespace around addresses is ignored, empty elements
// are skipped.
func ParseAddressList(s string) ([]Address, error) {
	var l []Address
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		a, err := ParseAddress(e)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", e, err)
		}
		l = append(l, a)
	}
	return l, nil
}

// ParseReversePath parses a sender from a MAIL FROM command, with optional
// angle brackets. The null reverse path "<>" returns a nil address.
func ParseReversePath(s string) (*Address, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return nil, nil
	}
	a, err := ParseAddress(s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// parseLocalpart parses a dot-atom or quoted string at the start of s, and
// returns the remainder.
func parseLocalpart(s string) (Localpart, string, error) {
	var lp, rest string
	var err error
	if q, ok := strings.CutPrefix(s, `"`); ok {
		lp, rest, err = parseQuoted(q)
	} else {
		lp, rest, err = parseDotAtom(s)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrBadLocalpart, err)
	}
	if len(lp) > maxLocalpart {
		return "", "", fmt.Errorf("%w: longer than %d octets", ErrBadLocalpart, maxLocalpart)
	}
	return Localpart(lp), rest, nil
}

func parseDotAtom(s string) (string, string, error) {
	var b strings.Builder
	for {
		n := atomLen(s)
		if n == 0 {
			return "", "", errors.New("expected atom")
		}
		b.WriteString(s[:n])
		s = s[n:]
		if !strings.HasPrefix(s, ".") {
			return b.String(), s, nil
		}
		b.WriteByte('.')
		s = s[1:]
	}
}

// parseQuoted parses the quoted string after the opening double quote.
func parseQuoted(s string) (string, string, error) {
	var b strings.Builder
	var esc bool
	for i, c := range s {
		switch {
		case esc:
			if c < ' ' || c >= 0x7f {
				return "", "", fmt.Errorf("bad escaped character %q", c)
			}
			b.WriteRune(c)
			esc = false
		case c == '\\':
			esc = true
		case c == '"':
			return b.String(), s[i+1:], nil
		case c >= ' ' && c != 0x7f:
			b.WriteRune(c)
		default:
			return "", "", fmt.Errorf("invalid character %q", c)
		}
	}
	return "", "", errors.New("missing closing double quote")
}

// atomLen returns the length of the atom at the start of s.
func atomLen(s string) int {
	for i, c := range s {
		if !isAtext(c) {
			return i
		}
	}
	return len(s)
}

func isDotAtom(s string) bool {
	for _, e := range strings.Split(s, ".") {
		if e == "" || atomLen(e) != len(e) {
			return false
		}
	}
	return true
}

func isAtext(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c > 0x7f:
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}
