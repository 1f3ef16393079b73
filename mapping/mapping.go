// Package mapping stores address mappings, also known as a virtual user table,
// and resolves recipient addresses through them.
//
// A mapping is registered for a user and domain. Either can be "*", matching
// any user or domain. The value of a mapping is an address, or has a prefix
// that determines its type:
//
//	regex:<pattern>:<replacement>  pattern must match the full address, $1-style groups are expanded in replacement
//	error:<message>                the address is rejected with message
//	domain:<domain>                the address is rewritten to the same localpart at domain
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/smtp"
)

// Any matches any user or domain.
const Any = "*"

// Value prefixes for the mapping types.
const (
	PrefixRegex  = "regex:"
	PrefixError  = "error:"
	PrefixDomain = "domain:"
)

// MaxDepth is the maximum number of mapping levels followed when resolving an
// address.
const MaxDepth = 10

var (
	ErrExists   = errors.New("mapping already exists")
	ErrNotFound = errors.New("mapping not found")
	ErrInvalid  = errors.New("invalid mapping")
	ErrLoop     = errors.New("mapping nested too deep")
)

// ErrorMapping is returned by Resolve for addresses with an error mapping.
type ErrorMapping struct {
	Address smtp.Address
	Message string
}

func (e ErrorMapping) Error() string {
	return fmt.Sprintf("address %s: %s", e.Address, e.Message)
}

// Mapping is a single mapping in the database.
type Mapping struct {
	ID      int64
	User    string    `bstore:"nonzero,unique User+Domain+Value"` // Lower case, or Any.
	Domain  string    `bstore:"nonzero,index Domain+User"`        // ASCII lower case, or Any.
	Value   string    `bstore:"nonzero"`
	Created time.Time `bstore:"nonzero,default now"`
}

// DBTypes are the types stored in the mapping database.
var DBTypes = []any{Mapping{}}

// Store holds the mappings.
type Store struct {
	DB  *bstore.DB
	log mlog.Log
}

// Open opens or creates the mapping database at path.
func Open(ctx context.Context, elog *slog.Logger, path string) (*Store, error) {
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open mapping database: %w", err)
	}
	return &Store{db, mlog.New("mapping", elog)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func normalizeUser(user string) string {
	if user == "" {
		return Any
	}
	return strings.ToLower(user)
}

func normalizeDomain(domain string) (string, error) {
	if domain == "" || domain == Any {
		return Any, nil
	}
	d, err := dns.ParseDomain(domain)
	if err != nil {
		return "", fmt.Errorf("%w: domain %q: %v", ErrInvalid, domain, err)
	}
	return d.ASCII, nil
}

// parseRegex parses "<pattern>:<replacement>". The pattern must match the
// full address.
func parseRegex(s string) (*regexp.Regexp, string, error) {
	pattern, repl, ok := strings.Cut(s, ":")
	if !ok || pattern == "" || repl == "" {
		return nil, "", fmt.Errorf("%w: regex mapping must have form <pattern>:<replacement>", ErrInvalid)
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, "", fmt.Errorf("%w: regular expression: %v", ErrInvalid, err)
	}
	return re, repl, nil
}

// validate checks the value for its type, and returns the normalized value.
func validate(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, PrefixRegex):
		if _, _, err := parseRegex(value[len(PrefixRegex):]); err != nil {
			return "", err
		}
	case strings.HasPrefix(value, PrefixError):
		if value == PrefixError {
			return "", fmt.Errorf("%w: empty error message", ErrInvalid)
		}
	case strings.HasPrefix(value, PrefixDomain):
		d, err := dns.ParseDomain(value[len(PrefixDomain):])
		if err != nil {
			return "", fmt.Errorf("%w: domain: %v", ErrInvalid, err)
		}
		value = PrefixDomain + d.ASCII
	default:
		a, err := smtp.ParseAddress(value)
		if err != nil {
			return "", fmt.Errorf("%w: address: %v", ErrInvalid, err)
		}
		value = a.Pack(false)
	}
	return value, nil
}

// AddMapping adds a mapping for user and domain. The type is inferred from the
// prefix of value. Adding an existing mapping fails with ErrExists.
func (s *Store) AddMapping(ctx context.Context, user, domain, value string) error {
	user = normalizeUser(user)
	domain, err := normalizeDomain(domain)
	if err != nil {
		return err
	}
	value, err = validate(value)
	if err != nil {
		return err
	}

	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[Mapping](tx).FilterNonzero(Mapping{User: user, Domain: domain, Value: value}).Exists()
		if err != nil {
			return fmt.Errorf("checking existing mapping: %w", err)
		} else if exists {
			return fmt.Errorf("%w: %s@%s to %s", ErrExists, user, domain, value)
		}
		return tx.Insert(&Mapping{User: user, Domain: domain, Value: value})
	})
	if err == nil {
		s.log.Info("mapping added", slog.String("user", user), slog.String("domain", domain), slog.String("value", value))
	}
	return err
}

// RemoveMapping removes a mapping for user and domain, failing with
// ErrNotFound if it does not exist.
func (s *Store) RemoveMapping(ctx context.Context, user, domain, value string) error {
	user = normalizeUser(user)
	domain, err := normalizeDomain(domain)
	if err != nil {
		return err
	}
	// Normalize for a match, but allow removing values that no longer validate.
	if v, err := validate(value); err == nil {
		value = v
	}

	n, err := bstore.QueryDB[Mapping](ctx, s.DB).FilterNonzero(Mapping{User: user, Domain: domain, Value: value}).Delete()
	if err != nil {
		return fmt.Errorf("removing mapping: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s@%s to %s", ErrNotFound, user, domain, value)
	}
	s.log.Info("mapping removed", slog.String("user", user), slog.String("domain", domain), slog.String("value", value))
	return nil
}

// AddAddressMapping maps user@domain to address.
func (s *Store) AddAddressMapping(ctx context.Context, user, domain, address string) error {
	if hasTypePrefix(address) {
		return fmt.Errorf("%w: address mapping %q has type prefix", ErrInvalid, address)
	}
	return s.AddMapping(ctx, user, domain, address)
}

func (s *Store) RemoveAddressMapping(ctx context.Context, user, domain, address string) error {
	return s.RemoveMapping(ctx, user, domain, address)
}

// AddRegexMapping maps user@domain through regular expression regex.
func (s *Store) AddRegexMapping(ctx context.Context, user, domain, regex string) error {
	return s.AddMapping(ctx, user, domain, PrefixRegex+regex)
}

func (s *Store) RemoveRegexMapping(ctx context.Context, user, domain, regex string) error {
	return s.RemoveMapping(ctx, user, domain, PrefixRegex+regex)
}

// AddErrorMapping rejects user@domain with message.
func (s *Store) AddErrorMapping(ctx context.Context, user, domain, message string) error {
	return s.AddMapping(ctx, user, domain, PrefixError+message)
}

func (s *Store) RemoveErrorMapping(ctx context.Context, user, domain, message string) error {
	return s.RemoveMapping(ctx, user, domain, PrefixError+message)
}

// AddDomainMapping makes domain an alias of target.
func (s *Store) AddDomainMapping(ctx context.Context, domain, target string) error {
	return s.AddMapping(ctx, Any, domain, PrefixDomain+target)
}

func (s *Store) RemoveDomainMapping(ctx context.Context, domain, target string) error {
	return s.RemoveMapping(ctx, Any, domain, PrefixDomain+target)
}

func hasTypePrefix(s string) bool {
	return strings.HasPrefix(s, PrefixRegex) || strings.HasPrefix(s, PrefixError) || strings.HasPrefix(s, PrefixDomain)
}

// UserDomainMappings returns the mappings registered for exactly user and
// domain, nil if there are none.
func (s *Store) UserDomainMappings(ctx context.Context, user, domain string) ([]string, error) {
	user = normalizeUser(user)
	domain, err := normalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	return s.values(ctx, user, domain)
}

func (s *Store) values(ctx context.Context, user, domain string) ([]string, error) {
	l, err := bstore.QueryDB[Mapping](ctx, s.DB).FilterNonzero(Mapping{User: user, Domain: domain}).SortAsc("ID").List()
	if err != nil {
		return nil, fmt.Errorf("listing mappings: %w", err)
	}
	var r []string
	for _, m := range l {
		r = append(r, m.Value)
	}
	return r, nil
}

// AllMappings returns all mappings, keyed by user@domain.
func (s *Store) AllMappings(ctx context.Context) (map[string][]string, error) {
	r := map[string][]string{}
	err := bstore.QueryDB[Mapping](ctx, s.DB).SortAsc("ID").ForEach(func(m Mapping) error {
		k := m.User + "@" + m.Domain
		r[k] = append(r[k], m.Value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing mappings: %w", err)
	}
	return r, nil
}

// Resolve returns the addresses addr maps to. Mappings for user@domain are
// used if present, otherwise user@*, otherwise *@domain. An address without
// mappings resolves to itself. Resulting addresses are resolved again, up to
// MaxDepth levels. Error mappings return an ErrorMapping.
func (s *Store) Resolve(ctx context.Context, addr smtp.Address) ([]smtp.Address, error) {
	var r []smtp.Address
	if err := s.resolve(ctx, addr, 0, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) lookup(ctx context.Context, addr smtp.Address) ([]string, error) {
	user := strings.ToLower(string(addr.Localpart))
	for _, k := range [][2]string{{user, addr.Domain.ASCII}, {user, Any}, {Any, addr.Domain.ASCII}} {
		l, err := s.values(ctx, k[0], k[1])
		if err != nil || len(l) > 0 {
			return l, err
		}
	}
	return nil, nil
}

func (s *Store) resolve(ctx context.Context, addr smtp.Address, depth int, r *[]smtp.Address) error {
	if depth > MaxDepth {
		return fmt.Errorf("%w: resolving %s", ErrLoop, addr)
	}

	add := func(a smtp.Address) {
		if !slices.ContainsFunc(*r, a.Equal) {
			*r = append(*r, a)
		}
	}

	values, err := s.lookup(ctx, addr)
	if err != nil {
		return err
	}
	var mapped bool
	for _, v := range values {
		var na smtp.Address
		switch {
		case strings.HasPrefix(v, PrefixError):
			return ErrorMapping{addr, v[len(PrefixError):]}
		case strings.HasPrefix(v, PrefixRegex):
			re, repl, err := parseRegex(v[len(PrefixRegex):])
			if err != nil {
				s.log.Errorx("bad regex in mapping, skipping", err, slog.String("value", v))
				continue
			}
			full := addr.Pack(false)
			match := re.FindStringSubmatchIndex(full)
			if match == nil {
				continue
			}
			ns := string(re.ExpandString(nil, repl, full, match))
			na, err = smtp.ParseAddress(ns)
			if err != nil {
				s.log.Infox("regex mapping results in invalid address, skipping", err, slog.String("value", v), slog.String("result", ns))
				continue
			}
		case strings.HasPrefix(v, PrefixDomain):
			d, err := dns.ParseDomain(v[len(PrefixDomain):])
			if err != nil {
				s.log.Errorx("bad domain in mapping, skipping", err, slog.String("value", v))
				continue
			}
			na = smtp.NewAddress(addr.Localpart, d)
		default:
			na, err = smtp.ParseAddress(v)
			if err != nil {
				s.log.Errorx("bad address in mapping, skipping", err, slog.String("value", v))
				continue
			}
		}
		mapped = true
		if na.Equal(addr) {
			add(na)
			continue
		}
		if err := s.resolve(ctx, na, depth+1, r); err != nil {
			return err
		}
	}
	if !mapped {
		add(addr)
	}
	return nil
}
