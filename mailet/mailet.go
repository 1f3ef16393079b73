// Package mailet defines the matchers and mailets that make up the stages of a
// processor, and a registry to create them by name from configuration.
//
// A matcher selects recipients of a mail, a mailet acts on a mail for the
// selected recipients. Matchers must not modify the mail. Mailets can change
// recipients, content, attributes and state, e.g. setting state to mail.Ghost
// to stop processing.
package mailet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/smtp"
)

// Matcher selects the recipients of m that a stage's mailet applies to.
type Matcher interface {
	Match(ctx context.Context, m *mail.Mail) ([]smtp.Address, error)
}

// Mailet acts on a mail.
type Mailet interface {
	Service(ctx context.Context, m *mail.Mail) error
}

// MatcherFunc is a function that implements Matcher.
type MatcherFunc func(ctx context.Context, m *mail.Mail) ([]smtp.Address, error)

func (f MatcherFunc) Match(ctx context.Context, m *mail.Mail) ([]smtp.Address, error) {
	return f(ctx, m)
}

// MailetFunc is a function that implements Mailet.
type MailetFunc func(ctx context.Context, m *mail.Mail) error

func (f MailetFunc) Service(ctx context.Context, m *mail.Mail) error {
	return f(ctx, m)
}

// ProcessorReferrer is implemented by mailets that route to other processors.
// The names are checked to exist when building processors.
type ProcessorReferrer interface {
	ReferencedProcessors() []string
}

// Mappings resolves recipients through address mappings.
type Mappings interface {
	Resolve(ctx context.Context, addr smtp.Address) ([]smtp.Address, error)
}

// Local knows about local users and delivers to them.
type Local interface {
	LocalUser(ctx context.Context, addr smtp.Address) (user string, ok bool, err error)
	Deliver(ctx context.Context, user, sender string, data []byte) (int64, error)
}

// Env holds the collaborators available to matchers and mailets.
type Env struct {
	Log      *slog.Logger
	Resolver dns.Resolver
	Mappings Mappings // Can be nil, mailets that need it fail at construction.
	Local    Local    // Can be nil, idem.
}

// MatcherFactory creates a matcher from its condition, the text after "=" in
// a configured matcher.
type MatcherFactory func(cond string, env Env) (Matcher, error)

// MailetFactory creates a mailet from its parameters.
type MailetFactory func(params Params, env Env) (Mailet, error)

var ErrUnknown = errors.New("unknown matcher or mailet")

// Registry holds factories for matchers and mailets by name.
type Registry struct {
	sync.Mutex
	matchers map[string]MatcherFactory
	mailets  map[string]MailetFactory
}

// NewRegistry returns a registry with the built-in matchers and mailets.
func NewRegistry() *Registry {
	r := &Registry{
		matchers: map[string]MatcherFactory{},
		mailets:  map[string]MailetFactory{},
	}
	for name, f := range builtinMatchers {
		r.RegisterMatcher(name, f)
	}
	for name, f := range builtinMailets {
		r.RegisterMailet(name, f)
	}
	return r
}

// RegisterMatcher registers a matcher factory, replacing an existing one with
// the same name.
func (r *Registry) RegisterMatcher(name string, f MatcherFactory) {
	r.Lock()
	defer r.Unlock()
	r.matchers[name] = f
}

// RegisterMailet registers a mailet factory, replacing an existing one with
// the same name.
func (r *Registry) RegisterMailet(name string, f MailetFactory) {
	r.Lock()
	defer r.Unlock()
	r.mailets[name] = f
}

// Matcher creates a new matcher by name.
func (r *Registry) Matcher(name, cond string, env Env) (Matcher, error) {
	r.Lock()
	f, ok := r.matchers[name]
	r.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: matcher %q", ErrUnknown, name)
	}
	m, err := f(cond, env)
	if err != nil {
		return nil, fmt.Errorf("matcher %s: %w", name, err)
	}
	return m, nil
}

// Mailet creates a new mailet by name.
func (r *Registry) Mailet(name string, params Params, env Env) (Mailet, error) {
	r.Lock()
	f, ok := r.mailets[name]
	r.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: mailet %q", ErrUnknown, name)
	}
	m, err := f(params, env)
	if err != nil {
		return nil, fmt.Errorf("mailet %s: %w", name, err)
	}
	return m, nil
}

// Matchers returns the names of the registered matchers, sorted.
func (r *Registry) Matchers() []string {
	r.Lock()
	defer r.Unlock()
	return slices.Sorted(maps.Keys(r.matchers))
}

// Mailets returns the names of the registered mailets, sorted.
func (r *Registry) Mailets() []string {
	r.Lock()
	defer r.Unlock()
	return slices.Sorted(maps.Keys(r.mailets))
}

// Params are the configured parameters of a mailet.
type Params map[string]string

// String returns the parameter, or def if absent.
func (p Params) String(name, def string) string {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Require returns the parameter, or an error if it is absent or empty.
func (p Params) Require(name string) (string, error) {
	v := p[name]
	if v == "" {
		return "", fmt.Errorf("missing required parameter %q", name)
	}
	return v, nil
}

// Bool returns the parameter parsed as boolean, or def if absent.
func (p Params) Bool(name string, def bool) (bool, error) {
	v, ok := p[name]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parameter %q: %v", name, err)
	}
	return b, nil
}

// Int returns the parameter parsed as integer, or def if absent.
func (p Params) Int(name string, def int) (int, error) {
	v, ok := p[name]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %v", name, err)
	}
	return i, nil
}

// List returns the comma-separated parameter as list, with whitespace trimmed
// and empty elements removed.
func (p Params) List(name string) []string {
	return splitList(p[name])
}

func splitList(s string) []string {
	var l []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			l = append(l, e)
		}
	}
	return l
}
