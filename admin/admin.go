// Package admin exports the management API for address mappings, over HTTP
// with sherpa.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/mailet/mapping"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/smtp"
)

// Version of the API, reported in sherpa.json.
const Version = "v1"

// Path the API is served at.
const Path = "/admin/api/"

var pkglog = mlog.New("admin", nil)

var collector *sherpaprom.Collector

func init() {
	var err error
	collector, err = sherpaprom.NewCollector("mailetadmin", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
}

// Admin exports the mapping functions. All its methods are exported under
// Path.
type Admin struct {
	Mappings *mapping.Store
	Log      *slog.Logger
}

// NewHandler returns an HTTP handler for the API, to be served at Path.
func NewHandler(a Admin) (http.Handler, error) {
	doc := apiDoc()
	return sherpa.NewHandler(Path, Version, a, &doc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
}

func (a Admin) xlog(ctx context.Context) mlog.Log {
	return mlog.New("admin", a.Log).WithContext(ctx)
}

// xcheckf panics with a sherpa error if err is not nil. Errors about bad input
// or existence get code user:error, others server:error.
func (a Admin) xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	if errors.Is(err, mapping.ErrExists) || errors.Is(err, mapping.ErrNotFound) || errors.Is(err, mapping.ErrInvalid) || errors.Is(err, mapping.ErrLoop) {
		a.xlog(ctx).Debugx(msg, err)
		panic(&sherpa.Error{Code: "user:error", Message: errmsg})
	}
	a.xlog(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func (a Admin) xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	a.xlog(ctx).Debugx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: fmt.Sprintf("%s: %s", msg, err)})
}

// AllMappings returns all mappings, keyed by user@domain.
func (a Admin) AllMappings(ctx context.Context) map[string][]string {
	m, err := a.Mappings.AllMappings(ctx)
	a.xcheckf(ctx, err, "listing mappings")
	if m == nil {
		m = map[string][]string{}
	}
	return m
}

// UserDomainMappings returns the mappings for user and domain, either can be
// "*" for any.
func (a Admin) UserDomainMappings(ctx context.Context, user, domain string) []string {
	l, err := a.Mappings.UserDomainMappings(ctx, user, domain)
	a.xcheckf(ctx, err, "listing mappings")
	if l == nil {
		l = []string{}
	}
	return l
}

// AddMapping adds a mapping, its type inferred from a prefix: "regex:",
// "error:", "domain:", or none for an address mapping.
func (a Admin) AddMapping(ctx context.Context, user, domain, mapping string) {
	err := a.Mappings.AddMapping(ctx, user, domain, mapping)
	a.xcheckf(ctx, err, "adding mapping")
}

// RemoveMapping removes a mapping, its type inferred from a prefix like
// AddMapping.
func (a Admin) RemoveMapping(ctx context.Context, user, domain, mapping string) {
	err := a.Mappings.RemoveMapping(ctx, user, domain, mapping)
	a.xcheckf(ctx, err, "removing mapping")
}

// AddAddressMapping adds an address mapping.
func (a Admin) AddAddressMapping(ctx context.Context, user, domain, address string) {
	err := a.Mappings.AddAddressMapping(ctx, user, domain, address)
	a.xcheckf(ctx, err, "adding address mapping")
}

// RemoveAddressMapping removes an address mapping.
func (a Admin) RemoveAddressMapping(ctx context.Context, user, domain, address string) {
	err := a.Mappings.RemoveAddressMapping(ctx, user, domain, address)
	a.xcheckf(ctx, err, "removing address mapping")
}

// AddRegexMapping adds a regex mapping, of the form pattern:replacement.
func (a Admin) AddRegexMapping(ctx context.Context, user, domain, regex string) {
	err := a.Mappings.AddRegexMapping(ctx, user, domain, regex)
	a.xcheckf(ctx, err, "adding regex mapping")
}

// RemoveRegexMapping removes a regex mapping.
func (a Admin) RemoveRegexMapping(ctx context.Context, user, domain, regex string) {
	err := a.Mappings.RemoveRegexMapping(ctx, user, domain, regex)
	a.xcheckf(ctx, err, "removing regex mapping")
}

// AddErrorMapping adds an error mapping, mail for user and domain fails with
// the message.
func (a Admin) AddErrorMapping(ctx context.Context, user, domain, message string) {
	err := a.Mappings.AddErrorMapping(ctx, user, domain, message)
	a.xcheckf(ctx, err, "adding error mapping")
}

// RemoveErrorMapping removes an error mapping.
func (a Admin) RemoveErrorMapping(ctx context.Context, user, domain, message string) {
	err := a.Mappings.RemoveErrorMapping(ctx, user, domain, message)
	a.xcheckf(ctx, err, "removing error mapping")
}

// Resolve returns the addresses mail for address is delivered to after
// applying the mappings.
func (a Admin) Resolve(ctx context.Context, address string) []string {
	addr, err := smtp.ParseAddress(address)
	a.xcheckuserf(ctx, err, "parsing address")
	l, err := a.Mappings.Resolve(ctx, addr)
	var em mapping.ErrorMapping
	if errors.As(err, &em) {
		a.xcheckuserf(ctx, err, "resolving address")
	}
	a.xcheckf(ctx, err, "resolving address")
	r := []string{}
	for _, x := range l {
		r = append(r, x.String())
	}
	return r
}

func apiDoc() sherpadoc.Section {
	str := []string{"string"}
	arg := func(name string) sherpadoc.Arg {
		return sherpadoc.Arg{Name: name, Typewords: str}
	}
	fn := func(name, docs string, params []sherpadoc.Arg, returns []sherpadoc.Arg) *sherpadoc.Function {
		if params == nil {
			params = []sherpadoc.Arg{}
		}
		if returns == nil {
			returns = []sherpadoc.Arg{}
		}
		return &sherpadoc.Function{Name: name, Docs: docs, Params: params, Returns: returns}
	}
	mappingArgs := func(last string) []sherpadoc.Arg {
		return []sherpadoc.Arg{arg("user"), arg("domain"), arg(last)}
	}
	return sherpadoc.Section{
		Name: "Admin",
		Docs: "Admin exports the mapping functions.",
		Functions: []*sherpadoc.Function{
			fn("AllMappings", "AllMappings returns all mappings, keyed by user@domain.", nil, []sherpadoc.Arg{{Name: "r0", Typewords: []string{"{}", "[]", "string"}}}),
			fn("UserDomainMappings", "UserDomainMappings returns the mappings for user and domain.", []sherpadoc.Arg{arg("user"), arg("domain")}, []sherpadoc.Arg{{Name: "r0", Typewords: []string{"[]", "string"}}}),
			fn("AddMapping", "AddMapping adds a mapping, its type inferred from a prefix.", mappingArgs("mapping"), nil),
			fn("RemoveMapping", "RemoveMapping removes a mapping, its type inferred from a prefix.", mappingArgs("mapping"), nil),
			fn("AddAddressMapping", "AddAddressMapping adds an address mapping.", mappingArgs("address"), nil),
			fn("RemoveAddressMapping", "RemoveAddressMapping removes an address mapping.", mappingArgs("address"), nil),
			fn("AddRegexMapping", "AddRegexMapping adds a regex mapping, of the form pattern:replacement.", mappingArgs("regex"), nil),
			fn("RemoveRegexMapping", "RemoveRegexMapping removes a regex mapping.", mappingArgs("regex"), nil),
			fn("AddErrorMapping", "AddErrorMapping adds an error mapping.", mappingArgs("message"), nil),
			fn("RemoveErrorMapping", "RemoveErrorMapping removes an error mapping.", mappingArgs("message"), nil),
			fn("Resolve", "Resolve returns the addresses mail for address is delivered to.", []sherpadoc.Arg{arg("address")}, []sherpadoc.Arg{{Name: "r0", Typewords: []string{"[]", "string"}}}),
		},
		Sections: []*sherpadoc.Section{},
		Structs:  []sherpadoc.Struct{},
		Ints:     []sherpadoc.Ints{},
		Strings:  []sherpadoc.Strings{},
	}
}
