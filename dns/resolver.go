package dns

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/stub"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

var (
	MetricLookup stub.HistogramVec = stub.HistogramVecIgnore{}
)

// Resolver is the interface StrictResolver implements, and the subset of DNS
// lookups used by matchers and hooks.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, adns.Result, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
	LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error)
}

// WithPackage sets Pkg on resolver if it is a StrictResolver and does not have
// a package set yet.
func WithPackage(resolver Resolver, name string) Resolver {
	r, ok := resolver.(StrictResolver)
	if ok && r.Pkg == "" {
		r.Pkg = name
		return r
	}
	return resolver
}

// StrictResolver is a resolver that enforces that DNS names end with a dot,
// preventing "search"-relative lookups.
type StrictResolver struct {
	Pkg      string         // Name of subsystem making DNS requests, for metrics and logging.
	Resolver *adns.Resolver // If nil, adns.DefaultResolver is used.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func (r StrictResolver) log() mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg, r.Log)
}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func metricLookupObserve(pkg, typ string, err error, start time.Time) {
	var result string
	var dnsErr *adns.DNSError
	switch {
	case err == nil:
		result = "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		result = "nxdomain"
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		result = "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	MetricLookup.ObserveLabels(float64(time.Since(start))/float64(time.Second), pkg, typ, result)
}

func (r StrictResolver) observe(ctx context.Context, typ, name string, resp any, result adns.Result, err error, start time.Time) {
	metricLookupObserve(r.Pkg, typ, err, start)
	r.log().WithContext(ctx).Debugx("dns lookup result", err,
		slog.String("type", typ),
		slog.String("name", name),
		slog.Any("resp", resp),
		slog.Bool("authentic", result.Authentic),
		slog.Duration("duration", time.Since(start)),
	)
}

func (r StrictResolver) LookupHost(ctx context.Context, host string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.observe(ctx, "host", host, resp, result, err, start)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	return r.resolver().LookupHost(ctx, host)
}

func (r StrictResolver) LookupIP(ctx context.Context, network, host string) (resp []net.IP, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.observe(ctx, "ip"+strings.TrimPrefix(network, "ip"), host, resp, result, err, start)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	return r.resolver().LookupIP(ctx, network, host)
}

func (r StrictResolver) LookupTXT(ctx context.Context, name string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.observe(ctx, "txt", name, resp, result, err, start)
	}()

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	return r.resolver().LookupTXT(ctx, name)
}
