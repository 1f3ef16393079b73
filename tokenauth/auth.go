package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/mjl-/mailet/metrics"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/ratelimit"
)

var (
	// ErrAuthenticationFailed is returned for all failures to authenticate, the
	// details are only logged.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTooManyAttempts      = errors.New("too many authentication attempts")
)

// MethodPassword is the only supported authentication method.
const MethodPassword = "password"

// Methods are the authentication methods offered to clients.
var Methods = []string{MethodPassword}

// Credentials verifies passwords.
type Credentials interface {
	VerifyPassword(ctx context.Context, username, password string) error
}

// Authenticator implements the authentication flow.
type Authenticator struct {
	Continuations *ContinuationTokenManager
	Access        *AccessTokenManager
	Credentials   Credentials
	Limiter       *ratelimit.Limiter // For failed attempts per remote IP. Can be nil.
	Log           *slog.Logger
}

// Start begins authentication for username, returning a continuation token
// and the methods the client can finish with.
func (a *Authenticator) Start(ctx context.Context, username string) (ContinuationToken, []string, error) {
	log := mlog.New("tokenauth", a.Log).WithContext(ctx)
	t, err := a.Continuations.Generate(username)
	if err != nil {
		metrics.AuthenticationInc("continuation", MethodPassword, "error")
		return ContinuationToken{}, nil, err
	}
	metrics.AuthenticationInc("continuation", MethodPassword, "ok")
	log.Debug("continuation token generated", slog.String("username", username), slog.Time("expires", t.Expires))
	return t, Methods, nil
}

// Finish verifies the continuation token and the password, and returns a new
// access token. Failures are returned as ErrAuthenticationFailed, or
// ErrTooManyAttempts if remoteIP has failed too often.
func (a *Authenticator) Finish(ctx context.Context, remoteIP net.IP, token, method, password string) (string, error) {
	log := mlog.New("tokenauth", a.Log).WithContext(ctx)
	now := time.Now()

	// Method comes from the client, only known methods become metric labels.
	metricMethod := method
	if !slices.Contains(Methods, method) {
		metricMethod = "other"
	}

	if a.Limiter != nil && !a.Limiter.CanAdd(remoteIP, now, 1) {
		metrics.AuthenticationInc("access", metricMethod, "ratelimited")
		log.Info("too many failed authentication attempts", slog.Any("remoteip", remoteIP))
		return "", ErrTooManyAttempts
	}

	fail := func(result string, err error) (string, error) {
		metrics.AuthenticationInc("access", metricMethod, result)
		log.Infox("authentication failed", err, slog.Any("remoteip", remoteIP), slog.String("method", method))
		if a.Limiter != nil {
			a.Limiter.Add(remoteIP, now, 1)
		}
		return "", ErrAuthenticationFailed
	}

	t, err := ParseContinuationToken(token)
	if err != nil {
		return fail("badtoken", err)
	}
	if err := a.Continuations.Verify(t); errors.Is(err, ErrExpired) {
		return fail("expired", err)
	} else if err != nil {
		return fail("badtoken", err)
	}
	if method != MethodPassword {
		return fail("badmethod", fmt.Errorf("unknown method %q", method))
	}
	if err := a.Credentials.VerifyPassword(ctx, t.Username, password); err != nil {
		return fail("badcreds", err)
	}

	access, err := a.Access.Generate(ctx, t.Username)
	if err != nil {
		return fail("error", err)
	}
	if a.Limiter != nil {
		a.Limiter.Reset(remoteIP, now)
	}
	metrics.AuthenticationInc("access", metricMethod, "ok")
	log.Info("authenticated", slog.String("username", t.Username), slog.Any("remoteip", remoteIP))
	return access, nil
}
