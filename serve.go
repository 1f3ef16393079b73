package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mjl-/mailet/admin"
	"github.com/mjl-/mailet/config"
	"github.com/mjl-/mailet/mailetd"
	"github.com/mjl-/mailet/metrics"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/ratelimit"
	"github.com/mjl-/mailet/tokenauth"
)

func cmdServe(c *cmd) {
	c.params = "[-trace]"
	c.help = `Start mailet, processing mails from the spool directory.

Mails in the spool directory, <datadir>/spool, each consist of a message file
<name>.eml and an envelope file <name>.json, as written by "mailet process
-spool" and "mailet import mbox -spool". For each mail, the configured SMTP
hooks run for the transaction described in the envelope. Accepted mails go
through the processors, starting at processor root. Processed mails are removed
from the spool, mails that could not be handled are moved to
<datadir>/spool/failed.

HTTP listeners are started for the admin API, the authentication endpoint and
prometheus metrics, if configured.
`
	var trace bool
	c.flag.BoolVar(&trace, "trace", false, "write opentelemetry spans for stages, hooks and http requests to stdout")
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	mlog.Logfmt = true
	mailetd.MustLoadConfig(context.Background())
	log := c.log

	if trace {
		shutdownTracer, err := initTracer(log)
		if err != nil {
			log.Fatalx("initializing tracing", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			err := shutdownTracer(ctx)
			log.Check(err, "shutting down tracer")
		}()
	}

	s, err := start(mailetd.Context, log, mailetd.Conf)
	if err != nil {
		log.Fatalx("start", err)
	}
	log.Print("ready to serve", slog.String("version", version()), slog.Any("pid", os.Getpid()))

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for mails being processed", slog.Any("signal", sig))
	s.shutdown()
}

// server is a running mailet instance.
type server struct {
	log      mlog.Log
	pipeline *pipeline
	spool    spool
	access   *tokenauth.AccessTokenManager
	https    []*http.Server

	inflightMutex sync.Mutex
	inflight      map[string]bool

	workers sync.WaitGroup
}

// start opens the databases, starts the HTTP listeners and the workers
// processing the spool, then returns.
func start(ctx context.Context, log mlog.Log, c config.Static) (rs *server, rerr error) {
	s := &server{
		log:      log,
		spool:    newSpool(c.DataDir),
		inflight: map[string]bool{},
	}
	defer func() {
		if rerr != nil {
			s.close()
		}
	}()

	if err := s.spool.init(); err != nil {
		return nil, err
	}

	var err error
	s.pipeline, err = openPipeline(ctx, log, c)
	if err != nil {
		return nil, err
	}

	key, err := tokenauth.LoadOrCreateKey(c.Auth.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	s.access, err = tokenauth.OpenAccessTokens(ctx, filepath.Join(c.DataDir, "auth.db"), c.Auth.AccessTokenLifetime)
	if err != nil {
		return nil, err
	}
	auth := &tokenauth.Authenticator{
		Continuations: tokenauth.NewContinuationTokenManager(key, c.Auth.ContinuationTokenLifetime),
		Access:        s.access,
		Credentials:   s.pipeline.store,
		Limiter:       ratelimit.NewFailedAuth(int64(c.Auth.FailedAuthPerMinute)),
		Log:           log.Logger,
	}

	if c.HTTP.AdminAddress != "" {
		h, err := admin.NewHandler(admin.Admin{Mappings: s.pipeline.mappings, Log: log.Logger})
		if err != nil {
			return nil, fmt.Errorf("admin api handler: %w", err)
		}
		r := newRouter("admin")
		r.Handle(admin.Path+"*", h)
		s.listen("admin", c.HTTP.AdminAddress, r)
	}
	if c.HTTP.AuthAddress != "" {
		r := newRouter("auth")
		r.Handle("/authentication", tokenauth.Handler(auth))
		s.listen("auth", c.HTTP.AuthAddress, r)
	}
	if c.HTTP.MetricsAddress != "" {
		r := newRouter("metrics")
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprintln(w, "see /metrics")
		})
		s.listen("metrics", c.HTTP.MetricsAddress, r)
	}

	names := make(chan string)
	for range c.Workers {
		s.workers.Add(1)
		go s.worker(names)
	}
	go s.feed(names)
	go s.expireTokens()

	return s, nil
}

func newRouter(name string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "mailet-"+name)
	})
	return r
}

func (s *server) listen(name, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Logger.Handler(), mlog.LevelInfo),
	}
	s.https = append(s.https, srv)
	s.log.Print("http listener", slog.String("name", name), slog.String("addr", addr))
	go func() {
		err := srv.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			s.log.Fatalx("http listener", err, slog.String("name", name), slog.String("addr", addr))
		}
	}()
}

// feed sends the names of spooled mails to the workers, until shutdown.
func (s *server) feed(names chan<- string) {
	defer close(names)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		l, err := s.spool.list()
		if err != nil {
			s.log.Errorx("listing spool", err)
		}
		for _, name := range l {
			s.inflightMutex.Lock()
			busy := s.inflight[name]
			s.inflight[name] = true
			s.inflightMutex.Unlock()
			if busy {
				continue
			}
			select {
			case names <- name:
			case <-mailetd.Shutdown.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-mailetd.Shutdown.Done():
			return
		}
	}
}

func (s *server) worker(names <-chan string) {
	defer s.workers.Done()
	for name := range names {
		if !mailetd.Jobs.Start() {
			s.done(name)
			continue
		}
		s.handle(name)
		mailetd.Jobs.Finish()
		s.done(name)
	}
}

func (s *server) done(name string) {
	s.inflightMutex.Lock()
	defer s.inflightMutex.Unlock()
	delete(s.inflight, name)
}

func (s *server) handle(name string) {
	log := s.log.With(slog.String("spool", name))

	env, content, err := s.spool.read(name)
	if err == nil {
		var r result
		r, err = s.pipeline.handle(mailetd.Context, env, content)
		if errors.Is(err, errTooManyConnections) {
			log.Debugx("retrying mail later", err)
			return
		} else if err == nil && r.Mail != nil {
			log.Info("mail processed", r.Mail.LogAttr(), slog.String("response", r.Response.String()))
		}
	}
	if err != nil {
		log.Errorx("handling spooled mail, moving to failed", err)
		err := s.spool.fail(name)
		log.Check(err, "moving mail to failed")
		return
	}
	err = s.spool.remove(name)
	log.Check(err, "removing mail from spool")
}

// expireTokens periodically removes expired access tokens.
func (s *server) expireTokens() {
	defer func() {
		x := recover()
		if x != nil {
			s.log.Error("expire tokens panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Serve)
		}
	}()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := s.access.RemoveExpired(mailetd.Context)
		if err != nil {
			s.log.Errorx("removing expired access tokens", err)
		} else if n > 0 {
			s.log.Info("removed expired access tokens", slog.Int("count", n))
		}

		select {
		case <-ticker.C:
		case <-mailetd.Shutdown.Done():
			return
		}
	}
}

// shutdown stops feeding new mails, waits up to 3 seconds for mails being
// processed, then cancels remaining operations and closes the databases.
func (s *server) shutdown() {
	mailetd.ShutdownCancel()

	select {
	case <-mailetd.Jobs.Done():
		s.log.Print("mails processed, shutting down")
	case <-time.After(3 * time.Second):
		s.log.Print("shutting down with mails still being processed", slog.Int("active", mailetd.Jobs.Active()))
	}
	mailetd.ContextCancel()
	s.workers.Wait()

	for _, srv := range s.https {
		err := srv.Close()
		s.log.Check(err, "closing http server")
	}
	s.close()
}

func (s *server) close() {
	if s.pipeline != nil {
		s.pipeline.close()
		s.pipeline = nil
	}
	if s.access != nil {
		err := s.access.Close()
		s.log.Check(err, "closing access tokens")
		s.access = nil
	}
}
