// Package mlog provides logging on top of log/slog, with log levels configurable
// per originating package, and additional log levels for tracing.
//
// Log text should be constant, variable data goes in attributes. That makes it
// easier to process logs, e.g. building metrics based on log messages.
//
// Log levels are application-global: SetConfig sets the levels used by all Log
// instances created with a nil *slog.Logger.
//
// Print* lines are always printed, regardless of configured levels. Fatal*
// lines are always printed, after which the program exits.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enables logfmt-formatted output. Otherwise lines are formatted for
// reading by humans.
var Logfmt bool

// Log levels in addition to those of log/slog. Trace levels are below debug, a
// trace level shows more details than debug.
const (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configured log level.
	LevelPrint     = slog.LevelError + 8 // Printed regardless of configured log level.
)

// Levels maps configuration names to log levels.
var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings maps log levels to their names, for output.
var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

// Holds a map[string]slog.Level, mapping a package (attribute pkg in logs) to a
// log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

type key string

// Log wraps a *slog.Logger with convenience functions taking errors and
// slog.Attr values.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds an attribute "pkg" to each line. If logger is
// nil, a logger writing to stderr with the application-global log levels is
// used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{out: os.Stderr})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithPkg returns a new Log with a "pkg" attribute. Log levels are looked up
// for the most recently added pkg first.
func (l Log) WithPkg(pkg string) Log {
	return l.With(slog.String("pkg", pkg))
}

// With returns a new Log that adds attrs to each line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// WithCid adds an attribute "cid", a connection/command id.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Contexts are passed between
// functions and packages more often than a Log, so exported functions typically
// start by making a Log with WithContext.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// Check logs err at error level if it is not nil. For errors that cannot be
// handled otherwise, e.g. when closing a file after reading.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.logx(LevelPrint, nil, msg, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.logx(LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}

// Trace logs at trace level. For LevelTraceauth and LevelTracedata, the text is
// replaced with "***" and "..." respectively if only trace is enabled, so the
// existence of the line is still visible.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	text := string(data)
	if !l.Enabled(noctx, level) {
		if level >= LevelTrace || !l.Enabled(noctx, LevelTrace) {
			return
		}
		if level == LevelTraceauth {
			text = "***"
		} else {
			text = "..."
		}
	}
	l.Logger.LogAttrs(noctx, LevelTrace, prefix+text)
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.Enabled(noctx, level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, level, msg, attrs...)
}

// handler is a slog.Handler that checks the log level configured for the most
// specific package, and writes lines in logfmt or human-readable format.
type handler struct {
	out    io.Writer
	pkgs   []string
	attrs  []slog.Attr
	prefix string // For groups.
}

var _ slog.Handler = (*handler)(nil)

var writeMutex sync.Mutex

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	for i := len(h.pkgs) - 1; i >= 0; i-- {
		if v, ok := cl[h.pkgs[i]]; ok {
			return level >= v
		}
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	nh.pkgs = append([]string{}, h.pkgs...)
	for _, a := range attrs {
		if a.Key == "pkg" && h.prefix == "" {
			nh.pkgs = append(nh.pkgs, a.Value.String())
			continue
		}
		a.Key = h.prefix + a.Key
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := append([]slog.Attr{}, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.prefix + a.Key
		attrs = append(attrs, a)
		return true
	})
	if len(h.pkgs) > 0 {
		attrs = append([]slog.Attr{slog.String("pkg", h.pkgs[len(h.pkgs)-1])}, attrs...)
	}
	level := r.Level
	if level < LevelTrace {
		level = LevelTrace
	}
	ls, ok := LevelStrings[level]
	if !ok {
		ls = strings.ToLower(level.String())
	}

	// Build up the line so it is written with a single write, preventing partially
	// interleaved lines.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", ls, logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a.Key, a.Value)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", ls, r.Message)
		if len(attrs) > 0 {
			b.WriteString(" (")
			for i, a := range attrs {
				if i > 0 {
					b.WriteString("; ")
				}
				fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a.Key, a.Value)))
			}
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := h.out.Write(b.Bytes())
	return err
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(key string, v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		if key == "cid" {
			return fmt.Sprintf("%x", v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		var l []string
		for _, a := range v.Group() {
			l = append(l, a.Key+"="+stringValue(a.Key, a.Value))
		}
		return strings.Join(l, " ")
	case slog.KindAny:
		switch x := v.Any().(type) {
		case nil:
			return ""
		case error:
			return x.Error()
		case []string:
			return "[" + strings.Join(x, ",") + "]"
		case fmt.Stringer:
			return x.String()
		}
	}
	return fmt.Sprint(v.Any())
}
