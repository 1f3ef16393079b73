package mailetd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/mailet/hook"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/processor"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

const goodConfig = `DataDir: data
LogLevel: info
PackageLogLevels:
	processor: debug
Processors:
	-
		Name: root
		Stages:
			-
				Matcher: All
				Mailet: RecipientRewrite
			-
				Matcher: RecipientIs
				Condition: spam@mox.example
				Mailet: ToProcessor
				Params:
					processor: spam
			-
				Matcher: RecipientIsLocal
				Mailet: LocalDelivery
	-
		Name: spam
		Stages:
			-
				Matcher: All
				Mailet: Null
	-
		Name: error
		Stages:
			-
				Matcher: All
				Mailet: LogMessage
				Params:
					comment: failed
SMTP:
	Hooks:
		Connect:
			- DNSBL
		Rcpt:
			- DNSBL
			- Relay
	ResultHooks:
		- DenyRate
	DNSBLs:
		- bl.example
	AuthorizedNetworks:
		- 10.0.0.0/8
		- 127.0.0.1
HTTP:
	AdminAddress: 127.0.0.1:1080
`

const badConfig = `DataDir: data
LogLevel: bogus
Workers: -1
Processors:
	-
		Name: root
		Stages:
			-
				Matcher: Bogus
				Mailet: ToProcessor
				Params:
					processor: missing
SMTP:
	Hooks:
		Helo:
			- Relay
	DNSBLs:
		- bl.example.
	AuthorizedNetworks:
		- 10.0.0.0/99
HTTP:
	AdminAddress: 127.0.0.1:1080
	MetricsAddress: 127.0.0.1:1080
`

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "mailet.conf")
	err := os.WriteFile(p, []byte(s), 0660)
	tcheck(t, err, "write config")
	return p
}

func TestParseConfig(t *testing.T) {
	log := mlog.New("mailetd", nil)

	p := writeConfig(t, goodConfig)
	c, errs := ParseConfig(ctxbg, log, p)
	if len(errs) > 0 {
		t.Fatalf("parsing good config: %v", errs)
	}
	tcompare(t, c.DataDir, filepath.Join(filepath.Dir(p), "data"))
	tcompare(t, c.Workers, DefaultWorkers)
	tcompare(t, c.ErrorProcessor, "error")
	tcompare(t, c.MaxJumps, processor.DefaultMaxJumps)
	tcompare(t, c.Log, map[string]slog.Level{"": mlog.LevelInfo, "processor": mlog.LevelDebug})
	tcompare(t, len(c.Processors), 3)
	tcompare(t, c.Processors[0].Stages[1].Params, map[string]string{"processor": "spam"})
	tcompare(t, len(c.SMTP.DNSBLZones), 1)
	tcompare(t, c.SMTP.DNSBLZones[0].ASCII, "bl.example")
	tcompare(t, len(c.SMTP.AuthorizedPrefixes), 2)
	tcompare(t, c.SMTP.AuthorizedPrefixes[1].String(), "127.0.0.1/32")
	tcompare(t, c.Auth.SigningKeyFile, filepath.Join(c.DataDir, DefaultSigningKeyFile))
	tcompare(t, c.Auth.FailedAuthPerMinute, DefaultFailedAuthPerMinute)
	tcompare(t, RelayWarning(c), "")

	p = writeConfig(t, badConfig)
	_, errs = ParseConfig(ctxbg, log, p)
	// Log level, workers, dnsbl zone, network, duplicate listener, matcher, hook.
	tcompare(t, len(errs), 7)
	var nconfig, nprocessor, nhook int
	for _, err := range errs {
		switch {
		case errors.Is(err, ErrConfig):
			nconfig++
		case errors.Is(err, processor.ErrConfig):
			nprocessor++
		case errors.Is(err, hook.ErrUnknownHook):
			nhook++
		}
	}
	tcompare(t, nconfig, 5)
	tcompare(t, nhook, 1)
	tcompare(t, nprocessor, 1)

	_, errs = ParseConfig(ctxbg, log, filepath.Join(t.TempDir(), "missing.conf"))
	tcompare(t, len(errs), 1)
	tcompare(t, errors.Is(errs[0], ErrConfig), true)
}

func TestLoadConfig(t *testing.T) {
	ConfigStaticPath = writeConfig(t, goodConfig)
	defer func() { ConfigStaticPath = "" }()
	errs := LoadConfig(ctxbg, mlog.New("mailetd", nil))
	tcompare(t, len(errs), 0)
	defer mlog.SetConfig(map[string]slog.Level{"": mlog.LevelError})

	tcompare(t, ConfigDirPath("x.db"), filepath.Join(filepath.Dir(ConfigStaticPath), "x.db"))
	tcompare(t, ConfigDirPath("/x.db"), "/x.db")
	tcompare(t, DataDirPath("x.db"), filepath.Join(filepath.Dir(ConfigStaticPath), "data", "x.db"))

	c := Conf
	c.SMTP.AuthorizedNetworks = nil
	if RelayWarning(c) == "" {
		t.Fatalf("expected relay warning without authorized networks")
	}
	c.SMTP.AuthRequired = true
	tcompare(t, RelayWarning(c), "")

	if DescribeStatic() == "" {
		t.Fatalf("empty description")
	}
}

func TestCid(t *testing.T) {
	a := Cid()
	b := Cid()
	if b <= a {
		t.Fatalf("cid not increasing, %d then %d", a, b)
	}
}

func TestJobs(t *testing.T) {
	Shutdown, ShutdownCancel = context.WithCancel(ctxbg)
	defer ShutdownCancel()

	j := &jobs{}
	select {
	case <-j.Done():
	default:
		t.Fatalf("not done without jobs")
	}

	tcompare(t, j.Start(), true)
	tcompare(t, j.Active(), 1)
	done := j.Done()
	select {
	case <-done:
		t.Fatalf("done while job active")
	default:
	}
	j.Finish()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("not done after finishing job")
	}

	ShutdownCancel()
	tcompare(t, j.Start(), false)
	tcompare(t, j.Active(), 0)

	func() {
		defer func() {
			if x := recover(); x == nil {
				t.Fatalf("expected panic for finish without start")
			}
		}()
		j.Finish()
	}()
}
