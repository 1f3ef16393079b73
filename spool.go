package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/smtp"
)

// The spool directory holds mails waiting to be processed. Each mail is a
// message file "<name>.eml" with an envelope file "<name>.json". The envelope
// is written last, by rename, so a mail with an envelope is complete. Mails
// that could not be processed are moved to the "failed" subdirectory.

// spoolEnvelope describes the SMTP transaction a spooled message was received
// in.
type spoolEnvelope struct {
	Sender        string // Empty for the null reverse path.
	Recipients    []string
	RemoteIP      string `json:",omitempty"`
	RemoteHost    string `json:",omitempty"`
	Helo          string `json:",omitempty"`
	Authenticated string `json:",omitempty"`
	Received      time.Time
}

// spool is a spool directory.
type spool struct {
	dir string
}

// newSpool returns the spool in the data directory.
func newSpool(dataDir string) spool {
	return spool{filepath.Join(dataDir, "spool")}
}

func (s spool) path(name, ext string) string {
	return filepath.Join(s.dir, name+ext)
}

func (s spool) init() error {
	if err := os.MkdirAll(filepath.Join(s.dir, "failed"), 0770); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}
	return nil
}

// add writes a new mail to the spool, returning its name.
func (s spool) add(env spoolEnvelope, msg io.Reader) (rname string, rerr error) {
	if env.Received.IsZero() {
		env.Received = time.Now()
	}
	// Names sort in order of arrival.
	name := env.Received.UTC().Format("20060102T150405.000000000") + "-" + uuid.NewString()[:8]

	var cleanup []string
	defer func() {
		if rerr != nil {
			for _, p := range cleanup {
				os.Remove(p)
			}
		}
	}()

	write := func(p string, fn func(f *os.File) error) error {
		tmp := p + ".tmp"
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
		if err != nil {
			return fmt.Errorf("create spool file: %w", err)
		}
		cleanup = append(cleanup, tmp)
		if err := fn(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("sync spool file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close spool file: %w", err)
		}
		if err := os.Rename(tmp, p); err != nil {
			return fmt.Errorf("rename spool file: %w", err)
		}
		cleanup = append(cleanup, p)
		return nil
	}

	err := write(s.path(name, ".eml"), func(f *os.File) error {
		if _, err := io.Copy(f, msg); err != nil {
			return fmt.Errorf("writing message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	err = write(s.path(name, ".json"), func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "\t")
		return enc.Encode(env)
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// list returns the names of complete mails, oldest first.
func (s spool) list() ([]string, error) {
	l, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}
	var names []string
	for _, e := range l {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok && e.Type().IsRegular() {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// read returns the envelope and content of the mail.
func (s spool) read(name string) (spoolEnvelope, *mail.FileContent, error) {
	var env spoolEnvelope
	buf, err := os.ReadFile(s.path(name, ".json"))
	if err != nil {
		return env, nil, fmt.Errorf("reading envelope: %w", err)
	}
	if err := json.Unmarshal(buf, &env); err != nil {
		return env, nil, fmt.Errorf("parsing envelope: %w", err)
	}
	content, err := mail.NewFileContent(s.path(name, ".eml"))
	if err != nil {
		return env, nil, err
	}
	return env, content, nil
}

// remove removes a processed mail. The envelope is removed first, so a partial
// removal leaves no incomplete mail.
func (s spool) remove(name string) error {
	err := os.Remove(s.path(name, ".json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing envelope: %w", err)
	}
	err = os.Remove(s.path(name, ".eml"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing message: %w", err)
	}
	return nil
}

// fail moves a mail to the failed directory.
func (s spool) fail(name string) error {
	for _, ext := range []string{".eml", ".json"} {
		err := os.Rename(s.path(name, ext), filepath.Join(s.dir, "failed", name+ext))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("moving to failed: %w", err)
		}
	}
	return nil
}

// mail returns a mail for the envelope, in state root.
func (env spoolEnvelope) mail(content mail.Content) (*mail.Mail, error) {
	var sender *smtp.Address
	if env.Sender != "" {
		a, err := smtp.ParseAddress(env.Sender)
		if err != nil {
			return nil, fmt.Errorf("parsing sender: %w", err)
		}
		sender = &a
	}
	var rcpts []smtp.Address
	for _, s := range env.Recipients {
		a, err := smtp.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", s, err)
		}
		rcpts = append(rcpts, a)
	}
	m := mail.New(sender, rcpts, content)
	m.RemoteHost = env.RemoteHost
	if env.RemoteIP != "" {
		m.RemoteIP = net.ParseIP(env.RemoteIP)
		if m.RemoteIP == nil {
			return nil, fmt.Errorf("parsing remote ip %q", env.RemoteIP)
		}
	}
	return m, nil
}
