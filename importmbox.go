package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-mbox"
	gomail "github.com/emersion/go-message/mail"

	"github.com/mjl-/mailet/mail"
	"github.com/mjl-/mailet/mailetd"
	"github.com/mjl-/mailet/smtp"
	"github.com/mjl-/mailet/store"
)

func cmdImportMbox(c *cmd) {
	c.params = "user mbox-file\n-spool mbox-file"
	c.help = `Import messages from an mbox file.

Without -spool, messages are delivered to the INBOX of user, without going
through the hooks and processors. The user must exist. Like the admin commands,
this cannot be used while "mailet serve" is running.

With -spool, each message is added to the spool directory, for processing by
"mailet serve". The sender is the address in the From header, the recipients
are the addresses in the To, Cc and Bcc headers. Messages without recipients
are skipped.
`
	var spoolOnly bool
	c.flag.BoolVar(&spoolOnly, "spool", false, "add messages to the spool directory instead of delivering to a user")
	args := c.Parse()
	if spoolOnly && len(args) != 1 || !spoolOnly && len(args) != 2 {
		c.Usage()
	}

	mustLoadConfig()
	ctx := context.Background()

	f, err := os.Open(args[len(args)-1])
	xcheckf(err, "open mbox file")
	defer f.Close()

	var n int
	if spoolOnly {
		sp := newSpool(mailetd.Conf.DataDir)
		xcheckf(sp.init(), "initializing spool")
		n, err = importMbox(f, func(data []byte) error {
			env, err := mboxEnvelope(data)
			if err != nil {
				return err
			}
			if len(env.Recipients) == 0 {
				c.log.Info("skipping message without recipients")
				return nil
			}
			_, err = sp.add(env, bytes.NewReader(data))
			return err
		})
	} else {
		st, xerr := store.Open(ctx, c.log.Logger, mailetd.DataDirPath("store.db"))
		xcheckf(xerr, "opening store")
		defer func() {
			err := st.Close()
			c.log.Check(err, "closing store")
		}()
		user := args[0]
		n, err = importMbox(f, func(data []byte) error {
			var sender string
			if env, err := mboxEnvelope(data); err == nil {
				sender = env.Sender
			}
			_, err := st.Deliver(ctx, user, sender, data)
			return err
		})
	}
	fmt.Printf("%d message(s) imported\n", n)
	xcheckf(err, "importing messages")
}

// importMbox calls fn for each message in the mbox. It returns the number of
// messages for which fn returned no error.
func importMbox(r io.Reader, fn func(data []byte) error) (int, error) {
	mr := mbox.NewReader(r)
	for n := 0; ; n++ {
		msgr, err := mr.NextMessage()
		if errors.Is(err, io.EOF) {
			return n, nil
		} else if err != nil {
			return n, fmt.Errorf("reading message %d: %w", n, err)
		}
		data, err := io.ReadAll(msgr)
		if err != nil {
			return n, fmt.Errorf("reading message %d: %w", n, err)
		}
		if err := fn(data); err != nil {
			return n, fmt.Errorf("message %d: %w", n, err)
		}
	}
}

// mboxEnvelope returns an envelope for a message from an mbox file, with the
// From header as sender and the To, Cc and Bcc headers as recipients.
// Addresses that are not valid SMTP addresses are ignored.
func mboxEnvelope(data []byte) (spoolEnvelope, error) {
	var env spoolEnvelope
	mh, err := mail.ReadHeader(mail.NewBytesContent(data))
	if err != nil {
		return env, fmt.Errorf("parsing message header: %w", err)
	}
	h := gomail.Header{Header: mh}

	if l, err := h.AddressList("From"); err == nil && len(l) > 0 {
		if a, err := smtp.ParseAddress(l[0].Address); err == nil {
			env.Sender = a.String()
		}
	}
	seen := map[string]bool{}
	for _, k := range []string{"To", "Cc", "Bcc"} {
		l, err := h.AddressList(k)
		if err != nil {
			continue
		}
		for _, addr := range l {
			a, err := smtp.ParseAddress(addr.Address)
			if err != nil {
				continue
			}
			s := a.String()
			if !seen[s] {
				seen[s] = true
				env.Recipients = append(env.Recipients, s)
			}
		}
	}
	if date, err := h.Date(); err == nil {
		env.Received = date
	}
	return env, nil
}
