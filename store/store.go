// Package store keeps users, domains, mailboxes and the messages delivered to
// them, in a bstore database.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailet/mlog"
)

var (
	ErrUnknownUser        = errors.New("no such user")
	ErrUserExists         = errors.New("user already exists")
	ErrUnknownDomain      = errors.New("no such domain")
	ErrDomainExists       = errors.New("domain already exists")
	ErrUnknownMailbox     = errors.New("no such mailbox")
	ErrMailboxExists      = errors.New("mailbox already exists")
	ErrUnknownCredentials = errors.New("credentials not found")
)

// Namespace for personal mailboxes.
const NamespacePrivate = "#private"

// Inbox is the mailbox new messages are delivered to.
const Inbox = "INBOX"

// Domain is a domain for which mail is accepted for local users.
type Domain struct {
	Name    string    // ASCII, lower case.
	Created time.Time `bstore:"nonzero,default now"`
}

// User is a local user. Users are named by a plain name, or a full address for
// virtual hosting.
type User struct {
	Name         string
	PasswordHash string    // bcrypt.
	Created      time.Time `bstore:"nonzero,default now"`
}

// Mailbox belongs to a user.
type Mailbox struct {
	ID        int64
	User      string `bstore:"nonzero,ref User,unique User+Namespace+Name"`
	Namespace string `bstore:"nonzero"`
	Name      string `bstore:"nonzero"`
}

// Message is a delivered message.
type Message struct {
	ID        int64
	MailboxID int64     `bstore:"nonzero,ref Mailbox,index MailboxID+Received"`
	Received  time.Time `bstore:"nonzero,default now"`
	Sender    string    // Empty for the null reverse path.
	Size      int64
	Data      []byte
}

// DBTypes are the types stored in the database.
var DBTypes = []any{Domain{}, User{}, Mailbox{}, Message{}}

// Store holds the users, domains and mailboxes.
type Store struct {
	DB  *bstore.DB
	log mlog.Log
}

// Open opens or creates the database at path.
func Open(ctx context.Context, elog *slog.Logger, path string) (*Store, error) {
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	return &Store{db, mlog.New("store", elog)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
