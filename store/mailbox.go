package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/bstore"
)

func deleteUserMailboxes(tx *bstore.Tx, user string) error {
	mbl, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{User: user}).List()
	if err != nil {
		return fmt.Errorf("listing mailboxes: %w", err)
	}
	for _, mb := range mbl {
		if _, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{MailboxID: mb.ID}).Delete(); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		if err := tx.Delete(&mb); err != nil {
			return fmt.Errorf("deleting mailbox: %w", err)
		}
	}
	return nil
}

func mailboxGet(tx *bstore.Tx, user, namespace, name string) (Mailbox, error) {
	mb, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{User: user, Namespace: namespace, Name: name}).Get()
	if err == bstore.ErrAbsent {
		return Mailbox{}, fmt.Errorf("%w: %s %s %s", ErrUnknownMailbox, namespace, user, name)
	} else if err != nil {
		return Mailbox{}, fmt.Errorf("get mailbox: %w", err)
	}
	return mb, nil
}

// mailboxEnsure returns the mailbox, creating it if needed.
func mailboxEnsure(tx *bstore.Tx, user, namespace, name string) (Mailbox, error) {
	mb, err := mailboxGet(tx, user, namespace, name)
	if err == nil || !isNotFound(err) {
		return mb, err
	}
	mb = Mailbox{User: user, Namespace: namespace, Name: name}
	if err := tx.Insert(&mb); err != nil {
		return Mailbox{}, fmt.Errorf("inserting mailbox: %w", err)
	}
	return mb, nil
}

// CreateMailbox creates a mailbox for an existing user.
func (s *Store) CreateMailbox(ctx context.Context, namespace, user, name string) error {
	user, err := CanonicalUser(user)
	if err != nil {
		return err
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := s.xuser(tx, user); err != nil {
			return err
		}
		if _, err := mailboxGet(tx, user, namespace, name); err == nil {
			return fmt.Errorf("%w: %s %s %s", ErrMailboxExists, namespace, user, name)
		} else if !isNotFound(err) {
			return err
		}
		return tx.Insert(&Mailbox{User: user, Namespace: namespace, Name: name})
	})
	if err == nil {
		s.log.Info("mailbox created", slog.String("namespace", namespace), slog.String("user", user), slog.String("name", name))
	}
	return err
}

// DeleteMailbox deletes a mailbox and its messages.
func (s *Store) DeleteMailbox(ctx context.Context, namespace, user, name string) error {
	user, err := CanonicalUser(user)
	if err != nil {
		return err
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := mailboxGet(tx, user, namespace, name)
		if err != nil {
			return err
		}
		if _, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{MailboxID: mb.ID}).Delete(); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		return tx.Delete(&mb)
	})
	if err == nil {
		s.log.Info("mailbox deleted", slog.String("namespace", namespace), slog.String("user", user), slog.String("name", name))
	}
	return err
}

// UserMailboxes returns the mailboxes of user, ordered by namespace and name.
func (s *Store) UserMailboxes(ctx context.Context, user string) ([]Mailbox, error) {
	user, err := CanonicalUser(user)
	if err != nil {
		return nil, err
	}
	var l []Mailbox
	err = s.DB.Read(ctx, func(tx *bstore.Tx) error {
		if _, err := s.xuser(tx, user); err != nil {
			return err
		}
		l, err = bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{User: user}).SortAsc("Namespace", "Name").List()
		return err
	})
	return l, err
}

// DeleteUserMailboxes deletes all mailboxes of user.
func (s *Store) DeleteUserMailboxes(ctx context.Context, user string) error {
	user, err := CanonicalUser(user)
	if err != nil {
		return err
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := s.xuser(tx, user); err != nil {
			return err
		}
		return deleteUserMailboxes(tx, user)
	})
	if err == nil {
		s.log.Info("user mailboxes deleted", slog.String("user", user))
	}
	return err
}

// CopyMailbox copies all mailboxes with their messages from user src to user
// dst. Mailboxes that dst already has receive the messages in addition to
// their own.
func (s *Store) CopyMailbox(ctx context.Context, src, dst string) error {
	src, err := CanonicalUser(src)
	if err != nil {
		return err
	}
	dst, err = CanonicalUser(dst)
	if err != nil {
		return err
	}
	var n int
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := s.xuser(tx, src); err != nil {
			return err
		}
		if _, err := s.xuser(tx, dst); err != nil {
			return err
		}
		mbl, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{User: src}).SortAsc("ID").List()
		if err != nil {
			return fmt.Errorf("listing mailboxes: %w", err)
		}
		for _, mb := range mbl {
			nmb, err := mailboxEnsure(tx, dst, mb.Namespace, mb.Name)
			if err != nil {
				return err
			}
			msgs, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{MailboxID: mb.ID}).SortAsc("Received", "ID").List()
			if err != nil {
				return fmt.Errorf("listing messages: %w", err)
			}
			for _, m := range msgs {
				m.ID = 0
				m.MailboxID = nmb.ID
				if err := tx.Insert(&m); err != nil {
					return fmt.Errorf("inserting message copy: %w", err)
				}
				n++
			}
		}
		return nil
	})
	if err == nil {
		s.log.Info("mailboxes copied", slog.String("src", src), slog.String("dst", dst), slog.Int("messages", n))
	}
	return err
}

// Deliver adds a message to the inbox of user, creating the inbox if needed.
func (s *Store) Deliver(ctx context.Context, user, sender string, data []byte) (int64, error) {
	user, err := CanonicalUser(user)
	if err != nil {
		return 0, err
	}
	m := Message{
		Received: time.Now(),
		Sender:   sender,
		Size:     int64(len(data)),
		Data:     data,
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := s.xuser(tx, user); err != nil {
			return err
		}
		mb, err := mailboxEnsure(tx, user, NamespacePrivate, Inbox)
		if err != nil {
			return err
		}
		m.MailboxID = mb.ID
		return tx.Insert(&m)
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug("message delivered", slog.String("user", user), slog.Int64("msgid", m.ID), slog.Int64("size", m.Size))
	return m.ID, nil
}

// MailboxMessages returns the messages in a mailbox, oldest first.
func (s *Store) MailboxMessages(ctx context.Context, namespace, user, name string) ([]Message, error) {
	user, err := CanonicalUser(user)
	if err != nil {
		return nil, err
	}
	var l []Message
	err = s.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := mailboxGet(tx, user, namespace, name)
		if err != nil {
			return err
		}
		l, err = bstore.QueryTx[Message](tx).FilterNonzero(Message{MailboxID: mb.ID}).SortAsc("Received", "ID").List()
		return err
	})
	return l, err
}
