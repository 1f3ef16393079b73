package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailet/dns"
	"github.com/mjl-/mailet/smtp"
)

// CanonicalUser returns the normalized user name: case mapped and, for names
// with a domain, the ASCII form of the domain.
func CanonicalUser(name string) (string, error) {
	lp, dom, hasDomain := strings.Cut(name, "@")
	lp, err := precis.UsernameCaseMapped.String(lp)
	if err != nil {
		return "", fmt.Errorf("user name: %v", err)
	}
	if !hasDomain {
		return lp, nil
	}
	d, err := dns.ParseDomain(dom)
	if err != nil {
		return "", fmt.Errorf("user domain: %v", err)
	}
	return lp + "@" + d.ASCII, nil
}

func hashPassword(password string) (string, error) {
	pw, err := precis.OpaqueString.String(password)
	if err != nil {
		return "", fmt.Errorf("password: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("generating password hash: %w", err)
	}
	return string(hash), nil
}

func (s *Store) xuser(tx *bstore.Tx, name string) (User, error) {
	u := User{Name: name}
	err := tx.Get(&u)
	if err == bstore.ErrAbsent {
		return User{}, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	} else if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// AddUser adds a user with password. For user names with a domain, the domain
// must have been added.
func (s *Store) AddUser(ctx context.Context, name, password string) error {
	name, err := CanonicalUser(name)
	if err != nil {
		return err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, dom, ok := strings.Cut(name, "@"); ok {
			if err := tx.Get(&Domain{Name: dom}); err == bstore.ErrAbsent {
				return fmt.Errorf("%w: %s", ErrUnknownDomain, dom)
			} else if err != nil {
				return fmt.Errorf("get domain: %w", err)
			}
		}
		if exists, err := bstore.QueryTx[User](tx).FilterID(name).Exists(); err != nil {
			return fmt.Errorf("checking user: %w", err)
		} else if exists {
			return fmt.Errorf("%w: %s", ErrUserExists, name)
		}
		return tx.Insert(&User{Name: name, PasswordHash: hash})
	})
	if err == nil {
		s.log.Info("user added", slog.String("user", name))
	}
	return err
}

// RemoveUser removes a user with all its mailboxes and messages.
func (s *Store) RemoveUser(ctx context.Context, name string) error {
	name, err := CanonicalUser(name)
	if err != nil {
		return err
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := s.xuser(tx, name); err != nil {
			return err
		}
		if err := deleteUserMailboxes(tx, name); err != nil {
			return err
		}
		return tx.Delete(&User{Name: name})
	})
	if err == nil {
		s.log.Info("user removed", slog.String("user", name))
	}
	return err
}

// Users returns the names of all users, sorted.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	var l []string
	err := bstore.QueryDB[User](ctx, s.DB).SortAsc("Name").ForEach(func(u User) error {
		l = append(l, u.Name)
		return nil
	})
	return l, err
}

// UserExists returns whether the user exists.
func (s *Store) UserExists(ctx context.Context, name string) (bool, error) {
	name, err := CanonicalUser(name)
	if err != nil {
		return false, nil
	}
	return bstore.QueryDB[User](ctx, s.DB).FilterID(name).Exists()
}

// SetPassword changes the password of an existing user.
func (s *Store) SetPassword(ctx context.Context, name, password string) error {
	name, err := CanonicalUser(name)
	if err != nil {
		return err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		u, err := s.xuser(tx, name)
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		return tx.Update(&u)
	})
	if err == nil {
		s.log.Info("password set", slog.String("user", name))
	}
	return err
}

// VerifyPassword checks the password for user, returning
// ErrUnknownCredentials for unknown users and bad passwords.
func (s *Store) VerifyPassword(ctx context.Context, name, password string) error {
	name, err := CanonicalUser(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownCredentials, err)
	}
	pw, err := precis.OpaqueString.String(password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownCredentials, err)
	}
	u := User{Name: name}
	if err := s.DB.Get(ctx, &u); err == bstore.ErrAbsent {
		return ErrUnknownCredentials
	} else if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(pw)); err != nil {
		return ErrUnknownCredentials
	}
	return nil
}

// AddDomain adds a local domain.
func (s *Store) AddDomain(ctx context.Context, domain string) error {
	d, err := dns.ParseDomain(domain)
	if err != nil {
		return fmt.Errorf("parsing domain: %w", err)
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if exists, err := bstore.QueryTx[Domain](tx).FilterID(d.ASCII).Exists(); err != nil {
			return fmt.Errorf("checking domain: %w", err)
		} else if exists {
			return fmt.Errorf("%w: %s", ErrDomainExists, d)
		}
		return tx.Insert(&Domain{Name: d.ASCII})
	})
	if err == nil {
		s.log.Info("domain added", slog.Any("domain", d))
	}
	return err
}

// RemoveDomain removes a local domain. Users within the domain are kept.
func (s *Store) RemoveDomain(ctx context.Context, domain string) error {
	d, err := dns.ParseDomain(domain)
	if err != nil {
		return fmt.Errorf("parsing domain: %w", err)
	}
	err = s.DB.Delete(ctx, &Domain{Name: d.ASCII})
	if err == bstore.ErrAbsent {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, d)
	} else if err != nil {
		return fmt.Errorf("removing domain: %w", err)
	}
	s.log.Info("domain removed", slog.Any("domain", d))
	return nil
}

// ContainsDomain returns whether domain is a local domain.
func (s *Store) ContainsDomain(ctx context.Context, domain string) (bool, error) {
	d, err := dns.ParseDomain(domain)
	if err != nil {
		return false, nil
	}
	return bstore.QueryDB[Domain](ctx, s.DB).FilterID(d.ASCII).Exists()
}

// Domains returns all local domains, sorted.
func (s *Store) Domains(ctx context.Context) ([]string, error) {
	var l []string
	err := bstore.QueryDB[Domain](ctx, s.DB).SortAsc("Name").ForEach(func(d Domain) error {
		l = append(l, d.Name)
		return nil
	})
	return l, err
}

// LocalUser returns the local user for addr, if any: the domain must be a
// local domain, and a user named by the full address, or otherwise by the
// localpart, must exist.
func (s *Store) LocalUser(ctx context.Context, addr smtp.Address) (string, bool, error) {
	if ok, err := s.ContainsDomain(ctx, addr.Domain.ASCII); err != nil || !ok {
		return "", false, err
	}
	for _, name := range []string{string(addr.Localpart) + "@" + addr.Domain.ASCII, string(addr.Localpart)} {
		cname, err := CanonicalUser(name)
		if err != nil {
			continue
		}
		exists, err := bstore.QueryDB[User](ctx, s.DB).FilterID(cname).Exists()
		if err != nil {
			return "", false, fmt.Errorf("looking up user: %w", err)
		} else if exists {
			return cname, true, nil
		}
	}
	return "", false, nil
}

// IsLocal returns whether addr belongs to a local user.
func (s *Store) IsLocal(ctx context.Context, addr smtp.Address) (bool, error) {
	_, ok, err := s.LocalUser(ctx, addr)
	return ok, err
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrUnknownUser) || errors.Is(err, ErrUnknownMailbox) || errors.Is(err, ErrUnknownDomain)
}
