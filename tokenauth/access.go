package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"
)

// ErrInvalidToken is returned for access tokens that don't exist or have
// expired.
var ErrInvalidToken = errors.New("invalid access token")

// AccessToken is stored in the database.
type AccessToken struct {
	Token    string
	Username string    `bstore:"nonzero,index"`
	Created  time.Time `bstore:"default now"`
	Expires  time.Time `bstore:"nonzero,index"`
}

// DBTypes are the types stored in the access token database.
var DBTypes = []any{AccessToken{}}

// DefaultAccessTokenLifetime is used when no lifetime is configured.
const DefaultAccessTokenLifetime = 30 * 24 * time.Hour

// AccessTokenManager hands out opaque access tokens, stored in a database.
type AccessTokenManager struct {
	DB       *bstore.DB
	Lifetime time.Duration
	Now      func() time.Time // Default time.Now.
}

// OpenAccessTokens opens or creates the access token database at path.
func OpenAccessTokens(ctx context.Context, path string, lifetime time.Duration) (*AccessTokenManager, error) {
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open access token database: %w", err)
	}
	if lifetime <= 0 {
		lifetime = DefaultAccessTokenLifetime
	}
	return &AccessTokenManager{DB: db, Lifetime: lifetime}, nil
}

// Close closes the database.
func (m *AccessTokenManager) Close() error {
	return m.DB.Close()
}

func (m *AccessTokenManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Generate returns a new access token for username.
func (m *AccessTokenManager) Generate(ctx context.Context, username string) (string, error) {
	now := m.now()
	t := AccessToken{
		Token:    uuid.NewString(),
		Username: username,
		Created:  now,
		Expires:  now.Add(m.Lifetime),
	}
	if err := m.DB.Insert(ctx, &t); err != nil {
		return "", fmt.Errorf("storing access token: %w", err)
	}
	return t.Token, nil
}

// Username returns the user of a valid token. ErrInvalidToken is returned for
// unknown and expired tokens.
func (m *AccessTokenManager) Username(ctx context.Context, token string) (string, error) {
	t := AccessToken{Token: token}
	if err := m.DB.Get(ctx, &t); err == bstore.ErrAbsent {
		return "", ErrInvalidToken
	} else if err != nil {
		return "", fmt.Errorf("looking up access token: %w", err)
	}
	if !m.now().Before(t.Expires) {
		return "", ErrInvalidToken
	}
	return t.Username, nil
}

// Revoke removes a token. Revoking an unknown token is not an error.
func (m *AccessTokenManager) Revoke(ctx context.Context, token string) error {
	err := m.DB.Delete(ctx, &AccessToken{Token: token})
	if err != nil && err != bstore.ErrAbsent {
		return fmt.Errorf("removing access token: %w", err)
	}
	return nil
}

// RevokeUser removes all tokens of username, e.g. after a password change.
func (m *AccessTokenManager) RevokeUser(ctx context.Context, username string) (int, error) {
	n, err := bstore.QueryDB[AccessToken](ctx, m.DB).FilterNonzero(AccessToken{Username: username}).Delete()
	if err != nil {
		return 0, fmt.Errorf("removing access tokens for user: %w", err)
	}
	return n, nil
}

// RemoveExpired removes expired tokens, returning the number removed.
func (m *AccessTokenManager) RemoveExpired(ctx context.Context) (int, error) {
	n, err := bstore.QueryDB[AccessToken](ctx, m.DB).FilterLessEqual("Expires", m.now()).Delete()
	if err != nil {
		return 0, fmt.Errorf("removing expired access tokens: %w", err)
	}
	return n, nil
}
