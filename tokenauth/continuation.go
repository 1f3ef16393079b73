// Package tokenauth implements authentication with a continuation token and
// a password, resulting in an access token for subsequent requests.
//
// A client starts by sending a username, and gets a signed continuation token
// that is valid for a short while, with the authentication methods it can use.
// The client finishes by sending the continuation token with a method and
// password. If valid, an access token is returned. Access tokens are valid until
// they expire or are revoked.
package tokenauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadToken     = errors.New("malformed continuation token")
	ErrBadSignature = errors.New("bad continuation token signature")
	ErrExpired      = errors.New("continuation token expired")
)

// ContinuationToken is a signed, time-limited token for a user that is
// authenticating.
type ContinuationToken struct {
	Username  string
	Expires   time.Time // Millisecond precision.
	Signature []byte
}

func (t ContinuationToken) payload() string {
	return t.Username + "_" + strconv.FormatInt(t.Expires.UnixMilli(), 10)
}

// String returns the form sent to clients:
// username_expiresUnixMillis_base64signature.
func (t ContinuationToken) String() string {
	return t.payload() + "_" + base64.StdEncoding.EncodeToString(t.Signature)
}

// ParseContinuationToken parses the string form of a continuation token. The
// username can contain underscores. The signature is not verified.
func ParseContinuationToken(s string) (ContinuationToken, error) {
	i := strings.LastIndexByte(s, '_')
	if i < 0 {
		return ContinuationToken{}, fmt.Errorf("%w: missing signature", ErrBadToken)
	}
	sig, err := base64.StdEncoding.DecodeString(s[i+1:])
	if err != nil || len(sig) == 0 {
		return ContinuationToken{}, fmt.Errorf("%w: bad signature encoding", ErrBadToken)
	}
	s = s[:i]
	i = strings.LastIndexByte(s, '_')
	if i <= 0 {
		return ContinuationToken{}, fmt.Errorf("%w: missing username or expiration time", ErrBadToken)
	}
	ms, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return ContinuationToken{}, fmt.Errorf("%w: bad expiration time", ErrBadToken)
	}
	return ContinuationToken{s[:i], time.UnixMilli(ms), sig}, nil
}

// ContinuationTokenManager signs and verifies continuation tokens.
type ContinuationTokenManager struct {
	Key      ed25519.PrivateKey
	Lifetime time.Duration
	Now      func() time.Time // Default time.Now.
}

// DefaultContinuationTokenLifetime is used when no lifetime is configured.
const DefaultContinuationTokenLifetime = 15 * time.Minute

// NewContinuationTokenManager returns a manager signing with key.
func NewContinuationTokenManager(key ed25519.PrivateKey, lifetime time.Duration) *ContinuationTokenManager {
	if lifetime <= 0 {
		lifetime = DefaultContinuationTokenLifetime
	}
	return &ContinuationTokenManager{Key: key, Lifetime: lifetime}
}

func (m *ContinuationTokenManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Generate returns a new signed token for username.
func (m *ContinuationTokenManager) Generate(username string) (ContinuationToken, error) {
	if username == "" {
		return ContinuationToken{}, fmt.Errorf("%w: empty username", ErrBadToken)
	}
	t := ContinuationToken{
		Username: username,
		Expires:  time.UnixMilli(m.now().Add(m.Lifetime).UnixMilli()),
	}
	t.Signature = ed25519.Sign(m.Key, []byte(t.payload()))
	return t, nil
}

// Verify checks the signature, and that the current time is before the
// expiration time.
func (m *ContinuationTokenManager) Verify(t ContinuationToken) error {
	pub := m.Key.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, []byte(t.payload()), t.Signature) {
		return ErrBadSignature
	}
	if !m.now().Before(t.Expires) {
		return ErrExpired
	}
	return nil
}

// IsValid returns whether Verify succeeds.
func (m *ContinuationTokenManager) IsValid(t ContinuationToken) bool {
	return m.Verify(t) == nil
}

// LoadOrCreateKey reads an ed25519 private key in PKCS#8 PEM format from path.
// If the file does not exist, a new key is generated and written.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating key: %w", err)
		}
		pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("marshal key: %w", err)
		}
		block := &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}
		if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
			return nil, fmt.Errorf("creating directory for key: %w", err)
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			return nil, fmt.Errorf("writing key: %w", err)
		}
		return key, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, errors.New("no pem block found")
	} else if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("unexpected pem type %q, expected PRIVATE KEY", block.Type)
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("got %T, expected ed25519 private key", k)
	}
	return key, nil
}
