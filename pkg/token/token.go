// Package token implements the gateway's opaque bearer token format:
// generation of the key/secret pair, its wire encoding, and constant-time
// secret verification against a stored hash.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
)

// Prefix is the literal prefix every wire-form token carries.
const Prefix = "gt-"

const (
	keyBytes    = 16 // 128 bits
	secretBytes = 16 // 128 bits
)

// Token is a generated key/secret pair plus its wire form and hash. Kind
// is session/user/notebook/internal/service (data model §3); this package
// doesn't know about kinds, only the bytes.
type Token struct {
	Key    string
	Secret string
	Hash   string
}

// New generates a fresh random key and secret, in the same way the
// teacher generates PKCE verifiers and login state: crypto/rand into a
// byte slice, base64url without padding.
func New() (*Token, error) {
	key, err := randomString(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("generate token key: %w", err)
	}
	secret, err := randomString(secretBytes)
	if err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return &Token{
		Key:    key,
		Secret: secret,
		Hash:   HashSecret(secret),
	}, nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret returns the base64url-encoded SHA-256 digest of a secret.
// This is the only form of the secret ever persisted.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Wire returns the `gt-<key>.<secret>` wire form.
func (t *Token) Wire() string {
	return Prefix + t.Key + "." + t.Secret
}

// Parsed is a wire-form token split into its key and secret, before the
// secret has been verified against any stored hash.
type Parsed struct {
	Key    string
	Secret string
}

// Parse decodes a `gt-<key>.<secret>` wire token. Any deviation from that
// shape — wrong prefix, missing separator, empty half — is
// httperr.KindMalformedToken.
func Parse(wire string) (*Parsed, error) {
	rest, ok := strings.CutPrefix(wire, Prefix)
	if !ok {
		return nil, httperr.New(httperr.KindMalformedToken, "token missing gt- prefix")
	}
	key, secret, ok := strings.Cut(rest, ".")
	if !ok || key == "" || secret == "" {
		return nil, httperr.New(httperr.KindMalformedToken, "token missing key/secret separator")
	}
	return &Parsed{Key: key, Secret: secret}, nil
}

// VerifySecret reports whether secret hashes to storedHash, using a
// constant-time comparison so timing can't leak how many leading bytes
// matched.
func VerifySecret(secret, storedHash string) bool {
	got := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}
