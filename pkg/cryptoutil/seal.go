// Package cryptoutil provides the gateway's two cryptographic primitives
// beyond opaque tokens: authenticated symmetric encryption for cookies
// and cached records (this file), and RSA signing of internal JWTs with
// a JWKS endpoint (signer.go).
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the required length of the configured session secret, in
// bytes (256 bits).
const KeySize = 32

// Purpose labels the HKDF info string for a Sealer so that a ciphertext
// produced for one purpose (cookies) can never be decrypted as if it were
// produced for another (cache values), even though both derive from the
// same configured secret.
type Purpose string

// The two purposes this gateway seals data for.
const (
	PurposeCookie Purpose = "gafaelfawr-cookie-v1"
	PurposeCache  Purpose = "gafaelfawr-cache-v1"
)

// ErrStale is returned when a ciphertext decodes and authenticates but its
// embedded timestamp is older than the caller's configured max age.
var ErrStale = errors.New("ciphertext is older than the allowed max age")

// Sealer provides authenticated encryption with an embedded, verifiable
// timestamp: confidentiality, integrity, and freshness in one primitive,
// as required for both session cookies and cached token records.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a purpose-specific AEAD key from the configured
// secret via HKDF-SHA256 and builds a Sealer over it. secret must be
// exactly KeySize bytes.
func NewSealer(secret []byte, purpose Purpose) (*Sealer, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("session secret must be %d bytes, got %d", KeySize, len(secret))
	}

	derived := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and prepends its freshness timestamp (now) into
// the associated data, so tampering with the timestamp invalidates the
// authentication tag exactly like tampering with the ciphertext does.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(time.Now().Unix()))

	sealed := s.aead.Seal(nil, nonce, plaintext, tsBuf[:])

	out := make([]byte, 0, len(tsBuf)+len(nonce)+len(sealed))
	out = append(out, tsBuf[:]...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a ciphertext produced by Seal and rejects it if its
// embedded timestamp is older than maxAge.
func (s *Sealer) Open(encoded string, maxAge time.Duration) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < 8+nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	tsBuf, nonce, sealed := raw[:8], raw[8:8+nonceSize], raw[8+nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, tsBuf)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	issued := time.Unix(int64(binary.BigEndian.Uint64(tsBuf)), 0)
	if maxAge > 0 && time.Since(issued) > maxAge {
		return nil, ErrStale
	}
	return plaintext, nil
}
