package cryptoutil

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// InternalClaims are the claims carried by an internal JWT minted for a
// downstream service call (§4.6). The underlying opaque `internal` token
// is the authoritative record; the JWT is a derivable signed envelope of
// it and need not be persisted separately.
type InternalClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Signer signs internal JWTs with a single RSA key and serves the
// corresponding public JWKS.
type Signer struct {
	keyID      string
	issuer     string
	privateKey *rsa.PrivateKey
	jwks       jwk.Set
}

// LoadSigningKey reads an RSA private key from a PEM file. It accepts the
// same PKCS1 and PKCS8 encodings the teacher's key loader does; unlike
// the teacher this gateway only signs with RSA (RS256), so EC/Ed25519
// keys are rejected rather than silently accepted.
func LoadSigningKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not an RSA key", path)
	}
	return key, nil
}

// NewSigner builds a Signer from an already-loaded RSA private key, a
// stable key ID (issuer.key_id in configuration), and the issuer string
// embedded in every JWT's `iss` claim.
func NewSigner(key *rsa.PrivateKey, keyID, issuer string) (*Signer, error) {
	pubKey, err := jwk.Import(key.Public())
	if err != nil {
		return nil, fmt.Errorf("import public key into JWKS: %w", err)
	}
	if err := pubKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("set kid: %w", err)
	}
	if err := pubKey.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, fmt.Errorf("set alg: %w", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(pubKey); err != nil {
		return nil, fmt.Errorf("add key to set: %w", err)
	}

	return &Signer{keyID: keyID, issuer: issuer, privateKey: key, jwks: set}, nil
}

// SignInternalJWT issues an RS256 JWT for a freshly minted internal
// token. jti is the internal token's key, so the JWT can always be traced
// back to its authoritative opaque-token record.
func (s *Signer) SignInternalJWT(subject, audience, jti string, scope string, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims := InternalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		Scope: scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	return token.SignedString(s.privateKey)
}

// JWKS returns the public key set served at /.well-known/jwks.json.
func (s *Signer) JWKS() jwk.Set {
	return s.jwks
}
