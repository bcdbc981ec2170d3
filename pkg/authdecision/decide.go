// Package authdecision implements the /auth forward-auth subrequest
// endpoint NGINX calls via auth_request before proxying to a protected
// upstream (spec.md §4.7).
package authdecision

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lsst-dm/jwt-authorizer/pkg/cryptoutil"
	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/scopes"
	"github.com/lsst-dm/jwt-authorizer/pkg/session"
	"github.com/lsst-dm/jwt-authorizer/pkg/store"
	"github.com/lsst-dm/jwt-authorizer/pkg/token"
)

// TokenResolver is the subset of store.Store the decision engine needs.
type TokenResolver interface {
	Get(ctx context.Context, wire string) (*store.TokenData, error)
}

// ChildMinter is the subset of *minter.Minter the decision engine needs
// for the `notebook` and `delegate_to` query parameters.
type ChildMinter interface {
	MintInternal(ctx context.Context, parent *store.TokenData, service string, requestedScopes []string) (string, time.Time, error)
	MintNotebook(ctx context.Context, parent *store.TokenData) (string, time.Time, error)
}

// Engine evaluates the /auth subrequest contract.
type Engine struct {
	Store            TokenResolver
	Minter           ChildMinter
	Signer           *cryptoutil.Signer // optional: nil disables JWT-wrapped delegation
	Sessions         *session.Manager
	Realm            string
	TrustedProxies   []*net.IPNet
	InternalAudience string
	LoginPath        string        // e.g. "/login"; used to build the Location hint on 401
	JWTLifetimeCap   time.Duration // upper bound on a delegate_jwt's exp, from the issuer's exp_minutes
}

type decision struct {
	scopes        []string
	satisfy       scopes.Satisfy
	authType      string
	notebook      bool
	delegateTo    string
	delegateScope []string
	minLifetime   time.Duration
	wantJWT       bool
}

func parseDecision(r *http.Request) decision {
	q := r.URL.Query()
	d := decision{
		scopes:        q["scope"],
		satisfy:       scopes.SatisfyAll,
		authType:      "bearer",
		delegateTo:    q.Get("delegate_to"),
		delegateScope: q["delegate_scope"],
	}
	if s := q.Get("satisfy"); s == string(scopes.SatisfyAny) {
		d.satisfy = scopes.SatisfyAny
	}
	if a := q.Get("auth_type"); a == "basic" {
		d.authType = "basic"
	}
	if n := q.Get("notebook"); n == "true" {
		d.notebook = true
	}
	if q.Get("delegate_jwt") == "true" {
		d.wantJWT = true
	}
	if secs := q.Get("minimum_lifetime"); secs != "" {
		if n, err := strconv.Atoi(secs); err == nil {
			d.minLifetime = time.Duration(n) * time.Second
		}
	}
	return d
}

// ServeHTTP implements the /auth algorithm of spec.md §4.7.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := parseDecision(r)

	wire := extractCredential(r, e.Sessions)
	if wire == "" {
		e.challenge(w, r, d.authType)
		return
	}

	data, err := e.Store.Get(r.Context(), wire)
	if err != nil {
		e.challenge(w, r, d.authType)
		return
	}

	if !scopes.Check(data.Scopes, d.scopes, d.satisfy) {
		httperr.WriteError(w, httperr.New(httperr.KindInsufficientScope, "token does not satisfy required scopes"))
		return
	}

	if d.minLifetime > 0 {
		remaining, hasExpiry := data.RemainingLifetime(time.Now())
		if hasExpiry && remaining < d.minLifetime {
			httperr.WriteError(w, httperr.New(httperr.KindForbidden, "token's remaining lifetime is shorter than minimum_lifetime"))
			return
		}
	}

	delegatedWire := wire

	if d.notebook {
		nb, _, err := e.Minter.MintNotebook(r.Context(), data)
		if err != nil {
			httperr.WriteError(w, err)
			return
		}
		delegatedWire = nb
	}

	if d.delegateTo != "" {
		requested := d.delegateScope
		if len(requested) == 0 {
			requested = data.Scopes
		}
		internalWire, expiresAt, err := e.Minter.MintInternal(r.Context(), data, d.delegateTo, requested)
		if err != nil {
			httperr.WriteError(w, err)
			return
		}
		if d.wantJWT && e.Signer != nil {
			jwtStr, err := e.wrapAsJWT(internalWire, data.Owner, requested, expiresAt)
			if err != nil {
				httperr.WriteError(w, err)
				return
			}
			delegatedWire = jwtStr
		} else {
			delegatedWire = internalWire
		}
	}

	w.Header().Set("X-Auth-Request-User", data.Owner)
	if data.Email != nil {
		w.Header().Set("X-Auth-Request-Email", *data.Email)
	}
	w.Header().Set("X-Auth-Request-Token", delegatedWire)
	w.Header().Set("X-Auth-Request-Token-Scopes", strings.Join(sortedCopy(data.Scopes), " "))
	w.Header().Set("X-Auth-Request-Scopes-Accepted", strings.Join(sortedCopy(d.scopes), " "))
	w.Header().Set("X-Auth-Request-Scopes-Satisfy", string(d.satisfy))
	w.WriteHeader(http.StatusOK)
}

// wrapAsJWT signs internalWire's key as the jti of an RS256 JWT per
// spec.md §4.6's internal-JWT-issuance contract. The JWT's exp mirrors
// the backing opaque token's real expiry, capped at the issuer's
// configured maximum lifetime, so the JWT can never outlive a token
// that has since been revoked or expired early (parent lifetime
// shorter than the usual internal token lifetime). Parsing internalWire
// back into its key is safe here: we just minted it, so its shape is
// guaranteed well-formed.
func (e *Engine) wrapAsJWT(internalWire, subject string, scopeList []string, expiresAt time.Time) (string, error) {
	parsed, err := token.Parse(internalWire)
	if err != nil {
		return "", err
	}
	if e.JWTLifetimeCap > 0 {
		if cap := time.Now().Add(e.JWTLifetimeCap); expiresAt.After(cap) {
			expiresAt = cap
		}
	}
	return e.Signer.SignInternalJWT(subject, e.InternalAudience, parsed.Key, strings.Join(scopeList, " "), expiresAt)
}

// extractCredential pulls the bearer/basic credential or session cookie
// from r, per spec.md §4.7 step 1.
func extractCredential(r *http.Request, sessions *session.Manager) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		if rest, ok := strings.CutPrefix(auth, "Basic "); ok {
			if wire, ok := decodeBasic(rest); ok {
				return wire
			}
		}
		return ""
	}

	if sessions != nil {
		if state := sessions.FromRequest(r); state.Token != "" {
			return state.Token
		}
	}
	return ""
}

// decodeBasic extracts the opaque token from a Basic auth value,
// accepting it as either the username or the password half per
// spec.md §4.7 ("username=token or password=token").
func decodeBasic(encoded string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", false
	}
	if strings.HasPrefix(user, token.Prefix) {
		return user, true
	}
	if strings.HasPrefix(pass, token.Prefix) {
		return pass, true
	}
	return "", false
}

// challenge writes the 401 response with the WWW-Authenticate challenge
// spec.md §4.7 step 1 requires, plus NGINX rendering hints.
func (e *Engine) challenge(w http.ResponseWriter, r *http.Request, authType string) {
	challenge := `Bearer realm="` + e.Realm + `"`
	if authType == "basic" {
		challenge = `Basic realm="` + e.Realm + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("X-Error-Status", "401")
	w.Header().Set("X-Error-Body", "Authentication required")
	if e.LoginPath != "" && r.Header.Get("Authorization") == "" {
		originalURI := r.Header.Get("X-Original-URI")
		if originalURI == "" {
			originalURI = r.URL.String()
		}
		w.Header().Set("Location", e.LoginPath+"?rd="+originalURI)
	}
	httperr.WriteError(w, httperr.New(httperr.KindInvalidCredentials, "authentication required"))
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
