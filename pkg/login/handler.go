package login

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/logger"
	"github.com/lsst-dm/jwt-authorizer/pkg/scopes"
	"github.com/lsst-dm/jwt-authorizer/pkg/session"
	"github.com/lsst-dm/jwt-authorizer/pkg/store"
	"github.com/lsst-dm/jwt-authorizer/pkg/token"
)

// generateCSRFState returns a 128-bit base64url CSRF token, the same way
// the gateway's own opaque token secrets are generated.
func generateCSRFState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SessionCreator is the subset of store.Store the login handler needs:
// creating the session token on a successful callback and revoking it
// on logout. A narrower interface than store.Store keeps this package's
// test doubles small and documents exactly what login touches.
type SessionCreator interface {
	Create(ctx context.Context, data *store.TokenData, actor string, ip *string) error
	Get(ctx context.Context, wire string) (*store.TokenData, error)
	Revoke(ctx context.Context, key string, actor string, ip *string) error
}

// Handler drives the login state machine of spec.md §4.4 for a single
// upstream Provider.
type Handler struct {
	provider       Provider
	sessions       *session.Manager
	store          SessionCreator
	mapping        scopes.Mapping
	admins         map[string]struct{}
	host           string
	sessionLife    time.Duration
	afterLogoutURL string
}

// Config carries the deployment parameters a Handler needs beyond its
// Provider: the scope mapping, the admin username list, the host that
// `rd` redirect targets must match, the session token's lifetime, and
// the fallback redirect for `/logout`.
type Config struct {
	Mapping        scopes.Mapping
	AdminUsernames []string
	Host           string
	SessionLife    time.Duration
	AfterLogoutURL string
}

// NewHandler builds a login Handler for a single provider.
func NewHandler(provider Provider, sessions *session.Manager, store SessionCreator, cfg Config) *Handler {
	admins := make(map[string]struct{}, len(cfg.AdminUsernames))
	for _, u := range cfg.AdminUsernames {
		admins[u] = struct{}{}
	}
	return &Handler{
		provider:       provider,
		sessions:       sessions,
		store:          store,
		mapping:        cfg.Mapping,
		admins:         admins,
		host:           cfg.Host,
		sessionLife:    cfg.SessionLife,
		afterLogoutURL: cfg.AfterLogoutURL,
	}
}

// Login implements GET /login. The same path serves both steps 1 and 2
// of the state machine, distinguished by the presence of `code`/`state`
// (GitHub's redirect_uri points back at /login); providers using a
// distinct callback path route it to Callback instead.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if code := r.URL.Query().Get("code"); code != "" {
		h.callback(w, r, code, r.URL.Query().Get("state"))
		return
	}
	h.initiate(w, r)
}

// Callback implements a provider-specific callback path (OIDC).
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	h.callback(w, r, r.URL.Query().Get("code"), r.URL.Query().Get("state"))
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	current := h.sessions.FromRequest(r)
	returnURL := r.URL.Query().Get("rd")

	if current.Token != "" {
		if _, err := h.store.Get(r.Context(), current.Token); err == nil {
			h.redirectToReturnURL(w, r, returnURL)
			return
		}
	}

	csrfState, err := generateCSRFState()
	if err != nil {
		httperr.WriteError(w, httperr.Wrap(httperr.KindProviderError, "failed to generate login state", err))
		return
	}

	if err := h.sessions.SetCookie(w, session.State{CSRFState: csrfState, ReturnURL: returnURL}); err != nil {
		httperr.WriteError(w, err)
		return
	}

	http.Redirect(w, r, h.provider.AuthCodeURL(csrfState), http.StatusFound)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, code, state string) {
	pending := h.sessions.FromRequest(r)

	if pending.CSRFState == "" || code == "" || state == "" {
		h.failLogin(w, r, "missing login state, please try again")
		return
	}
	if subtle.ConstantTimeCompare([]byte(pending.CSRFState), []byte(state)) != 1 {
		h.failLogin(w, r, "login state mismatch")
		return
	}

	identity, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		logger.Warnf("%s login exchange failed: %v", h.provider.Name(), err)
		h.failLogin(w, r, "could not verify identity with "+h.provider.Name())
		return
	}
	if identity.Username == "" {
		h.failLogin(w, r, "provider returned no username")
		return
	}

	_, isAdmin := h.admins[identity.Username]
	grantedScopes := scopes.Derive(identity.Groups, h.mapping, isAdmin)

	if len(h.mapping) > 0 && !isAdmin && !h.hasMappedScope(grantedScopes) {
		h.failLogin(w, r, "no group membership grants any scope")
		return
	}

	tok, err := token.New()
	if err != nil {
		httperr.WriteError(w, httperr.Wrap(httperr.KindProviderError, "failed to generate session token", err))
		return
	}
	expires := time.Now().Add(h.sessionLife)
	data := &store.TokenData{
		Key:          tok.Key,
		HashedSecret: tok.Hash,
		Kind:         store.KindSession,
		Owner:        identity.Username,
		Scopes:       grantedScopes,
		CreatedAt:    time.Now(),
		ExpiresAt:    &expires,
	}
	if identity.Email != "" {
		data.Email = &identity.Email
	}
	if err := h.store.Create(r.Context(), data, identity.Username, nil); err != nil {
		httperr.WriteError(w, err)
		return
	}

	if err := h.sessions.SetCookie(w, session.State{Token: tok.Wire()}); err != nil {
		httperr.WriteError(w, err)
		return
	}

	h.redirectToReturnURL(w, r, pending.ReturnURL)
}

// hasMappedScope reports whether granted contains any scope the
// deployment's group_mapping table can actually grant, as opposed to
// only the synthetic scopes every session carries regardless of group
// membership.
func (h *Handler) hasMappedScope(granted []string) bool {
	grantedSet := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		grantedSet[s] = struct{}{}
	}
	for scope := range h.mapping {
		if _, ok := grantedSet[scope]; ok {
			return true
		}
	}
	return false
}

// failLogin clears the wedged session cookie and returns 403 with a
// human-readable reason, per spec.md §4.4's failure-mode contract.
func (h *Handler) failLogin(w http.ResponseWriter, r *http.Request, reason string) {
	h.sessions.ClearCookie(w)
	logger.Warnf("login failed for %s: %s", r.RemoteAddr, reason)
	httperr.WriteError(w, httperr.New(httperr.KindForbidden, reason))
}

func (h *Handler) redirectToReturnURL(w http.ResponseWriter, r *http.Request, returnURL string) {
	target := returnURL
	if target == "" || !h.sameHost(target) {
		target = "https://" + h.host + "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) sameHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Host == h.host
}

// Logout implements GET /logout: revoke the session token, clear the
// cookie, redirect to after_logout_url.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	state := h.sessions.FromRequest(r)
	if state.Token != "" {
		if data, err := h.store.Get(r.Context(), state.Token); err == nil {
			if err := h.store.Revoke(r.Context(), data.Key, data.Owner, nil); err != nil {
				logger.Warnf("failed to revoke session token on logout: %v", err)
			}
		}
	}
	h.sessions.ClearCookie(w)
	http.Redirect(w, r, h.afterLogoutURL, http.StatusFound)
}
