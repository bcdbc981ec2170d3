// Package session implements the browser session cookie: an
// encrypted-and-authenticated blob carrying the caller's wire token
// and/or an in-flight login's CSRF state (spec.md §4.5).
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lsst-dm/jwt-authorizer/pkg/cryptoutil"
)

// CookieName is the fixed name of the gateway's session cookie.
const CookieName = "gafaelfawr"

// State is the payload sealed inside the cookie. Token is set once the
// browser is AUTHENTICATED; CSRFState and ReturnURL are set only while
// LOGIN_PENDING and are cleared on a successful callback.
type State struct {
	Token      string `json:"token,omitempty"`
	CSRFState  string `json:"state,omitempty"`
	ReturnURL  string `json:"return_url,omitempty"`
}

// Manager encodes and decodes session cookies using a Sealer configured
// with cryptoutil.PurposeCookie, so a sealed cookie can never be replayed
// as a cache payload sealed under PurposeCache or vice versa.
type Manager struct {
	sealer   *cryptoutil.Sealer
	lifetime time.Duration
	secure   bool
}

// NewManager builds a cookie Manager. lifetime is both the cookie's
// Max-Age and the maximum age Open accepts for a sealed payload. secure
// controls the cookie's Secure attribute, disabled only for local
// development over plain HTTP.
func NewManager(sealer *cryptoutil.Sealer, lifetime time.Duration, secure bool) *Manager {
	return &Manager{sealer: sealer, lifetime: lifetime, secure: secure}
}

// Encode seals state into the cookie's value.
func (m *Manager) Encode(state State) (string, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal session state: %w", err)
	}
	sealed, err := m.sealer.Seal(payload)
	if err != nil {
		return "", fmt.Errorf("seal session state: %w", err)
	}
	return sealed, nil
}

// Decode opens a cookie value into its State. A malformed, expired, or
// undecryptable cookie is not an error condition worth surfacing to the
// client — spec.md §4.5 treats it as UNAUTHENTICATED — so Decode returns
// the zero State rather than an error in that case.
func (m *Manager) Decode(value string) State {
	if value == "" {
		return State{}
	}
	payload, err := m.sealer.Open(value, m.lifetime)
	if err != nil {
		return State{}
	}
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}
	}
	return state
}

// SetCookie writes state onto w as the session cookie.
func (m *Manager) SetCookie(w http.ResponseWriter, state State) error {
	value, err := m.Encode(state)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(m.lifetime.Seconds()),
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie expires the session cookie immediately, used on logout and
// on recovery from a wedged LOGIN_PENDING state.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest reads and decodes the session cookie from r, returning the
// zero State if absent or invalid.
func (m *Manager) FromRequest(r *http.Request) State {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return State{}
	}
	return m.Decode(c.Value)
}
