package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/jwt-authorizer/pkg/cryptoutil"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	secret := make([]byte, cryptoutil.KeySize)
	sealer, err := cryptoutil.NewSealer(secret, cryptoutil.PurposeCookie)
	require.NoError(t, err)
	return NewManager(sealer, time.Hour, true)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := newTestManager(t)
	state := State{Token: "gt-abc.def"}

	value, err := m.Encode(state)
	require.NoError(t, err)

	decoded := m.Decode(value)
	assert.Equal(t, state.Token, decoded.Token)
}

func TestDecodeMalformedCookieIsUnauthenticatedNotError(t *testing.T) {
	m := newTestManager(t)
	decoded := m.Decode("not-a-real-sealed-value")
	assert.Equal(t, State{}, decoded)
}

func TestDecodeEmptyValueIsUnauthenticated(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, State{}, m.Decode(""))
}

func TestSetCookieThenFromRequestRoundTrip(t *testing.T) {
	m := newTestManager(t)
	state := State{CSRFState: "xyz", ReturnURL: "https://example.test/after"}

	rec := httptest.NewRecorder()
	require.NoError(t, m.SetCookie(rec, state))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	got := m.FromRequest(req)
	assert.Equal(t, state, got)
}

func TestClearCookieExpiresImmediately(t *testing.T) {
	m := newTestManager(t)
	rec := httptest.NewRecorder()
	m.ClearCookie(rec)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.Less(t, cookies[0].MaxAge, 0)
}
