package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/jwt-authorizer/pkg/scopes"
	"github.com/lsst-dm/jwt-authorizer/pkg/store"
	"github.com/lsst-dm/jwt-authorizer/pkg/token"
)

type fakeStore struct {
	byKey     map[string]*store.TokenData
	wireToKey map[string]string
	revoked   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{byKey: map[string]*store.TokenData{}, wireToKey: map[string]string{}}
}

func (f *fakeStore) register(t *testing.T, owner string, scopeList []string) string {
	t.Helper()
	tok, err := token.New()
	require.NoError(t, err)
	f.byKey[tok.Key] = &store.TokenData{
		Key:          tok.Key,
		HashedSecret: tok.Hash,
		Kind:         store.KindUser,
		Owner:        owner,
		Scopes:       scopeList,
		CreatedAt:    time.Now(),
	}
	f.wireToKey[tok.Wire()] = tok.Key
	return tok.Wire()
}

func (f *fakeStore) Create(_ context.Context, data *store.TokenData, _ string, _ *string) error {
	f.byKey[data.Key] = data
	return nil
}

func (f *fakeStore) Get(_ context.Context, wire string) (*store.TokenData, error) {
	key, ok := f.wireToKey[wire]
	if !ok {
		return nil, store.ErrNotFound
	}
	data, ok := f.byKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) GetInfo(_ context.Context, key string) (*store.Info, error) {
	data, ok := f.byKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data.ToInfo(), nil
}

func (f *fakeStore) List(_ context.Context, owner *string) ([]*store.Info, error) {
	var out []*store.Info
	for _, d := range f.byKey {
		if owner == nil || d.Owner == *owner {
			out = append(out, d.ToInfo())
		}
	}
	return out, nil
}

func (f *fakeStore) Modify(_ context.Context, key string, mod store.Modification, _ string, _ *string) (*store.Info, error) {
	data, ok := f.byKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if mod.Scopes != nil {
		data.Scopes = *mod.Scopes
	}
	if mod.Name != nil {
		data.Name = mod.Name
	}
	if mod.ExpiresAt != nil {
		data.ExpiresAt = mod.ExpiresAt
	}
	return data.ToInfo(), nil
}

func (f *fakeStore) Revoke(_ context.Context, key string, _ string, _ *string) error {
	if _, ok := f.byKey[key]; !ok {
		return store.ErrNotFound
	}
	delete(f.byKey, key)
	f.revoked = append(f.revoked, key)
	return nil
}

func (f *fakeStore) History(context.Context, string) ([]*store.HistoryEntry, error) { return nil, nil }
func (f *fakeStore) Audit(context.Context) ([]store.Inconsistency, error)           { return nil, nil }

type fakeAdminStore struct {
	admins map[string]bool
}

func newFakeAdminStore(initial ...string) *fakeAdminStore {
	f := &fakeAdminStore{admins: map[string]bool{}}
	for _, u := range initial {
		f.admins[u] = true
	}
	return f
}

func (f *fakeAdminStore) ListAdmins(context.Context) ([]string, error) {
	var out []string
	for u := range f.admins {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeAdminStore) AddAdmin(_ context.Context, username string) error {
	f.admins[username] = true
	return nil
}

func (f *fakeAdminStore) RemoveAdmin(_ context.Context, username string) error {
	if !f.admins[username] {
		return store.ErrNotFound
	}
	delete(f.admins, username)
	return nil
}

func newTestRoutes(fs *fakeStore, fa *fakeAdminStore) *Routes {
	return NewRoutes(fs, fa, Config{BootstrapToken: "bootstrap-secret"})
}

func doRequest(t *testing.T, r http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var bodyReader *bytes.Buffer
	if body != "" {
		bodyReader = bytes.NewBufferString(body)
	} else {
		bodyReader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, bodyReader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticateRejectsMissingBearer(t *testing.T) {
	fs := newFakeStore()
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodGet, "/tokens", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateRejectsTokenWithoutRecognizedScope(t *testing.T) {
	fs := newFakeStore()
	wire := fs.register(t, "alice", []string{"read:all"})
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodGet, "/tokens", wire, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListTokensAdminSeesAll(t *testing.T) {
	fs := newFakeStore()
	admin := fs.register(t, "root", []string{scopes.SyntheticAdminScope, scopes.SyntheticUserScope})
	fs.register(t, "alice", []string{scopes.SyntheticUserScope})
	fs.register(t, "bob", []string{scopes.SyntheticUserScope})
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodGet, "/tokens", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []store.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	assert.Len(t, infos, 3)
}

func TestListTokensUserSeesOnlyOwn(t *testing.T) {
	fs := newFakeStore()
	aliceWire := fs.register(t, "alice", []string{scopes.SyntheticUserScope})
	fs.register(t, "bob", []string{scopes.SyntheticUserScope})
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodGet, "/tokens", aliceWire, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []store.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "alice", infos[0].Owner)
}

func TestCreateTokenUserCannotSetOwner(t *testing.T) {
	fs := newFakeStore()
	aliceWire := fs.register(t, "alice", []string{scopes.SyntheticUserScope})
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodPost, "/tokens", aliceWire,
		`{"token_name":"ci","scopes":["read:all"],"username":"bob"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateTokenSelfServiceSucceeds(t *testing.T) {
	fs := newFakeStore()
	aliceWire := fs.register(t, "alice", []string{scopes.SyntheticUserScope})
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodPost, "/tokens", aliceWire,
		`{"token_name":"ci","scopes":["read:all"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Owner)
	assert.Contains(t, resp.Token, "gt-")
}

func TestGetTokenForbiddenForNonOwner(t *testing.T) {
	fs := newFakeStore()
	aliceWire := fs.register(t, "alice", []string{scopes.SyntheticUserScope})
	bobWire := fs.register(t, "bob", []string{scopes.SyntheticUserScope})
	rt := newTestRoutes(fs, newFakeAdminStore())

	bobKey := fs.wireToKey[bobWire]
	rec := doRequest(t, rt.Router(), http.MethodGet, "/tokens/"+bobKey, aliceWire, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteTokenRevokesAndReturns204(t *testing.T) {
	fs := newFakeStore()
	adminWire := fs.register(t, "root", []string{scopes.SyntheticAdminScope, scopes.SyntheticUserScope})
	victimWire := fs.register(t, "alice", []string{scopes.SyntheticUserScope})
	rt := newTestRoutes(fs, newFakeAdminStore())

	victimKey := fs.wireToKey[victimWire]
	rec := doRequest(t, rt.Router(), http.MethodDelete, "/tokens/"+victimKey, adminWire, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, fs.revoked, victimKey)
}

func TestAdminsRouteRequiresAdminScope(t *testing.T) {
	fs := newFakeStore()
	userWire := fs.register(t, "alice", []string{scopes.SyntheticUserScope})
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodGet, "/admins", userWire, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAddThenRemoveAdmin(t *testing.T) {
	fs := newFakeStore()
	adminWire := fs.register(t, "root", []string{scopes.SyntheticAdminScope, scopes.SyntheticUserScope})
	fa := newFakeAdminStore()
	rt := newTestRoutes(fs, fa)

	rec := doRequest(t, rt.Router(), http.MethodPost, "/admins", adminWire, `{"username":"newadmin"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, fa.admins["newadmin"])

	rec = doRequest(t, rt.Router(), http.MethodDelete, "/admins/newadmin", adminWire, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, fa.admins["newadmin"])
}

func TestBootstrapTokenAuthenticatesAsFixedUsernameSuperAdmin(t *testing.T) {
	fs := newFakeStore()
	fs.register(t, "alice", []string{scopes.SyntheticUserScope})
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodGet, "/tokens", "bootstrap-secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserInfoRejectsBootstrapToken(t *testing.T) {
	fs := newFakeStore()
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodGet, "/user-info", "bootstrap-secret", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUserInfoReportsCallerIdentity(t *testing.T) {
	fs := newFakeStore()
	wire := fs.register(t, "alice", []string{scopes.SyntheticUserScope, "read:all"})
	rt := newTestRoutes(fs, newFakeAdminStore())

	rec := doRequest(t, rt.Router(), http.MethodGet, "/user-info", wire, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp userInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Username)
	assert.Contains(t, resp.Scopes, "read:all")
}
