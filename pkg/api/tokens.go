package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/store"
	"github.com/lsst-dm/jwt-authorizer/pkg/token"
)

type createTokenRequest struct {
	Name      string     `json:"token_name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires,omitempty"`
	Kind      string     `json:"token_type,omitempty"` // admin-only; defaults to "user"
	Owner     string     `json:"username,omitempty"`   // admin-only; defaults to the caller
}

// tokenResponse is the one-time response to POST /tokens: it carries the
// wire-form secret, which (unlike store.Info) is never retrievable again.
type tokenResponse struct {
	Token     string     `json:"token"`
	Kind      store.Kind `json:"token_type"`
	Owner     string     `json:"username"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created"`
	ExpiresAt *time.Time `json:"expires,omitempty"`
	Name      *string    `json:"token_name,omitempty"`
}

func (rt *Routes) listTokens(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())

	var owner *string
	if c.isAdmin {
		if q := r.URL.Query().Get("username"); q != "" {
			owner = &q
		}
	} else {
		owner = &c.username
	}

	infos, err := rt.store.List(r.Context(), owner)
	if err != nil {
		httperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (rt *Routes) createToken(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteError(w, httperr.New(httperr.KindMalformedToken, "invalid JSON body"))
		return
	}
	if req.Name == "" {
		httperr.WriteError(w, httperr.New(httperr.KindMalformedToken, "token_name is required"))
		return
	}

	owner := c.username
	kind := store.KindUser
	if c.isAdmin {
		if req.Owner != "" {
			owner = req.Owner
		}
		if req.Kind == string(store.KindService) {
			kind = store.KindService
		}
	} else if req.Owner != "" && req.Owner != c.username {
		httperr.WriteError(w, httperr.New(httperr.KindForbidden, "cannot create a token for another user"))
		return
	}

	tok, err := token.New()
	if err != nil {
		httperr.WriteError(w, httperr.Wrap(httperr.KindConfigError, "failed to generate token", err))
		return
	}

	data := &store.TokenData{
		Key:          tok.Key,
		HashedSecret: tok.Hash,
		Kind:         kind,
		Owner:        owner,
		Scopes:       req.Scopes,
		CreatedAt:    time.Now(),
		ExpiresAt:    req.ExpiresAt,
		Name:         &req.Name,
	}
	if err := rt.store.Create(r.Context(), data, c.username, rt.clientIP(r)); err != nil {
		httperr.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tokenResponse{
		Token:     tok.Wire(),
		Kind:      data.Kind,
		Owner:     data.Owner,
		Scopes:    data.Scopes,
		CreatedAt: data.CreatedAt,
		ExpiresAt: data.ExpiresAt,
		Name:      data.Name,
	})
}

// authorizeOwnership loads key's Info and checks the caller may act on
// it: admins may act on any token, everyone else only on their own.
func (rt *Routes) authorizeOwnership(w http.ResponseWriter, r *http.Request, key string) (*store.Info, bool) {
	c, _ := callerFromContext(r.Context())

	info, err := rt.store.GetInfo(r.Context(), key)
	if err != nil {
		httperr.WriteError(w, err)
		return nil, false
	}
	if !c.isAdmin && !c.ownsToken(info) {
		httperr.WriteError(w, httperr.New(httperr.KindForbidden, "not the owner of this token"))
		return nil, false
	}
	return info, true
}

func (rt *Routes) getToken(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	info, ok := rt.authorizeOwnership(w, r, key)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type patchTokenRequest struct {
	Scopes    *[]string  `json:"scopes,omitempty"`
	Name      *string    `json:"token_name,omitempty"`
	ExpiresAt *time.Time `json:"expires,omitempty"`
}

func (rt *Routes) patchToken(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	c, _ := callerFromContext(r.Context())

	if _, ok := rt.authorizeOwnership(w, r, key); !ok {
		return
	}

	var req patchTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteError(w, httperr.New(httperr.KindMalformedToken, "invalid JSON body"))
		return
	}

	info, err := rt.store.Modify(r.Context(), key, store.Modification{
		Scopes:    req.Scopes,
		Name:      req.Name,
		ExpiresAt: req.ExpiresAt,
	}, c.username, rt.clientIP(r))
	if err != nil {
		httperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (rt *Routes) deleteToken(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	c, _ := callerFromContext(r.Context())

	if _, ok := rt.authorizeOwnership(w, r, key); !ok {
		return
	}

	if err := rt.store.Revoke(r.Context(), key, c.username, rt.clientIP(r)); err != nil {
		httperr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Routes) tokenHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := rt.authorizeOwnership(w, r, key); !ok {
		return
	}

	history, err := rt.store.History(r.Context(), key)
	if err != nil {
		httperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
