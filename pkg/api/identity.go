package api

import (
	"net/http"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
)

type userInfoResponse struct {
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
}

// userInfo reports the caller's own identity, as derived from the token
// presented on this request.
func (rt *Routes) userInfo(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	if !requireNotBootstrap(w, c) {
		return
	}
	writeJSON(w, http.StatusOK, userInfoResponse{Username: c.username, Scopes: c.tokenScopes})
}

// tokenInfo reports the public projection of the token presented on this
// request, the same shape GET /tokens/{key} returns for any other token.
func (rt *Routes) tokenInfo(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	if !requireNotBootstrap(w, c) {
		return
	}

	info, err := rt.store.GetInfo(r.Context(), c.tokenKey)
	if err != nil {
		httperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
