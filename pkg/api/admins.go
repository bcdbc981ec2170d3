package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/store"
)

func (rt *Routes) listAdmins(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	if !c.isAdmin {
		httperr.WriteError(w, httperr.New(httperr.KindForbidden, "admin:token required"))
		return
	}

	usernames, err := rt.admins.ListAdmins(r.Context())
	if err != nil {
		httperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usernames)
}

type addAdminRequest struct {
	Username string `json:"username"`
}

func (rt *Routes) addAdmin(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	if !c.isAdmin {
		httperr.WriteError(w, httperr.New(httperr.KindForbidden, "admin:token required"))
		return
	}

	var req addAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		httperr.WriteError(w, httperr.New(httperr.KindMalformedToken, "username is required"))
		return
	}

	if err := rt.admins.AddAdmin(r.Context(), req.Username); err != nil {
		httperr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (rt *Routes) removeAdmin(w http.ResponseWriter, r *http.Request) {
	c, _ := callerFromContext(r.Context())
	if !c.isAdmin {
		httperr.WriteError(w, httperr.New(httperr.KindForbidden, "admin:token required"))
		return
	}

	username := chi.URLParam(r, "username")
	if err := rt.admins.RemoveAdmin(r.Context(), username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperr.WriteError(w, httperr.New(httperr.KindNotFound, "no such admin"))
			return
		}
		httperr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
