// Package api implements the token-admin JSON API mounted under
// /auth/api/v1 (spec.md §4.8): CRUD over tokens and admins, plus the
// caller's own identity/token info.
package api

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-dm/jwt-authorizer/pkg/authdecision"
	"github.com/lsst-dm/jwt-authorizer/pkg/store"
)

// Routes wires the admin API's dependencies, mirroring the teacher's
// *Routes-struct-plus-Router-constructor convention.
type Routes struct {
	store          store.Store
	admins         store.AdminStore
	bootstrapToken string
	trustedProxies []*net.IPNet
}

// Config carries the deployment parameters Routes needs beyond the
// store/admin handles themselves.
type Config struct {
	BootstrapToken string
	TrustedProxies []*net.IPNet
}

// NewRoutes builds the admin API's Routes.
func NewRoutes(tokenStore store.Store, adminStore store.AdminStore, cfg Config) *Routes {
	return &Routes{
		store:          tokenStore,
		admins:         adminStore,
		bootstrapToken: cfg.BootstrapToken,
		trustedProxies: cfg.TrustedProxies,
	}
}

// clientIP returns the caller's real IP per the NGINX-forwarded
// X-Forwarded-For chain, for recording on token mutations (history's
// ip column). Returns nil if it can't be determined.
func (rt *Routes) clientIP(r *http.Request) *string {
	ip := authdecision.TrueClientIP(r, rt.trustedProxies)
	if ip == "" {
		return nil
	}
	return &ip
}

// Router builds the chi router for /auth/api/v1/*.
func (rt *Routes) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(rt.authenticate)

	r.Get("/tokens", rt.listTokens)
	r.Post("/tokens", rt.createToken)
	r.Get("/tokens/{key}", rt.getToken)
	r.Patch("/tokens/{key}", rt.patchToken)
	r.Delete("/tokens/{key}", rt.deleteToken)
	r.Get("/tokens/{key}/change-history", rt.tokenHistory)

	r.Get("/admins", rt.listAdmins)
	r.Post("/admins", rt.addAdmin)
	r.Delete("/admins/{username}", rt.removeAdmin)

	r.Get("/user-info", rt.userInfo)
	r.Get("/token-info", rt.tokenInfo)

	return r
}
